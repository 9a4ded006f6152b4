// ABOUTME: Send policy rules evaluated before run admission
// ABOUTME: Allow/deny rules matched against provider, chat type, and session key prefix

package policy

import (
	"strings"
)

// Action is the outcome of a policy evaluation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule matches a send against its route. Empty fields match anything; a rule
// applies only when every non-empty field matches.
type Rule struct {
	Provider      string `yaml:"provider"`
	ChatType      string `yaml:"chat_type"`
	SessionPrefix string `yaml:"session_prefix"`
	Action        Action `yaml:"action"`
}

// Request describes the route a send would take.
type Request struct {
	Provider   string
	ChatType   string
	SessionKey string

	// Override is the session's explicit sendPolicy override, if any.
	// It takes precedence over the configured rules.
	Override string
}

// Evaluator applies ordered rules with a configurable default.
type Evaluator struct {
	rules        []Rule
	defaultAllow bool
}

// NewEvaluator builds an evaluator. Rules are checked in order; the first
// match wins. With no matching rule the default applies (allow unless
// denyByDefault).
func NewEvaluator(rules []Rule, denyByDefault bool) *Evaluator {
	return &Evaluator{rules: rules, defaultAllow: !denyByDefault}
}

// Evaluate decides whether a send may proceed.
func (e *Evaluator) Evaluate(req Request) Action {
	switch strings.ToLower(strings.TrimSpace(req.Override)) {
	case string(ActionAllow):
		return ActionAllow
	case string(ActionDeny):
		return ActionDeny
	}

	for _, rule := range e.rules {
		if rule.matches(req) {
			if rule.Action == ActionDeny {
				return ActionDeny
			}
			return ActionAllow
		}
	}
	if e.defaultAllow {
		return ActionAllow
	}
	return ActionDeny
}

func (r Rule) matches(req Request) bool {
	if r.Provider != "" && !strings.EqualFold(r.Provider, req.Provider) {
		return false
	}
	if r.ChatType != "" && !strings.EqualFold(r.ChatType, req.ChatType) {
		return false
	}
	if r.SessionPrefix != "" && !strings.HasPrefix(req.SessionKey, r.SessionPrefix) {
		return false
	}
	return true
}
