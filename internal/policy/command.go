// ABOUTME: Inline control command parsing for inbound chat text
// ABOUTME: Detects /stop (abort) and /send allow|deny|inherit (policy override)

package policy

import (
	"regexp"
	"strings"
)

// Command is an inline control command found in inbound message text. A
// message that parses as a command is never treated as a new turn.
type Command struct {
	// Stop maps to an abort of every non-terminal run on the session.
	Stop bool

	// SendPolicy is set for /send commands: "allow", "deny", or "inherit".
	// Empty when the command carried no recognized mode.
	SendPolicy string

	// HasSendCommand is true when the text is a /send command, even if the
	// mode argument was missing or unrecognized.
	HasSendCommand bool
}

var (
	stopCommandRegex = regexp.MustCompile(`(?i)^/(stop|abort)\s*$`)
	sendCommandRegex = regexp.MustCompile(`(?i)^/send(?:\s*:\s*|\s+)?([a-zA-Z]*)\s*$`)
)

// ParseCommand inspects inbound text for a control command. Returns nil when
// the text is an ordinary message. Only the first line is considered, and
// colon syntax ("/send: allow") is normalized to space syntax.
func ParseCommand(raw string) *Command {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	if idx := strings.Index(trimmed, "\n"); idx != -1 {
		trimmed = strings.TrimSpace(trimmed[:idx])
	}

	if stopCommandRegex.MatchString(trimmed) {
		return &Command{Stop: true}
	}

	match := sendCommandRegex.FindStringSubmatch(trimmed)
	if match == nil {
		return nil
	}
	cmd := &Command{HasSendCommand: true}
	switch strings.ToLower(match[1]) {
	case "allow", "on":
		cmd.SendPolicy = string(ActionAllow)
	case "deny", "off":
		cmd.SendPolicy = string(ActionDeny)
	case "inherit", "default", "reset":
		cmd.SendPolicy = "inherit"
	}
	return cmd
}
