// ABOUTME: SessionEntry and transcript message types for session persistence
// ABOUTME: One entry per session key holding routing and runtime metadata

package session

import (
	"errors"
	"time"

	"github.com/willcshanahan/turngate/internal/event"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Entry is the durable routing/runtime metadata for one session key.
// LastProvider/LastDestination are only written on successful delivery, never
// speculatively; UpdatedAt is monotonically non-decreasing.
type Entry struct {
	SessionKey      string      `json:"sessionKey"`
	SessionID       string      `json:"sessionId"` // opaque handle into the transcript log
	UpdatedAt       time.Time   `json:"updatedAt"`
	LastProvider    string      `json:"lastProvider,omitempty"`
	LastDestination string      `json:"lastDestination,omitempty"`
	ThinkingLevel   string      `json:"thinkingLevel,omitempty"`
	VerboseLevel    string      `json:"verboseLevel,omitempty"`
	Model           string      `json:"model,omitempty"`
	Usage           event.Usage `json:"usage"`
	SendPolicy      string      `json:"sendPolicy,omitempty"` // "", "allow", "deny"

	// TranscriptOverride, when set (e.g. after a session fork), points history
	// reads at an alternate transcript instead of SessionID. Internal routing
	// state; stays off the wire.
	TranscriptOverride string `json:"-"`
}

// TranscriptID returns the transcript the session's history reads from.
func (e *Entry) TranscriptID() string {
	if e.TranscriptOverride != "" {
		return e.TranscriptOverride
	}
	return e.SessionID
}

// Message is one entry in a session's append-only transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"` // "user", "assistant", "system", "tool"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryResult is the windowed transcript returned by chat.history.
type HistoryResult struct {
	SessionID     string     `json:"sessionId"`
	Messages      []*Message `json:"messages"`
	ThinkingLevel string     `json:"thinkingLevel,omitempty"`
}
