// ABOUTME: TurnRunner interface and turn request/result types
// ABOUTME: The agent engine is an external collaborator consumed through this boundary

package coordinator

import (
	"context"

	"github.com/willcshanahan/turngate/internal/event"
)

// TurnRunner is the external agent engine. RunTurn blocks until the turn
// resolves, emitting intermediate events through emit as they happen. The
// passed context is the run's cancel handle: cancellation is advisory, the
// runner's return is authoritative.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *TurnRequest, emit func(event.AgentEvent)) (*TurnResult, error)
}

// TurnRequest is one admitted turn handed to the engine.
type TurnRequest struct {
	RunID         string
	SessionKey    string
	SessionID     string
	Message       string
	ThinkingLevel string
	Model         string
	Deliver       bool
	Provider      string
	Destination   string
	Attachments   []Attachment
}

// Attachment is a decoded inline attachment. Data holds the raw bytes after
// any data-URI decoding at the transport edge.
type Attachment struct {
	Type     string
	MimeType string
	FileName string
	Data     []byte
}

// TurnResult is the engine's terminal outcome for a successful turn.
type TurnResult struct {
	Text  string
	Model string
	Usage event.Usage

	// Delivered routing, set only when the engine delivered output to an
	// outbound provider. The session's last route is updated from these,
	// never speculatively from the request.
	Provider    string
	Destination string
}
