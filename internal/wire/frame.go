// ABOUTME: JSON frame envelope shared by the socket and bridge transports
// ABOUTME: Request/response/event frames plus the protocol error vocabulary

package wire

import "encoding/json"

// Protocol version negotiated during connect.
const ProtocolVersion = 1

// Frame is the envelope for every message on a connection. Type is "req",
// "res", or "event"; the other fields apply per type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Seq     *uint64         `json:"seq,omitempty"`
}

// Error codes. Every error a transport returns uses one of these.
const (
	CodeNotLinked      = "NOT_LINKED"      // no outbound route recorded for the session
	CodeAgentTimeout   = "AGENT_TIMEOUT"   // agent.wait deadline elapsed before a terminal state
	CodeInvalidRequest = "INVALID_REQUEST" // malformed params or inconsistent identifiers
	CodeUnavailable    = "UNAVAILABLE"     // dependency down or shutting down; retryable
	CodeSendBlocked    = "SEND_BLOCKED"    // send policy denied the request
	CodeUnauthorized   = "UNAUTHORIZED"    // connect auth failed
)

// Error is a structured protocol error. Retryable tells the client whether
// resending the identical request can succeed; RetryAfterMs is a hint.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// NewError builds a protocol error. UNAVAILABLE errors are retryable by
// construction.
func NewError(code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == CodeUnavailable,
	}
}

// Response builds a "res" frame answering request id.
func Response(id string, payload any) Frame {
	ok := true
	return Frame{Type: "res", ID: id, OK: &ok, Payload: payload}
}

// ErrorResponse builds a failed "res" frame answering request id.
func ErrorResponse(id string, err *Error) Frame {
	ok := false
	return Frame{Type: "res", ID: id, OK: &ok, Error: err}
}

// Event builds an "event" frame carrying a connection-local sequence number.
func Event(name string, seq uint64, payload any) Frame {
	return Frame{Type: "event", Event: name, Seq: &seq, Payload: payload}
}
