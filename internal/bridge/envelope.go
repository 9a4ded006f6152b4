// ABOUTME: Bridge protocol envelopes for paired remote devices
// ABOUTME: Request/response pairs by id plus unsolicited event pushes

package bridge

import "encoding/json"

// Request is one inbound call from a paired device.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request by id.
type Response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is an unsolicited push to a device: subscription traffic and
// gateway-initiated invocations.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Error mirrors the socket protocol's error shape.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HelloParams authenticate a device connection. Approved devices present the
// node token issued at pairing; unpaired devices connect with neither and may
// only call pair.request.
type HelloParams struct {
	NodeID string   `json:"nodeId"`
	Token  string   `json:"token,omitempty"`
	Name   string   `json:"name,omitempty"`
	Caps   []string `json:"caps,omitempty"`
}

// VoiceInboundParams carry a spoken utterance from a device. Without a
// session key the turn lands on the device's default session.
type VoiceInboundParams struct {
	Text       string `json:"text"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// InvokeParams ask a connected device to execute one of its capabilities.
// IdempotencyKey dedupes retries; TimeoutMs bounds the round trip.
type InvokeParams struct {
	NodeID         string          `json:"nodeId"`
	Command        string          `json:"command"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	TimeoutMs      int             `json:"timeoutMs,omitempty"`
}

// InvokeResult is a device's answer to an invocation.
type InvokeResult struct {
	NodeID  string          `json:"nodeId"`
	Command string          `json:"command"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Message string          `json:"message,omitempty"`
}
