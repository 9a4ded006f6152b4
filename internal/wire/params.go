// ABOUTME: Typed request params for every protocol method
// ABOUTME: Includes inline attachment decoding from data URIs

package wire

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ConnectParams open a socket session. Auth carries the bearer token when the
// listener requires one.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Auth        *AuthParams `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
}

// AuthParams carry connect-time credentials.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// ConnectResult is the hello payload answering a successful connect.
type ConnectResult struct {
	Protocol int    `json:"protocol"`
	ServerID string `json:"serverId"`
	Version  string `json:"version"`
}

// ChatSendParams submit one agent turn.
type ChatSendParams struct {
	SessionKey     string       `json:"sessionKey"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Message        string       `json:"message"`
	ThinkingLevel  string       `json:"thinking,omitempty"`
	Deliver        bool         `json:"deliver,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	ChatType       string       `json:"chatType,omitempty"`
	Destination    string       `json:"to,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is an inline attachment. Content is either a data URI
// ("data:<mime>;base64,<payload>") or raw base64.
type Attachment struct {
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Content  string `json:"content"`
}

// Decode returns the attachment's raw bytes and effective MIME type. A data
// URI's embedded MIME type wins over the declared one.
func (a Attachment) Decode() ([]byte, string, error) {
	content := a.Content
	mimeType := a.MimeType

	if strings.HasPrefix(content, "data:") {
		rest := strings.TrimPrefix(content, "data:")
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URI: no comma separator")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("unsupported data URI encoding: %q", meta)
		}
		if mt := strings.TrimSuffix(meta, ";base64"); mt != "" {
			mimeType = mt
		}
		content = payload
	}

	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, "", fmt.Errorf("decoding attachment content: %w", err)
	}
	return data, mimeType, nil
}

// ChatSendResult answers a chat.send with the run's admission status.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChatAbortParams signal cancellation. An empty RunID aborts every
// non-terminal run on the session.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// ChatAbortResult reports what the abort did.
type ChatAbortResult struct {
	Aborted bool     `json:"aborted"`
	RunIDs  []string `json:"runIds,omitempty"`
}

// ChatHistoryParams fetch a session's transcript window.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// AgentParams submit a turn and optionally wait for the terminal result.
type AgentParams struct {
	ChatSendParams
	Wait      bool `json:"wait,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

// AgentWaitParams block on an existing run's terminal state.
type AgentWaitParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

// AgentWaitResult is the terminal outcome of a waited run.
type AgentWaitResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
	Model  string `json:"model,omitempty"`
}

// SessionsListParams page through known sessions by recency.
type SessionsListParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// SessionsGetParams fetch one session entry.
type SessionsGetParams struct {
	SessionKey string `json:"sessionKey"`
}

// SessionsPatchParams update mutable session fields. Nil pointers leave the
// field untouched.
type SessionsPatchParams struct {
	SessionKey    string  `json:"sessionKey"`
	ThinkingLevel *string `json:"thinking,omitempty"`
	VerboseLevel  *string `json:"verbose,omitempty"`
	Model         *string `json:"model,omitempty"`
	SendPolicy    *string `json:"sendPolicy,omitempty"`
}

// SessionsResetParams rotate a session's transcript handle, discarding its
// visible history without deleting stored messages.
type SessionsResetParams struct {
	SessionKey string `json:"sessionKey"`
}

// SubscribeParams attach the connection to a session's event stream.
type SubscribeParams struct {
	SessionKey string `json:"sessionKey"`
}
