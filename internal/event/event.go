// ABOUTME: AgentEvent tagged union emitted by turn invocations
// ABOUTME: One payload variant per stream so projection code can switch exhaustively

package event

import "time"

// Stream discriminates the payload variant carried by an AgentEvent.
type Stream string

const (
	StreamAssistant  Stream = "assistant"
	StreamTool       Stream = "tool"
	StreamLifecycle  Stream = "lifecycle"
	StreamCompaction Stream = "compaction"
)

// Phase is the lifecycle stage of a run reported on the lifecycle stream.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseEnd     Phase = "end"
	PhaseError   Phase = "error"
	PhaseAborted Phase = "aborted"
)

// AgentEvent is one immutable emission from the agent engine, stamped with a
// per-run monotonic sequence number by the Bus at publish time. Exactly one
// payload pointer is non-nil, matching Stream.
type AgentEvent struct {
	RunID      string
	SessionKey string
	Seq        uint64
	Timestamp  time.Time
	Stream     Stream

	Assistant  *AssistantPayload
	Tool       *ToolPayload
	Lifecycle  *LifecyclePayload
	Compaction *CompactionPayload
}

// AssistantPayload carries streamed assistant output.
type AssistantPayload struct {
	Text     string `json:"text"`
	Thinking bool   `json:"thinking,omitempty"` // true for reasoning deltas, surfaced only at high verbosity
}

// ToolPayload carries tool activity. Summary is a short human-readable line
// used when a connection runs with tool verbosity off but summaries enabled.
type ToolPayload struct {
	ToolID    string `json:"toolId"`
	Name      string `json:"name"`
	State     string `json:"state"` // "running", "completed", "failed"
	InputJSON string `json:"inputJson,omitempty"`
	Output    string `json:"output,omitempty"`
	Summary   string `json:"summary,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// LifecyclePayload marks run boundaries. Result/Error are only set for the
// terminal phases; Usage and Model accompany PhaseEnd.
type LifecyclePayload struct {
	Phase  Phase  `json:"phase"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Model  string `json:"model,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

// CompactionPayload reports a transcript compaction performed mid-run.
type CompactionPayload struct {
	Reason       string `json:"reason,omitempty"`
	TokensBefore int64  `json:"tokensBefore"`
	TokensAfter  int64  `json:"tokensAfter"`
}

// Usage counts tokens consumed by a turn.
type Usage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
}

// Assistant builds an assistant delta event for a run.
func Assistant(runID, sessionKey, text string) AgentEvent {
	return AgentEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Stream:     StreamAssistant,
		Assistant:  &AssistantPayload{Text: text},
	}
}

// Lifecycle builds a lifecycle event for a run.
func Lifecycle(runID, sessionKey string, payload LifecyclePayload) AgentEvent {
	return AgentEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Stream:     StreamLifecycle,
		Lifecycle:  &payload,
	}
}

// Tool builds a tool activity event for a run.
func Tool(runID, sessionKey string, payload ToolPayload) AgentEvent {
	return AgentEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Stream:     StreamTool,
		Tool:       &payload,
	}
}
