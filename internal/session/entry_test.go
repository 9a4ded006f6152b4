// ABOUTME: Wire-shape tests for session entry and history serialization
// ABOUTME: Locks the camelCase key names the transports emit

package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/event"
)

func TestEntryWireShape(t *testing.T) {
	e := Entry{
		SessionKey:         "sess-a",
		SessionID:          "transcript-1",
		UpdatedAt:          time.Now(),
		Model:              "claude-x",
		ThinkingLevel:      "high",
		Usage:              event.Usage{InputTokens: 7},
		TranscriptOverride: "forked-transcript",
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &keys))

	for _, key := range []string{"sessionKey", "sessionId", "updatedAt", "model", "thinkingLevel", "usage"} {
		assert.Contains(t, keys, key)
	}
	assert.NotContains(t, keys, "SessionID")

	// The override is routing state, not part of the session's wire shape.
	assert.NotContains(t, string(raw), "forked-transcript")

	var usage map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(keys["usage"], &usage))
	assert.Contains(t, usage, "inputTokens")
	assert.Contains(t, usage, "outputTokens")
}

func TestHistoryResultWireShape(t *testing.T) {
	res := HistoryResult{
		SessionID:     "transcript-1",
		Messages:      []*Message{{ID: "m1", SessionID: "transcript-1", Role: "user", Content: "hi"}},
		ThinkingLevel: "low",
	}

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &keys))

	assert.Contains(t, keys, "sessionId")
	assert.Contains(t, keys, "messages")
	assert.Contains(t, keys, "thinkingLevel")
	assert.NotContains(t, keys, "SessionID")
	assert.NotContains(t, keys, "Messages")
}
