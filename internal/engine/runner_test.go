// ABOUTME: Tests for the bridge-backed turn runner
// ABOUTME: Uses a scriptable fake node registry, no live connections

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/bridge"
	"github.com/willcshanahan/turngate/internal/coordinator"
	"github.com/willcshanahan/turngate/internal/event"
)

// fakeNodes scripts the registry surface the runner depends on.
type fakeNodes struct {
	mu       sync.Mutex
	nodes    []bridge.NodeInfo
	invoke   func(ctx context.Context, params *bridge.InvokeParams) (*bridge.InvokeResult, error)
	notified []bridge.Event
}

func (f *fakeNodes) List() []bridge.NodeInfo {
	return f.nodes
}

func (f *fakeNodes) Invoke(ctx context.Context, params *bridge.InvokeParams) (*bridge.InvokeResult, error) {
	return f.invoke(ctx, params)
}

func (f *fakeNodes) Notify(_ string, ev bridge.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, ev)
	return nil
}

func (f *fakeNodes) notifications() []bridge.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Event(nil), f.notified...)
}

func agentNode(id string) bridge.NodeInfo {
	return bridge.NodeInfo{NodeID: id, Name: id, Caps: []string{AgentCap}, Online: true}
}

func TestRunTurn_NoEngineConnected(t *testing.T) {
	nodes := &fakeNodes{nodes: []bridge.NodeInfo{
		{NodeID: "speaker", Caps: []string{"audio"}, Online: true},
	}}
	r := NewRunner(nodes, nil)

	_, err := r.RunTurn(t.Context(), &coordinator.TurnRequest{RunID: "run-1"}, func(event.AgentEvent) {})
	assert.ErrorIs(t, err, ErrNoEngine)
}

func TestRunTurn_RoundTrip(t *testing.T) {
	var gotParams *bridge.InvokeParams
	nodes := &fakeNodes{nodes: []bridge.NodeInfo{agentNode("engine-1")}}
	nodes.invoke = func(_ context.Context, params *bridge.InvokeParams) (*bridge.InvokeResult, error) {
		gotParams = params
		out, _ := json.Marshal(turnOutput{
			Text:  "four",
			Model: "claude-x",
			Usage: event.Usage{InputTokens: 10, OutputTokens: 2},
		})
		return &bridge.InvokeResult{Output: out}, nil
	}
	r := NewRunner(nodes, nil)

	req := &coordinator.TurnRequest{
		RunID:      "run-1",
		SessionKey: "sess-a",
		Message:    "what is 2+2",
		Model:      "claude-x",
		Attachments: []coordinator.Attachment{
			{Type: "image", MimeType: "image/png", FileName: "chart.png", Data: []byte{1, 2}},
		},
	}
	result, err := r.RunTurn(t.Context(), req, func(event.AgentEvent) {})
	require.NoError(t, err)
	assert.Equal(t, "four", result.Text)
	assert.Equal(t, "claude-x", result.Model)
	assert.Equal(t, int64(10), result.Usage.InputTokens)

	require.NotNil(t, gotParams)
	assert.Equal(t, "engine-1", gotParams.NodeID)
	assert.Equal(t, "agent.turn", gotParams.Command)
	assert.Equal(t, "run-1", gotParams.IdempotencyKey)

	var args turnArgs
	require.NoError(t, json.Unmarshal(gotParams.Args, &args))
	assert.Equal(t, "run-1", args.RunID)
	assert.Equal(t, "sess-a", args.SessionKey)
	assert.Equal(t, "what is 2+2", args.Message)
	require.Len(t, args.Attachments, 1)
	assert.Equal(t, "chart.png", args.Attachments[0].FileName)
}

func TestRunTurn_EngineErrorBecomesError(t *testing.T) {
	nodes := &fakeNodes{nodes: []bridge.NodeInfo{agentNode("engine-1")}}
	nodes.invoke = func(context.Context, *bridge.InvokeParams) (*bridge.InvokeResult, error) {
		return &bridge.InvokeResult{IsError: true, Message: "model overloaded"}, nil
	}
	r := NewRunner(nodes, nil)

	_, err := r.RunTurn(t.Context(), &coordinator.TurnRequest{RunID: "run-1"}, func(event.AgentEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestEmit_ForwardsToInFlightRunOnly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	nodes := &fakeNodes{nodes: []bridge.NodeInfo{agentNode("engine-1")}}
	nodes.invoke = func(ctx context.Context, _ *bridge.InvokeParams) (*bridge.InvokeResult, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &bridge.InvokeResult{Output: json.RawMessage(`{"text":"done"}`)}, nil
	}
	r := NewRunner(nodes, nil)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.RunTurn(t.Context(), &coordinator.TurnRequest{RunID: "run-1"}, func(ev event.AgentEvent) {
			mu.Lock()
			seen = append(seen, ev.Assistant.Text)
			mu.Unlock()
		})
	}()

	<-started
	r.Emit("run-1", event.AgentEvent{Stream: event.StreamAssistant, Assistant: &event.AssistantPayload{Text: "hello"}})
	r.Emit("run-other", event.AgentEvent{Stream: event.StreamAssistant, Assistant: &event.AssistantPayload{Text: "stray"}})
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, seen)

	// After the turn unwound, further events for the run are dropped too.
	r.Emit("run-1", event.AgentEvent{Stream: event.StreamAssistant, Assistant: &event.AssistantPayload{Text: "late"}})
	assert.Equal(t, []string{"hello"}, seen)
}

func TestRunTurn_CancelNotifiesEngine(t *testing.T) {
	started := make(chan struct{})
	nodes := &fakeNodes{nodes: []bridge.NodeInfo{agentNode("engine-1")}}
	nodes.invoke = func(ctx context.Context, _ *bridge.InvokeParams) (*bridge.InvokeResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := NewRunner(nodes, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := r.RunTurn(ctx, &coordinator.TurnRequest{RunID: "run-1"}, func(event.AgentEvent) {})
		done <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Eventually(t, func() bool {
		return len(nodes.notifications()) > 0
	}, time.Second, 10*time.Millisecond)
	notes := nodes.notifications()
	assert.Equal(t, "agent.abort", notes[0].Event)
}
