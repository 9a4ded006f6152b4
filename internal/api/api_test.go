// ABOUTME: Tests for the shared protocol method handlers
// ABOUTME: Covers error-code mapping, delivery routing, waits, session methods

package api

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/coordinator"
	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/policy"
	"github.com/willcshanahan/turngate/internal/runs"
	"github.com/willcshanahan/turngate/internal/session"
	"github.com/willcshanahan/turngate/internal/wire"
)

type stubRunner struct {
	run func(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error)
}

func (s *stubRunner) RunTurn(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
	if s.run != nil {
		return s.run(ctx, req, emit)
	}
	return &coordinator.TurnResult{Text: "reply to " + req.Message}, nil
}

type apiFixture struct {
	api      *API
	coord    *coordinator.Coordinator
	sessions *session.Store
	runner   *stubRunner
}

func newAPIFixture(t *testing.T, rules []policy.Rule) *apiFixture {
	t.Helper()

	store, err := session.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)
	registry := runs.NewRegistry(time.Hour, nil)
	t.Cleanup(registry.Close)

	runner := &stubRunner{}
	coord := coordinator.New(registry, bus, store, policy.NewEvaluator(rules, false), runner, nil)
	a := New(coord, store, session.DefaultHistoryCaps(), nil)

	return &apiFixture{api: a, coord: coord, sessions: store, runner: runner}
}

func TestChatSend_AdmitsTurn(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
	})
	require.Nil(t, werr)
	result := payload.(*wire.ChatSendResult)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, "started", result.Status)
}

func TestChatSend_DeliverWithoutRouteIsNotLinked(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		Deliver: true,
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeNotLinked, werr.Code)
}

func TestChatSend_DeliverUsesRememberedRoute(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, err := f.sessions.Save(t.Context(), "sess-a", func(e *session.Entry) {
		e.LastProvider = "discord"
		e.LastDestination = "channel-9"
	})
	require.NoError(t, err)

	var got *coordinator.TurnRequest
	done := make(chan struct{})
	f.runner.run = func(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
		got = req
		close(done)
		return &coordinator.TurnResult{}, nil
	}

	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		Deliver: true,
	})
	require.Nil(t, werr)
	<-done
	assert.Equal(t, "discord", got.Provider)
	assert.Equal(t, "channel-9", got.Destination)
}

func TestChatSend_BadAttachmentIsInvalid(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		Attachments: []wire.Attachment{{Content: "not base64 at all!!"}},
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeInvalidRequest, werr.Code)
}

func TestChatSend_AttachmentsDecodeBeforeAdmission(t *testing.T) {
	f := newAPIFixture(t, nil)

	raw := []byte("attachment bytes")
	var got []coordinator.Attachment
	done := make(chan struct{})
	f.runner.run = func(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
		got = req.Attachments
		close(done)
		return &coordinator.TurnResult{}, nil
	}

	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "look",
		Attachments: []wire.Attachment{{
			FileName: "note.txt",
			Content:  "data:text/plain;base64," + base64.StdEncoding.EncodeToString(raw),
		}},
	})
	require.Nil(t, werr)
	<-done
	require.Len(t, got, 1)
	assert.Equal(t, raw, got[0].Data)
	assert.Equal(t, "text/plain", got[0].MimeType)
}

func TestChatSend_PolicyDenyMapsToSendBlocked(t *testing.T) {
	f := newAPIFixture(t, []policy.Rule{{Provider: "discord", Action: policy.ActionDeny}})

	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		Provider: "discord",
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeSendBlocked, werr.Code)
}

func TestAgent_WaitReturnsTerminalResult(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload, werr := f.api.Agent(t.Context(), &wire.AgentParams{
		ChatSendParams: wire.ChatSendParams{
			SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		},
		Wait: true,
	})
	require.Nil(t, werr)
	result := payload.(*wire.AgentWaitResult)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "reply to hello", result.Text)
}

func TestAgentWait_TimeoutMapsToAgentTimeout(t *testing.T) {
	f := newAPIFixture(t, nil)

	started := make(chan struct{})
	f.runner.run = func(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, werr := f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "slow",
	})
	require.Nil(t, werr)
	<-started

	_, werr = f.api.AgentWait(t.Context(), &wire.AgentWaitParams{
		SessionKey: "sess-a", RunID: "run-1", TimeoutMs: 50,
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeAgentTimeout, werr.Code)

	// Clean up the hanging run.
	_, err := f.coord.Abort("sess-a", "run-1")
	require.NoError(t, err)
}

func TestAgentWait_WrongSessionOrUnknownRun(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, werr := f.api.AgentWait(t.Context(), &wire.AgentWaitParams{
		SessionKey: "sess-a", RunID: "run-missing",
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeInvalidRequest, werr.Code)

	_, werr = f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
	})
	require.Nil(t, werr)

	_, werr = f.api.AgentWait(t.Context(), &wire.AgentWaitParams{
		SessionKey: "sess-b", RunID: "run-1",
	})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeInvalidRequest, werr.Code)
}

func TestChatAbort_MapsRegistryOutcomes(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload, werr := f.api.ChatAbort(&wire.ChatAbortParams{SessionKey: "sess-a", RunID: "run-x"})
	require.Nil(t, werr)
	assert.False(t, payload.(*wire.ChatAbortResult).Aborted)

	started := make(chan struct{})
	f.runner.run = func(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, werr = f.api.ChatSend(t.Context(), &wire.ChatSendParams{
		SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "long",
	})
	require.Nil(t, werr)
	<-started

	_, werr = f.api.ChatAbort(&wire.ChatAbortParams{SessionKey: "sess-b", RunID: "run-1"})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeInvalidRequest, werr.Code)

	payload, werr = f.api.ChatAbort(&wire.ChatAbortParams{SessionKey: "sess-a", RunID: "run-1"})
	require.Nil(t, werr)
	assert.True(t, payload.(*wire.ChatAbortResult).Aborted)
}

func TestChatHistory_ReturnsWindow(t *testing.T) {
	f := newAPIFixture(t, nil)

	payload, werr := f.api.Agent(t.Context(), &wire.AgentParams{
		ChatSendParams: wire.ChatSendParams{
			SessionKey: "sess-a", IdempotencyKey: "run-1", Message: "hello",
		},
		Wait: true,
	})
	require.Nil(t, werr)
	require.Equal(t, "ok", payload.(*wire.AgentWaitResult).Status)

	histPayload, werr := f.api.ChatHistory(t.Context(), &wire.ChatHistoryParams{SessionKey: "sess-a"})
	require.Nil(t, werr)
	hist := histPayload.(*session.HistoryResult)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "user", hist.Messages[0].Role)
	assert.Equal(t, "assistant", hist.Messages[1].Role)
}

func TestSessions_GetPatchResetList(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, werr := f.api.SessionsGet(&wire.SessionsGetParams{SessionKey: "sess-a"})
	require.NotNil(t, werr)
	assert.Equal(t, wire.CodeInvalidRequest, werr.Code)

	model := "opus"
	payload, werr := f.api.SessionsPatch(t.Context(), &wire.SessionsPatchParams{
		SessionKey: "sess-a", Model: &model,
	})
	require.Nil(t, werr)
	assert.Equal(t, "opus", payload.(session.Entry).Model)

	payload, werr = f.api.SessionsGet(&wire.SessionsGetParams{SessionKey: "sess-a"})
	require.Nil(t, werr)
	before := payload.(session.Entry)

	payload, werr = f.api.SessionsReset(t.Context(), &wire.SessionsResetParams{SessionKey: "sess-a"})
	require.Nil(t, werr)
	after := payload.(session.Entry)
	assert.NotEqual(t, before.SessionID, after.SessionID, "reset rotates the transcript handle")
	assert.Equal(t, "opus", after.Model, "settings survive a reset")

	listPayload, werr := f.api.SessionsList(&wire.SessionsListParams{})
	require.Nil(t, werr)
	sessions := listPayload.(map[string]any)["sessions"].([]session.Entry)
	require.Len(t, sessions, 1)
}
