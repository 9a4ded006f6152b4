// ABOUTME: Transport-independent method handlers shared by socket and bridge
// ABOUTME: Maps coordinator and store outcomes onto the protocol error vocabulary

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/willcshanahan/turngate/internal/coordinator"
	"github.com/willcshanahan/turngate/internal/runs"
	"github.com/willcshanahan/turngate/internal/session"
	"github.com/willcshanahan/turngate/internal/wire"
)

// defaultWaitTimeout bounds agent.wait calls that give no timeout.
const defaultWaitTimeout = 2 * time.Minute

// API implements every protocol method once. The socket and bridge transports
// decode frames, call these handlers, and encode the results.
type API struct {
	coord    *coordinator.Coordinator
	sessions *session.Store
	caps     session.HistoryCaps
	logger   *slog.Logger
}

// New builds the shared handler set.
func New(coord *coordinator.Coordinator, sessions *session.Store, caps session.HistoryCaps, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		coord:    coord,
		sessions: sessions,
		caps:     caps,
		logger:   logger.With("component", "api"),
	}
}

// ChatSend admits one turn (or executes an inline control command).
func (a *API) ChatSend(ctx context.Context, params *wire.ChatSendParams) (any, *wire.Error) {
	// Delivery needs a route: explicit on the request, or remembered on the
	// session from a previous delivered turn.
	if params.Deliver && params.Provider == "" {
		entry, ok := a.sessions.Get(params.SessionKey)
		if !ok || entry.LastProvider == "" {
			return nil, wire.NewError(wire.CodeNotLinked,
				fmt.Sprintf("session %s has no delivery route", params.SessionKey))
		}
		params.Provider = entry.LastProvider
		params.Destination = entry.LastDestination
	}

	req := &coordinator.SendRequest{
		SessionKey:     params.SessionKey,
		IdempotencyKey: params.IdempotencyKey,
		Message:        params.Message,
		ThinkingLevel:  params.ThinkingLevel,
		Deliver:        params.Deliver,
		Provider:       params.Provider,
		ChatType:       params.ChatType,
		Destination:    params.Destination,
	}
	for _, att := range params.Attachments {
		data, mimeType, err := att.Decode()
		if err != nil {
			return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
		}
		req.Attachments = append(req.Attachments, coordinator.Attachment{
			Type:     att.Type,
			MimeType: mimeType,
			FileName: att.FileName,
			Data:     data,
		})
	}

	out, err := a.coord.HandleSend(ctx, req)
	if err != nil {
		return nil, sendError(err)
	}
	if out.Control != nil {
		return out.Control, nil
	}

	result := &wire.ChatSendResult{RunID: out.Run.RunID, Status: string(out.Run.Status)}
	if out.Run.Result != nil {
		result.Text = out.Run.Result.Text
		result.Error = out.Run.Result.Error
	}
	return result, nil
}

// ChatAbort signals cancellation of a run or a whole session.
func (a *API) ChatAbort(params *wire.ChatAbortParams) (any, *wire.Error) {
	res, err := a.coord.Abort(params.SessionKey, params.RunID)
	if err != nil {
		return nil, sendError(err)
	}
	return &wire.ChatAbortResult{Aborted: res.Aborted, RunIDs: res.RunIDs}, nil
}

// ChatHistory returns the session's transcript window.
func (a *API) ChatHistory(ctx context.Context, params *wire.ChatHistoryParams) (any, *wire.Error) {
	result, err := a.sessions.History(ctx, params.SessionKey, params.Limit, a.caps)
	if err != nil {
		return nil, wire.NewError(wire.CodeUnavailable, "history read failed")
	}
	return result, nil
}

// Agent admits a turn and, when asked, blocks for its terminal result.
func (a *API) Agent(ctx context.Context, params *wire.AgentParams) (any, *wire.Error) {
	payload, werr := a.ChatSend(ctx, &params.ChatSendParams)
	if werr != nil {
		return nil, werr
	}
	if !params.Wait {
		return payload, nil
	}
	result, ok := payload.(*wire.ChatSendResult)
	if !ok {
		// Control commands have nothing to wait on.
		return payload, nil
	}
	return a.wait(ctx, result.RunID, params.TimeoutMs)
}

// AgentWait blocks on an existing run's terminal state.
func (a *API) AgentWait(ctx context.Context, params *wire.AgentWaitParams) (any, *wire.Error) {
	view, ok := a.coord.Lookup(params.RunID)
	if !ok {
		return nil, wire.NewError(wire.CodeInvalidRequest, fmt.Sprintf("unknown run %s", params.RunID))
	}
	if view.SessionKey != params.SessionKey {
		return nil, wire.NewError(wire.CodeInvalidRequest,
			fmt.Sprintf("run %s does not belong to session %s", params.RunID, params.SessionKey))
	}
	return a.wait(ctx, params.RunID, params.TimeoutMs)
}

func (a *API) wait(ctx context.Context, runID string, timeoutMs int) (any, *wire.Error) {
	timeout := defaultWaitTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	view, err := a.coord.Wait(waitCtx, runID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wire.NewError(wire.CodeAgentTimeout,
				fmt.Sprintf("run %s did not finish within %s", runID, timeout))
		}
		if errors.Is(err, runs.ErrRunNotFound) {
			return nil, wire.NewError(wire.CodeInvalidRequest, fmt.Sprintf("unknown run %s", runID))
		}
		return nil, wire.NewError(wire.CodeUnavailable, err.Error())
	}

	result := &wire.AgentWaitResult{RunID: view.RunID, Status: string(view.Status)}
	if view.Result != nil {
		result.Text = view.Result.Text
		result.Error = view.Result.Error
		result.Model = view.Result.Model
	}
	return result, nil
}

// SessionsList pages through known sessions by recency.
func (a *API) SessionsList(params *wire.SessionsListParams) (any, *wire.Error) {
	entries := a.sessions.List(params.Limit, params.Offset)
	return map[string]any{"sessions": entries}, nil
}

// SessionsGet returns one session entry.
func (a *API) SessionsGet(params *wire.SessionsGetParams) (any, *wire.Error) {
	entry, ok := a.sessions.Get(params.SessionKey)
	if !ok {
		return nil, wire.NewError(wire.CodeInvalidRequest, fmt.Sprintf("unknown session %s", params.SessionKey))
	}
	return entry, nil
}

// SessionsPatch updates mutable session fields.
func (a *API) SessionsPatch(ctx context.Context, params *wire.SessionsPatchParams) (any, *wire.Error) {
	entry, err := a.sessions.Save(ctx, params.SessionKey, func(e *session.Entry) {
		if params.ThinkingLevel != nil {
			e.ThinkingLevel = *params.ThinkingLevel
		}
		if params.VerboseLevel != nil {
			e.VerboseLevel = *params.VerboseLevel
		}
		if params.Model != nil {
			e.Model = *params.Model
		}
		if params.SendPolicy != nil {
			e.SendPolicy = *params.SendPolicy
		}
	})
	if err != nil {
		return nil, wire.NewError(wire.CodeUnavailable, "session write failed")
	}
	return entry, nil
}

// SessionsReset rotates the session's transcript handle so history starts
// fresh without touching stored messages.
func (a *API) SessionsReset(ctx context.Context, params *wire.SessionsResetParams) (any, *wire.Error) {
	entry, err := a.sessions.Reset(ctx, params.SessionKey)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, wire.NewError(wire.CodeInvalidRequest, fmt.Sprintf("unknown session %s", params.SessionKey))
		}
		return nil, wire.NewError(wire.CodeUnavailable, "session write failed")
	}
	return entry, nil
}

// sendError maps coordinator errors onto protocol errors.
func sendError(err error) *wire.Error {
	switch {
	case errors.Is(err, coordinator.ErrSendBlocked):
		return wire.NewError(wire.CodeSendBlocked, err.Error())
	case errors.Is(err, coordinator.ErrInvalidRequest):
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	default:
		return wire.NewError(wire.CodeUnavailable, err.Error())
	}
}
