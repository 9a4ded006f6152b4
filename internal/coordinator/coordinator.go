// ABOUTME: Run Coordinator: admission, turn invocation, abort, session bookkeeping
// ABOUTME: The only component allowed to start or cancel a turn

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/policy"
	"github.com/willcshanahan/turngate/internal/runs"
	"github.com/willcshanahan/turngate/internal/session"
)

var (
	// ErrInvalidRequest indicates malformed or inconsistent parameters.
	// No RunRecord is created for such requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSendBlocked indicates the send policy denied the request before
	// admission. No RunRecord is created.
	ErrSendBlocked = errors.New("send blocked by policy")
)

// SendRequest is an inbound chat.send (or agent) request after transport
// decoding.
type SendRequest struct {
	SessionKey     string
	IdempotencyKey string
	Message        string
	ThinkingLevel  string
	Deliver        bool
	Provider       string
	ChatType       string
	Destination    string
	Attachments    []Attachment
}

// SendOutcome is the result of handling an inbound send. Exactly one of
// Control or Run is set: control messages (/stop, /send) never start a turn.
type SendOutcome struct {
	Control *ControlOutcome
	Run     *AdmitResult
}

// ControlOutcome reports what an inline control command did.
type ControlOutcome struct {
	StoppedRunIDs []string
	SendPolicySet string // "allow", "deny", or "inherit"
}

// AdmitResult is the admission decision for a turn request.
type AdmitResult struct {
	RunID  string
	Status runs.Status
	Result *runs.Result // set when the run is already terminal (cached replay)
}

// Coordinator orchestrates admission, turn invocation, registry bookkeeping,
// and session-store updates. Turns across different sessions run
// concurrently; turns within one session are strictly serialized FIFO.
type Coordinator struct {
	registry *runs.Registry
	bus      *event.Bus
	sessions *session.Store
	policy   *policy.Evaluator
	runner   TurnRunner
	logger   *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane is the per-session FIFO queue of admitted runs.
type lane struct {
	queue   []*queuedRun
	running bool
}

type queuedRun struct {
	ctx context.Context
	req *TurnRequest
}

// New creates a coordinator. The bus, registry, and session store are owned
// by the composition root and shared with the transports.
func New(registry *runs.Registry, bus *event.Bus, sessions *session.Store, eval *policy.Evaluator, runner TurnRunner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		bus:      bus,
		sessions: sessions,
		policy:   eval,
		runner:   runner,
		logger:   logger.With("component", "coordinator"),
		lanes:    make(map[string]*lane),
	}
}

// HandleSend admits a send request. Retries of the same (sessionKey,
// idempotencyKey) pair return the run's current status — or its cached
// terminal result — without starting anything. A different key on a session
// with a non-terminal run is queued behind it; completion order of finals
// matches submission order.
func (c *Coordinator) HandleSend(ctx context.Context, req *SendRequest) (*SendOutcome, error) {
	if strings.TrimSpace(req.SessionKey) == "" {
		return nil, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}

	// Inline control commands never start a turn.
	if cmd := policy.ParseCommand(req.Message); cmd != nil {
		if cmd.Stop {
			ids := c.registry.AbortSession(req.SessionKey)
			return &SendOutcome{Control: &ControlOutcome{StoppedRunIDs: ids}}, nil
		}
		if cmd.HasSendCommand {
			return c.applySendPolicyCommand(ctx, req.SessionKey, cmd)
		}
	}

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotencyKey is required", ErrInvalidRequest)
	}
	runID := req.IdempotencyKey

	// Replay: an existing record answers without starting anything.
	if view, ok := c.registry.Get(runID); ok {
		if view.SessionKey != req.SessionKey {
			return nil, fmt.Errorf("%w: idempotency key already in use by another session", ErrInvalidRequest)
		}
		return &SendOutcome{Run: &AdmitResult{
			RunID:  view.RunID,
			Status: view.Status,
			Result: view.Result,
		}}, nil
	}

	entry, _ := c.sessions.Get(req.SessionKey)
	action := c.policy.Evaluate(policy.Request{
		Provider:   req.Provider,
		ChatType:   req.ChatType,
		SessionKey: req.SessionKey,
		Override:   entry.SendPolicy,
	})
	if action == policy.ActionDeny {
		return nil, fmt.Errorf("%w: provider=%s chatType=%s", ErrSendBlocked, req.Provider, req.ChatType)
	}

	// Ensure the session entry (and its transcript handle) exists.
	entry, err := c.sessions.Save(ctx, req.SessionKey, func(e *session.Entry) {
		if req.ThinkingLevel != "" {
			e.ThinkingLevel = req.ThinkingLevel
		}
	})
	if err != nil {
		c.logger.Warn("session save failed during admission", "session_key", req.SessionKey, "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if _, err := c.registry.Create(req.SessionKey, runID, cancel); err != nil {
		cancel()
		// Lost a race with a concurrent identical request; replay its status.
		if view, ok := c.registry.Get(runID); ok {
			return &SendOutcome{Run: &AdmitResult{RunID: view.RunID, Status: view.Status, Result: view.Result}}, nil
		}
		return nil, err
	}

	turnReq := &TurnRequest{
		RunID:         runID,
		SessionKey:    req.SessionKey,
		SessionID:     entry.SessionID,
		Message:       req.Message,
		ThinkingLevel: entry.ThinkingLevel,
		Model:         entry.Model,
		Deliver:       req.Deliver,
		Provider:      req.Provider,
		Destination:   req.Destination,
		Attachments:   req.Attachments,
	}
	c.enqueue(req.SessionKey, &queuedRun{ctx: runCtx, req: turnReq})

	return &SendOutcome{Run: &AdmitResult{RunID: runID, Status: runs.StatusStarted}}, nil
}

// applySendPolicyCommand updates the session's sendPolicy override.
func (c *Coordinator) applySendPolicyCommand(ctx context.Context, sessionKey string, cmd *policy.Command) (*SendOutcome, error) {
	mode := cmd.SendPolicy
	if mode == "" {
		return nil, fmt.Errorf("%w: /send requires allow, deny, or inherit", ErrInvalidRequest)
	}
	_, err := c.sessions.Save(ctx, sessionKey, func(e *session.Entry) {
		if mode == "inherit" {
			e.SendPolicy = ""
		} else {
			e.SendPolicy = mode
		}
	})
	if err != nil {
		return nil, err
	}
	return &SendOutcome{Control: &ControlOutcome{SendPolicySet: mode}}, nil
}

// AbortResult reports what an abort call did.
type AbortResult struct {
	Aborted bool
	RunIDs  []string
}

// Abort signals cancellation. With a runID it must belong to sessionKey; a
// mismatch is ErrInvalidRequest. Terminal or unknown runs return
// Aborted=false without error. Without a runID every non-terminal run on the
// session is signalled. Abort returns as soon as the signal is raised; the
// terminal aborted event is published once the invocation unwinds.
func (c *Coordinator) Abort(sessionKey, runID string) (*AbortResult, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return nil, fmt.Errorf("%w: sessionKey is required", ErrInvalidRequest)
	}
	if runID == "" {
		ids := c.registry.AbortSession(sessionKey)
		return &AbortResult{Aborted: len(ids) > 0, RunIDs: ids}, nil
	}

	aborted, err := c.registry.RequestAbort(sessionKey, runID)
	if err != nil {
		if errors.Is(err, runs.ErrWrongSession) {
			return nil, fmt.Errorf("%w: run %s does not belong to session %s", ErrInvalidRequest, runID, sessionKey)
		}
		return nil, err
	}
	if aborted {
		return &AbortResult{Aborted: true, RunIDs: []string{runID}}, nil
	}
	return &AbortResult{Aborted: false}, nil
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, runID string) (runs.View, error) {
	return c.registry.Wait(ctx, runID)
}

// Lookup returns a snapshot of a run, if one exists.
func (c *Coordinator) Lookup(runID string) (runs.View, bool) {
	return c.registry.Get(runID)
}

// enqueue appends a run to its session lane and starts the lane worker if
// idle. The worker drains the queue strictly FIFO, so two sends admitted
// back-to-back complete in submission order.
func (c *Coordinator) enqueue(sessionKey string, item *queuedRun) {
	c.mu.Lock()
	ln, ok := c.lanes[sessionKey]
	if !ok {
		ln = &lane{}
		c.lanes[sessionKey] = ln
	}
	ln.queue = append(ln.queue, item)
	start := !ln.running
	if start {
		ln.running = true
	}
	c.mu.Unlock()

	if start {
		go c.drainLane(sessionKey, ln)
	}
}

func (c *Coordinator) drainLane(sessionKey string, ln *lane) {
	for {
		c.mu.Lock()
		if len(ln.queue) == 0 {
			ln.running = false
			c.mu.Unlock()
			return
		}
		item := ln.queue[0]
		ln.queue = ln.queue[1:]
		c.mu.Unlock()

		c.execute(item)
	}
}

// execute runs one admitted turn to its terminal state.
func (c *Coordinator) execute(item *queuedRun) {
	req := item.req
	runID := req.RunID

	// Aborted while still queued: finish without invoking the engine.
	if item.ctx.Err() != nil {
		c.finishAborted(req)
		return
	}

	c.registry.SetInFlight(runID)
	c.bus.Publish(event.Lifecycle(runID, req.SessionKey, event.LifecyclePayload{Phase: event.PhaseStart}))

	if err := c.sessions.AppendMessage(item.ctx, req.SessionID, &session.Message{
		Role:    "user",
		Content: req.Message,
	}); err != nil {
		c.logger.Warn("transcript append failed", "run_id", runID, "error", err)
	}

	emit := func(ev event.AgentEvent) {
		ev.RunID = runID
		ev.SessionKey = req.SessionKey
		c.bus.Publish(ev)
	}

	result, err := c.runner.RunTurn(item.ctx, req, emit)

	view, ok := c.registry.Get(runID)
	abortRequested := ok && view.AbortRequested

	switch {
	case abortRequested || errors.Is(err, context.Canceled):
		c.finishAborted(req)
	case err != nil:
		c.finishError(req, err)
	default:
		c.finishOK(req, result)
	}
}

func (c *Coordinator) finishAborted(req *TurnRequest) {
	if _, did := c.registry.Complete(req.RunID, runs.Result{Status: runs.StatusAborted}); !did {
		return
	}
	c.bus.Publish(event.Lifecycle(req.RunID, req.SessionKey, event.LifecyclePayload{Phase: event.PhaseAborted}))
	c.logger.Info("run aborted", "run_id", req.RunID, "session_key", req.SessionKey)
}

func (c *Coordinator) finishError(req *TurnRequest, err error) {
	c.registry.Complete(req.RunID, runs.Result{Status: runs.StatusError, Error: err.Error()})
	c.bus.Publish(event.Lifecycle(req.RunID, req.SessionKey, event.LifecyclePayload{
		Phase: event.PhaseError,
		Error: err.Error(),
	}))
	c.logger.Warn("run failed", "run_id", req.RunID, "session_key", req.SessionKey, "error", err)
}

func (c *Coordinator) finishOK(req *TurnRequest, result *TurnResult) {
	if result == nil {
		result = &TurnResult{}
	}
	view, did := c.registry.Complete(req.RunID, runs.Result{
		Status: runs.StatusOK,
		Text:   result.Text,
		Model:  result.Model,
		Usage:  &result.Usage,
	})
	if !did {
		return
	}
	// An abort can land between the runner returning and completion; the
	// forced status wins and the terminal event says so.
	if view.Status == runs.StatusAborted {
		c.bus.Publish(event.Lifecycle(req.RunID, req.SessionKey, event.LifecyclePayload{Phase: event.PhaseAborted}))
		return
	}

	if err := c.sessions.AppendMessage(context.Background(), req.SessionID, &session.Message{
		Role:    "assistant",
		Content: result.Text,
	}); err != nil {
		c.logger.Warn("transcript append failed", "run_id", req.RunID, "error", err)
	}

	// The save is awaited so a queued follow-up admission reads the updated
	// entry. A failed write is logged; the in-memory outcome stands.
	if _, err := c.sessions.Save(context.Background(), req.SessionKey, func(e *session.Entry) {
		e.Usage.Add(result.Usage)
		if result.Model != "" {
			e.Model = result.Model
		}
		// Route only updates on confirmed delivery.
		if result.Provider != "" {
			e.LastProvider = result.Provider
		}
		if result.Destination != "" {
			e.LastDestination = result.Destination
		}
	}); err != nil {
		c.logger.Warn("session save failed after run", "run_id", req.RunID, "error", err)
	}

	c.bus.Publish(event.Lifecycle(req.RunID, req.SessionKey, event.LifecyclePayload{
		Phase:  event.PhaseEnd,
		Result: result.Text,
		Model:  result.Model,
		Usage:  &result.Usage,
	}))
}
