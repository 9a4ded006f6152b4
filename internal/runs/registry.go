// ABOUTME: In-memory registry of runs keyed by (sessionKey, idempotencyKey)
// ABOUTME: Owns cancel handles, terminal result retention, and TTL sweep of old runs

package runs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrRunNotFound indicates no record exists for the given run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrWrongSession indicates the run id does not belong to the session key.
	ErrWrongSession = errors.New("run does not belong to session")

	// ErrDuplicateRun indicates a record already exists for the pair.
	ErrDuplicateRun = errors.New("run already exists")
)

const sweepInterval = time.Minute

// Registry tracks every run observed by the coordinator. At most one
// non-terminal run exists per session key at a time; terminal records are
// retained for the configured TTL so retries replay cached results.
type Registry struct {
	mu     sync.Mutex
	byRun  map[string]*Record            // runID -> record (runID == idempotencyKey)
	active map[string]map[string]*Record // sessionKey -> runID -> non-terminal record

	ttl    time.Duration
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// NewRegistry creates a registry that retains terminal records for ttl.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byRun:  make(map[string]*Record),
		active: make(map[string]map[string]*Record),
		ttl:    ttl,
		done:   make(chan struct{}),
		logger: logger.With("component", "run-registry"),
	}
	go r.sweep()
	return r
}

// Create registers a new run in the started state. The cancel func is the
// handle Abort signals. Returns ErrDuplicateRun if the pair already exists.
func (r *Registry) Create(sessionKey, runID string, cancel func()) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRun[runID]; exists {
		return View{}, ErrDuplicateRun
	}
	rec := &Record{
		RunID:      runID,
		SessionKey: sessionKey,
		Status:     StatusStarted,
		CreatedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.byRun[runID] = rec
	if _, ok := r.active[sessionKey]; !ok {
		r.active[sessionKey] = make(map[string]*Record)
	}
	r.active[sessionKey][runID] = rec
	return rec.view(), nil
}

// Get returns a snapshot of the run for the pair, if one exists.
func (r *Registry) Get(runID string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byRun[runID]
	if !ok {
		return View{}, false
	}
	return rec.view(), true
}

// NonTerminal returns snapshots of every non-terminal run on a session.
func (r *Registry) NonTerminal(sessionKey string) []View {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]View, 0, len(r.active[sessionKey]))
	for _, rec := range r.active[sessionKey] {
		views = append(views, rec.view())
	}
	return views
}

// SetInFlight moves a started run to in_flight. No-op if the run is terminal
// (an abort can land between admission and invocation).
func (r *Registry) SetInFlight(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byRun[runID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Status = StatusInFlight
}

// Complete applies the terminal outcome of a run exactly once. If an abort was
// requested before the invocation unwound, the terminal status is aborted
// regardless of the runner's outcome; the caller's result text is still kept
// for diagnostics. Returns the terminal view and whether this call performed
// the transition.
func (r *Registry) Complete(runID string, result Result) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byRun[runID]
	if !ok {
		return View{}, false
	}
	if rec.Status.Terminal() {
		return rec.view(), false
	}

	if rec.abortRequested {
		result.Status = StatusAborted
	}
	result.RunID = runID
	rec.Status = result.Status
	rec.Result = &result
	rec.cancel = nil
	rec.terminalAt = time.Now()
	close(rec.done)
	r.detachLocked(rec)
	return rec.view(), true
}

// RequestAbort signals the cancel handle of a non-terminal run. It returns
// true if a signal was raised; terminal or unknown runs return false without
// error. A runID that exists but belongs to a different session returns
// ErrWrongSession.
func (r *Registry) RequestAbort(sessionKey, runID string) (bool, error) {
	r.mu.Lock()
	rec, ok := r.byRun[runID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if rec.SessionKey != sessionKey {
		r.mu.Unlock()
		return false, ErrWrongSession
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	rec.abortRequested = true
	cancel := rec.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true, nil
}

// AbortSession signals every non-terminal run on a session, returning the run
// ids that were signalled.
func (r *Registry) AbortSession(sessionKey string) []string {
	r.mu.Lock()
	var cancels []func()
	var ids []string
	for runID, rec := range r.active[sessionKey] {
		rec.abortRequested = true
		if rec.cancel != nil {
			cancels = append(cancels, rec.cancel)
		}
		ids = append(ids, runID)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return ids
}

// Wait blocks until the run reaches a terminal state or ctx is done. Returns
// the terminal view, or ErrRunNotFound for an unknown run.
func (r *Registry) Wait(ctx context.Context, runID string) (View, error) {
	r.mu.Lock()
	rec, ok := r.byRun[runID]
	if !ok {
		r.mu.Unlock()
		return View{}, ErrRunNotFound
	}
	done := rec.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return View{}, ctx.Err()
	}

	view, _ := r.Get(runID)
	return view, nil
}

// detachLocked removes a record from the per-session non-terminal index.
// Must be called with mu held.
func (r *Registry) detachLocked(rec *Record) {
	subs, ok := r.active[rec.SessionKey]
	if !ok {
		return
	}
	delete(subs, rec.RunID)
	if len(subs) == 0 {
		delete(r.active, rec.SessionKey)
	}
}

// sweep periodically drops terminal records older than the TTL.
func (r *Registry) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) runSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for runID, rec := range r.byRun {
		if rec.Status.Terminal() && now.Sub(rec.terminalAt) > r.ttl {
			delete(r.byRun, runID)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
