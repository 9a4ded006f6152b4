// ABOUTME: RunRecord types and status machine for agent turn runs
// ABOUTME: One record per (sessionKey, idempotencyKey); the run id equals the key

package runs

import (
	"time"

	"github.com/willcshanahan/turngate/internal/event"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusStarted  Status = "started"
	StatusInFlight Status = "in_flight"
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusAborted  Status = "aborted"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusError, StatusAborted:
		return true
	}
	return false
}

// Result is the terminal outcome of a run, retained so retries with the same
// idempotency key replay the identical payload instead of re-running.
type Result struct {
	RunID  string
	Status Status
	Text   string
	Error  string
	Model  string
	Usage  *event.Usage
}

// Record is the registry's view of one run. Field access goes through the
// Registry, which owns the lock.
type Record struct {
	RunID      string
	SessionKey string
	Status     Status
	Result     *Result
	CreatedAt  time.Time

	cancel         func()
	abortRequested bool
	terminalAt     time.Time
	done           chan struct{} // closed on terminal transition
}

// View is an immutable snapshot of a Record handed to callers.
type View struct {
	RunID          string
	SessionKey     string
	Status         Status
	Result         *Result
	CreatedAt      time.Time
	AbortRequested bool
}

func (r *Record) view() View {
	return View{
		RunID:          r.RunID,
		SessionKey:     r.SessionKey,
		Status:         r.Status,
		Result:         r.Result,
		CreatedAt:      r.CreatedAt,
		AbortRequested: r.abortRequested,
	}
}
