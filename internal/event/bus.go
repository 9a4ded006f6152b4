// ABOUTME: Process-wide append-only stream of agent events with per-run sequencing
// ABOUTME: Synchronous publish fans out to bounded subscriber channels, drops on overflow

package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 128
)

// Bus is the process-wide event stream. It assigns each published event a
// monotonic per-run sequence number (starting at 0, never reused) and fans it
// out to every subscriber. Subscribers registered for a specific run id only
// see that run; wildcard subscribers see everything.
//
// A Bus is constructed by the composition root and passed by reference; it is
// never package-level state, so tests can instantiate isolated buses.
type Bus struct {
	mu     sync.Mutex
	seqs   map[string]uint64           // runID -> next seq
	runs   map[string]map[string]chan AgentEvent // runID -> subID -> ch
	all    map[string]chan AgentEvent  // subID -> ch (wildcard)
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus. Pass nil logger for the default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		seqs:   make(map[string]uint64),
		runs:   make(map[string]map[string]chan AgentEvent),
		all:    make(map[string]chan AgentEvent),
		logger: logger.With("component", "event-bus"),
	}
}

// Publish stamps ev with the next sequence number for its run and delivers it
// to every subscriber. Delivery preserves per-subscriber ordering; a
// subscriber whose buffer is full loses the event rather than blocking the
// publisher. Returns the assigned sequence number.
func (b *Bus) Publish(ev AgentEvent) uint64 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}

	seq := b.seqs[ev.RunID]
	b.seqs[ev.RunID] = seq + 1
	ev.Seq = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	targets := make([]chan AgentEvent, 0, len(b.all)+4)
	for _, ch := range b.runs[ev.RunID] {
		targets = append(targets, ch)
	}
	for _, ch := range b.all {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"run_id", ev.RunID, "seq", ev.Seq)
		}
	}
	return seq
}

// Subscribe registers a subscriber for a single run id. The subscription is
// removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan AgentEvent, string) {
	subID := uuid.New().String()
	ch := make(chan AgentEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.runs[runID]; !ok {
		b.runs[runID] = make(map[string]chan AgentEvent)
	}
	b.runs[runID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(runID, subID)
	}()
	return ch, subID
}

// SubscribeAll registers a wildcard subscriber that receives events for every
// run. Transport connections use this and filter by their subscription set.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan AgentEvent, string) {
	subID := uuid.New().String()
	ch := make(chan AgentEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.all[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe("", subID)
	}()
	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel. An empty runID
// refers to a wildcard subscription.
func (b *Bus) Unsubscribe(runID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		if ch, ok := b.all[subID]; ok {
			delete(b.all, subID)
			close(ch)
		}
		return
	}

	subs, ok := b.runs[runID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.runs, runID)
	}
}

// Forget releases the sequence counter and any remaining subscriptions for a
// run. Called after a run's terminal record is swept from the registry.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.seqs, runID)
	for subID, ch := range b.runs[runID] {
		delete(b.runs[runID], subID)
		close(ch)
	}
	delete(b.runs, runID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for runID, subs := range b.runs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.runs, runID)
	}
	for subID, ch := range b.all {
		close(ch)
		delete(b.all, subID)
	}
}
