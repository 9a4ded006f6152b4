// ABOUTME: Per-connection event multiplexer projecting bus events into outbound frames
// ABOUTME: Owns subscription state, terminal suppression, and tool verbosity shaping

package mux

import (
	"context"
	"log/slog"
	"sync"

	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/runs"
)

// Kind discriminates the outbound frames a connection receives.
type Kind string

const (
	KindDelta      Kind = "delta"       // streamed assistant text
	KindTool       Kind = "tool"        // tool activity (verbose connections)
	KindFinal      Kind = "final"       // successful terminal result
	KindError      Kind = "error"       // failed terminal result
	KindAborted    Kind = "aborted"     // aborted terminal
	KindCompaction Kind = "compaction"  // transcript compaction notice
	KindSnapshot   Kind = "snapshot"    // session state on (re)attach
)

// Outbound is one frame projected for a single connection. Seq is
// connection-local and strictly increasing; it restarts per connection, not
// per run.
type Outbound struct {
	Kind       Kind              `json:"kind"`
	SessionKey string            `json:"sessionKey"`
	RunID      string            `json:"runId,omitempty"`
	Seq        uint64            `json:"seq"`
	Text       string            `json:"text,omitempty"`
	Thinking   bool              `json:"thinking,omitempty"`
	Tool       *event.ToolPayload `json:"tool,omitempty"`
	Error      string            `json:"error,omitempty"`
	Model      string            `json:"model,omitempty"`
	Usage      *event.Usage      `json:"usage,omitempty"`
	Compaction *event.CompactionPayload `json:"compaction,omitempty"`
	Snapshot   *Snapshot         `json:"snapshot,omitempty"`
}

// Snapshot describes a session's live runs at attach time, so a reconnecting
// client can resynchronize instead of assuming silence means idle.
type Snapshot struct {
	StateVersion uint64      `json:"stateVersion"`
	Runs         []RunStatus `json:"runs"`
}

// RunStatus is one run's status inside a snapshot.
type RunStatus struct {
	RunID  string      `json:"runId"`
	Status runs.Status `json:"status"`
}

// Options shape how much of the event stream a connection sees.
type Options struct {
	// ToolEvents forwards the tool stream as dedicated frames.
	ToolEvents bool
	// SummarizeTools surfaces completed-tool summaries as plain deltas when
	// ToolEvents is off.
	SummarizeTools bool
	// Thinking forwards reasoning deltas alongside regular assistant text.
	Thinking bool
}

const outboundBufferSize = 256

// Multiplexer projects the process-wide event bus onto one connection. Each
// connection owns exactly one Multiplexer; attach/detach calls adjust which
// sessions it relays.
type Multiplexer struct {
	bus      *event.Bus
	registry *runs.Registry
	opts     Options
	logger   *slog.Logger

	mu           sync.Mutex
	sessions     map[string]bool // attached session keys
	finalized    map[string]bool // runID -> terminal frame already delivered
	lastSeq      map[string]uint64
	seenAny      map[string]bool
	seq          uint64
	stateVersion uint64

	out chan Outbound
}

// New creates a multiplexer for one connection.
func New(bus *event.Bus, registry *runs.Registry, opts Options, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		bus:       bus,
		registry:  registry,
		opts:      opts,
		logger:    logger.With("component", "mux"),
		sessions:  make(map[string]bool),
		finalized: make(map[string]bool),
		lastSeq:   make(map[string]uint64),
		seenAny:   make(map[string]bool),
		out:       make(chan Outbound, outboundBufferSize),
	}
}

// Out is the connection's outbound frame stream. Closed when Run returns.
func (m *Multiplexer) Out() <-chan Outbound { return m.out }

// Run relays bus events until ctx is done. It owns the out channel and closes
// it on return.
func (m *Multiplexer) Run(ctx context.Context) {
	defer close(m.out)

	events, _ := m.bus.SubscribeAll(ctx)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.relay(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Attach subscribes the connection to a session and emits a snapshot of its
// live runs so the client can resynchronize after a reconnect.
func (m *Multiplexer) Attach(sessionKey string) {
	m.mu.Lock()
	m.sessions[sessionKey] = true
	m.stateVersion++
	version := m.stateVersion
	m.mu.Unlock()

	snapshot := &Snapshot{StateVersion: version}
	for _, view := range m.registry.NonTerminal(sessionKey) {
		snapshot.Runs = append(snapshot.Runs, RunStatus{RunID: view.RunID, Status: view.Status})
	}
	m.send(Outbound{Kind: KindSnapshot, SessionKey: sessionKey, Snapshot: snapshot})
}

// Detach unsubscribes the connection from a session. Events for that session
// stop flowing; per-run suppression state is kept in case of re-attach.
func (m *Multiplexer) Detach(sessionKey string) {
	m.mu.Lock()
	delete(m.sessions, sessionKey)
	m.stateVersion++
	m.mu.Unlock()
}

// relay projects one bus event into zero or more outbound frames.
func (m *Multiplexer) relay(ev event.AgentEvent) {
	m.mu.Lock()
	if !m.sessions[ev.SessionKey] {
		m.mu.Unlock()
		return
	}
	// Nothing after a terminal frame: late deltas from an unwinding run are
	// suppressed, matching the terminal-is-last contract.
	if m.finalized[ev.RunID] {
		m.mu.Unlock()
		return
	}
	// Stale or duplicate upstream delivery.
	if m.seenAny[ev.RunID] && ev.Seq <= m.lastSeq[ev.RunID] {
		m.mu.Unlock()
		return
	}
	m.seenAny[ev.RunID] = true
	m.lastSeq[ev.RunID] = ev.Seq
	m.mu.Unlock()

	switch ev.Stream {
	case event.StreamAssistant:
		if ev.Assistant.Thinking && !m.opts.Thinking {
			return
		}
		m.send(Outbound{
			Kind:       KindDelta,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Text:       ev.Assistant.Text,
			Thinking:   ev.Assistant.Thinking,
		})

	case event.StreamTool:
		m.relayTool(ev)

	case event.StreamCompaction:
		m.send(Outbound{
			Kind:       KindCompaction,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Compaction: ev.Compaction,
		})

	case event.StreamLifecycle:
		m.relayLifecycle(ev)
	}
}

func (m *Multiplexer) relayTool(ev event.AgentEvent) {
	if m.opts.ToolEvents {
		m.send(Outbound{
			Kind:       KindTool,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Tool:       ev.Tool,
		})
		return
	}
	// Quiet connections still get a one-line summary of completed tools.
	if m.opts.SummarizeTools && ev.Tool.State == "completed" && ev.Tool.Summary != "" {
		m.send(Outbound{
			Kind:       KindDelta,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Text:       ev.Tool.Summary + "\n",
		})
	}
}

func (m *Multiplexer) relayLifecycle(ev event.AgentEvent) {
	lc := ev.Lifecycle
	switch lc.Phase {
	case event.PhaseStart:
		// Run boundaries are visible through the snapshot and the terminal
		// frame; start itself carries nothing a client acts on.
		return
	case event.PhaseEnd:
		if !m.markFinalized(ev.RunID) {
			return
		}
		m.send(Outbound{
			Kind:       KindFinal,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Text:       lc.Result,
			Model:      lc.Model,
			Usage:      lc.Usage,
		})
	case event.PhaseError:
		if !m.markFinalized(ev.RunID) {
			return
		}
		m.send(Outbound{
			Kind:       KindError,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
			Error:      lc.Error,
		})
	case event.PhaseAborted:
		if !m.markFinalized(ev.RunID) {
			return
		}
		m.send(Outbound{
			Kind:       KindAborted,
			SessionKey: ev.SessionKey,
			RunID:      ev.RunID,
		})
	}
}

// markFinalized records the run's terminal delivery. Returns false when a
// terminal frame already went out, so a run gets at most one.
func (m *Multiplexer) markFinalized(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized[runID] {
		return false
	}
	m.finalized[runID] = true
	return true
}

// send stamps the connection-local sequence number and queues the frame. A
// full outbound buffer drops the frame; the transport's write loop is the
// backpressure boundary, not the bus.
func (m *Multiplexer) send(f Outbound) {
	m.mu.Lock()
	f.Seq = m.seq
	m.seq++
	m.mu.Unlock()

	select {
	case m.out <- f:
	default:
		m.logger.Debug("dropped outbound frame for slow connection",
			"kind", f.Kind, "run_id", f.RunID, "seq", f.Seq)
	}
}
