// ABOUTME: TurnRunner backed by a connected agent device on the bridge
// ABOUTME: Turns are invoked as node commands; streamed events arrive via Emit

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/willcshanahan/turngate/internal/bridge"
	"github.com/willcshanahan/turngate/internal/coordinator"
	"github.com/willcshanahan/turngate/internal/event"
)

// AgentCap is the capability an engine device advertises in its hello.
const AgentCap = "agent"

// turnTimeout bounds one engine invocation end to end.
const turnTimeout = 10 * time.Minute

// ErrNoEngine indicates no connected device advertises the agent capability.
var ErrNoEngine = errors.New("no agent engine connected")

// Nodes is the slice of the bridge registry the runner needs.
type Nodes interface {
	List() []bridge.NodeInfo
	Invoke(ctx context.Context, params *bridge.InvokeParams) (*bridge.InvokeResult, error)
	Notify(nodeID string, ev bridge.Event) error
}

// turnArgs is the payload handed to the engine device for one turn.
type turnArgs struct {
	RunID         string                   `json:"runId"`
	SessionKey    string                   `json:"sessionKey"`
	Message       string                   `json:"message"`
	ThinkingLevel string                   `json:"thinking,omitempty"`
	Model         string                   `json:"model,omitempty"`
	Deliver       bool                     `json:"deliver,omitempty"`
	Provider      string                   `json:"provider,omitempty"`
	Destination   string                   `json:"to,omitempty"`
	Attachments   []turnAttachment         `json:"attachments,omitempty"`
}

type turnAttachment struct {
	Type     string `json:"type,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Data     []byte `json:"data"`
}

// turnOutput is the engine device's terminal answer.
type turnOutput struct {
	Text        string      `json:"text"`
	Model       string      `json:"model,omitempty"`
	Usage       event.Usage `json:"usage"`
	Provider    string      `json:"provider,omitempty"`
	Destination string      `json:"to,omitempty"`
}

// Runner routes turn invocations to a connected engine device. While a turn
// is in flight the device streams events back through Emit; the invocation's
// answer is the terminal result.
type Runner struct {
	nodes  Nodes
	logger *slog.Logger

	mu    sync.Mutex
	emits map[string]func(event.AgentEvent) // runID -> emit
}

// NewRunner builds an engine-backed turn runner.
func NewRunner(nodes Nodes, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		nodes:  nodes,
		logger: logger.With("component", "engine"),
		emits:  make(map[string]func(event.AgentEvent)),
	}
}

// RunTurn invokes one turn on an engine device and blocks for its terminal
// result. Cancellation notifies the device before the invocation unwinds.
func (r *Runner) RunTurn(ctx context.Context, req *coordinator.TurnRequest, emit func(event.AgentEvent)) (*coordinator.TurnResult, error) {
	nodeID, err := r.pickEngine()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.emits[req.RunID] = emit
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.emits, req.RunID)
		r.mu.Unlock()
	}()

	args := turnArgs{
		RunID:         req.RunID,
		SessionKey:    req.SessionKey,
		Message:       req.Message,
		ThinkingLevel: req.ThinkingLevel,
		Model:         req.Model,
		Deliver:       req.Deliver,
		Provider:      req.Provider,
		Destination:   req.Destination,
	}
	for _, att := range req.Attachments {
		args.Attachments = append(args.Attachments, turnAttachment{
			Type:     att.Type,
			MimeType: att.MimeType,
			FileName: att.FileName,
			Data:     att.Data,
		})
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding turn args: %w", err)
	}

	// Tell the device to stand down if the run is aborted mid-flight.
	stop := context.AfterFunc(ctx, func() {
		_ = r.nodes.Notify(nodeID, bridge.Event{
			Event:   "agent.abort",
			Payload: map[string]string{"runId": req.RunID},
		})
	})
	defer stop()

	result, err := r.nodes.Invoke(ctx, &bridge.InvokeParams{
		NodeID:         nodeID,
		Command:        "agent.turn",
		Args:           rawArgs,
		IdempotencyKey: req.RunID,
		TimeoutMs:      int(turnTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("engine: %s", result.Message)
	}

	var out turnOutput
	if err := json.Unmarshal(result.Output, &out); err != nil {
		return nil, fmt.Errorf("decoding turn output: %w", err)
	}
	return &coordinator.TurnResult{
		Text:        out.Text,
		Model:       out.Model,
		Usage:       out.Usage,
		Provider:    out.Provider,
		Destination: out.Destination,
	}, nil
}

// Emit forwards a streamed event from the engine device to the run's emit
// hook. Events for unknown runs (already unwound) are dropped.
func (r *Runner) Emit(runID string, ev event.AgentEvent) {
	r.mu.Lock()
	emit, ok := r.emits[runID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping event for unknown run", "run_id", runID)
		return
	}
	emit(ev)
}

// pickEngine selects a connected device advertising the agent capability.
func (r *Runner) pickEngine() (string, error) {
	for _, node := range r.nodes.List() {
		for _, cap := range node.Caps {
			if cap == AgentCap {
				return node.NodeID, nil
			}
		}
	}
	return "", ErrNoEngine
}
