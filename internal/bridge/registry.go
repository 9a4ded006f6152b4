// ABOUTME: In-memory registry of connected devices and capability invocation
// ABOUTME: Invoke round-trips a command to a device with timeout and idempotent replay

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/willcshanahan/turngate/internal/dedupe"
)

// Invocation errors.
var (
	ErrNodeOffline   = errors.New("node is not connected")
	ErrInvokeTimeout = errors.New("node did not answer in time")
)

const (
	defaultInvokeTimeout = 30 * time.Second
	invokeCacheTTL       = 10 * time.Minute
	invokeCacheSize      = 1024
)

// nodeConn is the send side of one connected device, implemented by the
// server's connection type.
type nodeConn interface {
	PushEvent(ev Event) error
}

// liveNode is one currently connected device.
type liveNode struct {
	id   string
	name string
	caps []string
	conn nodeConn

	mu      sync.Mutex
	pending map[string]chan *InvokeResult // invocation id -> reply
}

// NodeInfo is the externally visible state of a connected device.
type NodeInfo struct {
	NodeID string   `json:"nodeId"`
	Name   string   `json:"name"`
	Caps   []string `json:"caps,omitempty"`
	Online bool     `json:"online"`
}

// Registry tracks connected devices and mediates invocations. Results are
// cached by idempotency key so a retried invoke never executes twice on the
// device.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]*liveNode
	cache  *dedupe.Cache
	logger *slog.Logger
}

// NewRegistry creates a device registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*liveNode),
		cache:  dedupe.New(invokeCacheTTL, invokeCacheSize),
		logger: logger.With("component", "node-registry"),
	}
}

// Connect registers a device connection, displacing any previous connection
// for the same node id.
func (r *Registry) Connect(nodeID, name string, caps []string, conn nodeConn) {
	r.mu.Lock()
	r.nodes[nodeID] = &liveNode{
		id:      nodeID,
		name:    name,
		caps:    caps,
		conn:    conn,
		pending: make(map[string]chan *InvokeResult),
	}
	r.mu.Unlock()
	r.logger.Info("node connected", "node_id", nodeID, "caps", caps)
}

// Disconnect removes a device connection and fails its pending invocations.
func (r *Registry) Disconnect(nodeID string, conn nodeConn) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if ok && node.conn == conn {
		delete(r.nodes, nodeID)
	} else {
		node = nil
	}
	r.mu.Unlock()

	if node == nil {
		return
	}
	node.mu.Lock()
	for id, ch := range node.pending {
		close(ch)
		delete(node.pending, id)
	}
	node.mu.Unlock()
	r.logger.Info("node disconnected", "node_id", nodeID)
}

// List returns every connected device.
func (r *Registry) List() []NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		infos = append(infos, NodeInfo{NodeID: n.id, Name: n.name, Caps: n.caps, Online: true})
	}
	return infos
}

// Invoke sends a command to a connected device and waits for its answer.
// Retries carrying the same idempotency key replay the cached result instead
// of re-invoking.
func (r *Registry) Invoke(ctx context.Context, params *InvokeParams) (*InvokeResult, error) {
	if params.IdempotencyKey != "" {
		if cached, ok := r.cache.Get(invokeCacheKey(params)); ok {
			return cached.(*InvokeResult), nil
		}
	}

	r.mu.Lock()
	node, ok := r.nodes[params.NodeID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeOffline, params.NodeID)
	}

	invocationID := uuid.NewString()
	reply := make(chan *InvokeResult, 1)
	node.mu.Lock()
	node.pending[invocationID] = reply
	node.mu.Unlock()
	defer func() {
		node.mu.Lock()
		delete(node.pending, invocationID)
		node.mu.Unlock()
	}()

	err := node.conn.PushEvent(Event{
		Event: "node.invoke",
		Payload: map[string]any{
			"invocationId": invocationID,
			"command":      params.Command,
			"args":         params.Args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeOffline, params.NodeID)
	}

	timeout := defaultInvokeTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeOffline, params.NodeID)
		}
		result.NodeID = params.NodeID
		result.Command = params.Command
		if params.IdempotencyKey != "" {
			r.cache.Put(invokeCacheKey(params), result)
		}
		return result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrInvokeTimeout, params.NodeID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify pushes a one-way event to a connected device.
func (r *Registry) Notify(nodeID string, ev Event) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeOffline, nodeID)
	}
	return node.conn.PushEvent(ev)
}

// Resolve completes a pending invocation with the device's answer. Unknown
// invocation ids (late answers after a timeout) are dropped.
func (r *Registry) Resolve(nodeID, invocationID string, output json.RawMessage, isError bool, message string) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	r.mu.Unlock()
	if !ok {
		return
	}

	node.mu.Lock()
	ch, ok := node.pending[invocationID]
	node.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping answer for unknown invocation",
			"node_id", nodeID, "invocation_id", invocationID)
		return
	}
	ch <- &InvokeResult{Output: output, IsError: isError, Message: message}
}

// Close releases the invocation cache.
func (r *Registry) Close() {
	r.cache.Close()
}

func invokeCacheKey(params *InvokeParams) string {
	return params.NodeID + "|" + params.IdempotencyKey
}
