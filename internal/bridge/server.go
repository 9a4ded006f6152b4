// ABOUTME: Websocket endpoint for paired remote devices
// ABOUTME: Hello handshake, pairing methods, chat dispatch, and event push

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/willcshanahan/turngate/internal/api"
	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/mux"
	"github.com/willcshanahan/turngate/internal/runs"
	"github.com/willcshanahan/turngate/internal/wire"
)

const (
	bridgeMaxPayload   = 1 << 20
	bridgePongWait     = 60 * time.Second
	bridgePingInterval = 20 * time.Second
	bridgeWriteWait    = 10 * time.Second
)

// EventSink receives streamed agent events arriving from engine devices.
type EventSink interface {
	Emit(runID string, ev event.AgentEvent)
}

// Server is the bridge transport. Devices speak the same logical operations
// as socket clients, plus pairing and capability invocation.
type Server struct {
	api      *api.API
	bus      *event.Bus
	runs     *runs.Registry
	pairing  *PairingStore
	nodes    *Registry
	sink     EventSink
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
}

// SetEventSink wires the receiver for engine-streamed events. Must be called
// before the server accepts connections.
func (s *Server) SetEventSink(sink EventSink) { s.sink = sink }

// NewServer builds the bridge transport.
func NewServer(a *api.API, bus *event.Bus, runRegistry *runs.Registry, pairing *PairingStore, nodes *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		api:     a,
		bus:     bus,
		runs:    runRegistry,
		pairing: pairing,
		nodes:   nodes,
		logger:  logger.With("component", "bridge"),

		pingInterval: bridgePingInterval,
		pongWait:     bridgePongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades a device connection and runs it to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("bridge upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &deviceConn{
		server: s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger,
	}
	c.run()
}

// deviceConn is one device connection. writeMu serializes frames from the
// dispatch path and the event relay.
type deviceConn struct {
	server *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	writeMu  sync.Mutex
	nodeID   string
	approved bool
	mux      *mux.Multiplexer
}

func (c *deviceConn) run() {
	defer c.close()

	c.ws.SetReadLimit(bridgeMaxPayload)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	})
	go c.pingLoop()

	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		if req.ID == "" || req.Method == "" {
			c.respondError("", wire.CodeInvalidRequest, "id and method are required")
			continue
		}

		if c.nodeID == "" && req.Method != "hello" {
			c.respondError(req.ID, wire.CodeInvalidRequest, "first request must be hello")
			continue
		}
		c.dispatch(&req)
	}
}

// pingLoop pings the device on an interval; the pong handler refreshes the
// read deadline, so a quiet device streaming nothing stays connected across
// long turns.
func (c *deviceConn) pingLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *deviceConn) close() {
	c.cancel()
	if c.approved {
		c.server.nodes.Disconnect(c.nodeID, c)
	}
	_ = c.ws.Close()
}

// PushEvent sends an unsolicited event frame to the device.
func (c *deviceConn) PushEvent(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	return c.ws.WriteJSON(ev)
}

func (c *deviceConn) respond(id string, payload any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	_ = c.ws.WriteJSON(Response{ID: id, OK: true, Payload: payload})
}

func (c *deviceConn) respondError(id, code, message string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	_ = c.ws.WriteJSON(Response{ID: id, OK: false, Error: &Error{
		Code:      code,
		Message:   message,
		Retryable: code == wire.CodeUnavailable,
	}})
}

func (c *deviceConn) respondWireError(id string, werr *wire.Error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	_ = c.ws.WriteJSON(Response{ID: id, OK: false, Error: &Error{
		Code:      werr.Code,
		Message:   werr.Message,
		Retryable: werr.Retryable,
	}})
}

func (c *deviceConn) dispatch(req *Request) {
	switch req.Method {
	case "hello":
		c.handleHello(req)
	case "pair.request":
		c.handlePairRequest(req)
	case "pair.verify":
		c.handlePairVerify(req)
	default:
		// Everything past this point needs an approved pairing.
		if !c.approved {
			c.respondError(req.ID, wire.CodeUnauthorized, "node is not paired")
			return
		}
		c.dispatchApproved(req)
	}
}

func (c *deviceConn) dispatchApproved(req *Request) {
	switch req.Method {
	case "pair.approve":
		c.handlePairDecision(req, true)
	case "pair.reject":
		c.handlePairDecision(req, false)
	case "pair.list":
		nodes, err := c.server.pairing.List(c.ctx)
		if err != nil {
			c.respondError(req.ID, wire.CodeUnavailable, "pairing read failed")
			return
		}
		c.respond(req.ID, map[string]any{"nodes": nodes})
	case "node.list":
		c.respond(req.ID, map[string]any{"nodes": c.server.nodes.List()})
	case "node.invoke":
		c.handleInvoke(req)
	case "node.result":
		c.handleInvokeResult(req)
	case "agent.event":
		c.handleAgentEvent(req)
	case "voice.inbound":
		c.handleVoiceInbound(req)
	case "chat.subscribe":
		c.handleSubscribe(req, true)
	case "chat.unsubscribe":
		c.handleSubscribe(req, false)
	case "chat.send":
		dispatchShared(c, req, func(p *wire.ChatSendParams) (any, *wire.Error) {
			return c.server.api.ChatSend(c.ctx, p)
		})
	case "chat.abort":
		dispatchShared(c, req, func(p *wire.ChatAbortParams) (any, *wire.Error) {
			return c.server.api.ChatAbort(p)
		})
	case "chat.history":
		dispatchShared(c, req, func(p *wire.ChatHistoryParams) (any, *wire.Error) {
			return c.server.api.ChatHistory(c.ctx, p)
		})
	case "agent":
		dispatchShared(c, req, func(p *wire.AgentParams) (any, *wire.Error) {
			return c.server.api.Agent(c.ctx, p)
		})
	case "agent.wait":
		dispatchShared(c, req, func(p *wire.AgentWaitParams) (any, *wire.Error) {
			return c.server.api.AgentWait(c.ctx, p)
		})
	case "sessions.list":
		dispatchShared(c, req, func(p *wire.SessionsListParams) (any, *wire.Error) {
			return c.server.api.SessionsList(p)
		})
	case "sessions.get":
		dispatchShared(c, req, func(p *wire.SessionsGetParams) (any, *wire.Error) {
			return c.server.api.SessionsGet(p)
		})
	case "sessions.patch":
		dispatchShared(c, req, func(p *wire.SessionsPatchParams) (any, *wire.Error) {
			return c.server.api.SessionsPatch(c.ctx, p)
		})
	case "sessions.reset":
		dispatchShared(c, req, func(p *wire.SessionsResetParams) (any, *wire.Error) {
			return c.server.api.SessionsReset(c.ctx, p)
		})
	default:
		c.respondError(req.ID, wire.CodeInvalidRequest, "unknown method "+req.Method)
	}
}

// dispatchShared decodes params and calls a shared API handler.
func dispatchShared[P any](c *deviceConn, req *Request, handle func(*P) (any, *wire.Error)) {
	var params P
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
			return
		}
	}
	payload, werr := handle(&params)
	if werr != nil {
		c.respondWireError(req.ID, werr)
		return
	}
	c.respond(req.ID, payload)
}

func (c *deviceConn) handleHello(req *Request) {
	var params HelloParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "hello requires nodeId")
		return
	}
	c.nodeID = params.NodeID

	if params.Token == "" {
		// Unpaired connection: pairing methods only.
		c.respond(req.ID, map[string]any{"paired": false})
		return
	}

	if err := c.server.pairing.Verify(c.ctx, params.NodeID, params.Token); err != nil {
		c.logger.Warn("node hello rejected", "node_id", params.NodeID, "error", err)
		c.respondError(req.ID, wire.CodeUnauthorized, "pairing verification failed")
		return
	}

	c.approved = true
	c.server.nodes.Connect(params.NodeID, params.Name, params.Caps, c)
	c.mux = mux.New(c.server.bus, c.server.runs, mux.Options{SummarizeTools: true}, c.logger)
	go c.mux.Run(c.ctx)
	go c.relayEvents()

	c.respond(req.ID, map[string]any{"paired": true})
}

func (c *deviceConn) handlePairRequest(req *Request) {
	var params HelloParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
		return
	}
	nodeID := params.NodeID
	if nodeID == "" {
		nodeID = c.nodeID
	}
	node, err := c.server.pairing.Request(c.ctx, nodeID, params.Name)
	if err != nil {
		c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
		return
	}
	c.respond(req.ID, node)
}

func (c *deviceConn) handlePairVerify(req *Request) {
	var params HelloParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
		return
	}
	if err := c.server.pairing.Verify(c.ctx, params.NodeID, params.Token); err != nil {
		c.respondError(req.ID, wire.CodeUnauthorized, "pairing verification failed")
		return
	}
	c.respond(req.ID, map[string]any{"verified": true})
}

func (c *deviceConn) handlePairDecision(req *Request, approve bool) {
	var params struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "nodeId is required")
		return
	}

	if approve {
		token, err := c.server.pairing.Approve(c.ctx, params.NodeID)
		if err != nil {
			c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
			return
		}
		c.respond(req.ID, map[string]any{"nodeId": params.NodeID, "token": token})
		return
	}
	if err := c.server.pairing.Reject(c.ctx, params.NodeID); err != nil {
		c.respondError(req.ID, wire.CodeInvalidRequest, err.Error())
		return
	}
	c.respond(req.ID, map[string]any{"nodeId": params.NodeID, "rejected": true})
}

func (c *deviceConn) handleInvoke(req *Request) {
	var params InvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.NodeID == "" || params.Command == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "nodeId and command are required")
		return
	}
	result, err := c.server.nodes.Invoke(c.ctx, &params)
	if err != nil {
		if errors.Is(err, ErrInvokeTimeout) {
			c.respondError(req.ID, wire.CodeAgentTimeout, err.Error())
		} else {
			c.respondError(req.ID, wire.CodeUnavailable, err.Error())
		}
		return
	}
	c.respond(req.ID, result)
}

func (c *deviceConn) handleInvokeResult(req *Request) {
	var params struct {
		InvocationID string          `json:"invocationId"`
		Output       json.RawMessage `json:"output,omitempty"`
		IsError      bool            `json:"isError,omitempty"`
		Message      string          `json:"message,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.InvocationID == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "invocationId is required")
		return
	}
	c.server.nodes.Resolve(c.nodeID, params.InvocationID, params.Output, params.IsError, params.Message)
	c.respond(req.ID, map[string]bool{"accepted": true})
}

// handleAgentEvent ingests one streamed event from an engine device while a
// turn it is executing is in flight. Lifecycle phases are not accepted here:
// run boundaries belong to the coordinator, which derives them from the
// invocation outcome.
func (c *deviceConn) handleAgentEvent(req *Request) {
	var params struct {
		RunID      string                   `json:"runId"`
		Stream     string                   `json:"stream"`
		Text       string                   `json:"text,omitempty"`
		Thinking   bool                     `json:"thinking,omitempty"`
		Tool       *event.ToolPayload       `json:"tool,omitempty"`
		Compaction *event.CompactionPayload `json:"compaction,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "runId is required")
		return
	}
	if c.server.sink == nil {
		c.respondError(req.ID, wire.CodeUnavailable, "no event sink configured")
		return
	}

	var ev event.AgentEvent
	switch event.Stream(params.Stream) {
	case event.StreamAssistant:
		ev = event.AgentEvent{
			Stream:    event.StreamAssistant,
			Assistant: &event.AssistantPayload{Text: params.Text, Thinking: params.Thinking},
		}
	case event.StreamTool:
		if params.Tool == nil {
			c.respondError(req.ID, wire.CodeInvalidRequest, "tool payload is required")
			return
		}
		ev = event.AgentEvent{Stream: event.StreamTool, Tool: params.Tool}
	case event.StreamCompaction:
		if params.Compaction == nil {
			c.respondError(req.ID, wire.CodeInvalidRequest, "compaction payload is required")
			return
		}
		ev = event.AgentEvent{Stream: event.StreamCompaction, Compaction: params.Compaction}
	default:
		c.respondError(req.ID, wire.CodeInvalidRequest, "unknown stream "+params.Stream)
		return
	}

	c.server.sink.Emit(params.RunID, ev)
	c.respond(req.ID, map[string]bool{"accepted": true})
}

// handleVoiceInbound synthesizes a chat turn from a spoken utterance. Without
// a session key the turn lands on the device's default session.
func (c *deviceConn) handleVoiceInbound(req *Request) {
	var params VoiceInboundParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "text is required")
		return
	}
	sessionKey := params.SessionKey
	if sessionKey == "" {
		sessionKey = "node:" + c.nodeID
		c.mux.Attach(sessionKey)
	}

	payload, werr := c.server.api.ChatSend(c.ctx, &wire.ChatSendParams{
		SessionKey:     sessionKey,
		IdempotencyKey: uuid.NewString(),
		Message:        params.Text,
	})
	if werr != nil {
		c.respondWireError(req.ID, werr)
		return
	}
	c.respond(req.ID, payload)
}

func (c *deviceConn) handleSubscribe(req *Request, attach bool) {
	var params wire.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		c.respondError(req.ID, wire.CodeInvalidRequest, "sessionKey is required")
		return
	}
	if attach {
		c.mux.Attach(params.SessionKey)
	} else {
		c.mux.Detach(params.SessionKey)
	}
	c.respond(req.ID, map[string]bool{"subscribed": attach})
}

// relayEvents pushes multiplexer frames as onEvent messages.
func (c *deviceConn) relayEvents() {
	for frame := range c.mux.Out() {
		if err := c.PushEvent(Event{Event: string(frame.Kind), Payload: frame}); err != nil {
			return
		}
	}
}
