// ABOUTME: One websocket connection: read/write loops and method dispatch
// ABOUTME: The connection owns a multiplexer relaying bus events it subscribed to

package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/willcshanahan/turngate/internal/mux"
	"github.com/willcshanahan/turngate/internal/wire"
)

type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	id        string
	connected atomic.Bool
	principal string
	mux       *mux.Multiplexer
}

func newConn(s *Server, ws *websocket.Conn, parent context.Context) *conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("conn_id", id),
		id:     id,
	}
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

// close tears the connection down. The send channel is left open: the event
// relay may still be enqueueing, and the write loop exits via ctx instead.
func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			c.sendError("", wire.NewError(wire.CodeInvalidRequest, err.Error()))
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, wire.NewError(wire.CodeInvalidRequest, "first request must be connect"))
				continue
			}
			if !c.handleConnect(frame) {
				return
			}
			continue
		}

		// agent.wait can block for minutes. Handlers run off the read loop
		// so pongs keep arriving; responses serialize through the send
		// channel either way.
		go c.dispatch(frame)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) decodeFrame(raw []byte) (*wire.Frame, error) {
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if err := wire.ValidateRequest(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// handleConnect negotiates the protocol version and authenticates. Returns
// false when the connection must be torn down.
func (c *conn) handleConnect(frame *wire.Frame) bool {
	var params wire.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, wire.NewError(wire.CodeInvalidRequest, err.Error()))
		return false
	}

	if params.MinProtocol > wire.ProtocolVersion || params.MaxProtocol < wire.ProtocolVersion {
		c.sendError(frame.ID, wire.NewError(wire.CodeInvalidRequest, "no compatible protocol version"))
		return false
	}

	if c.server.verifier != nil {
		token := ""
		if params.Auth != nil {
			token = params.Auth.Token
		}
		claims, err := c.server.verifier.Verify(token)
		if err != nil {
			c.sendError(frame.ID, wire.NewError(wire.CodeUnauthorized, "authentication failed"))
			return false
		}
		c.principal = claims.PrincipalID
	}

	c.mux = mux.New(c.server.bus, c.server.registry, muxOptions(params.Client.Mode), c.logger)
	go c.mux.Run(c.ctx)
	go c.relayEvents()

	c.connected.Store(true)
	c.logger.Info("client connected",
		"client_id", params.Client.ID,
		"platform", params.Client.Platform,
		"principal", c.principal)

	c.sendResponse(frame.ID, &wire.ConnectResult{
		Protocol: wire.ProtocolVersion,
		ServerID: c.server.serverID,
		Version:  c.server.version,
	})
	return true
}

// muxOptions derives the connection's verbosity from the declared client
// mode. Interactive clients get tool summaries; debug clients get everything.
func muxOptions(mode string) mux.Options {
	switch mode {
	case "debug":
		return mux.Options{ToolEvents: true, Thinking: true}
	case "quiet":
		return mux.Options{}
	default:
		return mux.Options{SummarizeTools: true}
	}
}

func (c *conn) dispatch(frame *wire.Frame) {
	var payload any
	var werr *wire.Error

	switch frame.Method {
	case "ping":
		payload = map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)}
	case "health":
		payload = map[string]any{"ok": true, "serverId": c.server.serverID}
	case "chat.send":
		payload, werr = decodeAnd(c, frame, func(p *wire.ChatSendParams) (any, *wire.Error) {
			return c.server.api.ChatSend(c.ctx, p)
		})
	case "chat.abort":
		payload, werr = decodeAnd(c, frame, func(p *wire.ChatAbortParams) (any, *wire.Error) {
			return c.server.api.ChatAbort(p)
		})
	case "chat.history":
		payload, werr = decodeAnd(c, frame, func(p *wire.ChatHistoryParams) (any, *wire.Error) {
			return c.server.api.ChatHistory(c.ctx, p)
		})
	case "agent":
		payload, werr = decodeAnd(c, frame, func(p *wire.AgentParams) (any, *wire.Error) {
			return c.server.api.Agent(c.ctx, p)
		})
	case "agent.wait":
		payload, werr = decodeAnd(c, frame, func(p *wire.AgentWaitParams) (any, *wire.Error) {
			return c.server.api.AgentWait(c.ctx, p)
		})
	case "sessions.list":
		payload, werr = decodeAnd(c, frame, func(p *wire.SessionsListParams) (any, *wire.Error) {
			return c.server.api.SessionsList(p)
		})
	case "sessions.get":
		payload, werr = decodeAnd(c, frame, func(p *wire.SessionsGetParams) (any, *wire.Error) {
			return c.server.api.SessionsGet(p)
		})
	case "sessions.patch":
		payload, werr = decodeAnd(c, frame, func(p *wire.SessionsPatchParams) (any, *wire.Error) {
			return c.server.api.SessionsPatch(c.ctx, p)
		})
	case "sessions.reset":
		payload, werr = decodeAnd(c, frame, func(p *wire.SessionsResetParams) (any, *wire.Error) {
			return c.server.api.SessionsReset(c.ctx, p)
		})
	case "subscribe":
		payload, werr = decodeAnd(c, frame, func(p *wire.SubscribeParams) (any, *wire.Error) {
			c.mux.Attach(p.SessionKey)
			return map[string]bool{"subscribed": true}, nil
		})
	case "unsubscribe":
		payload, werr = decodeAnd(c, frame, func(p *wire.SubscribeParams) (any, *wire.Error) {
			c.mux.Detach(p.SessionKey)
			return map[string]bool{"subscribed": false}, nil
		})
	default:
		werr = wire.NewError(wire.CodeInvalidRequest, "unknown method "+frame.Method)
	}

	if werr != nil {
		c.sendError(frame.ID, werr)
		return
	}
	c.sendResponse(frame.ID, payload)
}

// decodeAnd unmarshals the frame's params into P and invokes the handler.
func decodeAnd[P any](c *conn, frame *wire.Frame, handle func(*P) (any, *wire.Error)) (any, *wire.Error) {
	var params P
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
		}
	}
	return handle(&params)
}

// relayEvents forwards the multiplexer's outbound frames to the wire.
func (c *conn) relayEvents() {
	for frame := range c.mux.Out() {
		c.enqueue(wire.Event(string(frame.Kind), frame.Seq, frame))
	}
}

func (c *conn) sendResponse(id string, payload any) {
	c.enqueue(wire.Response(id, payload))
}

func (c *conn) sendError(id string, werr *wire.Error) {
	c.enqueue(wire.ErrorResponse(id, werr))
}

func (c *conn) enqueue(frame wire.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		// A wedged connection does not get to stall the rest of the process.
		c.logger.Warn("dropping frame for saturated connection")
	}
}
