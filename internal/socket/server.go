// ABOUTME: Persistent websocket transport for interactive clients
// ABOUTME: Handshake, request dispatch, and event relay over one connection

package socket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/willcshanahan/turngate/internal/api"
	"github.com/willcshanahan/turngate/internal/auth"
	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/runs"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

// Server upgrades HTTP requests into protocol connections. Each connection
// gets its own multiplexer; the API handlers are shared.
type Server struct {
	api      *api.API
	bus      *event.Bus
	registry *runs.Registry
	verifier auth.TokenVerifier // nil disables connect auth
	serverID string
	version  string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Options configure the socket server.
type Options struct {
	Verifier auth.TokenVerifier
	ServerID string
	Version  string
}

// NewServer builds the socket transport.
func NewServer(a *api.API, bus *event.Bus, registry *runs.Registry, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		api:      a,
		bus:      bus,
		registry: registry,
		verifier: opts.Verifier,
		serverID: opts.ServerID,
		version:  opts.Version,
		logger:   logger.With("component", "socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Bearer tokens, not cookies, authenticate connects; origin
				// checks add nothing here.
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	newConn(s, ws, r.Context()).run()
}
