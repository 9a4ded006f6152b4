// ABOUTME: Tests for Gateway orchestrator lifecycle and health endpoints
// ABOUTME: Runs a real HTTP server on an ephemeral port

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/willcshanahan/turngate/internal/bridge"
	"github.com/willcshanahan/turngate/internal/config"
)

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:   httpAddr,
			SocketPath: "/socket",
			BridgePath: "/bridge",
		},
		Database: config.DatabaseConfig{
			Path:        ":memory:",
			PairingPath: ":memory:",
		},
		Runs: config.RunsConfig{
			ResultTTL: time.Hour,
		},
		History: config.HistoryConfig{
			DefaultLimit: 200,
			MaxLimit:     1000,
			MaxBytes:     6 << 20,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConn satisfies the device connection surface the node registry needs.
type stubConn struct{}

func (stubConn) PushEvent(bridge.Event) error { return nil }

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, "test", testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.coordinator == nil {
		t.Error("coordinator should not be nil")
	}
	if gw.sessions == nil {
		t.Error("session store should not be nil")
	}
	if gw.serverID == "" {
		t.Error("serverID should not be empty")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, "test", testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, "test", testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	go func() {
		_ = gw.Run(t.Context())
	}()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestReadyEndpoint(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, "test", testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	go func() {
		_ = gw.Run(t.Context())
	}()

	time.Sleep(100 * time.Millisecond)

	// With no engine connected, ready should return 503.
	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want %d (no engine)", resp.StatusCode, http.StatusServiceUnavailable)
	}

	// A connected device without the agent capability does not make the
	// gateway ready.
	gw.nodes.Connect("speaker-1", "kitchen speaker", []string{"audio"}, stubConn{})
	resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want %d (no agent cap)", resp.StatusCode, http.StatusServiceUnavailable)
	}

	gw.nodes.Connect("engine-1", "agent engine", []string{"agent"}, stubConn{})
	resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want %d (engine connected)", resp.StatusCode, http.StatusOK)
	}
}
