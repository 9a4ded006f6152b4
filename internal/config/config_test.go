// ABOUTME: Tests for configuration loading, env expansion, defaults, validation
// ABOUTME: Uses temp files written per test case

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8443"
  socket_path: "/ws"
database:
  path: "/var/lib/turngate/sessions.db"
  pairing_path: "/var/lib/turngate/pairing.db"
auth:
  jwt_secret: "super-secret"
runs:
  result_ttl: "30m"
history:
  default_limit: 100
  max_limit: 500
policy:
  deny_by_default: true
  rules:
    - provider: discord
      action: allow
    - session_prefix: "test-"
      action: deny
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.Server.HTTPAddr)
	assert.Equal(t, "/ws", cfg.Server.SocketPath)
	assert.Equal(t, "/bridge", cfg.Server.BridgePath, "unset paths get defaults")
	assert.Equal(t, 30*time.Minute, cfg.Runs.ResultTTL)
	assert.Equal(t, 100, cfg.History.DefaultLimit)
	assert.True(t, cfg.Policy.DenyByDefault)
	require.Len(t, cfg.Policy.Rules, 2)
	assert.Equal(t, policy.ActionAllow, cfg.Policy.Rules[0].Action)
	assert.Equal(t, "test-", cfg.Policy.Rules[1].SessionPrefix)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/sessions.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Runs.ResultTTL)
	assert.Equal(t, 200, cfg.History.DefaultLimit)
	assert.Equal(t, 1000, cfg.History.MaxLimit)
	assert.Equal(t, 6<<20, cfg.History.MaxBytes)
	assert.Equal(t, "/socket", cfg.Server.SocketPath)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TURNGATE_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/sessions.db"
auth:
  jwt_secret: "${TURNGATE_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/sessions.db"
auth:
  jwt_secret: "${TURNGATE_DEFINITELY_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: /tmp/db\n",
			wantErr: "http_addr",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "database.path",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: /tmp/db
`,
			wantErr: "tailscale.hostname",
		},
		{
			name: "default limit above max",
			content: `
server:
  http_addr: ":8080"
database:
  path: /tmp/db
history:
  default_limit: 2000
  max_limit: 1000
`,
			wantErr: "default_limit",
		},
		{
			name: "bad policy action",
			content: `
server:
  http_addr: ":8080"
database:
  path: /tmp/db
policy:
  rules:
    - provider: discord
      action: maybe
`,
			wantErr: "allow or deny",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/db
runs:
  result_ttl: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result_ttl")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
