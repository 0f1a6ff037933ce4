package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/config/provider"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kaiak.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: socket
  socket_path: /tmp/kaiak-test.sock
  operation_timeout: 90s
  disconnect_policy: detach
session:
  idle_timeout: 1h
  max_sessions: 5
agent:
  type: exec
  command: ${AGENT_BIN:-goose}
  args: [acp, --stdio]
  env:
    API_KEY: $SECRET
approval:
  default_timeout: 2m
  policies:
    read_file:
      on_timeout: allow_once
logger:
  level: debug
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path, WithEnvLookup(envMap(map[string]string{
		"SECRET": "s3cr3t",
	})))
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, TransportSocket, cfg.Server.Transport)
	assert.Equal(t, "/tmp/kaiak-test.sock", cfg.Server.SocketPath)
	assert.Equal(t, 90*time.Second, cfg.Server.OperationTimeout)
	assert.Equal(t, DisconnectDetach, cfg.Server.DisconnectPolicy)
	assert.Equal(t, DefaultNamespace, cfg.Server.Namespace)

	assert.Equal(t, time.Hour, cfg.Session.IdleTimeout)
	assert.Equal(t, 5, cfg.Session.MaxSessions)

	assert.Equal(t, AgentExec, cfg.Agent.Type)
	assert.Equal(t, "goose", cfg.Agent.Command)
	assert.Equal(t, []string{"acp", "--stdio"}, cfg.Agent.Args)
	assert.Equal(t, "s3cr3t", cfg.Agent.Env["API_KEY"])

	policies := cfg.Approval.Build()
	assert.Equal(t, 2*time.Minute, policies.DefaultTimeout)
	assert.Equal(t, protocol.ActionAllowOnce, policies.Tools["read_file"].OnTimeout)
	assert.Equal(t, protocol.ActionDeny, policies.Tools["file_modification"].OnTimeout)

	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoader_JSONConfig(t *testing.T) {
	path := writeConfig(t, `{"server": {"namespace": "konveyor"}}`)

	cfg, loader, err := LoadConfigFile(context.Background(), path, WithEnvLookup(envMap(nil)))
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "konveyor", cfg.Server.Namespace)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "server:\n  transprt: socket\n", "transprt"},
		{"invalid transport", "server:\n  transport: tcp\n", "invalid transport"},
		{"socket without path", "server:\n  transport: socket\n", "socket_path is required"},
		{"bad duration", "server:\n  cancel_grace: soon\n", "cancel_grace"},
		{"bad policy action", "approval:\n  policies:\n    shell:\n      on_timeout: maybe\n", "on_timeout"},
		{"unknown interaction kind", "approval:\n  kinds:\n    telepathy:\n      on_timeout: deny\n", "telepathy"},
		{"exec without command", "agent:\n  type: exec\n", "command is required"},
		{"not yaml", "server: [unclosed", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, _, err := LoadConfigFile(context.Background(), path, WithEnvLookup(envMap(nil)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  transport: stdio\nlogger:\n  level: info\n")

	cfg, loader, err := LoadConfigFile(context.Background(), path, WithEnvLookup(envMap(map[string]string{
		EnvSocketPath:  "/run/kaiak.sock",
		EnvTransport:   "socket",
		EnvMaxSessions: "12",
		EnvLogLevel:    "warn",
	})))
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, TransportSocket, cfg.Server.Transport)
	assert.Equal(t, "/run/kaiak.sock", cfg.Server.SocketPath)
	assert.Equal(t, 12, cfg.Session.MaxSessions)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoadDefault(t *testing.T) {
	cfg, err := LoadDefault(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, TransportStdio, cfg.Server.Transport)
	assert.Equal(t, AgentScripted, cfg.Agent.Type)
	assert.Equal(t, DisconnectCancel, cfg.Server.DisconnectPolicy)

	_, err = LoadDefault(envMap(map[string]string{EnvMaxSessions: "many"}))
	assert.ErrorContains(t, err, EnvMaxSessions)
}

func TestExpandEnvString(t *testing.T) {
	lookup := envMap(map[string]string{"HOME_DIR": "/home/k", "EMPTY": ""})

	tests := []struct {
		in, want string
	}{
		{"${HOME_DIR}/ws", "/home/k/ws"},
		{"$HOME_DIR", "/home/k"},
		{"${MISSING:-fallback}", "fallback"},
		{"${EMPTY:-fallback}", "fallback"},
		{"${HOME_DIR:-fallback}", "/home/k"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvString(tt.in, lookup), tt.in)
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	path := writeConfig(t, "approval:\n  default_timeout: 1m\n")

	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)

	var latest atomic.Pointer[Config]
	loader := NewLoader(p, WithEnvLookup(envMap(nil)), WithOnChange(func(cfg *Config) {
		latest.Store(cfg)
	}))
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Approval.DefaultTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("approval:\n  default_timeout: 3m\n"), 0o644))

	assert.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.Approval.DefaultTimeout == 3*time.Minute
	}, 5*time.Second, 20*time.Millisecond)
}
