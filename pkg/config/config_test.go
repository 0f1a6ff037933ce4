package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportStdio, cfg.Server.Transport)
	assert.Equal(t, DefaultNamespace, cfg.Server.Namespace)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.Server.MaxMessageBytes)
	assert.Equal(t, DefaultMaxConcurrentOperations, cfg.Server.MaxConcurrentOperations)
	assert.Equal(t, DefaultOperationTimeout, cfg.Server.OperationTimeout)
	assert.Equal(t, DefaultCancelGrace, cfg.Server.CancelGrace)
	assert.Equal(t, time.Minute, cfg.Session.ReapInterval)
	assert.Equal(t, 300*time.Second, cfg.Approval.DefaultTimeout)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"namespace with slash", func(c *Config) { c.Server.Namespace = "a/b" }, "namespace"},
		{"tiny frames", func(c *Config) { c.Server.MaxMessageBytes = 10 }, "max_message_bytes"},
		{"negative operations", func(c *Config) { c.Server.MaxConcurrentOperations = -1 }, "max_concurrent_operations"},
		{"bad disconnect policy", func(c *Config) { c.Server.DisconnectPolicy = "ignore" }, "disconnect_policy"},
		{"relative socket", func(c *Config) {
			c.Server.Transport = TransportSocket
			c.Server.SocketPath = "kaiak.sock"
		}, "socket_path"},
		{"negative idle timeout", func(c *Config) { c.Session.IdleTimeout = -time.Second }, "idle_timeout"},
		{"bad agent type", func(c *Config) { c.Agent.Type = "llm" }, "invalid type"},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "log format"},
		{"database without driver", func(c *Config) { c.Session.Database = &DatabaseConfig{Database: "x"} }, "driver is required"},
		{"postgres without host", func(c *Config) {
			c.Session.Database = &DatabaseConfig{Driver: "postgres", Database: "kaiak"}
		}, "host is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig(t *testing.T) {
	pg := &DatabaseConfig{Driver: "postgres", Host: "db", Database: "kaiak", Username: "u", Password: "p"}
	pg.SetDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 dbname=kaiak user=u password=p sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres", pg.Dialect())

	my := &DatabaseConfig{Driver: "mysql", Host: "db", Database: "kaiak", Username: "u", Password: "p"}
	my.SetDefaults()
	assert.Equal(t, "u:p@tcp(db:3306)/kaiak?parseTime=true", my.DSN())

	lite := &DatabaseConfig{Driver: "sqlite3", Database: "/tmp/kaiak.db"}
	require.NoError(t, lite.Validate())
	assert.Equal(t, "sqlite3", lite.DriverName())
	assert.Equal(t, "sqlite", lite.Dialect())
	assert.Equal(t, "/tmp/kaiak.db", lite.DSN())
}
