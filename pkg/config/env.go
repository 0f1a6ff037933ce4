package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the config file and before defaults.
const (
	EnvTransport        = "KAIAK_TRANSPORT"
	EnvSocketPath       = "KAIAK_SOCKET_PATH"
	EnvMaxSessions      = "KAIAK_MAX_SESSIONS"
	EnvLogLevel         = "KAIAK_LOG_LEVEL"
	EnvOperationTimeout = "KAIAK_OPERATION_TIMEOUT"
)

// LoadEnvFiles loads .env.local and .env from the working directory.
// Variables already set in the environment win.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// ApplyEnv applies KAIAK_* overrides from lookup, which is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTransport); ok && v != "" {
		c.Server.Transport = TransportType(v)
	}
	if v, ok := lookup(EnvSocketPath); ok && v != "" {
		c.Server.SocketPath = v
		if c.Server.Transport == "" {
			c.Server.Transport = TransportSocket
		}
	}
	if v, ok := lookup(EnvMaxSessions); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", EnvMaxSessions, v)
		}
		c.Session.MaxSessions = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logger.Level = v
	}
	if v, ok := lookup(EnvOperationTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOperationTimeout, err)
		}
		c.Server.OperationTimeout = d
	}
	return nil
}
