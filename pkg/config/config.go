package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/kaiak/pkg/observability"
)

// Config is the root configuration of a kaiak server.
//
// Every section is optional; a zero Config with defaults applied runs a
// stdio server backed by the scripted agent.
type Config struct {
	Server        ServerConfig         `yaml:"server,omitempty" json:"server,omitempty"`
	Session       SessionConfig        `yaml:"session,omitempty" json:"session,omitempty"`
	Agent         AgentConfig          `yaml:"agent,omitempty" json:"agent,omitempty"`
	Approval      ApprovalConfig       `yaml:"approval,omitempty" json:"approval,omitempty"`
	Logger        LoggerConfig         `yaml:"logger,omitempty" json:"logger,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Session.SetDefaults()
	c.Agent.SetDefaults()
	c.Approval.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Approval.Validate(); err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// Default returns a Config with defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// IdleTimeout removes sessions unused for this long. Zero keeps them
	// until deleted.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// ReapInterval is how often idle sessions are looked for.
	// Default: 1m
	ReapInterval time.Duration `yaml:"reap_interval,omitempty" json:"reap_interval,omitempty"`

	// MaxSessions bounds the number of live sessions. Zero is unlimited.
	MaxSessions int `yaml:"max_sessions,omitempty" json:"max_sessions,omitempty"`

	// Database persists the session index. Nil keeps sessions in memory.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

// SetDefaults applies default values to SessionConfig.
func (c *SessionConfig) SetDefaults() {
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Minute
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be non-negative")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must be non-negative")
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}
