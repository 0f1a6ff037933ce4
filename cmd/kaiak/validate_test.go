package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/config"
)

func validConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSummarize(t *testing.T) {
	cfg := validConfig(t, func(c *config.Config) {
		c.Server.Namespace = "acme"
		c.Server.Transport = config.TransportSocket
		c.Server.SocketPath = "/tmp/acme/kaiak.sock"
		c.Approval.Policies = map[string]config.PolicyConfig{
			"read_file": {OnTimeout: "allow_once"},
		}
	})

	report := summarize("kaiak.yaml", cfg)
	require.True(t, report.Valid)
	s := report.Server
	assert.Equal(t, "acme", s.Namespace)
	assert.Equal(t, "socket /tmp/acme/kaiak.sock", s.Transport)
	assert.Contains(t, s.Methods, "acme/generate_fix")
	assert.Equal(t, "scripted", s.Agent)
	assert.Equal(t, "in memory", s.Sessions)
	assert.Equal(t, string(config.DisconnectCancel), s.DisconnectPolicy)
	// six built-in tool policies plus read_file
	assert.Equal(t, 7, s.ToolPolicies)
}

func TestWarnings(t *testing.T) {
	cfg := validConfig(t, func(c *config.Config) {
		c.Agent.Type = config.AgentExec
		c.Agent.Command = "kaiak-agent-that-does-not-exist"
		c.Server.DisconnectPolicy = config.DisconnectDetach
		c.Approval.Policies = map[string]config.PolicyConfig{
			"write_file": {OnTimeout: "always_allow"},
		}
	})

	report := summarize("kaiak.yaml", cfg)
	warns := bytes.NewBufferString("")
	for _, w := range report.Warnings {
		warns.WriteString(w + "\n")
	}
	assert.Contains(t, warns.String(), `agent command "kaiak-agent-that-does-not-exist" not found`)
	assert.Contains(t, warns.String(), "unanswered write_file requests are allowed on timeout")
	assert.Contains(t, warns.String(), "session.idle_timeout")
}

func TestValidationWrite(t *testing.T) {
	report := summarize("kaiak.yaml", validConfig(t, nil))

	t.Run("compact", func(t *testing.T) {
		var buf bytes.Buffer
		report.write(&buf, "compact")
		assert.Contains(t, buf.String(), "kaiak.yaml: valid (namespace kaiak, stdio, scripted agent, 6 tool policies)")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		report.write(&buf, "json")
		var out map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, true, out["valid"])
		assert.Equal(t, "kaiak", out["server"].(map[string]any)["namespace"])
	})

	t.Run("invalid", func(t *testing.T) {
		var buf bytes.Buffer
		validation{File: "bad.yaml", Errors: []string{"unknown key"}}.write(&buf, "compact")
		assert.Equal(t, "bad.yaml: invalid: unknown key\n", buf.String())
	})
}
