// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/kaiak/pkg/approval"
	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// ValidateCmd validates a configuration file and reports the server it
// would start.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`

	PrintConfig bool `short:"p" name:"print-config" help:"Print the effective configuration (defaults applied, env vars resolved)."`
}

// Run executes the validate command. LoadConfigFile applies defaults and
// validates, so a successful load is a valid file.
func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := config.LoadConfigFile(context.Background(), c.Config)
	if err != nil {
		report := validation{File: c.Config, Errors: []string{err.Error()}}
		report.write(os.Stdout, c.Format)
		return fmt.Errorf("%s is not a valid kaiak configuration", c.Config)
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.PrintConfig {
		return printEffectiveConfig(os.Stdout, c.Format, cfg)
	}

	report := summarize(c.Config, cfg)
	report.write(os.Stdout, c.Format)
	return nil
}

// validation is the result of validating one file.
type validation struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Server   *summary `json:"server,omitempty"`
}

// summary describes the server a configuration starts.
type summary struct {
	Namespace        string   `json:"namespace"`
	Transport        string   `json:"transport"`
	Methods          []string `json:"methods"`
	Agent            string   `json:"agent"`
	MaxOperations    int      `json:"max_concurrent_operations"`
	OperationTimeout string   `json:"operation_timeout"`
	DisconnectPolicy string   `json:"disconnect_policy"`
	Sessions         string   `json:"sessions"`
	ToolPolicies     int      `json:"tool_policies"`
	KindPolicies     int      `json:"kind_policies"`
	InteractionWait  string   `json:"interaction_timeout"`
	Metrics          string   `json:"metrics,omitempty"`
}

func summarize(file string, cfg *config.Config) validation {
	transport := string(cfg.Server.Transport)
	if cfg.Server.Transport == config.TransportSocket {
		transport += " " + cfg.Server.SocketPath
	}

	agent := string(cfg.Agent.Type)
	if cfg.Agent.Type == config.AgentExec {
		agent += " " + strings.Join(append([]string{cfg.Agent.Command}, cfg.Agent.Args...), " ")
	}

	sessions := "in memory"
	if db := cfg.Session.Database; db != nil {
		sessions = "persisted (" + db.Driver + ")"
	}
	if cfg.Session.IdleTimeout > 0 {
		sessions += ", idle after " + cfg.Session.IdleTimeout.String()
	}

	policies := cfg.Approval.Build()
	var methods []string
	for _, m := range protocol.Methods() {
		methods = append(methods, m.Name(cfg.Server.Namespace))
	}

	return validation{
		File:     file,
		Valid:    true,
		Warnings: warnings(cfg, policies),
		Server: &summary{
			Namespace:        cfg.Server.Namespace,
			Transport:        transport,
			Methods:          methods,
			Agent:            agent,
			MaxOperations:    cfg.Server.MaxConcurrentOperations,
			OperationTimeout: cfg.Server.OperationTimeout.String(),
			DisconnectPolicy: string(cfg.Server.DisconnectPolicy),
			Sessions:         sessions,
			ToolPolicies:     len(policies.Tools),
			KindPolicies:     len(policies.Kinds),
			InteractionWait:  policies.DefaultTimeout.String(),
			Metrics:          cfg.Server.MetricsAddress,
		},
	}
}

// warnings flags settings that are valid but likely not what was meant.
func warnings(cfg *config.Config, policies approval.Policies) []string {
	var out []string

	if cfg.Agent.Type == config.AgentExec {
		if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
			out = append(out, fmt.Sprintf("agent command %q not found in PATH", cfg.Agent.Command))
		}
		if cfg.Agent.WorkDir != "" {
			if info, err := os.Stat(cfg.Agent.WorkDir); err != nil || !info.IsDir() {
				out = append(out, fmt.Sprintf("agent work_dir %q is not a directory", cfg.Agent.WorkDir))
			}
		}
	}

	if cfg.Server.Transport == config.TransportSocket {
		if _, err := os.Stat(filepath.Dir(cfg.Server.SocketPath)); err != nil {
			out = append(out, fmt.Sprintf("socket directory %s does not exist yet and will be created", filepath.Dir(cfg.Server.SocketPath)))
		}
	}

	var tools []string
	for tool, p := range policies.Tools {
		if p.OnTimeout == protocol.ActionAllowOnce || p.OnTimeout == protocol.ActionAlwaysAllow {
			if _, builtin := approval.DefaultPolicies().Tools[tool]; builtin {
				tools = append(tools, tool)
			}
		}
	}
	sort.Strings(tools)
	for _, tool := range tools {
		out = append(out, fmt.Sprintf("unanswered %s requests are allowed on timeout", tool))
	}

	if cfg.Server.DisconnectPolicy == config.DisconnectDetach && cfg.Session.IdleTimeout == 0 {
		out = append(out, "detached operations keep their sessions until deleted; consider session.idle_timeout")
	}
	return out
}

func (v validation) write(w io.Writer, format string) {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(v)

	case "verbose":
		fmt.Fprintf(w, "File: %s\n", v.File)
		if !v.Valid {
			for _, e := range v.Errors {
				fmt.Fprintf(w, "  error: %s\n", e)
			}
			return
		}
		s := v.Server
		fmt.Fprintf(w, "  namespace:          %s\n", s.Namespace)
		fmt.Fprintf(w, "  transport:          %s\n", s.Transport)
		fmt.Fprintf(w, "  methods:            %s\n", strings.Join(s.Methods, ", "))
		fmt.Fprintf(w, "  agent:              %s\n", s.Agent)
		fmt.Fprintf(w, "  operations:         max %d, timeout %s\n", s.MaxOperations, s.OperationTimeout)
		fmt.Fprintf(w, "  on disconnect:      %s\n", s.DisconnectPolicy)
		fmt.Fprintf(w, "  sessions:           %s\n", s.Sessions)
		fmt.Fprintf(w, "  approval policies:  %d tool, %d kind, wait %s\n", s.ToolPolicies, s.KindPolicies, s.InteractionWait)
		if s.Metrics != "" {
			fmt.Fprintf(w, "  metrics:            %s\n", s.Metrics)
		}
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warn)
		}

	default:
		if !v.Valid {
			fmt.Fprintf(w, "%s: invalid: %s\n", v.File, strings.Join(v.Errors, "; "))
			return
		}
		s := v.Server
		fmt.Fprintf(w, "%s: valid (namespace %s, %s, %s agent, %d tool policies)\n",
			v.File, s.Namespace, s.Transport, strings.Fields(s.Agent)[0], s.ToolPolicies)
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "%s: warning: %s\n", v.File, warn)
		}
	}
}

func printEffectiveConfig(w io.Writer, format string, cfg *config.Config) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	}

	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config as YAML: %w", err)
	}
	return nil
}
