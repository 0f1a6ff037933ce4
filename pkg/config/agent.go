// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"
)

// AgentType selects the agent adapter.
type AgentType string

const (
	AgentScripted AgentType = "scripted"
	AgentExec     AgentType = "exec"
)

// AgentConfig configures the agent the server bridges to.
//
// Example:
//
//	agent:
//	  type: exec
//	  command: goose-acp
//	  args: ["--stdio"]
//	  env:
//	    OPENAI_API_KEY: ${OPENAI_API_KEY}
type AgentConfig struct {
	// Type is scripted or exec.
	// Default: scripted
	Type AgentType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=scripted,enum=exec,default=scripted"`

	// Command is the agent executable for the exec type.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are passed to Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env is added to the agent's environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// WorkDir is the agent's working directory when a request names no
	// workspace.
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`

	// StopGrace is the delay between SIGTERM and SIGKILL on cancellation.
	// Default: 2s
	StopGrace time.Duration `yaml:"stop_grace,omitempty" json:"stop_grace,omitempty"`

	// Scripted tunes the scripted agent.
	Scripted ScriptedAgentConfig `yaml:"scripted,omitempty" json:"scripted,omitempty"`
}

// ScriptedAgentConfig tunes the scripted agent.
type ScriptedAgentConfig struct {
	StepDelay       time.Duration `yaml:"step_delay,omitempty" json:"step_delay,omitempty"`
	RequireApproval bool          `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	FailWith        string        `yaml:"fail_with,omitempty" json:"fail_with,omitempty"`
}

// SetDefaults applies default values to AgentConfig.
func (c *AgentConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = AgentScripted
	}
	if c.StopGrace == 0 {
		c.StopGrace = 2 * time.Second
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	switch c.Type {
	case AgentScripted:
		if c.Scripted.StepDelay < 0 {
			return fmt.Errorf("scripted.step_delay must be non-negative")
		}
	case AgentExec:
		if c.Command == "" {
			return fmt.Errorf("command is required for the exec agent")
		}
	default:
		return fmt.Errorf("invalid type %q (valid: scripted, exec)", c.Type)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop_grace must be non-negative")
	}
	return nil
}
