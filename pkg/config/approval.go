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

	"github.com/kadirpekel/kaiak/pkg/approval"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// ApprovalConfig configures how unanswered interactions are resolved.
//
// Configured policies are layered over the built-in ones, which deny file
// modifications and write-like tools.
//
// Example:
//
//	approval:
//	  default_timeout: 2m
//	  policies:
//	    read_file:
//	      on_timeout: allow_once
//	      timeout: 30s
//	  kinds:
//	    confirmation:
//	      on_timeout: deny
type ApprovalConfig struct {
	// DefaultTimeout applies when neither the interaction nor a policy sets
	// one.
	// Default: 300s
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`

	// Policies are keyed by tool name.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty" json:"policies,omitempty"`

	// Kinds are keyed by interaction type.
	Kinds map[string]PolicyConfig `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

// PolicyConfig is one timeout policy.
type PolicyConfig struct {
	// OnTimeout is allow_once, always_allow, deny, or empty for none.
	OnTimeout string `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty" jsonschema:"enum=allow_once,enum=always_allow,enum=deny"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SetDefaults applies default values to ApprovalConfig.
func (c *ApprovalConfig) SetDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = approval.DefaultTimeout
	}
}

// Validate checks the approval configuration.
func (c *ApprovalConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	for tool, p := range c.Policies {
		if err := p.validate(); err != nil {
			return fmt.Errorf("policy %q: %w", tool, err)
		}
	}
	for kind, p := range c.Kinds {
		switch protocol.InteractionType(kind) {
		case protocol.InteractionConfirmation, protocol.InteractionChoice, protocol.InteractionTextInput,
			protocol.InteractionFileApproval, protocol.InteractionToolPermission:
		default:
			return fmt.Errorf("unknown interaction kind %q", kind)
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("kind %q: %w", kind, err)
		}
	}
	return nil
}

func (p PolicyConfig) validate() error {
	switch protocol.ConfirmationAction(p.OnTimeout) {
	case "", protocol.ActionAllowOnce, protocol.ActionAlwaysAllow, protocol.ActionDeny:
	default:
		return fmt.Errorf("invalid on_timeout %q (valid: allow_once, always_allow, deny)", p.OnTimeout)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// Build returns the effective policy set.
func (c *ApprovalConfig) Build() approval.Policies {
	policies := approval.DefaultPolicies()
	policies.DefaultTimeout = c.DefaultTimeout
	for tool, p := range c.Policies {
		policies.Tools[tool] = p.policy()
	}
	for kind, p := range c.Kinds {
		policies.Kinds[protocol.InteractionType(kind)] = p.policy()
	}
	return policies
}

func (p PolicyConfig) policy() approval.Policy {
	return approval.Policy{OnTimeout: protocol.ConfirmationAction(p.OnTimeout), Timeout: p.Timeout}
}
