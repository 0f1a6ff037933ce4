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

package approval

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// DefaultTimeout is how long an interaction waits for the client when
// neither the interaction nor a policy sets a timeout.
const DefaultTimeout = 300 * time.Second

// FileModificationTool is the policy key used for file modification
// proposals that require approval.
const FileModificationTool = "file_modification"

// Policy governs what happens to an interaction the client never answers.
type Policy struct {
	// OnTimeout is the action applied when the wait expires. Empty means
	// no default: the timeout is reported as a failure.
	OnTimeout protocol.ConfirmationAction

	// Timeout overrides the wait. Zero inherits.
	Timeout time.Duration
}

// Policies is an immutable set of per-tool and per-kind policies.
type Policies struct {
	Tools          map[string]Policy
	Kinds          map[protocol.InteractionType]Policy
	DefaultTimeout time.Duration
}

// DefaultPolicies denies file modifications and write-like tools on timeout.
func DefaultPolicies() Policies {
	deny := Policy{OnTimeout: protocol.ActionDeny}
	return Policies{
		Tools: map[string]Policy{
			FileModificationTool: deny,
			"write_file":         deny,
			"edit_file":          deny,
			"delete_file":        deny,
			"apply_patch":        deny,
			"shell":              deny,
		},
		Kinds: map[protocol.InteractionType]Policy{
			protocol.InteractionFileApproval:   deny,
			protocol.InteractionToolPermission: deny,
		},
		DefaultTimeout: DefaultTimeout,
	}
}

// PolicyTable holds the active Policies. It can be replaced at runtime,
// e.g. on configuration reload; callers always see a consistent snapshot.
type PolicyTable struct {
	current atomic.Pointer[Policies]
}

// NewPolicyTable creates a table with the given policies.
func NewPolicyTable(p Policies) *PolicyTable {
	t := &PolicyTable{}
	t.Replace(p)
	return t
}

// Replace swaps in a new policy set.
func (t *PolicyTable) Replace(p Policies) {
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = DefaultTimeout
	}
	t.current.Store(&p)
}

// Snapshot returns the active policy set.
func (t *PolicyTable) Snapshot() Policies {
	return *t.current.Load()
}

// Timeout returns how long req waits for the client.
func (t *PolicyTable) Timeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	p := t.current.Load()
	if pol, ok := p.Tools[req.Tool]; ok && pol.Timeout > 0 {
		return pol.Timeout
	}
	if pol, ok := p.Kinds[req.Type]; ok && pol.Timeout > 0 {
		return pol.Timeout
	}
	return p.DefaultTimeout
}

// TimeoutDefault resolves the reply applied when req times out. Precedence:
// the interaction's own default, then the tool policy, then the kind
// policy. ok is false when nothing applies.
func (t *PolicyTable) TimeoutDefault(req Request) (reply Reply, ok bool) {
	if req.Default != "" {
		return defaultReply(req, req.Default), true
	}
	p := t.current.Load()
	if pol, found := p.Tools[req.Tool]; found && pol.OnTimeout != "" {
		return Reply{Action: pol.OnTimeout}, true
	}
	if pol, found := p.Kinds[req.Type]; found && pol.OnTimeout != "" {
		return Reply{Action: pol.OnTimeout}, true
	}
	return Reply{}, false
}

// defaultReply interprets an interaction's default response.
func defaultReply(req Request, def string) Reply {
	if !req.Type.AsksPermission() {
		return Reply{Data: def}
	}
	return Reply{Action: ParseAction(def)}
}

// ParseAction maps a free-form answer to a confirmation action. Anything not
// recognisably affirmative denies.
func ParseAction(s string) protocol.ConfirmationAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "allow_once", "approve", "approved", "yes", "y", "accept":
		return protocol.ActionAllowOnce
	case "always_allow", "always":
		return protocol.ActionAlwaysAllow
	default:
		return protocol.ActionDeny
	}
}
