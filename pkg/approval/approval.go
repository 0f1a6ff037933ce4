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

// Package approval correlates agent interaction requests with client
// responses. Every interaction has a single response slot: the first
// resolution wins, whether it comes from the client or from a timeout
// default, and every later attempt is rejected.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

var (
	// ErrInteractionNotFound is returned for ids the channel never saw.
	ErrInteractionNotFound = errors.New("interaction not found")

	// ErrAlreadyResponded is returned for ids that were already resolved.
	ErrAlreadyResponded = errors.New("interaction already responded")

	// ErrChannelClosed is returned once the owning operation has ended.
	ErrChannelClosed = errors.New("approval channel closed")
)

// NotFoundError carries the unknown interaction id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("interaction %q not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrInteractionNotFound }

// RPCError implements protocol.Coder.
func (e *NotFoundError) RPCError() *protocol.Error { return protocol.NewInteractionNotFound(e.ID) }

// RespondedError carries the id of an interaction that was already resolved.
type RespondedError struct {
	ID string
}

func (e *RespondedError) Error() string {
	return fmt.Sprintf("interaction %q already responded", e.ID)
}

func (e *RespondedError) Is(target error) bool { return target == ErrAlreadyResponded }

// RPCError implements protocol.Coder.
func (e *RespondedError) RPCError() *protocol.Error {
	return protocol.NewInteractionAlreadyResponded(e.ID)
}

// Request describes an interaction awaiting a client decision.
type Request struct {
	ID      string
	Type    protocol.InteractionType
	Tool    string
	Default string
	Timeout time.Duration
}

// Reply is the answer to an interaction.
type Reply struct {
	// Action answers permission-style interactions.
	Action protocol.ConfirmationAction

	// Data answers free-form interactions (elicitation data, text input).
	Data any
}

// Allowed reports whether the reply grants permission.
func (r Reply) Allowed() bool {
	return r.Action.Allows()
}

// Source tells where a resolution came from.
type Source string

const (
	SourceClient  Source = "client"
	SourceTimeout Source = "timeout"
)

// Resolution is delivered to the channel owner exactly once per interaction.
type Resolution struct {
	Request Request
	Reply   Reply
	Source  Source

	// Failed is set when the interaction timed out with no default. Reply
	// then holds a deny so the agent is never left waiting.
	Failed bool
}

// Pending is a registered interaction.
type Pending struct {
	ID       string
	Deadline time.Time

	// Auto is set when the interaction was resolved on registration because
	// the client earlier chose always_allow for the same tool. Reply holds
	// the applied answer and nothing is delivered on Resolved.
	Auto  bool
	Reply Reply
}

type waiter struct {
	req   Request
	done  atomic.Bool
	timer *time.Timer
}

// Channel tracks the interactions of one operation.
type Channel struct {
	policies *PolicyTable

	mu           sync.Mutex
	waiting      map[string]*waiter
	resolved     map[string]struct{}
	alwaysAllow  map[string]struct{}
	closed       bool
	queue        []Resolution
	ready        chan struct{}
	resolutions  chan Resolution
	closedSignal chan struct{}
}

// NewChannel creates a channel using policies for timeouts and defaults.
func NewChannel(policies *PolicyTable) *Channel {
	if policies == nil {
		policies = NewPolicyTable(DefaultPolicies())
	}
	c := &Channel{
		policies:     policies,
		waiting:      make(map[string]*waiter),
		resolved:     make(map[string]struct{}),
		alwaysAllow:  make(map[string]struct{}),
		ready:        make(chan struct{}, 1),
		resolutions:  make(chan Resolution),
		closedSignal: make(chan struct{}),
	}
	go c.forward()
	return c
}

// forward hands queued resolutions to the owner in order until Close.
// Resolvers only append to the queue, so a slow owner never blocks them.
func (c *Channel) forward() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.ready:
				continue
			case <-c.closedSignal:
				return
			}
		}
		res := c.queue[0]
		c.queue[0] = Resolution{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		select {
		case c.resolutions <- res:
		case <-c.closedSignal:
			return
		}
	}
}

// Resolved delivers client and timeout resolutions in the order they were
// settled.
func (c *Channel) Resolved() <-chan Resolution {
	return c.resolutions
}

// Request registers req and arms its timeout. If the client previously
// answered always_allow for the same tool, the interaction resolves at once.
func (c *Channel) Request(req Request) (*Pending, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("interaction id is required")
	}

	timeout := c.policies.Timeout(req)
	w := &waiter{req: req}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, dup := c.waiting[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate interaction id %q", req.ID)
	}
	if _, dup := c.resolved[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate interaction id %q", req.ID)
	}
	if _, allowed := c.alwaysAllow[req.Tool]; allowed && req.Tool != "" && req.Type.AsksPermission() {
		c.resolved[req.ID] = struct{}{}
		c.mu.Unlock()
		slog.Debug("Interaction auto-approved", "interaction_id", req.ID, "tool", req.Tool)
		return &Pending{ID: req.ID, Auto: true, Reply: Reply{Action: protocol.ActionAlwaysAllow}}, nil
	}

	c.waiting[req.ID] = w
	w.timer = time.AfterFunc(timeout, func() { c.expire(req.ID) })
	c.mu.Unlock()

	return &Pending{ID: req.ID, Deadline: time.Now().Add(timeout)}, nil
}

// Resolve answers an interaction on behalf of the client. Only the first
// resolution of an id has any effect.
func (c *Channel) Resolve(id string, reply Reply) error {
	return c.settle(id, reply, SourceClient, false)
}

func (c *Channel) expire(id string) {
	c.mu.Lock()
	w, ok := c.waiting[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	reply, found := c.policies.TimeoutDefault(w.req)
	if !found {
		slog.Warn("Interaction timed out without a default, denying",
			"interaction_id", id, "tool", w.req.Tool)
		_ = c.settle(id, Reply{Action: protocol.ActionDeny}, SourceTimeout, true)
		return
	}
	slog.Info("Interaction timed out, applying default",
		"interaction_id", id, "tool", w.req.Tool, "action", reply.Action)
	_ = c.settle(id, reply, SourceTimeout, false)
}

func (c *Channel) settle(id string, reply Reply, source Source, failed bool) error {
	c.mu.Lock()
	w, ok := c.waiting[id]
	if !ok {
		_, done := c.resolved[id]
		c.mu.Unlock()
		if done {
			return &RespondedError{ID: id}
		}
		if c.isClosed() {
			return ErrChannelClosed
		}
		return &NotFoundError{ID: id}
	}
	if !w.done.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return &RespondedError{ID: id}
	}
	delete(c.waiting, id)
	c.resolved[id] = struct{}{}
	w.timer.Stop()
	if source == SourceClient && reply.Action == protocol.ActionAlwaysAllow && w.req.Tool != "" {
		c.alwaysAllow[w.req.Tool] = struct{}{}
	}
	c.queue = append(c.queue, Resolution{Request: w.req, Reply: reply, Source: source, Failed: failed})
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Outstanding returns the ids still waiting for a response.
func (c *Channel) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.waiting))
	for id := range c.waiting {
		ids = append(ids, id)
	}
	return ids
}

// Close abandons every outstanding interaction. Later resolutions report
// already-responded for known ids.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.closedSignal)
	for id, w := range c.waiting {
		w.done.Store(true)
		w.timer.Stop()
		delete(c.waiting, id)
		c.resolved[id] = struct{}{}
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closedSignal:
		return true
	default:
		return false
	}
}
