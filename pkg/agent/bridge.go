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

package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// Bridge starts agent runs and turns their native events into stream
// event content.
type Bridge struct {
	service Service
}

// NewBridge creates a bridge over service.
func NewBridge(service Service) *Bridge {
	return &Bridge{service: service}
}

// Start begins exactly one run. A run that fails to start is reported as an
// agent initialization error.
func (b *Bridge) Start(ctx context.Context, req RunRequest) (*Stream, error) {
	run, err := b.service.Start(ctx, req)
	if err != nil {
		slog.Error("Agent failed to start", "session_id", req.SessionID, "request_id", req.RequestID, "error", err)
		return nil, protocol.NewAgentInitializationError(err.Error())
	}

	s := &Stream{
		run:       run,
		sessionID: req.SessionID,
		requestID: req.RequestID,
		events:    make(chan protocol.Content, 64),
		abandoned: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Stream is the mapped event stream of one run.
type Stream struct {
	run       Run
	sessionID string
	requestID string

	events    chan protocol.Content
	abandoned chan struct{}
	abandon   sync.Once
	cancelled atomic.Bool

	// Set before events is closed.
	result  *Result
	failure *protocol.Error
}

// Events yields one content value per native event. It is closed when the
// run has ended. A fatal agent error is always the last value.
func (s *Stream) Events() <-chan protocol.Content {
	return s.events
}

// Outcome returns the run's result or failure. It is only valid once Events
// is closed. Both are nil when the run was cancelled.
func (s *Stream) Outcome() (*Result, *protocol.Error) {
	return s.result, s.failure
}

// Respond forwards an interaction reply to the run.
func (s *Stream) Respond(ctx context.Context, id string, reply InteractionReply) error {
	return s.run.RespondInteraction(ctx, id, reply)
}

// Cancel asks the run to stop. Events keeps draining until the run ends.
func (s *Stream) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.run.Cancel()
	}
}

// Abandon stops delivering events to a consumer that has given up on the
// stream. The run is cancelled and its remaining events are discarded.
func (s *Stream) Abandon() {
	s.Cancel()
	s.abandon.Do(func() { close(s.abandoned) })
}

func (s *Stream) pump() {
	defer close(s.events)

	var fatal *protocol.Error
	for ev := range s.run.Events() {
		if fatal != nil {
			slog.Debug("Discarding agent event after fatal error",
				"session_id", s.sessionID, "request_id", s.requestID, "type", ev.Type)
			continue
		}

		content := Map(ev)
		if errEv, ok := content.(protocol.ErrorEvent); ok && !errEv.Recoverable {
			fatal = protocol.NewError(errEv.Code, errEv.Message, errEv.Details)
			s.run.Cancel()
		}
		s.deliver(content)
	}

	result, err := s.run.Wait()
	switch {
	case fatal != nil:
		s.failure = fatal
	case s.cancelled.Load():
		// The owner reports the cancellation itself.
	case err != nil:
		s.failure = protocol.NewAgentFailure(err.Error())
		s.deliver(protocol.ErrorEventFrom(s.failure))
	default:
		if result == nil {
			result = &Result{}
		}
		s.result = result
	}
}

func (s *Stream) deliver(c protocol.Content) bool {
	select {
	case s.events <- c:
		return true
	case <-s.abandoned:
		return false
	}
}
