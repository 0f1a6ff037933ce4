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

package stream

import "fmt"

// State is the lifecycle state of an operation.
type State string

const (
	// StateIdle means the agent has not been started yet.
	StateIdle State = "idle"

	// StateRunning means agent events are being relayed.
	StateRunning State = "running"

	// StateCompleting means the outcome is settled without a cancel or a
	// timeout: the agent reported a fatal error, or its stream ended on its
	// own.
	StateCompleting State = "completing"

	// StateCancelling means cancellation was requested and the agent is
	// being drained.
	StateCancelling State = "cancelling"

	// StateTimedOut means the operation deadline passed and the agent is
	// being drained.
	StateTimedOut State = "timed_out"

	// StateClosed means the terminal response was sent and the session
	// released.
	StateClosed State = "closed"
)

// IsTerminal returns whether no more transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// IsDraining returns whether the operation is winding down after a cancel
// or a timeout.
func (s State) IsDraining() bool {
	return s == StateCancelling || s == StateTimedOut
}

var transitions = map[State][]State{
	StateIdle:       {StateRunning, StateClosed},
	StateRunning:    {StateCompleting, StateCancelling, StateTimedOut},
	StateCompleting: {StateClosed},
	StateCancelling: {StateClosed},
	StateTimedOut:   {StateClosed},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid operation state transition %s -> %s", e.From, e.To)
}
