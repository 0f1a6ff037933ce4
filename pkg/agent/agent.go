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
	"encoding/json"
	"errors"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// ErrRunCancelled is returned by Run.Wait when the run was cancelled.
var ErrRunCancelled = errors.New("agent run cancelled")

// Native event types understood by the bridge. Agents may emit others; they
// are relayed as system events.
const (
	EventMessage          = "message"
	EventText             = "text"
	EventThinking         = "thinking"
	EventToolRequest      = "tool_request"
	EventToolResponse     = "tool_response"
	EventActionRequired   = "action_required"
	EventToolConfirmation = "tool_confirmation"
	EventElicitation      = "elicitation"
	EventFileModification = "file_modification"
	EventProgress         = "progress"
	EventNotification     = "notification"
	EventLog              = "log"
	EventModelChange      = "model_change"
	EventHistoryCompacted = "history_compacted"
	EventError            = "error"
)

// NativeEvent is one event as emitted by an agent runtime.
type NativeEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewNativeEvent builds an event from a JSON-encodable payload.
func NewNativeEvent(eventType string, data any) NativeEvent {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"message": err.Error()})
	}
	return NativeEvent{Type: eventType, Data: raw}
}

// RunRequest is everything an agent needs to work on one operation. The
// migration context and agent config are forwarded untouched.
type RunRequest struct {
	SessionID        string              `json:"session_id"`
	RequestID        string              `json:"request_id"`
	Prompt           string              `json:"prompt"`
	SystemPrompt     string              `json:"system_prompt,omitempty"`
	Incidents        []protocol.Incident `json:"incidents"`
	MigrationContext map[string]any      `json:"migration_context,omitempty"`
	AgentConfig      map[string]any      `json:"agent_config,omitempty"`
	Workspace        string              `json:"workspace,omitempty"`
}

// Result is what a successful run produces.
type Result struct {
	Summary string         `json:"summary,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// InteractionReply answers an interaction the agent raised.
type InteractionReply struct {
	Approved bool                        `json:"approved"`
	Action   protocol.ConfirmationAction `json:"action,omitempty"`
	Data     any                         `json:"data,omitempty"`
	TimedOut bool                        `json:"timed_out,omitempty"`
}

// Run is one in-flight agent execution.
type Run interface {
	// Events streams native events. It is closed when the run ends.
	Events() <-chan NativeEvent

	// Wait returns the outcome. It must be called after Events is closed.
	Wait() (*Result, error)

	// RespondInteraction delivers a reply to an interaction the run raised.
	RespondInteraction(ctx context.Context, id string, reply InteractionReply) error

	// Cancel asks the run to stop. The run still closes Events when done.
	Cancel()
}

// Service starts agent runs. It is the external collaborator the server
// bridges to.
type Service interface {
	Start(ctx context.Context, req RunRequest) (Run, error)
}
