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

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a stream event variant. It doubles as the notification
// method suffix.
type EventKind string

const (
	EventProgress         EventKind = "progress"
	EventAiResponse       EventKind = "ai_response"
	EventToolCall         EventKind = "tool_call"
	EventUserInteraction  EventKind = "user_interaction"
	EventFileModification EventKind = "file_modification"
	EventError            EventKind = "error"
	EventSystem           EventKind = "system"
)

// Content is the variant payload of a StreamEvent.
type Content interface {
	Kind() EventKind
}

// Progress phases with their canonical percentages.
const (
	PhaseInitializing       = "initializing"
	PhaseAnalyzingIncidents = "analyzing_incidents"
	PhaseGeneratingContext  = "generating_context"
	PhaseCallingAgent       = "calling_ai_agent"
	PhaseProcessingResponse = "processing_response"
	PhaseGeneratingFixes    = "generating_fixes"
	PhaseValidatingFixes    = "validating_fixes"
	PhaseCompleted          = "completed"
)

// PhasePercent returns the canonical percentage of a phase, or -1.
func PhasePercent(phase string) int {
	switch phase {
	case PhaseInitializing:
		return 5
	case PhaseAnalyzingIncidents:
		return 15
	case PhaseGeneratingContext:
		return 25
	case PhaseCallingAgent:
		return 40
	case PhaseProcessingResponse:
		return 60
	case PhaseGeneratingFixes:
		return 80
	case PhaseValidatingFixes:
		return 95
	case PhaseCompleted:
		return 100
	default:
		return -1
	}
}

// Progress reports coarse advancement of an operation.
type Progress struct {
	Stage       string `json:"stage"`
	Percent     int    `json:"percent"`
	Description string `json:"description,omitempty"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
}

func (Progress) Kind() EventKind { return EventProgress }

// AiResponse carries model output, possibly as a partial chunk.
type AiResponse struct {
	Text       string   `json:"text"`
	Partial    bool     `json:"partial"`
	Confidence *float64 `json:"confidence,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
}

func (AiResponse) Kind() EventKind { return EventAiResponse }

// ToolStatus is the lifecycle of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolApproved  ToolStatus = "approved"
	ToolDenied    ToolStatus = "denied"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
	ToolTimeout   ToolStatus = "timeout"
)

// ToolCall reports a tool invocation by the agent.
type ToolCall struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	Status ToolStatus     `json:"status"`
	Result any            `json:"result,omitempty"`
}

func (ToolCall) Kind() EventKind { return EventToolCall }

// InteractionType distinguishes what kind of answer an interaction expects.
type InteractionType string

const (
	InteractionConfirmation   InteractionType = "confirmation"
	InteractionChoice         InteractionType = "choice"
	InteractionTextInput      InteractionType = "text_input"
	InteractionFileApproval   InteractionType = "file_approval"
	InteractionToolPermission InteractionType = "tool_permission"
)

// AsksPermission reports whether the interaction expects an allow or deny
// answer rather than free-form data.
func (t InteractionType) AsksPermission() bool {
	switch t {
	case InteractionConfirmation, InteractionFileApproval, InteractionToolPermission:
		return true
	}
	return false
}

// Interaction is a decision point that needs a client response.
type Interaction struct {
	ID       string          `json:"id"`
	Type     InteractionType `json:"type"`
	Tool     string          `json:"tool,omitempty"`
	Prompt   string          `json:"prompt"`
	Options  []string        `json:"options,omitempty"`
	Default  string          `json:"default_response,omitempty"`
	Timeout  Seconds         `json:"timeout,omitempty"`
	Schema   map[string]any  `json:"requested_schema,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func (Interaction) Kind() EventKind { return EventUserInteraction }

// FileOperation is the change a file modification proposes.
type FileOperation string

const (
	FileCreate FileOperation = "create"
	FileModify FileOperation = "modify"
	FileDelete FileOperation = "delete"
	FileRename FileOperation = "rename"
	FileCopy   FileOperation = "copy"
)

// FileModification proposes a change to a workspace file. When
// RequiresApproval is set, ProposalID doubles as the interaction id.
type FileModification struct {
	ProposalID       string        `json:"proposal_id"`
	Path             string        `json:"path"`
	Operation        FileOperation `json:"operation"`
	Diff             string        `json:"diff,omitempty"`
	RequiresApproval bool          `json:"requires_approval"`
	Description      string        `json:"description,omitempty"`
}

func (FileModification) Kind() EventKind { return EventFileModification }

// ErrorEvent reports a failure. A non-recoverable error is terminal for its
// operation.
type ErrorEvent struct {
	Code            int    `json:"code"`
	Message         string `json:"message"`
	Recoverable     bool   `json:"recoverable"`
	Details         any    `json:"details,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

func (ErrorEvent) Kind() EventKind { return EventError }

// ErrorEventFrom converts a wire error to a terminal error event.
func ErrorEventFrom(e *Error) ErrorEvent {
	return ErrorEvent{Code: e.Code, Message: e.Message, Details: e.Data}
}

// SystemLevel is the severity of a system event.
type SystemLevel string

const (
	LevelDebug   SystemLevel = "debug"
	LevelInfo    SystemLevel = "info"
	LevelWarning SystemLevel = "warning"
	LevelError   SystemLevel = "error"
)

// System carries agent activity with no dedicated variant.
type System struct {
	Message   string         `json:"message"`
	Level     SystemLevel    `json:"level"`
	Component string         `json:"component,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (System) Kind() EventKind { return EventSystem }

// Seconds is a duration encoded as whole seconds.
type Seconds time.Duration

// Duration converts back to time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(s) / time.Second))
}

func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timeout must be a number of seconds: %w", err)
	}
	*s = Seconds(time.Duration(n * float64(time.Second)))
	return nil
}

// StreamEvent is one sequenced notification of an operation.
type StreamEvent struct {
	RequestID string
	SessionID string
	Sequence  uint64
	Timestamp time.Time
	Content   Content
}

// Terminal reports whether the event ends its operation's stream.
func (e StreamEvent) Terminal() bool {
	if ev, ok := e.Content.(ErrorEvent); ok {
		return !ev.Recoverable
	}
	return false
}

// Method returns the notification method for the event.
func (e StreamEvent) Method(namespace string) string {
	return NotificationMethod(namespace, e.Content.Kind())
}

type streamEventWire struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Content   json.RawMessage `json:"content"`
}

// MarshalJSON encodes the notification params.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if e.Content == nil {
		return nil, fmt.Errorf("stream event %d has no content", e.Sequence)
	}
	content, err := json.Marshal(e.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamEventWire{
		RequestID: e.RequestID,
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UTC(),
		Kind:      e.Content.Kind(),
		Content:   content,
	})
}

// UnmarshalJSON decodes notification params, selecting the content variant
// by kind. Used by clients and tests.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w streamEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var content Content
	switch w.Kind {
	case EventProgress:
		var c Progress
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventAiResponse:
		var c AiResponse
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventToolCall:
		var c ToolCall
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventUserInteraction:
		var c Interaction
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventFileModification:
		var c FileModification
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventError:
		var c ErrorEvent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	case EventSystem:
		var c System
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return err
		}
		content = c
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}

	*e = StreamEvent{
		RequestID: w.RequestID,
		SessionID: w.SessionID,
		Sequence:  w.Sequence,
		Timestamp: w.Timestamp,
		Content:   content,
	}
	return nil
}
