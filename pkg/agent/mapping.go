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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// Native payload shapes.
type (
	textPayload struct {
		Text       string   `json:"text"`
		Partial    bool     `json:"partial"`
		Confidence *float64 `json:"confidence"`
		Tokens     int      `json:"tokens"`
	}

	toolRequestPayload struct {
		ID     string         `json:"id"`
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}

	toolResponsePayload struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}

	actionRequiredPayload struct {
		ID       string         `json:"id"`
		Tool     string         `json:"tool"`
		Prompt   string         `json:"prompt"`
		Params   map[string]any `json:"params"`
		Options  []string       `json:"options"`
		Default  string         `json:"default"`
		Timeout  float64        `json:"timeout"`
		Metadata map[string]any `json:"metadata"`
	}

	elicitationPayload struct {
		ID      string         `json:"id"`
		Prompt  string         `json:"prompt"`
		Schema  map[string]any `json:"schema"`
		Options []string       `json:"options"`
		Default string         `json:"default"`
		Timeout float64        `json:"timeout"`
	}

	fileModificationPayload struct {
		ID               string `json:"id"`
		Path             string `json:"path"`
		Operation        string `json:"operation"`
		Diff             string `json:"diff"`
		RequiresApproval bool   `json:"requires_approval"`
		Description      string `json:"description"`
	}

	progressPayload struct {
		Stage       string `json:"stage"`
		Percent     *int   `json:"percent"`
		Description string `json:"description"`
		CurrentStep int    `json:"current_step"`
		TotalSteps  int    `json:"total_steps"`
	}

	logPayload struct {
		Message string         `json:"message"`
		Level   string         `json:"level"`
		Data    map[string]any `json:"data"`
	}

	modelChangePayload struct {
		Model string `json:"model"`
		Mode  string `json:"mode"`
	}

	historyCompactedPayload struct {
		Message      string `json:"message"`
		TokensBefore int    `json:"tokens_before"`
		TokensAfter  int    `json:"tokens_after"`
	}

	errorPayload struct {
		Code        int    `json:"code"`
		Message     string `json:"message"`
		Recoverable bool   `json:"recoverable"`
		Details     any    `json:"details"`
	}
)

// Map converts a native event to stream event content. Every native event
// yields exactly one content value: unknown types and payloads that cannot
// be decoded become System events instead of being dropped.
func Map(ev NativeEvent) protocol.Content {
	content, err := mapKnown(ev)
	if err != nil {
		return protocol.System{
			Message:   fmt.Sprintf("malformed %s event: %v", ev.Type, err),
			Level:     protocol.LevelWarning,
			Component: "bridge",
			Data:      map[string]any{"native_type": ev.Type, "payload": rawPayload(ev.Data)},
		}
	}
	if content == nil {
		return protocol.System{
			Message:   "agent event: " + ev.Type,
			Level:     protocol.LevelInfo,
			Component: "agent",
			Data:      map[string]any{"native_type": ev.Type, "payload": rawPayload(ev.Data)},
		}
	}
	return content
}

// mapKnown returns nil content for unknown types.
func mapKnown(ev NativeEvent) (protocol.Content, error) {
	switch ev.Type {
	case EventMessage, EventText:
		var p textPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		return protocol.AiResponse{Text: p.Text, Partial: p.Partial, Confidence: p.Confidence, Tokens: p.Tokens}, nil

	case EventThinking:
		var p textPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		return protocol.System{Message: p.Text, Level: protocol.LevelDebug, Component: "thinking"}, nil

	case EventToolRequest:
		var p toolRequestPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		return protocol.ToolCall{ID: p.ID, Name: p.Name, Params: p.Params, Status: protocol.ToolPending}, nil

	case EventToolResponse:
		var p toolResponsePayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		call := protocol.ToolCall{ID: p.ID, Name: p.Name, Status: protocol.ToolCompleted, Result: p.Result}
		if p.Error != "" {
			call.Status = protocol.ToolFailed
			call.Result = map[string]any{"error": p.Error}
		}
		return call, nil

	case EventActionRequired, EventToolConfirmation:
		var p actionRequiredPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("interaction id is required")
		}
		prompt := p.Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Allow the agent to run %s?", p.Tool)
		}
		options := p.Options
		if len(options) == 0 {
			options = []string{string(protocol.ActionAllowOnce), string(protocol.ActionAlwaysAllow), string(protocol.ActionDeny)}
		}
		metadata := p.Metadata
		if len(p.Params) > 0 {
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata["params"] = p.Params
		}
		return protocol.Interaction{
			ID:       p.ID,
			Type:     protocol.InteractionToolPermission,
			Tool:     p.Tool,
			Prompt:   prompt,
			Options:  options,
			Default:  p.Default,
			Timeout:  secondsOf(p.Timeout),
			Metadata: metadata,
		}, nil

	case EventElicitation:
		var p elicitationPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("interaction id is required")
		}
		return protocol.Interaction{
			ID:      p.ID,
			Type:    protocol.InteractionTextInput,
			Prompt:  p.Prompt,
			Options: p.Options,
			Default: p.Default,
			Timeout: secondsOf(p.Timeout),
			Schema:  p.Schema,
		}, nil

	case EventFileModification:
		var p fileModificationPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		if p.ID == "" {
			if p.RequiresApproval {
				return nil, fmt.Errorf("proposal id is required when approval is required")
			}
			p.ID = uuid.NewString()
		}
		op := protocol.FileOperation(p.Operation)
		switch op {
		case protocol.FileCreate, protocol.FileModify, protocol.FileDelete, protocol.FileRename, protocol.FileCopy:
		case "":
			op = protocol.FileModify
		default:
			return nil, fmt.Errorf("unknown file operation %q", p.Operation)
		}
		return protocol.FileModification{
			ProposalID:       p.ID,
			Path:             p.Path,
			Operation:        op,
			Diff:             p.Diff,
			RequiresApproval: p.RequiresApproval,
			Description:      p.Description,
		}, nil

	case EventProgress:
		var p progressPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.Stage == "" {
			return nil, fmt.Errorf("stage is required")
		}
		percent := protocol.PhasePercent(p.Stage)
		if p.Percent != nil {
			percent = *p.Percent
		}
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("percent %d out of range", percent)
		}
		return protocol.Progress{
			Stage:       p.Stage,
			Percent:     percent,
			Description: p.Description,
			CurrentStep: p.CurrentStep,
			TotalSteps:  p.TotalSteps,
		}, nil

	case EventNotification, EventLog:
		var p logPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		return protocol.System{Message: p.Message, Level: parseLevel(p.Level), Component: "agent", Data: p.Data}, nil

	case EventModelChange:
		var p modelChangePayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		return protocol.System{
			Message:   fmt.Sprintf("model changed to %s", p.Model),
			Level:     protocol.LevelInfo,
			Component: "model",
			Data:      map[string]any{"model": p.Model, "mode": p.Mode},
		}, nil

	case EventHistoryCompacted:
		var p historyCompactedPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		msg := p.Message
		if msg == "" {
			msg = "conversation history compacted"
		}
		return protocol.System{
			Message:   msg,
			Level:     protocol.LevelInfo,
			Component: "history",
			Data:      map[string]any{"tokens_before": p.TokensBefore, "tokens_after": p.TokensAfter},
		}, nil

	case EventError:
		var p errorPayload
		if err := decodePayload(ev.Data, &p); err != nil {
			return nil, err
		}
		if p.Code == 0 {
			p.Code = protocol.ErrCodeAgentFailure
		}
		return protocol.ErrorEvent{Code: p.Code, Message: p.Message, Recoverable: p.Recoverable, Details: p.Details}, nil
	}
	return nil, nil
}

func decodePayload(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func rawPayload(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func secondsOf(s float64) protocol.Seconds {
	if s <= 0 {
		return 0
	}
	return protocol.Seconds(time.Duration(s * float64(time.Second)))
}

func parseLevel(s string) protocol.SystemLevel {
	switch protocol.SystemLevel(s) {
	case protocol.LevelDebug, protocol.LevelWarning, protocol.LevelError:
		return protocol.SystemLevel(s)
	case "warn":
		return protocol.LevelWarning
	default:
		return protocol.LevelInfo
	}
}
