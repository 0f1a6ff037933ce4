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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/mitchellh/mapstructure"
)

const (
	// MaxIncidents bounds the incidents of a single generate_fix request.
	MaxIncidents = 1000

	// MaxSessionIDLength bounds client-supplied session ids.
	MaxSessionIDLength = 256

	// MaxUserMessageBytes bounds the params of a user message.
	MaxUserMessageBytes = 1 << 20
)

// FieldError is a validation failure at a dotted field path.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// RPCError implements Coder.
func (e *FieldError) RPCError() *Error {
	return NewInvalidParams(e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func joinPath(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	case strings.HasPrefix(field, "["):
		return prefix + field
	default:
		return prefix + "." + field
	}
}

// validator is implemented by parameter types with semantic checks.
type validator interface {
	Validate() error
}

// DecodeParams decodes raw params into out, rejecting unknown members and
// type mismatches, then runs out's Validate method if it has one. Failures
// are returned as Invalid-Params errors naming the offending field.
func DecodeParams(raw json.RawMessage, out any) *Error {
	if err := decodeInto(raw, out, ""); err != nil {
		return AsError(err)
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return AsError(err)
		}
	}
	return nil
}

func decodeInto(raw json.RawMessage, out any, prefix string) error {
	input := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return fieldErr(prefix, "must be an object")
		}
		if err := json.Unmarshal(trimmed, &input); err != nil {
			return fieldErr(prefix, "malformed object: %v", err)
		}
	}
	return decodeMap(input, out, prefix)
}

func decodeMap(input map[string]any, out any, prefix string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return fmt.Errorf("create params decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return translateDecodeError(err, prefix)
	}
	return nil
}

var (
	decodeErrPattern  = regexp.MustCompile(`^(?:error decoding )?'([^']*)':? (.*)$`)
	invalidKeysPrefix = "has invalid keys: "
)

// translateDecodeError turns the first mapstructure failure into a FieldError.
func translateDecodeError(err error, prefix string) error {
	var msErr *mapstructure.Error
	messages := []string{err.Error()}
	if errors.As(err, &msErr) && len(msErr.Errors) > 0 {
		messages = msErr.Errors
	}

	// mapstructure does not sort its errors; report deterministically.
	first := messages[0]
	for _, m := range messages[1:] {
		if m < first {
			first = m
		}
	}

	m := decodeErrPattern.FindStringSubmatch(first)
	if m == nil {
		return fieldErr(prefix, "%s", first)
	}

	field, reason := m[1], m[2]
	if keys, ok := strings.CutPrefix(reason, invalidKeysPrefix); ok {
		key, _, _ := strings.Cut(keys, ",")
		return fieldErr(joinPath(joinPath(prefix, field), strings.TrimSpace(key)), "unknown field")
	}
	return fieldErr(joinPath(prefix, field), "%s", reason)
}

// ValidateSessionID checks a client-supplied session id.
func ValidateSessionID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fieldErr(field, "must not be empty")
	}
	if len(id) > MaxSessionIDLength {
		return fieldErr(field, "must be at most %d bytes", MaxSessionIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fieldErr(field, "must not contain control characters")
	}
	return nil
}

// Severity grades an incident.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Incident is one static-analysis finding the agent is asked to fix.
type Incident struct {
	ID          string   `json:"id" jsonschema:"required"`
	RuleID      string   `json:"rule_id" jsonschema:"required"`
	Message     string   `json:"message" jsonschema:"required"`
	Description string   `json:"description,omitempty"`
	Effort      string   `json:"effort,omitempty"`
	Severity    Severity `json:"severity,omitempty" jsonschema:"enum=info,enum=warning,enum=error,enum=critical,default=warning"`
	URI         string   `json:"uri,omitempty"`
	LineNumber  int      `json:"line_number,omitempty" jsonschema:"minimum=0"`
}

// GenerateFixParams are the params of generate_fix.
type GenerateFixParams struct {
	SessionID        string         `json:"session_id,omitempty" jsonschema:"description=Existing or client-chosen session id; generated when absent"`
	Incidents        []Incident     `json:"incidents" jsonschema:"required,minItems=1,maxItems=1000"`
	MigrationContext map[string]any `json:"migration_context,omitempty" jsonschema:"description=Opaque context forwarded to the agent"`
	AgentConfig      map[string]any `json:"agent_config,omitempty" jsonschema:"description=Opaque workspace and model configuration forwarded to the agent"`
}

// Validate implements validator. Missing severities default to warning.
func (p *GenerateFixParams) Validate() error {
	if p.SessionID != "" {
		if err := ValidateSessionID("session_id", p.SessionID); err != nil {
			return err
		}
	}

	switch n := len(p.Incidents); {
	case n == 0:
		return fieldErr("incidents", "at least one incident is required")
	case n > MaxIncidents:
		return fieldErr("incidents", "at most %d incidents are allowed, got %d", MaxIncidents, n)
	}

	seen := make(map[string]int, len(p.Incidents))
	for i := range p.Incidents {
		inc := &p.Incidents[i]
		path := fmt.Sprintf("incidents[%d]", i)

		if strings.TrimSpace(inc.ID) == "" {
			return fieldErr(path+".id", "must not be empty")
		}
		if prev, dup := seen[inc.ID]; dup {
			return fieldErr(path+".id", "duplicates incidents[%d].id", prev)
		}
		seen[inc.ID] = i

		if strings.TrimSpace(inc.RuleID) == "" {
			return fieldErr(path+".rule_id", "must not be empty")
		}
		if strings.TrimSpace(inc.Message) == "" {
			return fieldErr(path+".message", "must not be empty")
		}
		if inc.Severity == "" {
			inc.Severity = SeverityWarning
		}
		if !inc.Severity.Valid() {
			return fieldErr(path+".severity", "must be one of info, warning, error, critical")
		}
		if inc.LineNumber < 0 {
			return fieldErr(path+".line_number", "must not be negative")
		}
	}

	if ws, ok := p.AgentConfig["workspace"]; ok {
		if _, isString := ws.(string); !isString {
			return fieldErr("agent_config.workspace", "must be a string")
		}
	}
	return nil
}

// Workspace returns agent_config.workspace, if present.
func (p *GenerateFixParams) Workspace() string {
	ws, _ := p.AgentConfig["workspace"].(string)
	return ws
}

// GenerateFixResult is the terminal result of a successful generate_fix.
type GenerateFixResult struct {
	RequestID   string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	CompletedAt time.Time      `json:"completed_at"`
	Summary     string         `json:"summary,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// DeleteSessionParams are the params of delete_session.
type DeleteSessionParams struct {
	SessionID string `json:"session_id" jsonschema:"required"`
	Force     bool   `json:"force,omitempty" jsonschema:"description=Cancel a running operation instead of failing"`
}

// Validate implements validator.
func (p *DeleteSessionParams) Validate() error {
	return ValidateSessionID("session_id", p.SessionID)
}

// DeleteSessionResult reports a completed deletion.
type DeleteSessionResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// UserMessageKind routes a client message.
type UserMessageKind string

const (
	UserMessageToolConfirmation    UserMessageKind = "tool_confirmation"
	UserMessageElicitationResponse UserMessageKind = "elicitation_response"
	UserMessageUserInput           UserMessageKind = "user_input"
	UserMessageControlSignal       UserMessageKind = "control_signal"
)

// ConfirmationAction answers a tool confirmation.
type ConfirmationAction string

const (
	ActionAllowOnce   ConfirmationAction = "allow_once"
	ActionAlwaysAllow ConfirmationAction = "always_allow"
	ActionDeny        ConfirmationAction = "deny"
)

// Allows reports whether the action grants permission.
func (a ConfirmationAction) Allows() bool {
	return a == ActionAllowOnce || a == ActionAlwaysAllow
}

// UserMessageParams are the params of client/user_message.
type UserMessageParams struct {
	SessionID string          `json:"session_id" jsonschema:"required"`
	Kind      UserMessageKind `json:"kind" jsonschema:"required,enum=tool_confirmation,enum=elicitation_response,enum=user_input,enum=control_signal"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   map[string]any  `json:"payload,omitempty"`
}

// Validate implements validator.
func (p *UserMessageParams) Validate() error {
	if err := ValidateSessionID("session_id", p.SessionID); err != nil {
		return err
	}
	switch p.Kind {
	case UserMessageToolConfirmation, UserMessageElicitationResponse, UserMessageUserInput, UserMessageControlSignal:
	case "":
		return fieldErr("kind", "is required")
	default:
		return fieldErr("kind", "unknown kind %q", p.Kind)
	}
	_, err := p.DecodePayload()
	return err
}

// ToolConfirmationPayload answers a tool_permission or file_approval interaction.
type ToolConfirmationPayload struct {
	RequestID string             `json:"request_id"`
	Action    ConfirmationAction `json:"action"`
}

// ElicitationResponsePayload answers an elicitation interaction.
type ElicitationResponsePayload struct {
	RequestID string `json:"request_id"`
	UserData  any    `json:"user_data"`
}

// UserInputPayload answers a text_input interaction, or carries free-form
// input when RequestID is empty.
type UserInputPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
}

// ControlSignalPayload carries an out-of-band instruction.
type ControlSignalPayload struct {
	Signal string `json:"signal"`
}

// SignalCancel is the only control signal currently acted upon.
const SignalCancel = "cancel"

// DecodePayload decodes Payload into the struct matching Kind.
func (p *UserMessageParams) DecodePayload() (any, error) {
	switch p.Kind {
	case UserMessageToolConfirmation:
		var out ToolConfirmationPayload
		if err := decodeMap(p.Payload, &out, "payload"); err != nil {
			return nil, err
		}
		if out.RequestID == "" {
			return nil, fieldErr("payload.request_id", "is required")
		}
		switch out.Action {
		case ActionAllowOnce, ActionAlwaysAllow, ActionDeny:
		default:
			return nil, fieldErr("payload.action", "must be one of allow_once, always_allow, deny")
		}
		return out, nil

	case UserMessageElicitationResponse:
		var out ElicitationResponsePayload
		if err := decodeMap(p.Payload, &out, "payload"); err != nil {
			return nil, err
		}
		if out.RequestID == "" {
			return nil, fieldErr("payload.request_id", "is required")
		}
		return out, nil

	case UserMessageUserInput:
		var out UserInputPayload
		if err := decodeMap(p.Payload, &out, "payload"); err != nil {
			return nil, err
		}
		return out, nil

	case UserMessageControlSignal:
		var out ControlSignalPayload
		if err := decodeMap(p.Payload, &out, "payload"); err != nil {
			return nil, err
		}
		if out.Signal == "" {
			return nil, fieldErr("payload.signal", "is required")
		}
		return out, nil
	}
	return nil, fieldErr("kind", "unknown kind %q", p.Kind)
}

// UserMessageResult acknowledges a user message.
type UserMessageResult struct {
	Accepted      bool   `json:"accepted"`
	InteractionID string `json:"interaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CancelParams select the operation to cancel. At least one member is required.
type CancelParams struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Validate implements validator.
func (p *CancelParams) Validate() error {
	if p.RequestID == "" && p.SessionID == "" {
		return fieldErr("request_id", "request_id or session_id is required")
	}
	return nil
}

// CancelResult reports whether an operation was signalled.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	RequestID string `json:"request_id,omitempty"`
}

// CancelRequestParams are the params of $/cancelRequest.
type CancelRequestParams struct {
	ID ID `json:"id"`
}

// DecodeCancelRequest decodes $/cancelRequest params. The id member holds a
// JSON-RPC id, which needs the ID decoder rather than the struct decoder.
func DecodeCancelRequest(raw json.RawMessage) (CancelRequestParams, *Error) {
	var p CancelRequestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewInvalidParams("id", err.Error())
	}
	if p.ID.IsZero() {
		return p, NewInvalidParams("id", "is required")
	}
	return p, nil
}
