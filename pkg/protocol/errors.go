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
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	ErrCodeSessionNotFound      = -32003
	ErrCodeAgentFailure         = -32010
	ErrCodeAgentInitialization  = -32012
	ErrCodeSessionInUse         = -32013
	ErrCodeConfiguration        = -32014
	ErrCodeResourceExhausted    = -32015
	ErrCodeToolTimeout          = -32016
	ErrCodeInteractionNotFound  = -32017
	ErrCodeInteractionResponded = -32018
	ErrCodeOperationCancelled   = -32019
	ErrCodeOperationTimeout     = -32020
)

// Error is a JSON-RPC error object. It also implements the error interface so
// handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// NewError creates an error with an arbitrary code.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func NewParseError(detail string) *Error {
	return &Error{Code: ParseError, Message: "Parse error", Data: map[string]any{"detail": detail}}
}

func NewInvalidRequest(detail string) *Error {
	return &Error{Code: InvalidRequest, Message: "Invalid Request", Data: map[string]any{"detail": detail}}
}

func NewMethodNotFound(method string) *Error {
	return &Error{Code: MethodNotFound, Message: "Method not found", Data: map[string]any{"method": method}}
}

// NewInvalidParams reports a parameter problem at the dotted field path. An
// empty path refers to the params value itself.
func NewInvalidParams(field, reason string) *Error {
	return &Error{
		Code:    InvalidParams,
		Message: "Invalid params",
		Data:    map[string]any{"field": field, "reason": reason},
	}
}

func NewInternalError(detail string) *Error {
	return &Error{Code: InternalError, Message: "Internal error", Data: map[string]any{"detail": detail}}
}

func NewSessionNotFound(sessionID string) *Error {
	return &Error{
		Code:    ErrCodeSessionNotFound,
		Message: "Session not found",
		Data:    map[string]any{"session_id": sessionID},
	}
}

func NewSessionInUse(sessionID string, heldSince time.Time) *Error {
	return &Error{
		Code:    ErrCodeSessionInUse,
		Message: "Session in use",
		Data: map[string]any{
			"session_id": sessionID,
			"held_since": heldSince.UTC().Format(time.RFC3339Nano),
		},
	}
}

func NewAgentInitializationError(detail string) *Error {
	return &Error{Code: ErrCodeAgentInitialization, Message: "Agent initialization failed", Data: map[string]any{"detail": detail}}
}

func NewAgentFailure(detail string) *Error {
	return &Error{Code: ErrCodeAgentFailure, Message: "Agent failure", Data: map[string]any{"detail": detail}}
}

func NewConfigurationError(detail string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: "Configuration error", Data: map[string]any{"detail": detail}}
}

func NewResourceExhausted(resource string, limit int) *Error {
	return &Error{
		Code:    ErrCodeResourceExhausted,
		Message: "Resource exhausted",
		Data:    map[string]any{"resource": resource, "limit": limit},
	}
}

func NewToolTimeout(interactionID, tool string) *Error {
	return &Error{
		Code:    ErrCodeToolTimeout,
		Message: "Tool approval timed out",
		Data:    map[string]any{"interaction_id": interactionID, "tool": tool},
	}
}

func NewInteractionNotFound(interactionID string) *Error {
	return &Error{
		Code:    ErrCodeInteractionNotFound,
		Message: "Interaction not found",
		Data:    map[string]any{"interaction_id": interactionID},
	}
}

func NewInteractionAlreadyResponded(interactionID string) *Error {
	return &Error{
		Code:    ErrCodeInteractionResponded,
		Message: "Interaction already responded",
		Data:    map[string]any{"interaction_id": interactionID},
	}
}

func NewOperationCancelled(requestID, sessionID, reason string) *Error {
	return &Error{
		Code:    ErrCodeOperationCancelled,
		Message: "Operation cancelled",
		Data:    map[string]any{"request_id": requestID, "session_id": sessionID, "reason": reason},
	}
}

func NewOperationTimeout(requestID, sessionID string, timeout time.Duration) *Error {
	return &Error{
		Code:    ErrCodeOperationTimeout,
		Message: "Operation timed out",
		Data:    map[string]any{"request_id": requestID, "session_id": sessionID, "timeout": timeout.String()},
	}
}

// Coder is implemented by domain errors that know their wire representation.
type Coder interface {
	RPCError() *Error
}

// AsError maps any error to a wire error. Unrecognized errors become internal
// errors; context errors keep their meaning.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.RPCError()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: ErrCodeOperationTimeout, Message: "Operation timed out", Data: map[string]any{"detail": err.Error()}}
	case errors.Is(err, context.Canceled):
		return &Error{Code: ErrCodeOperationCancelled, Message: "Operation cancelled", Data: map[string]any{"detail": err.Error()}}
	}

	return NewInternalError(err.Error())
}
