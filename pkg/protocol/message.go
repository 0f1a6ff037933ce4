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

// Package protocol implements the JSON-RPC 2.0 envelopes, error taxonomy,
// method table, typed parameters and stream events spoken by kaiak.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// reservedMethodPrefix marks methods reserved by JSON-RPC 2.0 itself.
const reservedMethodPrefix = "rpc."

// ID is a JSON-RPC request id: a string, a number, or null.
type ID struct {
	raw json.RawMessage
}

// StringID builds an ID from a string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IntID builds an ID from an integer.
func IntID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool {
	return len(id.raw) == 0
}

// IsNull reports whether the id was given as JSON null.
func (id ID) IsNull() bool {
	return bytes.Equal(id.raw, []byte("null"))
}

// String returns the canonical JSON form, suitable as a map key.
func (id ID) String() string {
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler. An absent id encodes as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty id")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		// Re-encode so equal ids compare equal as strings.
		b, _ := json.Marshal(s)
		id.raw = b
	case 'n':
		if !bytes.Equal(trimmed, []byte("null")) {
			return fmt.Errorf("invalid id %s", trimmed)
		}
		id.raw = json.RawMessage("null")
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("id must be a string, number or null")
		}
		id.raw = json.RawMessage(n.String())
	}
	return nil
}

// Kind classifies an inbound message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is a decoded JSON-RPC 2.0 envelope of any kind.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	kind Kind
}

// Kind returns the classification assigned by Decode.
func (m *Message) Kind() Kind {
	return m.kind
}

// wireMessage keeps member presence visible for classification.
type wireMessage struct {
	JSONRPC *string          `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Method  *json.RawMessage `json:"method"`
	Params  json.RawMessage  `json:"params"`
	Result  json.RawMessage  `json:"result"`
	Error   *Error           `json:"error"`
}

// Decode parses and validates one frame body.
//
// Returned errors are *Error values with the parse (-32700) or invalid
// request (-32600) code. When the id could be recovered it is returned in the
// partial message so the caller can still address the error response.
func Decode(data []byte) (*Message, *Error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewParseError("empty message")
	}
	if !json.Valid(trimmed) {
		return nil, NewParseError("invalid JSON")
	}
	switch trimmed[0] {
	case '{':
	case '[':
		return nil, NewInvalidRequest("batch requests are not supported")
	default:
		return nil, NewInvalidRequest("message must be a JSON object")
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		// Valid JSON with a structurally wrong member, e.g. id as an object.
		return nil, NewInvalidRequest(err.Error())
	}

	msg := &Message{Params: w.Params, Result: w.Result, Error: w.Error}
	hasID := len(w.ID) > 0
	if hasID {
		if err := msg.ID.UnmarshalJSON(w.ID); err != nil {
			return nil, NewInvalidRequest(err.Error())
		}
	}

	if w.JSONRPC == nil || *w.JSONRPC != Version {
		return msg, NewInvalidRequest(`jsonrpc must be "2.0"`)
	}
	msg.JSONRPC = *w.JSONRPC

	if w.Method == nil {
		if hasID && (w.Result != nil || w.Error != nil) {
			msg.kind = KindResponse
			return msg, nil
		}
		return msg, NewInvalidRequest("method is required")
	}

	var method string
	if err := json.Unmarshal(*w.Method, &method); err != nil {
		return msg, NewInvalidRequest("method must be a string")
	}
	if strings.TrimSpace(method) == "" {
		return msg, NewInvalidRequest("method must not be empty")
	}
	if strings.HasPrefix(method, reservedMethodPrefix) {
		return msg, NewInvalidRequest(fmt.Sprintf("method names beginning with %q are reserved", reservedMethodPrefix))
	}
	msg.Method = method

	if len(w.Params) > 0 {
		switch bytes.TrimSpace(w.Params)[0] {
		case '{', '[', 'n':
		default:
			return msg, NewInvalidRequest("params must be an object or array")
		}
	}

	if hasID {
		msg.kind = KindRequest
	} else {
		msg.kind = KindNotification
	}
	return msg, nil
}

// responseEnvelope is the outbound response shape. Result and Error are
// mutually exclusive; a nil result on success encodes as null.
type responseEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type successEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result"`
}

type notificationEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeResult encodes a success response.
func EncodeResult(id ID, result any) ([]byte, error) {
	b, err := json.Marshal(successEnvelope{JSONRPC: Version, ID: id, Result: result})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// EncodeError encodes an error response. A zero id encodes as null, which is
// what JSON-RPC requires when the request id could not be determined.
func EncodeError(id ID, rpcErr *Error) ([]byte, error) {
	b, err := json.Marshal(responseEnvelope{JSONRPC: Version, ID: id, Error: rpcErr})
	if err != nil {
		return nil, fmt.Errorf("encode error response: %w", err)
	}
	return b, nil
}

// EncodeNotification encodes a server notification.
func EncodeNotification(method string, params any) ([]byte, error) {
	b, err := json.Marshal(notificationEnvelope{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", method, err)
	}
	return b, nil
}

// EncodeRequest encodes a request. Used by clients and tests.
func EncodeRequest(id ID, method string, params any) ([]byte, error) {
	b, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      ID     `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{Version, id, method, params})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return b, nil
}
