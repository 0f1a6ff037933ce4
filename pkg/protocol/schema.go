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
	"fmt"

	"github.com/invopop/jsonschema"
)

// ParamsFor returns a zero value of the params type of m.
func ParamsFor(m Method) (any, error) {
	switch m {
	case MethodGenerateFix:
		return &GenerateFixParams{}, nil
	case MethodDeleteSession:
		return &DeleteSessionParams{}, nil
	case MethodUserMessage:
		return &UserMessageParams{}, nil
	case MethodCancel:
		return &CancelParams{}, nil
	case MethodCancelRequest:
		return &CancelRequestParams{}, nil
	default:
		return nil, fmt.Errorf("no params type for method %s", m)
	}
}

// ParamsSchema reflects the JSON Schema of a method's params.
func ParamsSchema(namespace string, m Method) (*jsonschema.Schema, error) {
	params, err := ParamsFor(m)
	if err != nil {
		return nil, err
	}

	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(params)
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Title = m.Name(namespace) + " params"
	return schema, nil
}

// JSONSchema describes an id as string, integer or null.
func (ID) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "integer"},
			{Type: "null"},
		},
	}
}
