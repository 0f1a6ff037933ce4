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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// SchemaCmd generates JSON Schema for the config file, or for the params of
// one method. Output is written to stdout.
type SchemaCmd struct {
	// Method selects a method's params instead of the config file.
	Method string `arg:"" optional:"" help:"Method whose params to describe (generate_fix, delete_session, client/user_message, cancel, $/cancelRequest)."`

	// Compact enables compact JSON output (no indentation)
	Compact bool `help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	var schema *jsonschema.Schema
	if c.Method != "" {
		method := protocol.ParseMethod(protocol.DefaultNamespace, c.Method)
		if method == protocol.MethodUnknown {
			return fmt.Errorf("unknown method %q", c.Method)
		}
		s, err := protocol.ParamsSchema(protocol.DefaultNamespace, method)
		if err != nil {
			return err
		}
		schema = s
	} else {
		reflector := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		schema = reflector.Reflect(&config.Config{})
		schema.Title = "kaiak Configuration Schema"
		schema.Version = "http://json-schema.org/draft-07/schema#"
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
