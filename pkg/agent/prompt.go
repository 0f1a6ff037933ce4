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
	"fmt"
	"strings"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// DefaultSystemPrompt frames the agent as a migration assistant.
const DefaultSystemPrompt = `You are a code migration assistant that fixes issues found by static analysis.

Focus on the incidents provided. Prefer minimal, targeted changes and explain
each one. Never modify a file without requesting approval first.`

// BuildPrompt renders the user prompt for a set of incidents.
func BuildPrompt(incidents []protocol.Incident, workspace string) string {
	var b strings.Builder
	b.WriteString("We found migration issues identified by static analysis tools in the project. Help fix them.")
	if workspace != "" {
		fmt.Fprintf(&b, " The workspace is %s.", workspace)
	}
	b.WriteString("\n\nIncidents to fix:\n")

	for i, inc := range incidents {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, inc.Severity, inc.Message)
		fmt.Fprintf(&b, "   Rule: %s\n", inc.RuleID)
		if inc.URI != "" {
			if inc.LineNumber > 0 {
				fmt.Fprintf(&b, "   Location: %s:%d\n", inc.URI, inc.LineNumber)
			} else {
				fmt.Fprintf(&b, "   Location: %s\n", inc.URI)
			}
		}
		if inc.Description != "" {
			fmt.Fprintf(&b, "   Description: %s\n", inc.Description)
		}
		if inc.Effort != "" {
			fmt.Fprintf(&b, "   Effort: %s\n", inc.Effort)
		}
	}
	return b.String()
}

// NewRunRequest assembles the run request for a generate_fix operation.
func NewRunRequest(sessionID, requestID string, params *protocol.GenerateFixParams) RunRequest {
	return RunRequest{
		SessionID:        sessionID,
		RequestID:        requestID,
		Prompt:           BuildPrompt(params.Incidents, params.Workspace()),
		SystemPrompt:     DefaultSystemPrompt,
		Incidents:        params.Incidents,
		MigrationContext: params.MigrationContext,
		AgentConfig:      params.AgentConfig,
		Workspace:        params.Workspace(),
	}
}
