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

	"github.com/kadirpekel/kaiak/pkg/config"
)

// NewService creates the agent service described by cfg.
func NewService(cfg config.AgentConfig) (Service, error) {
	switch cfg.Type {
	case config.AgentScripted, "":
		return NewScriptedService(ScriptedConfig{
			StepDelay:       cfg.Scripted.StepDelay,
			RequireApproval: cfg.Scripted.RequireApproval,
			FailWith:        cfg.Scripted.FailWith,
		}), nil
	case config.AgentExec:
		return NewExecService(ExecConfig{
			Command:   cfg.Command,
			Args:      cfg.Args,
			Env:       cfg.Env,
			WorkDir:   cfg.WorkDir,
			StopGrace: cfg.StopGrace,
		})
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}
}
