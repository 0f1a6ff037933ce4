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
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

// ScriptedConfig configures the scripted agent.
type ScriptedConfig struct {
	// StepDelay is the pause between scripted steps.
	StepDelay time.Duration

	// RequireApproval makes every proposed file modification wait for the
	// client's decision.
	RequireApproval bool

	// FailWith, when set, makes every run fail with this message after the
	// fixes are generated.
	FailWith string
}

// ScriptedService is a deterministic agent. It walks the progress phases,
// proposes one file modification per incident and completes. It is used
// for demos and end-to-end tests.
type ScriptedService struct {
	config ScriptedConfig
}

// NewScriptedService creates a scripted agent service.
func NewScriptedService(cfg ScriptedConfig) *ScriptedService {
	return &ScriptedService{config: cfg}
}

// Start launches a scripted run.
func (s *ScriptedService) Start(_ context.Context, req RunRequest) (Run, error) {
	if len(req.Incidents) == 0 {
		return nil, fmt.Errorf("scripted agent: no incidents")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedRun{
		config:  s.config,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan NativeEvent),
		done:    make(chan struct{}),
		replies: make(map[string]chan InteractionReply),
	}
	go r.run()
	return r, nil
}

type scriptedRun struct {
	config ScriptedConfig
	req    RunRequest
	ctx    context.Context
	cancel context.CancelFunc

	events chan NativeEvent
	done   chan struct{}

	mu      sync.Mutex
	replies map[string]chan InteractionReply
	result  *Result
	err     error
}

func (r *scriptedRun) Events() <-chan NativeEvent { return r.events }

func (r *scriptedRun) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

func (r *scriptedRun) Cancel() { r.cancel() }

func (r *scriptedRun) RespondInteraction(_ context.Context, id string, reply InteractionReply) error {
	r.mu.Lock()
	ch, ok := r.replies[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("scripted agent: no interaction %q", id)
	}
	select {
	case ch <- reply:
		return nil
	default:
		return fmt.Errorf("scripted agent: interaction %q already answered", id)
	}
}

func (r *scriptedRun) run() {
	defer close(r.done)
	defer close(r.events)
	defer r.cancel()

	result, err := r.script()
	if err != nil && r.ctx.Err() != nil {
		err = ErrRunCancelled
	}
	r.result, r.err = result, err
}

func (r *scriptedRun) script() (*Result, error) {
	incidents := r.req.Incidents

	steps := []func() error{
		func() error { return r.progress(protocol.PhaseInitializing, "Preparing agent") },
		func() error {
			return r.emit(EventMessage, map[string]any{
				"text": fmt.Sprintf("Analyzing %d incident(s).", len(incidents)),
			})
		},
		func() error { return r.progress(protocol.PhaseAnalyzingIncidents, "Analyzing incidents") },
		func() error { return r.progress(protocol.PhaseGeneratingContext, "Generating context") },
		func() error { return r.progress(protocol.PhaseCallingAgent, "Calling AI agent") },
		func() error {
			return r.emit(EventThinking, map[string]any{"text": "Planning one change per incident."})
		},
		func() error { return r.progress(protocol.PhaseProcessingResponse, "Processing response") },
		func() error { return r.progress(protocol.PhaseGeneratingFixes, "Generating fixes") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	if r.config.FailWith != "" {
		return nil, errors.New(r.config.FailWith)
	}

	applied := 0
	for i, inc := range incidents {
		ok, err := r.proposeFix(i, inc)
		if err != nil {
			return nil, err
		}
		if ok {
			applied++
		}
	}

	if err := r.progress(protocol.PhaseValidatingFixes, "Validating fixes"); err != nil {
		return nil, err
	}
	summary := fmt.Sprintf("Applied %d of %d fix(es).", applied, len(incidents))
	if err := r.emit(EventMessage, map[string]any{"text": summary}); err != nil {
		return nil, err
	}
	return &Result{
		Summary: summary,
		Output:  map[string]any{"applied": applied, "proposed": len(incidents)},
	}, nil
}

func (r *scriptedRun) proposeFix(i int, inc protocol.Incident) (bool, error) {
	proposalID := fmt.Sprintf("%s-fix-%d", r.req.RequestID, i+1)
	file := inc.URI
	if file == "" {
		file = path.Join("src", inc.RuleID+".txt")
	}

	if err := r.emit(EventToolRequest, map[string]any{
		"id":     proposalID,
		"name":   "edit_file",
		"params": map[string]any{"path": file, "incident_id": inc.ID},
	}); err != nil {
		return false, err
	}

	var replies chan InteractionReply
	if r.config.RequireApproval {
		replies = make(chan InteractionReply, 1)
		r.mu.Lock()
		r.replies[proposalID] = replies
		r.mu.Unlock()
	}

	if err := r.emit(EventFileModification, map[string]any{
		"id":                proposalID,
		"path":              file,
		"operation":         string(protocol.FileModify),
		"diff":              fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ -%d +%d @@\n-// %s\n+// fixed: %s\n", file, file, inc.LineNumber, inc.LineNumber, inc.Message, inc.RuleID),
		"requires_approval": r.config.RequireApproval,
		"description":       "Fix for " + inc.RuleID,
	}); err != nil {
		return false, err
	}

	approved := true
	if replies != nil {
		select {
		case reply := <-replies:
			approved = reply.Approved
		case <-r.ctx.Done():
			return false, r.ctx.Err()
		}
	}

	response := map[string]any{"id": proposalID, "name": "edit_file", "result": map[string]any{"applied": approved}}
	if !approved {
		response["error"] = "change rejected by user"
	}
	return approved, r.emit(EventToolResponse, response)
}

func (r *scriptedRun) progress(stage, description string) error {
	return r.emit(EventProgress, map[string]any{"stage": stage, "description": description})
}

func (r *scriptedRun) emit(eventType string, data any) error {
	if r.config.StepDelay > 0 {
		select {
		case <-time.After(r.config.StepDelay):
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
	select {
	case r.events <- NewNativeEvent(eventType, data):
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}
