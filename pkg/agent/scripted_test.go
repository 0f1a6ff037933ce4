package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

func scriptedRequest(n int) RunRequest {
	req := RunRequest{SessionID: "s1", RequestID: "r1"}
	for i := 0; i < n; i++ {
		req.Incidents = append(req.Incidents, protocol.Incident{
			ID:       string(rune('a' + i)),
			RuleID:   "rule",
			Message:  "fix me",
			Severity: protocol.SeverityWarning,
		})
	}
	return req
}

func collect(t *testing.T, run Run) []NativeEvent {
	t.Helper()
	var out []NativeEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("scripted run did not finish")
		}
	}
}

func TestScripted_CompletesWithoutApproval(t *testing.T) {
	svc := NewScriptedService(ScriptedConfig{})

	run, err := svc.Start(context.Background(), scriptedRequest(2))
	require.NoError(t, err)

	events := collect(t, run)
	result, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Applied 2 of 2 fix(es).", result.Summary)
	assert.Equal(t, 2, result.Output["applied"])

	var stages []string
	mods := 0
	for _, ev := range events {
		switch c := Map(ev).(type) {
		case protocol.Progress:
			stages = append(stages, c.Stage)
		case protocol.FileModification:
			mods++
			assert.False(t, c.RequiresApproval)
		}
	}
	assert.Equal(t, []string{
		protocol.PhaseInitializing,
		protocol.PhaseAnalyzingIncidents,
		protocol.PhaseGeneratingContext,
		protocol.PhaseCallingAgent,
		protocol.PhaseProcessingResponse,
		protocol.PhaseGeneratingFixes,
		protocol.PhaseValidatingFixes,
	}, stages)
	assert.Equal(t, 2, mods)
}

func TestScripted_WaitsForApproval(t *testing.T) {
	svc := NewScriptedService(ScriptedConfig{RequireApproval: true})

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	var denied bool
	for ev := range run.Events() {
		if mod, ok := Map(ev).(protocol.FileModification); ok {
			require.True(t, mod.RequiresApproval)
			assert.Equal(t, "r1-fix-1", mod.ProposalID)
			require.NoError(t, run.RespondInteraction(context.Background(), mod.ProposalID, InteractionReply{Approved: false}))
			denied = true
		}
	}
	require.True(t, denied)

	result, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, "Applied 0 of 1 fix(es).", result.Summary)
}

func TestScripted_RespondUnknownInteraction(t *testing.T) {
	run, err := NewScriptedService(ScriptedConfig{}).Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)
	defer collect(t, run)

	assert.Error(t, run.RespondInteraction(context.Background(), "nope", InteractionReply{}))
}

func TestScripted_Cancel(t *testing.T) {
	svc := NewScriptedService(ScriptedConfig{RequireApproval: true})

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	for ev := range run.Events() {
		if _, ok := Map(ev).(protocol.FileModification); ok {
			run.Cancel()
		}
	}

	_, err = run.Wait()
	assert.ErrorIs(t, err, ErrRunCancelled)
}

func TestScripted_FailWith(t *testing.T) {
	svc := NewScriptedService(ScriptedConfig{FailWith: "model quota exceeded"})

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)
	collect(t, run)

	_, err = run.Wait()
	assert.EqualError(t, err, "model quota exceeded")
}

func TestScripted_RejectsEmptyRequest(t *testing.T) {
	_, err := NewScriptedService(ScriptedConfig{}).Start(context.Background(), RunRequest{})
	assert.Error(t, err)
}

func TestNewService(t *testing.T) {
	svc, err := NewService(config.AgentConfig{Type: config.AgentScripted})
	require.NoError(t, err)
	assert.IsType(t, &ScriptedService{}, svc)

	svc, err = NewService(config.AgentConfig{Type: config.AgentExec, Command: "goose"})
	require.NoError(t, err)
	assert.IsType(t, &ExecService{}, svc)

	_, err = NewService(config.AgentConfig{Type: config.AgentExec})
	assert.Error(t, err)

	_, err = NewService(config.AgentConfig{Type: "llm"})
	assert.Error(t, err)
}
