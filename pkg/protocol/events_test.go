package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEvent_MarshalJSON(t *testing.T) {
	ev := StreamEvent{
		RequestID: "req-1",
		SessionID: "s1",
		Sequence:  3,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Content:   Progress{Stage: PhaseAnalyzingIncidents, Percent: 15},
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"request_id": "req-1",
		"session_id": "s1",
		"sequence": 3,
		"timestamp": "2025-01-02T03:04:05Z",
		"kind": "progress",
		"content": {"stage": "analyzing_incidents", "percent": 15}
	}`, string(b))
	assert.Equal(t, "kaiak/progress", ev.Method(DefaultNamespace))
}

func TestStreamEvent_UnmarshalSelectsVariant(t *testing.T) {
	ev := StreamEvent{
		RequestID: "req-1",
		SessionID: "s1",
		Sequence:  9,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Content: Interaction{
			ID:      "int-1",
			Type:    InteractionToolPermission,
			Tool:    "write_file",
			Prompt:  "Allow write?",
			Options: []string{"allow_once", "deny"},
			Timeout: Seconds(30 * time.Second),
		},
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"timeout":30`)

	var got StreamEvent
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, ev, got)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"nope","content":{}}`), &got))
}

func TestStreamEvent_Terminal(t *testing.T) {
	assert.True(t, StreamEvent{Content: ErrorEvent{Code: ErrCodeAgentFailure}}.Terminal())
	assert.False(t, StreamEvent{Content: ErrorEvent{Code: ErrCodeToolTimeout, Recoverable: true}}.Terminal())
	assert.False(t, StreamEvent{Content: Progress{Stage: PhaseCompleted, Percent: 100}}.Terminal())
}

func TestPhasePercent(t *testing.T) {
	phases := []string{
		PhaseInitializing, PhaseAnalyzingIncidents, PhaseGeneratingContext, PhaseCallingAgent,
		PhaseProcessingResponse, PhaseGeneratingFixes, PhaseValidatingFixes, PhaseCompleted,
	}
	last := 0
	for _, p := range phases {
		pct := PhasePercent(p)
		assert.Greater(t, pct, last, p)
		last = pct
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, -1, PhasePercent("dreaming"))
}
