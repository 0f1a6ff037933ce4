package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateRunning, true},
		{StateIdle, StateClosed, true},
		{StateIdle, StateCompleting, false},
		{StateRunning, StateCompleting, true},
		{StateRunning, StateCancelling, true},
		{StateRunning, StateTimedOut, true},
		{StateRunning, StateClosed, false},
		{StateCancelling, StateClosed, true},
		{StateCancelling, StateTimedOut, false},
		{StateTimedOut, StateCancelling, false},
		{StateTimedOut, StateClosed, true},
		{StateCompleting, StateClosed, true},
		{StateCompleting, StateCancelling, false},
		{StateClosed, StateRunning, false},
		{StateClosed, StateClosed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_Predicates(t *testing.T) {
	assert.True(t, StateClosed.IsTerminal())
	assert.False(t, StateCompleting.IsTerminal())
	assert.True(t, StateCancelling.IsDraining())
	assert.True(t, StateTimedOut.IsDraining())
	assert.False(t, StateRunning.IsDraining())

	err := &TransitionError{From: StateClosed, To: StateRunning}
	assert.Equal(t, "invalid operation state transition closed -> running", err.Error())
}
