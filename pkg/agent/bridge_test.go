package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

type fakeRun struct {
	events    chan NativeEvent
	result    *Result
	err       error
	cancelled atomic.Int32

	mu      sync.Mutex
	replies map[string]InteractionReply
}

func newFakeRun(events ...NativeEvent) *fakeRun {
	ch := make(chan NativeEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeRun{events: ch, replies: map[string]InteractionReply{}}
}

func (f *fakeRun) Events() <-chan NativeEvent { return f.events }
func (f *fakeRun) Wait() (*Result, error)     { return f.result, f.err }
func (f *fakeRun) Cancel()                     { f.cancelled.Add(1) }

func (f *fakeRun) RespondInteraction(_ context.Context, id string, reply InteractionReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[id] = reply
	return nil
}

type fakeService struct {
	run *fakeRun
	err error
}

func (s *fakeService) Start(context.Context, RunRequest) (Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.run, nil
}

func drain(t *testing.T, s *Stream) []protocol.Content {
	t.Helper()
	var out []protocol.Content
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestBridge_StartFailure(t *testing.T) {
	b := NewBridge(&fakeService{err: errors.New("no credentials")})

	_, err := b.Start(context.Background(), RunRequest{SessionID: "s", RequestID: "r"})

	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrCodeAgentInitialization, rpcErr.Code)
}

func TestBridge_MapsEventsOneToOne(t *testing.T) {
	run := newFakeRun(
		NewNativeEvent(EventProgress, map[string]any{"stage": protocol.PhaseInitializing}),
		NewNativeEvent(EventMessage, map[string]any{"text": "hi"}),
		NewNativeEvent("mystery", nil),
	)
	run.result = &Result{Summary: "done"}
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{SessionID: "s", RequestID: "r"})
	require.NoError(t, err)

	got := drain(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.Progress{Stage: protocol.PhaseInitializing, Percent: 5}, got[0])
	assert.Equal(t, protocol.AiResponse{Text: "hi"}, got[1])
	assert.IsType(t, protocol.System{}, got[2])

	result, failure := s.Outcome()
	assert.Nil(t, failure)
	assert.Equal(t, "done", result.Summary)
}

func TestBridge_NilResultBecomesEmpty(t *testing.T) {
	b := NewBridge(&fakeService{run: newFakeRun()})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, drain(t, s))

	result, failure := s.Outcome()
	assert.Nil(t, failure)
	assert.NotNil(t, result)
}

func TestBridge_FatalErrorIsLast(t *testing.T) {
	run := newFakeRun(
		NewNativeEvent(EventMessage, map[string]any{"text": "before"}),
		NewNativeEvent(EventError, map[string]any{"code": -32010, "message": "model crashed"}),
		NewNativeEvent(EventMessage, map[string]any{"text": "after"}),
	)
	run.result = &Result{Summary: "ignored"}
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)

	got := drain(t, s)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.ErrorEvent{Code: -32010, Message: "model crashed"}, got[1])
	assert.Equal(t, int32(1), run.cancelled.Load())

	result, failure := s.Outcome()
	assert.Nil(t, result)
	require.NotNil(t, failure)
	assert.Equal(t, "model crashed", failure.Message)
}

func TestBridge_RecoverableErrorDoesNotEndRun(t *testing.T) {
	run := newFakeRun(
		NewNativeEvent(EventError, map[string]any{"message": "retrying", "recoverable": true}),
		NewNativeEvent(EventMessage, map[string]any{"text": "recovered"}),
	)
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)

	assert.Len(t, drain(t, s), 2)
	_, failure := s.Outcome()
	assert.Nil(t, failure)
}

func TestBridge_WaitErrorBecomesFailureEvent(t *testing.T) {
	run := newFakeRun()
	run.err = errors.New("exit status 3")
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)

	got := drain(t, s)
	require.Len(t, got, 1)
	ev, ok := got[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeAgentFailure, ev.Code)
	assert.False(t, ev.Recoverable)

	_, failure := s.Outcome()
	require.NotNil(t, failure)
	assert.Equal(t, protocol.ErrCodeAgentFailure, failure.Code)
}

func TestBridge_CancelledRunHasNoOutcome(t *testing.T) {
	events := make(chan NativeEvent)
	run := &fakeRun{events: events, err: ErrRunCancelled, replies: map[string]InteractionReply{}}
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)
	s.Cancel()
	s.Cancel()
	close(events)

	assert.Empty(t, drain(t, s))
	result, failure := s.Outcome()
	assert.Nil(t, result)
	assert.Nil(t, failure)
	assert.Equal(t, int32(1), run.cancelled.Load())
}

func TestBridge_Respond(t *testing.T) {
	run := newFakeRun()
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.NoError(t, s.Respond(context.Background(), "i1", InteractionReply{Approved: true, Action: protocol.ActionAllowOnce}))
	drain(t, s)

	run.mu.Lock()
	defer run.mu.Unlock()
	assert.True(t, run.replies["i1"].Approved)
}

func TestBridge_AbandonUnblocksPump(t *testing.T) {
	events := make(chan NativeEvent)
	run := &fakeRun{events: events, replies: map[string]InteractionReply{}}
	b := NewBridge(&fakeService{run: run})

	s, err := b.Start(context.Background(), RunRequest{})
	require.NoError(t, err)
	s.Abandon()

	// Nobody reads the stream, yet the run must still be drained.
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := 0; i < 200; i++ {
			events <- NewNativeEvent(EventMessage, map[string]any{"text": "x"})
		}
		close(events)
	}()

	select {
	case <-produced:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned stream stopped draining the run")
	}
	assert.Equal(t, int32(1), run.cancelled.Load())
}
