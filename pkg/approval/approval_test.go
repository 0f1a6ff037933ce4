package approval

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

func waitResolution(t *testing.T, c *Channel) Resolution {
	t.Helper()
	select {
	case res := <-c.Resolved():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolution")
		return Resolution{}
	}
}

func TestChannel_ResolveOnce(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	_, err := c.Request(Request{ID: "int-1", Type: protocol.InteractionToolPermission, Tool: "write_file"})
	require.NoError(t, err)

	require.NoError(t, c.Resolve("int-1", Reply{Action: protocol.ActionAllowOnce}))
	res := waitResolution(t, c)
	assert.Equal(t, "int-1", res.Request.ID)
	assert.Equal(t, SourceClient, res.Source)
	assert.True(t, res.Reply.Allowed())
	assert.False(t, res.Failed)

	err = c.Resolve("int-1", Reply{Action: protocol.ActionDeny})
	require.ErrorIs(t, err, ErrAlreadyResponded)
	assert.Equal(t, protocol.ErrCodeInteractionResponded, protocol.AsError(err).Code)

	select {
	case extra := <-c.Resolved():
		t.Fatalf("unexpected second resolution: %+v", extra)
	default:
	}
}

func TestChannel_UnknownInteraction(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	err := c.Resolve("nope", Reply{Action: protocol.ActionDeny})
	require.ErrorIs(t, err, ErrInteractionNotFound)
	rpcErr := protocol.AsError(err)
	assert.Equal(t, protocol.ErrCodeInteractionNotFound, rpcErr.Code)
	assert.Equal(t, map[string]any{"interaction_id": "nope"}, rpcErr.Data)
}

func TestChannel_DuplicateRequest(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	_, err := c.Request(Request{ID: "a", Type: protocol.InteractionConfirmation})
	require.NoError(t, err)
	_, err = c.Request(Request{ID: "a", Type: protocol.InteractionConfirmation})
	assert.Error(t, err)
	_, err = c.Request(Request{Type: protocol.InteractionConfirmation})
	assert.Error(t, err)
}

func TestChannel_ConcurrentResolveSingleWinner(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	_, err := c.Request(Request{ID: "race", Type: protocol.InteractionConfirmation})
	require.NoError(t, err)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Resolve("race", Reply{Action: protocol.ActionAllowOnce}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyResponded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	waitResolution(t, c)
}

func TestChannel_TimeoutDefaults(t *testing.T) {
	tests := []struct {
		name       string
		policies   Policies
		req        Request
		wantAction protocol.ConfirmationAction
		wantData   any
		wantFailed bool
	}{
		{
			name:       "file modification denies",
			policies:   DefaultPolicies(),
			req:        Request{ID: "f1", Type: protocol.InteractionFileApproval, Tool: FileModificationTool},
			wantAction: protocol.ActionDeny,
		},
		{
			name:       "explicit default wins over policy",
			policies:   DefaultPolicies(),
			req:        Request{ID: "t1", Type: protocol.InteractionToolPermission, Tool: "write_file", Default: "allow"},
			wantAction: protocol.ActionAllowOnce,
		},
		{
			name: "tool policy wins over kind policy",
			policies: Policies{
				Tools: map[string]Policy{"read_file": {OnTimeout: protocol.ActionAllowOnce}},
				Kinds: map[protocol.InteractionType]Policy{protocol.InteractionToolPermission: {OnTimeout: protocol.ActionDeny}},
			},
			req:        Request{ID: "t2", Type: protocol.InteractionToolPermission, Tool: "read_file"},
			wantAction: protocol.ActionAllowOnce,
		},
		{
			name:     "text input default is data",
			policies: Policies{},
			req:      Request{ID: "q1", Type: protocol.InteractionTextInput, Default: "main"},
			wantData: "main",
		},
		{
			name:       "no default fails with deny",
			policies:   Policies{},
			req:        Request{ID: "x1", Type: protocol.InteractionChoice, Tool: "pick"},
			wantAction: protocol.ActionDeny,
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChannel(NewPolicyTable(tt.policies))
			defer c.Close()

			tt.req.Timeout = 10 * time.Millisecond
			_, err := c.Request(tt.req)
			require.NoError(t, err)

			res := waitResolution(t, c)
			assert.Equal(t, SourceTimeout, res.Source)
			assert.Equal(t, tt.wantAction, res.Reply.Action)
			assert.Equal(t, tt.wantData, res.Reply.Data)
			assert.Equal(t, tt.wantFailed, res.Failed)

			assert.ErrorIs(t, c.Resolve(tt.req.ID, Reply{Action: protocol.ActionAllowOnce}), ErrAlreadyResponded)
		})
	}
}

func TestChannel_AlwaysAllow(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	_, err := c.Request(Request{ID: "1", Type: protocol.InteractionToolPermission, Tool: "run_tests"})
	require.NoError(t, err)
	require.NoError(t, c.Resolve("1", Reply{Action: protocol.ActionAlwaysAllow}))
	waitResolution(t, c)

	pending, err := c.Request(Request{ID: "2", Type: protocol.InteractionToolPermission, Tool: "run_tests"})
	require.NoError(t, err)
	assert.True(t, pending.Auto)
	assert.True(t, pending.Reply.Allowed())
	assert.ErrorIs(t, c.Resolve("2", Reply{Action: protocol.ActionDeny}), ErrAlreadyResponded)

	other, err := c.Request(Request{ID: "3", Type: protocol.InteractionToolPermission, Tool: "write_file"})
	require.NoError(t, err)
	assert.False(t, other.Auto)
}

func TestChannel_Close(t *testing.T) {
	c := NewChannel(nil)
	_, err := c.Request(Request{ID: "open", Type: protocol.InteractionConfirmation})
	require.NoError(t, err)

	c.Close()
	c.Close()

	assert.Empty(t, c.Outstanding())
	assert.ErrorIs(t, c.Resolve("open", Reply{}), ErrAlreadyResponded)
	assert.ErrorIs(t, c.Resolve("never", Reply{}), ErrChannelClosed)
	_, err = c.Request(Request{ID: "late", Type: protocol.InteractionConfirmation})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPolicyTable(t *testing.T) {
	table := NewPolicyTable(DefaultPolicies())
	assert.Equal(t, DefaultTimeout, table.Timeout(Request{Tool: "anything"}))
	assert.Equal(t, time.Second, table.Timeout(Request{Timeout: time.Second}))

	table.Replace(Policies{Tools: map[string]Policy{"slow": {Timeout: time.Minute}}})
	assert.Equal(t, time.Minute, table.Timeout(Request{Tool: "slow"}))
	assert.Equal(t, DefaultTimeout, table.Timeout(Request{Tool: "other"}))

	_, ok := table.TimeoutDefault(Request{Type: protocol.InteractionFileApproval})
	assert.False(t, ok, "replaced table drops the built-in kinds")
}

func TestParseAction(t *testing.T) {
	assert.Equal(t, protocol.ActionAllowOnce, ParseAction("Yes"))
	assert.Equal(t, protocol.ActionAlwaysAllow, ParseAction("always_allow"))
	assert.Equal(t, protocol.ActionDeny, ParseAction("whatever"))
}

func TestChannel_ResolveDoesNotWaitForOwner(t *testing.T) {
	c := NewChannel(nil)
	defer c.Close()

	const n = 100
	for i := 0; i < n; i++ {
		_, err := c.Request(Request{ID: fmt.Sprintf("int-%d", i), Type: protocol.InteractionConfirmation})
		require.NoError(t, err)
	}

	// Nobody reads Resolved while the client answers everything.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			assert.NoError(t, c.Resolve(fmt.Sprintf("int-%d", i), Reply{Action: protocol.ActionAllowOnce}))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on an idle owner")
	}

	for i := 0; i < n; i++ {
		res := waitResolution(t, c)
		assert.Equal(t, fmt.Sprintf("int-%d", i), res.Request.ID)
	}
}
