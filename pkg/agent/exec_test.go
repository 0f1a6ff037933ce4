package agent

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/kaiak/pkg/protocol"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shellService(t *testing.T, script string) *ExecService {
	t.Helper()
	svc, err := NewExecService(ExecConfig{
		Command:   "sh",
		Args:      []string{"-c", script},
		StopGrace: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return svc
}

func TestExec_RequiresCommand(t *testing.T) {
	_, err := NewExecService(ExecConfig{})
	assert.Error(t, err)
}

func TestExec_StreamsEventsAndResult(t *testing.T) {
	requireShell(t)
	svc := shellService(t, `read line
echo '{"type":"progress","data":{"stage":"initializing"}}'
echo "plain output from $KAIAK_SESSION_ID"
echo '{"type":"message","data":{"text":"done"}}'
echo '{"type":"result","data":{"summary":"ok","output":{"n":1}}}'
`)

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	events := collect(t, run)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.Progress{Stage: protocol.PhaseInitializing, Percent: 5}, Map(events[0]))

	sys, ok := Map(events[1]).(protocol.System)
	require.True(t, ok)
	assert.Equal(t, "plain output from s1", sys.Message)

	assert.Equal(t, protocol.AiResponse{Text: "done"}, Map(events[2]))

	result, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Summary)
	assert.Equal(t, float64(1), result.Output["n"])
}

func TestExec_ReceivesRunRequest(t *testing.T) {
	requireShell(t)
	// Echo the run line back as a log message.
	svc := shellService(t, `read line; printf '%s\n' "$line" | sed 's/.*"request_id":"\([^"]*\)".*/\1/'`)

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	events := collect(t, run)
	require.Len(t, events, 1)
	sys, ok := Map(events[0]).(protocol.System)
	require.True(t, ok)
	assert.Equal(t, "r1", sys.Message)

	_, err = run.Wait()
	require.NoError(t, err)
}

func TestExec_ProcessFailure(t *testing.T) {
	requireShell(t)
	svc := shellService(t, `read line; echo "bad credentials" >&2; exit 3`)

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)
	collect(t, run)

	_, err = run.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestExec_InteractionResponse(t *testing.T) {
	requireShell(t)
	svc := shellService(t, `read line
echo '{"type":"tool_confirmation","data":{"id":"i1","tool":"shell"}}'
read reply
case "$reply" in
  *'"approved":true'*) echo '{"type":"message","data":{"text":"approved"}}' ;;
  *) echo '{"type":"message","data":{"text":"denied"}}' ;;
esac
`)

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	var texts []string
	for ev := range run.Events() {
		switch c := Map(ev).(type) {
		case protocol.Interaction:
			require.NoError(t, run.RespondInteraction(context.Background(), c.ID, InteractionReply{Approved: true, Action: protocol.ActionAllowOnce}))
		case protocol.AiResponse:
			texts = append(texts, c.Text)
		}
	}
	assert.Equal(t, []string{"approved"}, texts)

	_, err = run.Wait()
	require.NoError(t, err)
}

func TestExec_Cancel(t *testing.T) {
	requireShell(t)
	svc := shellService(t, `read line
echo '{"type":"progress","data":{"stage":"initializing"}}'
sleep 30
`)

	run, err := svc.Start(context.Background(), scriptedRequest(1))
	require.NoError(t, err)

	<-run.Events()
	run.Cancel()
	collect(t, run)

	_, err = run.Wait()
	assert.ErrorIs(t, err, ErrRunCancelled)
}
