package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldOf(t *testing.T, rpcErr *Error) string {
	t.Helper()
	require.NotNil(t, rpcErr)
	require.Equal(t, InvalidParams, rpcErr.Code)
	data, ok := rpcErr.Data.(map[string]any)
	require.True(t, ok, "data should be a map, got %T", rpcErr.Data)
	field, _ := data["field"].(string)
	return field
}

const validIncident = `{"id":"i1","rule_id":"r1","message":"m"}`

func TestDecodeParams_GenerateFix(t *testing.T) {
	var p GenerateFixParams
	raw := `{"session_id":"s1","incidents":[` + validIncident + `],"agent_config":{"workspace":"/tmp/ws","model":"x"}}`
	require.Nil(t, DecodeParams(json.RawMessage(raw), &p))

	assert.Equal(t, "s1", p.SessionID)
	require.Len(t, p.Incidents, 1)
	assert.Equal(t, SeverityWarning, p.Incidents[0].Severity)
	assert.Equal(t, "/tmp/ws", p.Workspace())
}

func TestDecodeParams_GenerateFixFieldPaths(t *testing.T) {
	many := make([]string, MaxIncidents+1)
	for i := range many {
		many[i] = fmt.Sprintf(`{"id":"i%d","rule_id":"r","message":"m"}`, i)
	}

	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{name: "unknown top level field", raw: `{"incidents":[` + validIncident + `],"bogus":1}`, wantField: "bogus"},
		{name: "unknown incident field", raw: `{"incidents":[{"id":"i1","rule_id":"r","message":"m","bogus":1}]}`, wantField: "incidents[0].bogus"},
		{name: "wrong type", raw: `{"incidents":[{"id":"i1","rule_id":"r","message":"m","line_number":"ten"}]}`, wantField: "incidents[0].line_number"},
		{name: "invalid severity", raw: `{"incidents":[{"id":"i1","rule_id":"r","message":"m","severity":"urgent"}]}`, wantField: "incidents[0].severity"},
		{name: "missing incidents", raw: `{}`, wantField: "incidents"},
		{name: "empty incidents", raw: `{"incidents":[]}`, wantField: "incidents"},
		{name: "too many incidents", raw: `{"incidents":[` + strings.Join(many, ",") + `]}`, wantField: "incidents"},
		{name: "duplicate incident id", raw: `{"incidents":[` + validIncident + `,` + validIncident + `]}`, wantField: "incidents[1].id"},
		{name: "empty rule id", raw: `{"incidents":[{"id":"i1","rule_id":" ","message":"m"}]}`, wantField: "incidents[0].rule_id"},
		{name: "workspace not a string", raw: `{"incidents":[` + validIncident + `],"agent_config":{"workspace":3}}`, wantField: "agent_config.workspace"},
		{name: "control characters in session id", raw: `{"session_id":"a\u0000b","incidents":[` + validIncident + `]}`, wantField: "session_id"},
		{name: "params not an object", raw: `[1]`, wantField: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p GenerateFixParams
			assert.Equal(t, tt.wantField, fieldOf(t, DecodeParams(json.RawMessage(tt.raw), &p)))
		})
	}
}

func TestDecodeParams_UserMessage(t *testing.T) {
	t.Run("tool confirmation", func(t *testing.T) {
		var p UserMessageParams
		raw := `{"session_id":"s1","kind":"tool_confirmation","timestamp":"2025-01-02T03:04:05Z","payload":{"request_id":"int-1","action":"allow_once"}}`
		require.Nil(t, DecodeParams(json.RawMessage(raw), &p))
		require.NotNil(t, p.Timestamp)
		assert.Equal(t, 2025, p.Timestamp.Year())

		payload, err := p.DecodePayload()
		require.NoError(t, err)
		conf, ok := payload.(ToolConfirmationPayload)
		require.True(t, ok)
		assert.Equal(t, "int-1", conf.RequestID)
		assert.True(t, conf.Action.Allows())
	})

	tests := []struct {
		name      string
		raw       string
		wantField string
	}{
		{name: "missing kind", raw: `{"session_id":"s1","payload":{}}`, wantField: "kind"},
		{name: "unknown kind", raw: `{"session_id":"s1","kind":"telepathy"}`, wantField: "kind"},
		{name: "bad action", raw: `{"session_id":"s1","kind":"tool_confirmation","payload":{"request_id":"x","action":"maybe"}}`, wantField: "payload.action"},
		{name: "missing request id", raw: `{"session_id":"s1","kind":"elicitation_response","payload":{"user_data":{}}}`, wantField: "payload.request_id"},
		{name: "unknown payload field", raw: `{"session_id":"s1","kind":"control_signal","payload":{"signal":"cancel","extra":true}}`, wantField: "payload.extra"},
		{name: "missing signal", raw: `{"session_id":"s1","kind":"control_signal"}`, wantField: "payload.signal"},
		{name: "missing session", raw: `{"kind":"user_input","payload":{"text":"hi"}}`, wantField: "session_id"},
		{name: "bad timestamp", raw: `{"session_id":"s1","kind":"user_input","timestamp":"yesterday","payload":{"text":"hi"}}`, wantField: "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p UserMessageParams
			assert.Equal(t, tt.wantField, fieldOf(t, DecodeParams(json.RawMessage(tt.raw), &p)))
		})
	}
}

func TestDecodeParams_DeleteAndCancel(t *testing.T) {
	var del DeleteSessionParams
	require.Nil(t, DecodeParams(json.RawMessage(`{"session_id":"s1","force":true}`), &del))
	assert.True(t, del.Force)

	var missing DeleteSessionParams
	assert.Equal(t, "session_id", fieldOf(t, DecodeParams(json.RawMessage(`{}`), &missing)))

	var cancel CancelParams
	assert.Equal(t, "request_id", fieldOf(t, DecodeParams(nil, &cancel)))

	var bySession CancelParams
	require.Nil(t, DecodeParams(json.RawMessage(`{"session_id":"s1"}`), &bySession))
}

func TestDecodeCancelRequest(t *testing.T) {
	p, rpcErr := DecodeCancelRequest(json.RawMessage(`{"id":3}`))
	require.Nil(t, rpcErr)
	assert.Equal(t, IntID(3), p.ID)

	_, rpcErr = DecodeCancelRequest(json.RawMessage(`{}`))
	assert.Equal(t, "id", fieldOf(t, rpcErr))
}
