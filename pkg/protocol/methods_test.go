package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name string
		want Method
	}{
		{"kaiak/generate_fix", MethodGenerateFix},
		{"generate_fix", MethodGenerateFix},
		{"kaiak/delete_session", MethodDeleteSession},
		{"kaiak/client/user_message", MethodUserMessage},
		{"client/user_message", MethodUserMessage},
		{"kaiak/cancel", MethodCancel},
		{"$/cancelRequest", MethodCancelRequest},
		{"other/generate_fix", MethodUnknown},
		{"kaiak/unknown", MethodUnknown},
		{"", MethodUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMethod(DefaultNamespace, tt.name))
		})
	}
}

func TestMethodName_RoundTrip(t *testing.T) {
	for _, m := range Methods() {
		assert.Equal(t, m, ParseMethod("acme", m.Name("acme")), m.String())
	}
	assert.Equal(t, "", MethodUnknown.Name(DefaultNamespace))
	assert.Equal(t, "unknown", MethodUnknown.String())
}

func TestParamsSchema(t *testing.T) {
	schema, err := ParamsSchema(DefaultNamespace, MethodGenerateFix)
	require.NoError(t, err)
	assert.Equal(t, "kaiak/generate_fix params", schema.Title)
	assert.Contains(t, schema.Required, "incidents")
	assert.NotContains(t, schema.Required, "session_id")

	_, ok := schema.Properties.Get("incidents")
	assert.True(t, ok)

	for _, m := range Methods() {
		_, err := ParamsSchema(DefaultNamespace, m)
		assert.NoError(t, err, m.String())
	}

	_, err = ParamsSchema(DefaultNamespace, MethodUnknown)
	assert.Error(t, err)
}
