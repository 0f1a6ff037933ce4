package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_SimpleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.LevelInfo, &buf, FormatSimple)

	log.With("conn_id", "c1").Info("Client connected", "transport", "stdio")
	log.Debug("hidden")

	assert.Equal(t, "INFO Client connected conn_id=c1 transport=stdio\n", buf.String())
}

func TestNew_VerboseIncludesTime(t *testing.T) {
	var buf bytes.Buffer
	New(slog.LevelDebug, &buf, FormatVerbose).Warn("slow")

	assert.Regexp(t, `^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} WARN slow\n$`, buf.String())
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	New(slog.LevelInfo, &buf, FormatJSON).Error("boom", "code", -32603)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "boom", rec["msg"])
	assert.EqualValues(t, -32603, rec["code"])
}

func TestNew_Groups(t *testing.T) {
	var buf bytes.Buffer
	New(slog.LevelInfo, &buf, FormatSimple).WithGroup("op").Info("done", "id", "r1")

	assert.Equal(t, "INFO done op.id=r1\n", buf.String())
}
