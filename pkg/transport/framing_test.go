package transport

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Read(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single frame",
			input: "Content-Length: 2\r\n\r\n{}",
			want:  []string{"{}"},
		},
		{
			name:  "two frames back to back",
			input: "Content-Length: 2\r\n\r\n{}Content-Length: 7\r\n\r\n[1,2,3]",
			want:  []string{"{}", "[1,2,3]"},
		},
		{
			name:  "extra headers ignored",
			input: "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: 4\r\n\r\nnull",
			want:  []string{"null"},
		},
		{
			name:  "header name is case insensitive",
			input: "content-length: 4\r\n\r\ntrue",
			want:  []string{"true"},
		},
		{
			name:  "bare newlines accepted",
			input: "Content-Length: 2\n\n{}",
			want:  []string{"{}"},
		},
		{
			name:    "missing content length",
			input:   "Content-Type: text/plain\r\n\r\n{}",
			wantErr: true,
		},
		{
			name:    "invalid content length",
			input:   "Content-Length: abc\r\n\r\n{}",
			wantErr: true,
		},
		{
			name:    "negative content length",
			input:   "Content-Length: -1\r\n\r\n{}",
			wantErr: true,
		},
		{
			name:    "malformed header line",
			input:   "Content-Length 2\r\n\r\n{}",
			wantErr: true,
		},
		{
			name:    "truncated body",
			input:   "Content-Length: 10\r\n\r\n{}",
			wantErr: true,
		},
		{
			name:    "truncated header",
			input:   "Content-Length: 10\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tt.input), 0)

			var got []string
			var err error
			for {
				var body []byte
				body, err = r.Read()
				if err != nil {
					break
				}
				got = append(got, string(body))
			}

			if tt.wantErr {
				assert.True(t, IsFramingError(err), "expected framing error, got %v", err)
				return
			}
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReader_EmptyStreamIsEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""), 0)
	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsFramingError(err))
}

func TestReader_MaxBytes(t *testing.T) {
	r := NewReader(strings.NewReader("Content-Length: 11\r\n\r\n01234567890"), 10)
	_, err := r.Read()
	require.Error(t, err)
	assert.True(t, IsFramingError(err))
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write([]byte(`{"jsonrpc":"2.0"}`)))
	require.NoError(t, w.Write([]byte(`{}`)))

	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: 17\r\n\r\n"))

	r := NewReader(&buf, 0)
	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(first))

	second, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(second))
}

func TestWriter_ConcurrentFramesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Write([]byte(strings.Repeat("x", 1000)))
		}()
	}
	wg.Wait()

	r := NewReader(&buf, 0)
	for i := 0; i < writers; i++ {
		body, err := r.Read()
		require.NoError(t, err)
		assert.Len(t, body, 1000)
	}
	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
}
