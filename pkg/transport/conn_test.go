package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_SendPreservesOrder(t *testing.T) {
	server, client := net.Pipe()
	conn := NewConn(server)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.WriteLoop(ctx) }()

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = conn.Send(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		}
	}()

	r := NewReader(client, 0)
	for i := 0; i < n; i++ {
		body, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(body))
	}
}

func TestConn_ConcurrentProducers(t *testing.T) {
	server, client := net.Pipe()
	conn := NewConn(server, WithQueueSize(4))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = conn.WriteLoop(ctx) }()

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = conn.Send(ctx, []byte(fmt.Sprintf(`{"p":%d,"i":%d}`, p, i)))
			}
		}(p)
	}

	r := NewReader(client, 0)
	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		body, err := r.Read()
		require.NoError(t, err)
		seen[string(body)] = true
	}
	wg.Wait()
	assert.Len(t, seen, producers*perProducer)
}

func TestConn_SendAfterClose(t *testing.T) {
	server, _ := net.Pipe()
	conn := NewConn(server)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second close is a no-op")

	err := conn.Send(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrConnClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestConn_WriteFailureClosesConn(t *testing.T) {
	server, client := net.Pipe()
	conn := NewConn(server)
	require.NoError(t, client.Close())

	errCh := make(chan error, 1)
	go func() { errCh <- conn.WriteLoop(context.Background()) }()

	require.NoError(t, conn.Send(context.Background(), []byte(`{}`)))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write loop did not stop")
	}
	<-conn.Done()
}

func TestSocketListener_ServeAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kaiak.sock")
	l := NewSocketListener(path)
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan string, 1)

	done := make(chan error, 1)
	go func() {
		done <- l.Serve(ctx, func(ctx context.Context, rwc io.ReadWriteCloser) {
			defer rwc.Close()
			c := NewConn(rwc)
			body, err := c.Read()
			if err == nil {
				handled <- string(body)
			}
		})
	}()

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	require.NoError(t, NewWriter(client).Write([]byte(`{"hello":true}`)))
	_ = client.Close()

	select {
	case got := <-handled:
		assert.Equal(t, `{"hello":true}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.NoFileExists(t, path)
}

func TestSocketListener_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	first := NewSocketListener(path)
	require.NoError(t, first.Listen())
	// Simulate a crashed process: the listener goes away but the file stays.
	first.mu.Lock()
	first.listener.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, first.listener.Close())
	first.listener = nil
	first.mu.Unlock()

	require.FileExists(t, path)

	second := NewSocketListener(path)
	require.NoError(t, second.Listen())
	require.NoError(t, second.Close())
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindStdio, false},
		{"stdio", KindStdio, false},
		{"socket", KindSocket, false},
		{"ipc", KindSocket, false},
		{"tcp", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
