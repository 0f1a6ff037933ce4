// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Kind selects how clients reach the server.
type Kind string

const (
	KindStdio  Kind = "stdio"
	KindSocket Kind = "socket"
)

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "stdio", "":
		return KindStdio, nil
	case "socket", "unix", "ipc":
		return KindSocket, nil
	default:
		return "", fmt.Errorf("unknown transport: %s", s)
	}
}

// ConnHandler serves one client stream. It owns rwc and must close it.
type ConnHandler func(ctx context.Context, rwc io.ReadWriteCloser)

// stdio joins the process standard streams into a single ReadWriteCloser.
type stdio struct {
	in  io.ReadCloser
	out io.WriteCloser
}

// Stdio returns a stream over os.Stdin and os.Stdout.
func Stdio() io.ReadWriteCloser {
	return NewPipe(os.Stdin, os.Stdout)
}

// NewPipe joins a reader and a writer into a ReadWriteCloser.
func NewPipe(in io.ReadCloser, out io.WriteCloser) io.ReadWriteCloser {
	return &stdio{in: in, out: out}
}

func (s *stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *stdio) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}

// ServeStdio runs handler over the process standard streams and returns
// when it finishes.
func ServeStdio(ctx context.Context, handler ConnHandler) error {
	slog.Info("Serving on stdio")
	handler(ctx, Stdio())
	return nil
}

// SocketListener accepts clients on a unix domain socket.
type SocketListener struct {
	path string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewSocketListener creates a listener bound to path once Serve is called.
func NewSocketListener(path string) *SocketListener {
	return &SocketListener{path: path}
}

// Path returns the socket path.
func (l *SocketListener) Path() string {
	return l.path
}

// Listen binds the socket. A stale socket file left by a previous process is
// removed first.
func (l *SocketListener) Listen() error {
	if l.path == "" {
		return fmt.Errorf("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", l.path, err)
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx ends, running handler for each on its
// own goroutine. It waits for all handlers before returning.
func (l *SocketListener) Serve(ctx context.Context, handler ConnHandler) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		if err := l.Listen(); err != nil {
			return err
		}
		l.mu.Lock()
		ln = l.listener
		l.mu.Unlock()
	}

	slog.Info("Serving on unix socket", "path", l.path)

	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			slog.Debug("Client connected", "remote", conn.RemoteAddr().String())
			handler(ctx, conn)
		}()
	}

	l.wg.Wait()
	_ = l.Close()
	return acceptErr
}

// Close stops accepting and removes the socket file.
func (l *SocketListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.listener != nil {
		err = l.listener.Close()
		l.listener = nil
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
