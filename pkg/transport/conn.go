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
	"io"
	"log/slog"
	"sync"
)

// ErrConnClosed is returned by Send once the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

const defaultQueueSize = 256

// Conn is a framed, bidirectional connection.
//
// Reads happen on the caller's goroutine. Writes are queued and drained by
// exactly one goroutine running WriteLoop, so frames from concurrent
// producers never interleave.
type Conn struct {
	reader *Reader
	writer *Writer
	closer io.Closer

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// ConnOption configures a Conn.
type ConnOption func(*connOptions)

type connOptions struct {
	maxMessageBytes int
	queueSize       int
}

// WithMaxMessageBytes bounds inbound frame bodies.
func WithMaxMessageBytes(n int) ConnOption {
	return func(o *connOptions) {
		o.maxMessageBytes = n
	}
}

// WithQueueSize sets the outbound queue capacity.
func WithQueueSize(n int) ConnOption {
	return func(o *connOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// NewConn wraps rwc.
func NewConn(rwc io.ReadWriteCloser, opts ...ConnOption) *Conn {
	o := connOptions{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	return &Conn{
		reader: NewReader(rwc, o.maxMessageBytes),
		writer: NewWriter(rwc),
		closer: rwc,
		out:    make(chan []byte, o.queueSize),
		done:   make(chan struct{}),
	}
}

// Read returns the next inbound frame body.
func (c *Conn) Read() ([]byte, error) {
	return c.reader.Read()
}

// Send queues body for writing. It blocks while the queue is full.
func (c *Conn) Send(ctx context.Context, body []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- body:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteLoop drains the outbound queue until the connection closes or ctx
// ends. A write failure closes the connection.
func (c *Conn) WriteLoop(ctx context.Context) error {
	for {
		select {
		case body := <-c.out:
			if err := c.writer.Write(body); err != nil {
				_ = c.Close()
				return err
			}
		case <-ctx.Done():
			c.flush()
			return nil
		case <-c.done:
			return nil
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (c *Conn) flush() {
	for {
		select {
		case body := <-c.out:
			if err := c.writer.Write(body); err != nil {
				slog.Debug("Dropping queued frames after write failure", "error", err)
				return
			}
		default:
			return
		}
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.closer.Close()
	})
	return c.closeErr
}
