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

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/kaiak/pkg/config"
	"github.com/kadirpekel/kaiak/pkg/protocol"
	"github.com/kadirpekel/kaiak/pkg/stream"
	"github.com/kadirpekel/kaiak/pkg/transport"
)

// client is one connected peer. Its reader dispatches messages in arrival
// order; every outbound frame goes through the connection's write queue.
type client struct {
	id   string
	srv  *Server
	conn *transport.Conn

	// ctx is the server context. Operations derive from it rather than
	// from the connection so they can outlive a detached client.
	ctx context.Context

	// active counts this client's operations until their terminal response
	// is queued.
	active sync.WaitGroup
}

func newClient(s *Server, ctx context.Context, rwc io.ReadWriteCloser) *client {
	return &client{
		id:   uuid.NewString(),
		srv:  s,
		conn: transport.NewConn(rwc, transport.WithMaxMessageBytes(s.cfg.Server.MaxMessageBytes)),
		ctx:  ctx,
	}
}

func (c *client) serve() {
	metricsCtx := context.WithoutCancel(c.ctx)
	c.srv.obs.Metrics().ConnectionOpened(metricsCtx)
	defer c.srv.obs.Metrics().ConnectionClosed(metricsCtx)
	slog.Info("Client connected", "conn_id", c.id)

	writerCtx, stopWriter := context.WithCancel(metricsCtx)
	defer stopWriter()
	writerDone := make(chan struct{})

	// On shutdown the operations see the cancelled server context and send
	// their terminal responses; the connection closes once those are out.
	stop := context.AfterFunc(c.ctx, func() {
		c.awaitOperations()
		stopWriter()
		<-writerDone
		_ = c.conn.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer close(writerDone)
		return c.conn.WriteLoop(writerCtx)
	})
	g.Go(func() error {
		defer stopWriter()
		err := c.readLoop()
		c.disconnect()
		return err
	})

	err := g.Wait()
	_ = c.conn.Close()
	if err != nil {
		slog.Warn("Client connection ended with error", "conn_id", c.id, "error", err)
		return
	}
	slog.Info("Client disconnected", "conn_id", c.id)
}

func (c *client) readLoop() error {
	for {
		body, err := c.conn.Read()
		if err != nil {
			if c.closed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if transport.IsFramingError(err) {
				slog.Warn("Closing connection after framing error", "conn_id", c.id, "error", err)
			}
			return err
		}
		c.handle(body)
	}
}

func (c *client) closed() bool {
	select {
	case <-c.conn.Done():
		return true
	default:
		return false
	}
}

// disconnect applies the disconnect policy to the operations this client
// started.
func (c *client) disconnect() {
	ops := c.srv.ops.byConn(c.id)
	if len(ops) == 0 {
		return
	}

	if c.srv.cfg.Server.DisconnectPolicy == config.DisconnectDetach {
		for _, op := range ops {
			op.Detach()
		}
		slog.Info("Detached operations from departed client", "conn_id", c.id, "operations", len(ops))
		return
	}

	for _, op := range ops {
		op.Cancel(stream.ReasonDisconnect)
	}
	slog.Info("Cancelled operations of departed client", "conn_id", c.id, "operations", len(ops))
	c.awaitOperations()
}

// awaitOperations waits for this client's operations to finish, bounded by
// the cancel grace. An operation past its grace is force-closed by its own
// goroutine.
func (c *client) awaitOperations() {
	done := make(chan struct{})
	go func() {
		c.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.srv.cfg.Server.CancelGrace + time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("Gave up waiting for operations", "conn_id", c.id)
	}
}

func (c *client) reply(id protocol.ID, result any) {
	body, err := protocol.EncodeResult(id, result)
	if err != nil {
		slog.Error("Failed to encode response", "conn_id", c.id, "id", id.String(), "error", err)
		c.replyError(id, protocol.NewInternalError(err.Error()))
		return
	}
	c.send(body)
}

func (c *client) replyError(id protocol.ID, rpcErr *protocol.Error) {
	body, err := protocol.EncodeError(id, rpcErr)
	if err != nil {
		slog.Error("Failed to encode error response", "conn_id", c.id, "error", err)
		return
	}
	c.send(body)
}

func (c *client) send(body []byte) {
	if err := c.conn.Send(context.WithoutCancel(c.ctx), body); err != nil {
		slog.Debug("Dropping response for closed connection", "conn_id", c.id, "error", err)
	}
}
