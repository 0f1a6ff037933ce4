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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/kaiak/pkg/agent"
	"github.com/kadirpekel/kaiak/pkg/approval"
	"github.com/kadirpekel/kaiak/pkg/protocol"
	"github.com/kadirpekel/kaiak/pkg/session"
	"github.com/kadirpekel/kaiak/pkg/stream"
)

const noOperation = "no operation is running for this session"

// generateFix starts an operation. The response is written by the
// operation itself, after its last event.
func (c *client) generateFix(ctx context.Context, msg *protocol.Message) (any, error) {
	if msg.Kind() != protocol.KindRequest {
		return nil, protocol.NewInvalidRequest("generate_fix must be sent as a request")
	}
	if c.ctx.Err() != nil {
		return nil, protocol.NewInternalError("server is shutting down")
	}

	var params protocol.GenerateFixParams
	if rpcErr := protocol.DecodeParams(msg.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	if !c.srv.sem.TryAcquire(1) {
		return nil, protocol.NewResourceExhausted("operations", c.srv.cfg.Server.MaxConcurrentOperations)
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = session.NewID()
	}
	requestID := uuid.NewString()

	opCtx, cancel := context.WithCancelCause(c.ctx)
	lease, err := c.srv.registry.Acquire(sessionID, session.Holder{
		ConnID:      c.id,
		OperationID: requestID,
		StartedAt:   time.Now(),
		Cancel:      cancel,
	})
	if err != nil {
		cancel(nil)
		c.srv.sem.Release(1)
		return nil, err
	}

	op := stream.New(c.srv.streamConfig(), c.srv.bridge,
		agent.NewRunRequest(sessionID, requestID, &params), lease, msg.ID, c.id, c.conn)
	if err := c.srv.ops.add(op); err != nil {
		lease.Release(lease.LastSequence())
		cancel(nil)
		c.srv.sem.Release(1)
		return nil, err
	}

	slog.Info("Operation accepted",
		"request_id", requestID, "session_id", sessionID, "conn_id", c.id, "incidents", len(params.Incidents))

	// The operation span continues the dispatch trace but not its
	// cancellation.
	runCtx := trace.ContextWithSpanContext(opCtx, trace.SpanContextFromContext(ctx))

	c.active.Add(1)
	c.srv.running.Add(1)
	go func() {
		defer c.srv.running.Done()
		defer c.active.Done()
		defer c.srv.sem.Release(1)
		defer cancel(nil)
		defer c.srv.ops.remove(op)
		op.Run(runCtx)
	}()
	return deferred, nil
}

func (c *client) deleteSession(msg *protocol.Message) (any, error) {
	var params protocol.DeleteSessionParams
	if rpcErr := protocol.DecodeParams(msg.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := c.srv.registry.Delete(params.SessionID, params.Force); err != nil {
		return nil, err
	}
	slog.Info("Session deleted", "session_id", params.SessionID, "force", params.Force, "conn_id", c.id)
	return protocol.DeleteSessionResult{SessionID: params.SessionID, Status: "deleted"}, nil
}

// userMessage routes a client reply into the session's running operation.
func (c *client) userMessage(msg *protocol.Message) (any, error) {
	if len(msg.Params) > protocol.MaxUserMessageBytes {
		return nil, protocol.NewInvalidParams("payload",
			fmt.Sprintf("message exceeds %d bytes", protocol.MaxUserMessageBytes))
	}

	var params protocol.UserMessageParams
	if rpcErr := protocol.DecodeParams(msg.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	payload, err := params.DecodePayload()
	if err != nil {
		return nil, err
	}

	op, err := c.srv.ops.bySessionID(params.SessionID)
	if err != nil {
		if _, err := c.srv.registry.Lookup(params.SessionID); err != nil {
			return nil, err
		}
		op = nil
	}
	_ = c.srv.registry.Touch(params.SessionID)

	switch p := payload.(type) {
	case protocol.ToolConfirmationPayload:
		return resolve(op, p.RequestID, approval.Reply{Action: p.Action})

	case protocol.ElicitationResponsePayload:
		return resolve(op, p.RequestID, approval.Reply{Action: protocol.ActionAllowOnce, Data: p.UserData})

	case protocol.UserInputPayload:
		id := p.RequestID
		if id == "" {
			if op == nil {
				return protocol.UserMessageResult{Accepted: false, Message: noOperation}, nil
			}
			pending := op.Outstanding()
			if len(pending) != 1 {
				return protocol.UserMessageResult{
					Accepted: false,
					Message:  fmt.Sprintf("request_id is required when %d interactions are pending", len(pending)),
				}, nil
			}
			id = pending[0]
		}
		return resolve(op, id, approval.Reply{Action: protocol.ActionAllowOnce, Data: p.Text})

	case protocol.ControlSignalPayload:
		if p.Signal != protocol.SignalCancel {
			return protocol.UserMessageResult{Accepted: false, Message: fmt.Sprintf("unsupported signal %q", p.Signal)}, nil
		}
		if op == nil {
			return protocol.UserMessageResult{Accepted: false, Message: noOperation}, nil
		}
		return protocol.UserMessageResult{Accepted: op.Cancel(stream.ReasonClient)}, nil
	}
	return nil, protocol.NewInvalidParams("kind", fmt.Sprintf("unsupported kind %q", params.Kind))
}

func resolve(op *stream.Operation, id string, reply approval.Reply) (any, error) {
	if op == nil {
		return nil, protocol.NewInteractionNotFound(id)
	}
	if err := op.Resolve(id, reply); err != nil {
		if errors.Is(err, approval.ErrChannelClosed) {
			return nil, protocol.NewInteractionNotFound(id)
		}
		return nil, err
	}
	return protocol.UserMessageResult{Accepted: true, InteractionID: id}, nil
}

func (c *client) cancel(msg *protocol.Message) (any, error) {
	var params protocol.CancelParams
	if rpcErr := protocol.DecodeParams(msg.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	var (
		op  *stream.Operation
		err error
	)
	if params.RequestID != "" {
		op, err = c.srv.ops.byRequestID(params.RequestID)
		if err == nil && params.SessionID != "" && op.SessionID != params.SessionID {
			return nil, protocol.NewInvalidParams("session_id", "does not match the operation's session")
		}
	} else {
		op, err = c.srv.ops.bySessionID(params.SessionID)
	}
	if err != nil {
		return protocol.CancelResult{Cancelled: false, RequestID: params.RequestID}, nil
	}

	cancelled := op.Cancel(stream.ReasonClient)
	slog.Info("Cancel requested", "request_id", op.RequestID, "session_id", op.SessionID, "accepted", cancelled)
	return protocol.CancelResult{Cancelled: cancelled, RequestID: op.RequestID}, nil
}

// cancelRequest handles $/cancelRequest, which names the JSON-RPC id of a
// generate_fix sent on this connection.
func (c *client) cancelRequest(msg *protocol.Message) (any, error) {
	params, rpcErr := protocol.DecodeCancelRequest(msg.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	op, err := c.srv.ops.byRPCID(c.id, params.ID)
	if err != nil {
		slog.Debug("Cancel for unknown request id", "conn_id", c.id, "id", params.ID.String())
		return protocol.CancelResult{Cancelled: false}, nil
	}
	return protocol.CancelResult{Cancelled: op.Cancel(stream.ReasonClient), RequestID: op.RequestID}, nil
}
