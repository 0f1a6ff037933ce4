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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/kaiak/pkg/observability"
	"github.com/kadirpekel/kaiak/pkg/protocol"
)

type deferredResponse struct{}

// deferred is returned by handlers whose response is written later by the
// operation they started.
var deferred = deferredResponse{}

// handle processes one inbound frame. Requests get exactly one response;
// notifications never get one.
func (c *client) handle(body []byte) {
	ctx := c.ctx
	metrics := c.srv.obs.Metrics()

	msg, rpcErr := protocol.Decode(body)
	if rpcErr != nil {
		var id protocol.ID
		if msg != nil {
			id = msg.ID
		}
		slog.Warn("Rejecting malformed message", "conn_id", c.id, "code", rpcErr.Code, "error", rpcErr.Message)
		metrics.RecordRequest(context.WithoutCancel(ctx), "invalid", rpcErr.Code)
		c.replyError(id, rpcErr)
		return
	}

	if msg.Kind() == protocol.KindResponse {
		slog.Debug("Ignoring response from client", "conn_id", c.id, "id", msg.ID.String())
		return
	}

	method := protocol.ParseMethod(c.srv.namespace, msg.Method)
	label := "unknown"
	if method != protocol.MethodUnknown {
		label = method.Name(c.srv.namespace)
	}

	ctx, span := c.srv.tracer.Start(ctx, observability.SpanDispatch,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(observability.AttrMethod, label),
			attribute.String(observability.AttrConnID, c.id),
		))
	defer span.End()

	result, err := c.dispatch(ctx, method, msg)

	code := 0
	if err != nil {
		rpcErr = protocol.AsError(err)
		code = rpcErr.Code
		span.SetAttributes(attribute.Int(observability.AttrErrorCode, code))
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	metrics.RecordRequest(context.WithoutCancel(ctx), label, code)

	if msg.Kind() == protocol.KindNotification {
		switch {
		case err == nil:
		case method == protocol.MethodUnknown:
			slog.Debug("Dropping unknown notification", "conn_id", c.id, "method", msg.Method)
		default:
			slog.Warn("Notification failed", "conn_id", c.id, "method", msg.Method, "error", err)
		}
		return
	}
	if err != nil {
		if code == protocol.InternalError {
			slog.Error("Request failed", "conn_id", c.id, "method", msg.Method, "error", err)
		}
		c.replyError(msg.ID, rpcErr)
		return
	}
	if _, ok := result.(deferredResponse); ok {
		return
	}
	c.reply(msg.ID, result)
}

func (c *client) dispatch(ctx context.Context, method protocol.Method, msg *protocol.Message) (any, error) {
	switch method {
	case protocol.MethodGenerateFix:
		return c.generateFix(ctx, msg)
	case protocol.MethodDeleteSession:
		return c.deleteSession(msg)
	case protocol.MethodUserMessage:
		return c.userMessage(msg)
	case protocol.MethodCancel:
		return c.cancel(msg)
	case protocol.MethodCancelRequest:
		return c.cancelRequest(msg)
	default:
		return nil, protocol.NewMethodNotFound(msg.Method)
	}
}
