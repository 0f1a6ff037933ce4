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

// Package stream drives one operation: it relays agent events to the client
// as sequenced notifications, round-trips approvals, enforces the deadline
// and cancellation bound, and writes the operation's terminal response.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/kaiak/pkg/agent"
	"github.com/kadirpekel/kaiak/pkg/approval"
	"github.com/kadirpekel/kaiak/pkg/observability"
	"github.com/kadirpekel/kaiak/pkg/protocol"
	"github.com/kadirpekel/kaiak/pkg/session"
)

// Cancellation reasons.
const (
	ReasonClient     = "cancelled by client"
	ReasonDisconnect = "client disconnected"
	ReasonShutdown   = "server shutting down"
	ReasonDeleted    = "session deleted"
)

// Sender writes one encoded message to the client. transport.Conn satisfies
// it.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Outcome is how an operation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeAbandoned Outcome = "abandoned"
)

// Config holds what an operation needs besides its request.
type Config struct {
	Namespace   string
	Timeout     time.Duration
	CancelGrace time.Duration
	Policies    *approval.PolicyTable
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	Now         func() time.Time

	// OnFinish runs once, after the session is released and just before
	// the terminal response is written.
	OnFinish func(*Operation)
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = protocol.DefaultNamespace
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Operation is one generate_fix run from start to terminal response.
type Operation struct {
	RequestID string
	SessionID string
	RPCID     protocol.ID
	ConnID    string

	cfg       Config
	bridge    *agent.Bridge
	run       agent.RunRequest
	lease     *session.Lease
	sender    Sender
	approvals *approval.Channel

	// Only the Run goroutine touches these.
	seq       uint64
	stream    *agent.Stream
	finalized bool
	fatal     *protocol.Error

	mu           sync.Mutex
	state        State
	senderLive   bool
	cancelReason string
	cancelled    bool

	// cancelReq is closed by the first accepted Cancel.
	cancelReq chan struct{}
	done      chan struct{}
	started   time.Time
}

// New creates an operation holding lease. Run must be called exactly once.
func New(cfg Config, bridge *agent.Bridge, req agent.RunRequest, lease *session.Lease, rpcID protocol.ID, connID string, sender Sender) *Operation {
	cfg.setDefaults()
	return &Operation{
		RequestID:  req.RequestID,
		SessionID:  lease.SessionID(),
		RPCID:      rpcID,
		ConnID:     connID,
		cfg:        cfg,
		bridge:     bridge,
		run:        req,
		lease:      lease,
		sender:     sender,
		approvals:  approval.NewChannel(cfg.Policies),
		seq:        lease.LastSequence(),
		state:      StateIdle,
		senderLive: true,
		cancelReq:  make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operation) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !CanTransition(o.state, to) {
		return &TransitionError{From: o.state, To: to}
	}
	slog.Debug("Operation state change", "request_id", o.RequestID, "from", o.state, "to", to)
	o.state = to
	return nil
}

// Done is closed once the operation has sent its terminal response and
// released its session.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Cancel asks the operation to stop. It returns false when the operation is
// already winding down, has reached its outcome, or is closed. A true result
// means the operation will end cancelled.
func (o *Operation) Cancel(reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelled {
		return false
	}
	switch o.state {
	case StateIdle:
	case StateRunning:
		o.state = StateCancelling
	default:
		return false
	}
	o.cancelled = true
	o.cancelReason = reason
	close(o.cancelReq)
	return true
}

func (o *Operation) cancellation() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelReason, o.cancelled
}

// enterRunning moves out of idle once the agent has started. A cancel that
// arrived during the start turns straight into cancelling.
func (o *Operation) enterRunning() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return
	}
	o.state = StateRunning
	if o.cancelled {
		o.state = StateCancelling
	}
}

// Detach stops delivery to the client. The operation keeps running and
// still releases its session when it ends.
func (o *Operation) Detach() {
	o.mu.Lock()
	o.senderLive = false
	o.mu.Unlock()
}

// Resolve answers an outstanding interaction on behalf of the client.
func (o *Operation) Resolve(id string, reply approval.Reply) error {
	return o.approvals.Resolve(id, reply)
}

// Outstanding lists interactions still waiting for the client.
func (o *Operation) Outstanding() []string {
	return o.approvals.Outstanding()
}

// Run drives the operation until its terminal response has been written.
// Cancelling ctx cancels the operation; context.Cause(ctx) becomes the
// reason when it is set.
func (o *Operation) Run(ctx context.Context) {
	defer close(o.done)
	o.started = o.cfg.Now()

	ctx, span := o.cfg.Tracer.Start(ctx, observability.SpanOperation, trace.WithAttributes(
		attribute.String(observability.AttrRequestID, o.RequestID),
		attribute.String(observability.AttrSessionID, o.SessionID),
	))
	defer span.End()

	// Delivery must outlive cancellation of ctx so the terminal pair still
	// goes out after a cancel.
	sendCtx := context.WithoutCancel(ctx)

	o.cfg.Metrics.OperationStarted(ctx)
	outcome := o.drive(ctx, sendCtx)
	o.cfg.Metrics.OperationFinished(sendCtx, string(outcome), o.cfg.Now().Sub(o.started))

	span.SetAttributes(
		attribute.String(observability.AttrOutcome, string(outcome)),
		attribute.Int64(observability.AttrSequence, int64(o.seq)),
	)
	if outcome != OutcomeCompleted {
		span.SetStatus(codes.Error, string(outcome))
	}
}

func (o *Operation) drive(ctx, sendCtx context.Context) Outcome {
	defer o.close()

	if reason, ok := o.cancellation(); ok {
		return o.abortBeforeStart(sendCtx, reason)
	}

	stream, err := o.bridge.Start(ctx, o.run)
	if err != nil {
		if reason, ok := o.cancellation(); ok {
			return o.abortBeforeStart(sendCtx, reason)
		}
		rpcErr := protocol.AsError(err)
		o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
		o.respondError(sendCtx, rpcErr)
		_ = o.transition(StateClosed)
		return OutcomeFailed
	}
	o.stream = stream
	o.enterRunning()

	slog.Info("Operation started", "request_id", o.RequestID, "session_id", o.SessionID,
		"incidents", len(o.run.Incidents), "first_sequence", o.seq+1)

	var deadline <-chan time.Time
	if o.cfg.Timeout > 0 {
		timer := time.NewTimer(o.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var (
		grace     <-chan time.Time
		ctxDone   = ctx.Done()
		events    = stream.Events()
		resolved  = o.approvals.Resolved()
		cancelReq = o.cancelReq
	)

	// stopWatching leaves only the agent stream and the grace timer: the
	// outcome is decided and the agent is on its way out.
	stopWatching := func() {
		cancelReq, deadline, ctxDone = nil, nil, nil
		grace = time.After(o.cfg.CancelGrace)
	}

	for {
		select {
		case content, ok := <-events:
			if !ok {
				return o.finish(sendCtx)
			}
			if o.handle(ctx, sendCtx, content) {
				stopWatching()
			}

		case res := <-resolved:
			o.forward(ctx, sendCtx, res)

		case <-cancelReq:
			reason, _ := o.cancellation()
			stopWatching()
			stream.Cancel()
			slog.Info("Operation stopping", "request_id", o.RequestID, "state", StateCancelling, "reason", reason)

		case <-ctxDone:
			ctxDone = nil
			why := ReasonShutdown
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				why = cause.Error()
			}
			o.Cancel(why)

		case <-deadline:
			deadline = nil
			if err := o.transition(StateTimedOut); err != nil {
				slog.Debug("Deadline passed after the outcome was decided", "request_id", o.RequestID, "error", err)
				continue
			}
			stopWatching()
			stream.Cancel()
			slog.Info("Operation stopping", "request_id", o.RequestID, "state", StateTimedOut, "timeout", o.cfg.Timeout)

		case <-grace:
			stream.Abandon()
			if o.State() == StateCompleting {
				return o.failAfterFatal(sendCtx)
			}
			return o.forceClose(sendCtx)
		}
	}
}

func (o *Operation) abortBeforeStart(sendCtx context.Context, reason string) Outcome {
	rpcErr := protocol.NewOperationCancelled(o.RequestID, o.SessionID, reason)
	o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
	o.respondError(sendCtx, rpcErr)
	_ = o.transition(StateClosed)
	return OutcomeCancelled
}

// handle sends one agent event, registering an interaction first when it
// needs a client decision. It reports whether the event was the agent's
// fatal error, which settles the outcome as failed.
func (o *Operation) handle(ctx, sendCtx context.Context, content protocol.Content) bool {
	if errEv, ok := content.(protocol.ErrorEvent); ok && !errEv.Recoverable {
		// Whoever leaves running first owns the terminal error event.
		if err := o.transition(StateCompleting); err != nil {
			slog.Debug("Suppressing agent error while stopping", "request_id", o.RequestID, "code", errEv.Code)
			return false
		}
		o.fatal = protocol.NewError(errEv.Code, errEv.Message, errEv.Details)
		o.emit(sendCtx, content)
		return true
	}

	state := o.State()
	if state == StateCompleting {
		slog.Debug("Discarding agent event after fatal error", "request_id", o.RequestID, "kind", content.Kind())
		return false
	}

	var req *approval.Request
	switch c := content.(type) {
	case protocol.Interaction:
		req = &approval.Request{ID: c.ID, Type: c.Type, Tool: c.Tool, Default: c.Default, Timeout: c.Timeout.Duration()}
	case protocol.FileModification:
		if c.RequiresApproval {
			req = &approval.Request{ID: c.ProposalID, Type: protocol.InteractionFileApproval, Tool: approval.FileModificationTool}
		}
	}

	var auto *approval.Pending
	if req != nil && !state.IsDraining() {
		pending, err := o.approvals.Request(*req)
		switch {
		case err != nil:
			slog.Warn("Interaction not tracked", "request_id", o.RequestID, "interaction_id", req.ID, "error", err)
		case pending.Auto:
			auto = pending
		}
	}

	o.emit(sendCtx, content)

	if auto != nil {
		o.deliver(ctx, *req, auto.Reply, approval.SourceClient)
	}
	return false
}

// forward hands a resolution to the agent.
func (o *Operation) forward(ctx, sendCtx context.Context, res approval.Resolution) {
	o.cfg.Metrics.RecordInteraction(ctx, string(res.Source), res.Failed)
	if state := o.State(); state.IsDraining() || state == StateCompleting {
		return
	}
	if res.Failed {
		ev := protocol.ErrorEventFrom(protocol.NewToolTimeout(res.Request.ID, res.Request.Tool))
		ev.Recoverable = true
		ev.SuggestedAction = "The action was denied; retry the operation to answer in time."
		o.emit(sendCtx, ev)
	}
	o.deliver(ctx, res.Request, res.Reply, res.Source)
}

func (o *Operation) deliver(ctx context.Context, req approval.Request, reply approval.Reply, source approval.Source) {
	answer := agent.InteractionReply{
		Approved: reply.Allowed(),
		Action:   reply.Action,
		Data:     reply.Data,
		TimedOut: source == approval.SourceTimeout,
	}
	if err := o.stream.Respond(ctx, req.ID, answer); err != nil {
		slog.Warn("Agent rejected interaction reply", "request_id", o.RequestID,
			"interaction_id", req.ID, "error", err)
		return
	}
	slog.Debug("Interaction reply delivered", "request_id", o.RequestID,
		"interaction_id", req.ID, "source", source, "approved", answer.Approved)
}

// finish writes the terminal pair once the agent stream has ended.
func (o *Operation) finish(sendCtx context.Context) Outcome {
	// From running this claims the outcome; a fatal agent error has already
	// moved the operation to completing.
	if err := o.transition(StateCompleting); err != nil {
		switch o.State() {
		case StateCancelling:
			reason, _ := o.cancellation()
			rpcErr := protocol.NewOperationCancelled(o.RequestID, o.SessionID, reason)
			o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
			o.respondError(sendCtx, rpcErr)
			_ = o.transition(StateClosed)
			return OutcomeCancelled

		case StateTimedOut:
			rpcErr := protocol.NewOperationTimeout(o.RequestID, o.SessionID, o.cfg.Timeout)
			o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
			o.respondError(sendCtx, rpcErr)
			_ = o.transition(StateClosed)
			return OutcomeTimedOut
		}
	}
	defer func() { _ = o.transition(StateClosed) }()

	result, failure := o.stream.Outcome()
	if failure == nil {
		failure = o.fatal
	}
	if failure != nil {
		// The bridge already emitted the terminal error event.
		o.respondError(sendCtx, failure)
		return OutcomeFailed
	}
	if result == nil {
		// Cancelled runs have no outcome; a run that ends that way without
		// being asked is reported as a failure.
		rpcErr := protocol.NewAgentFailure("agent run ended without a result")
		o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
		o.respondError(sendCtx, rpcErr)
		return OutcomeFailed
	}

	o.emit(sendCtx, protocol.Progress{
		Stage:       protocol.PhaseCompleted,
		Percent:     protocol.PhasePercent(protocol.PhaseCompleted),
		Description: "Fix generation completed",
	})
	o.respond(sendCtx, protocol.GenerateFixResult{
		RequestID:   o.RequestID,
		SessionID:   o.SessionID,
		CompletedAt: o.cfg.Now().UTC(),
		Summary:     result.Summary,
		Output:      result.Output,
	})
	return OutcomeCompleted
}

// failAfterFatal closes an operation whose agent reported a fatal error but
// never ended its stream. The error event is already out.
func (o *Operation) failAfterFatal(sendCtx context.Context) Outcome {
	slog.Warn("Agent did not stop after its fatal error, closing operation",
		"request_id", o.RequestID, "session_id", o.SessionID, "grace", o.cfg.CancelGrace)
	o.respondError(sendCtx, o.fatal)
	_ = o.transition(StateClosed)
	return OutcomeFailed
}

func (o *Operation) forceClose(sendCtx context.Context) Outcome {
	slog.Error("Agent did not stop within grace period, closing operation",
		"request_id", o.RequestID, "session_id", o.SessionID, "grace", o.cfg.CancelGrace)
	rpcErr := protocol.NewAgentFailure("agent did not acknowledge cancellation").WithData(map[string]any{
		"request_id": o.RequestID,
		"session_id": o.SessionID,
		"grace":      o.cfg.CancelGrace.String(),
	})
	o.emit(sendCtx, protocol.ErrorEventFrom(rpcErr))
	o.respondError(sendCtx, rpcErr)
	_ = o.transition(StateClosed)
	return OutcomeAbandoned
}

// emit assigns the next sequence number and sends the event. The number is
// consumed even if delivery fails, so a reconnecting client can detect the
// gap.
func (o *Operation) emit(ctx context.Context, content protocol.Content) {
	o.seq++
	ev := protocol.StreamEvent{
		RequestID: o.RequestID,
		SessionID: o.SessionID,
		Sequence:  o.seq,
		Timestamp: o.cfg.Now().UTC(),
		Content:   content,
	}
	body, err := protocol.EncodeNotification(ev.Method(o.cfg.Namespace), ev)
	if err != nil {
		slog.Error("Failed to encode stream event", "request_id", o.RequestID, "sequence", o.seq, "error", err)
		return
	}
	o.cfg.Metrics.RecordEvent(ctx, string(content.Kind()))
	o.send(ctx, body)
}

func (o *Operation) respond(ctx context.Context, result any) {
	body, err := protocol.EncodeResult(o.RPCID, result)
	if err != nil {
		slog.Error("Failed to encode result", "request_id", o.RequestID, "error", err)
		o.respondError(ctx, protocol.NewInternalError(err.Error()))
		return
	}
	o.finalize()
	o.send(ctx, body)
}

func (o *Operation) respondError(ctx context.Context, rpcErr *protocol.Error) {
	body, err := protocol.EncodeError(o.RPCID, rpcErr)
	if err != nil {
		slog.Error("Failed to encode error response", "request_id", o.RequestID, "error", err)
		return
	}
	o.finalize()
	o.send(ctx, body)
}

// finalize frees the session once no more events will be numbered, so a
// client that reacts to the terminal response can reuse the session at
// once.
func (o *Operation) finalize() {
	if o.finalized {
		return
	}
	o.finalized = true
	o.lease.Release(o.seq)
	if o.cfg.OnFinish != nil {
		o.cfg.OnFinish(o)
	}
}

func (o *Operation) send(ctx context.Context, body []byte) {
	o.mu.Lock()
	live := o.senderLive
	o.mu.Unlock()
	if !live {
		return
	}
	if err := o.sender.Send(ctx, body); err != nil {
		slog.Debug("Dropping message for closed connection", "request_id", o.RequestID, "error", err)
		o.Detach()
	}
}

// close releases everything the operation holds. It runs once, after the
// terminal response.
func (o *Operation) close() {
	o.approvals.Close()
	o.finalize()
	slog.Info("Operation closed", "request_id", o.RequestID, "session_id", o.SessionID,
		"last_sequence", o.seq, "duration", o.cfg.Now().Sub(o.started))
}

func (o *Operation) String() string {
	return fmt.Sprintf("operation %s (session %s)", o.RequestID, o.SessionID)
}
