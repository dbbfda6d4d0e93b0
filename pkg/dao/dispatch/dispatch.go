/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dispatch routes every inbound peer message through the gates the
// protocol relies on: the recovery gate, the module and correlation checks,
// frame decoding, sender authorization against the lookup table, and the
// per-status transition table. Only events that pass every gate reach the
// protocol engine; everything else is answered with one of the auxiliary
// failure messages and dropped.
//
// The coordinator calls the dispatcher with its event mutex held.
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/engine"
	"github.com/parafs/mds/pkg/dao/recovery"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/mlt"
	"github.com/parafs/mds/pkg/transport"
)

// Dispatcher gates and routes inbound events.
type Dispatcher struct {
	engine   *engine.Engine
	recovery *recovery.Manager
	table    mlt.Table
	metrics  *metrics.DAOMetrics
	logger   *zap.Logger
}

// New assembles a dispatcher.
func New(eng *engine.Engine, rec *recovery.Manager, table mlt.Table,
	m *metrics.DAOMetrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   eng,
		recovery: rec,
		table:    table,
		metrics:  m,
		logger:   logger.Named("dispatcher"),
	}
}

// HandlePeerMessage runs one inbound message through the full gate chain.
// It never returns an error for conditions a peer can cause; those are
// answered or dropped. Errors escaping here are local (journal, executor
// queue) and leave the affected operation to its timeout retries.
func (d *Dispatcher) HandlePeerMessage(ctx context.Context, msg transport.Inbound) error {
	if !d.recovery.Complete() {
		d.reject("recovering")
		return nil
	}
	if msg.Module != transport.ModuleDistributedAtomicOp {
		d.reject("module")
		return nil
	}
	if msg.CorrelationID != transport.CorrelationRequest {
		// The DAO never uses the transport's request/reply correlation.
		d.reject("reply")
		return nil
	}
	ev, err := wire.Decode(msg.Payload)
	if err != nil {
		d.reject("decode")
		d.logger.Warn("undecodable frame dropped",
			zap.String("sender", string(msg.Sender)), zap.Error(err))
		return nil
	}
	return d.route(ctx, msg.Sender, ev)
}

func (d *Dispatcher) reject(reason string) {
	d.metrics.EventsRejected.WithLabelValues(reason).Inc()
}

func (d *Dispatcher) route(ctx context.Context, sender types.ServerAddress, ev wire.Event) error {
	op, known := d.engine.Store().Get(ev.OpID)
	if !known {
		return d.routeUnknown(ctx, sender, ev)
	}

	// Auxiliary failure messages are handled without protocol advancement.
	switch ev.Tag {
	case wire.TagNotResponsible:
		return d.handleNotResponsible(ctx, op, sender)
	case wire.TagEventReRequest:
		return d.engine.ResendForStatus(ctx, op)
	case wire.TagContentRequest:
		return d.engine.SendEvent(ctx, sender, wire.Event{
			Tag:            wire.TagContentResponse,
			OpID:           op.ID,
			Type:           op.Type,
			Blob:           op.Blob,
			OppositeStatus: d.engine.InferOppositeStatus(op),
		})
	case wire.TagStatusRequest:
		return d.engine.SendEvent(ctx, sender, wire.Event{
			Tag:            wire.TagStatusResponse,
			OpID:           op.ID,
			OppositeStatus: d.engine.InferOppositeStatus(op),
		})
	case wire.TagContentResponse, wire.TagStatusResponse:
		// State already exists; the answer arrived late.
		return nil
	}

	if !d.authorized(sender, op, ev) {
		d.reject("unauthorized")
		return d.engine.SendEvent(ctx, sender, wire.Simple(wire.TagNotResponsible, ev.OpID))
	}
	if !d.engine.ValidEvent(op, ev.Tag) {
		d.reject("status-mismatch")
		return d.engine.SendEvent(ctx, sender, wire.Simple(wire.TagEventReRequest, ev.OpID))
	}
	return d.engine.HandleEvent(ctx, sender, ev)
}

// routeUnknown handles events naming an operation this server holds no
// state for: on-demand recovery first, then the failure-message answers.
func (d *Dispatcher) routeUnknown(ctx context.Context, sender types.ServerAddress, ev wire.Event) error {
	switch ev.Tag {
	case wire.TagContentResponse:
		return d.recovery.MaterializeFromContent(ctx, sender, ev)
	case wire.TagStatusResponse:
		// Without content there is nothing to rebuild from; ask for it.
		return d.engine.SendEvent(ctx, sender, wire.Simple(wire.TagContentRequest, ev.OpID))
	case wire.TagNotResponsible, wire.TagEventReRequest:
		// Answers to messages this server no longer remembers sending.
		return nil
	}

	_, err := d.recovery.RecoverOne(ctx, ev.OpID)
	if err == nil {
		// Rebuilt; run the event through the normal gates.
		return d.route(ctx, sender, ev)
	}

	var finished *recovery.FinishedError
	if errors.As(err, &finished) {
		if reply, ok := closingReply(ev.Tag, finished.Committed); ok {
			return d.engine.SendEvent(ctx, sender, wire.Simple(reply, ev.OpID))
		}
		return nil
	}
	if errors.Is(err, recovery.ErrNoBeginLog) {
		if ev.Tag.IsOpRequest() {
			return d.engine.StartParticipant(ctx, sender, ev)
		}
		if ev.Tag == wire.TagContentRequest || ev.Tag == wire.TagStatusRequest {
			// Neither side holds the operation.
			return d.engine.SendEvent(ctx, sender, wire.Simple(wire.TagNotResponsible, ev.OpID))
		}
		// The peer knows more than this server; ask for the content and
		// suspend handling until the response arrives.
		return d.engine.SendEvent(ctx, sender, wire.Simple(wire.TagContentRequest, ev.OpID))
	}
	return err
}

// closingReply names the message that answers a retransmission aimed at an
// operation that already closed.
func closingReply(tag wire.Tag, committed bool) (wire.Tag, bool) {
	switch tag.Canonical() {
	case wire.TagTPCCommit, wire.TagTPCAbort:
		return wire.TagTPCAck, true
	case wire.TagTPCVoteReq:
		if committed {
			return wire.TagTPCRVoteY, true
		}
		return wire.TagTPCRVoteN, true
	case wire.TagTPCOpReq:
		return wire.TagTPCAck, true
	case wire.TagMTPCCommit, wire.TagMTPCAbort:
		return wire.TagMTPCAck, true
	case wire.TagMTPCRStatusReq, wire.TagMTPCOpReq:
		if committed {
			return wire.TagMTPCRCommit, true
		}
		return wire.TagMTPCRAbort, true
	case wire.TagOOEOpReq, wire.TagOOERStatusReq:
		if committed {
			return wire.TagOOEAck, true
		}
		return wire.TagOOEAborted, true
	case wire.TagOOEAck, wire.TagOOEAborted, wire.TagTPCAck, wire.TagMTPCAck:
		// Late acknowledgements need no answer.
		return 0, false
	}
	return 0, false
}

// authorized verifies the sender owns one of the operation's participant
// subtrees per the current lookup table. Operation requests from the
// coordinator carry their own authority.
func (d *Dispatcher) authorized(sender types.ServerAddress, op *types.OpState, ev wire.Event) bool {
	if ev.Tag.IsOpRequest() {
		return true
	}
	for _, participant := range op.Participants {
		if participant.Server == sender {
			// Entries without a known entry inode (materialized state)
			// authorize by address.
			if participant.EntryInode == 0 || d.table.IsOwner(sender, participant.EntryInode) {
				return true
			}
		}
	}
	// The table may know the sender under a refreshed subtree.
	for _, participant := range op.Participants {
		if d.table.IsOwner(sender, participant.EntryInode) {
			return true
		}
	}
	return false
}

// handleNotResponsible reacts to a peer denying responsibility: either its
// subtree moved and the participant entry is refreshed, or the peer is
// still correct and the answer this server awaits is synthesized as the
// conservative negative.
func (d *Dispatcher) handleNotResponsible(ctx context.Context, op *types.OpState, sender types.ServerAddress) error {
	stale := false
	for _, participant := range op.Participants {
		if participant.Server != sender {
			continue
		}
		owner, err := d.table.OwnerOf(participant.EntryInode)
		if err != nil || owner != sender {
			stale = true
		}
	}
	if stale {
		if err := d.engine.RefreshParticipants(ctx, op); err != nil {
			return err
		}
		return d.engine.ResendForStatus(ctx, op)
	}

	// The peer is correct per the table but denies the operation: it never
	// received what this server sent. Answer the wait with the negative.
	switch op.Status {
	case types.StatusTPCCoordVReqSent:
		return d.engine.HandleEvent(ctx, sender, wire.Simple(wire.TagTPCVoteN, op.ID))
	case types.StatusMTPCCoordReqSent:
		return d.engine.HandleEvent(ctx, sender, wire.Simple(wire.TagMTPCAbort, op.ID))
	case types.StatusOOEWaitResult:
		return d.engine.HandleEvent(ctx, sender, wire.Simple(wire.TagOOEAborted, op.ID))
	default:
		return d.engine.ResendForStatus(ctx, op)
	}
}
