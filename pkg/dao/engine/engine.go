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

// Package engine implements the protocol state machines of the coordinator:
// two-phase commit across two or more participants, the modified two-phase
// commit for a single participant, and the pipelined ordered operation
// execution.
//
// Every handler runs with the coordinator's event mutex held and performs a
// complete protocol transition: durable journal append first, then the
// outbound messages the append gates, then the in-memory status update. A
// failed append leaves the operation in its pre-transition status so the
// timeout path retries it.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	daoerrors "github.com/parafs/mds/internal/errors"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/store"
	"github.com/parafs/mds/pkg/dao/timeout"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/mlt"
	"github.com/parafs/mds/pkg/results"
)

// Sender delivers encoded frames to peer servers.
type Sender interface {
	Send(ctx context.Context, to types.ServerAddress, frame []byte) error
}

// IDSource yields fresh operation ids.
type IDSource interface {
	Next() types.OperationID
}

// Config carries the protocol deadlines.
type Config struct {
	SelfAddress     types.ServerAddress
	TPCRelTimeout   time.Duration
	MTPCRelTimeout  time.Duration
	OOERelTimeout   time.Duration
	OverallTimeout  time.Duration
}

// Engine drives the protocol state machines. It owns no locking; the
// coordinator serializes all calls under its event mutex.
type Engine struct {
	cfg      Config
	store    *store.Store
	journal  journal.Gateway
	timeouts *timeout.Queue
	sender   Sender
	exec     executor.Executor
	results  results.Sink
	table    mlt.Table
	ids      IDSource
	metrics  *metrics.DAOMetrics
	logger   *zap.Logger

	// now is the clock; tests replace it.
	now func() time.Time
}

// New assembles an engine.
func New(cfg Config, st *store.Store, jw journal.Gateway, tq *timeout.Queue,
	sender Sender, exec executor.Executor, sink results.Sink, table mlt.Table,
	ids IDSource, m *metrics.DAOMetrics, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		journal:  jw,
		timeouts: tq,
		sender:   sender,
		exec:     exec,
		results:  sink,
		table:    table,
		ids:      ids,
		metrics:  m,
		logger:   logger.Named("engine"),
		now:      time.Now,
	}
}

// SetClock replaces the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Store exposes the operation store to the dispatcher and recovery manager.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Timeouts exposes the timeout queue to the recovery manager.
func (e *Engine) Timeouts() *timeout.Queue {
	return e.timeouts
}

// StartCoordinator begins a distributed operation with this server as the
// coordinator. A submission identical to an in-flight one returns the
// existing operation id; if that operation is a TPC coordinator past its
// commit or abort decision, the decision is re-delivered (and deduplicated
// downstream). MTPC and OOE operations still waiting on an undo answer the
// client when the undo finishes.
func (e *Engine) StartCoordinator(ctx context.Context, opType types.OpType, blob []byte,
	participants []types.Subtree, subtreeEntry types.InodeID) (types.OperationID, error) {

	if existing, ok := e.store.FindEquivalent(opType, blob, participants, subtreeEntry); ok {
		switch existing.Status {
		case types.StatusTPCCoordVResultSent:
			// Already decided commit; the result router drops the duplicate.
			e.deliverResult(ctx, existing, true)
		case types.StatusAborting, types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
			// Already decided abort; the NACK went out with the decision.
			e.deliverResult(ctx, existing, false)
		}
		return existing.ID, nil
	}

	var protocol types.Protocol
	switch {
	case opType.OrderedExecution():
		protocol = types.ProtocolOOE
	case len(participants) >= 2:
		protocol = types.ProtocolTPC
	case len(participants) == 1:
		protocol = types.ProtocolMTPC
	default:
		return 0, daoerrors.New(daoerrors.KindValidation, "operation needs at least one participant")
	}

	op := &types.OpState{
		ID:              e.ids.Next(),
		Type:            opType,
		Protocol:        protocol,
		Participants:    participants,
		SubtreeEntry:    subtreeEntry,
		Blob:            blob,
		Coordinator:     true,
		OverallDeadline: e.now().Add(e.cfg.OverallTimeout),
	}
	switch protocol {
	case types.ProtocolTPC:
		op.Status = types.StatusTPCCoordComp
		op.ReceivedVotes = len(participants)
	case types.ProtocolMTPC:
		op.Status = types.StatusMTPCCoordComp
	case types.ProtocolOOE:
		op.Status = types.StatusOOEComp
	}
	if err := e.store.Insert(op); err != nil {
		return 0, daoerrors.Wrap(err, daoerrors.KindValidation, "register operation")
	}
	e.metrics.OperationsStarted.WithLabelValues(protocol.String(), "coordinator").Inc()
	e.metrics.OperationsInFlight.Set(float64(e.store.Len()))

	if err := e.appendBegin(ctx, op); err != nil {
		// The operation stays in memory; the timeout path retries the
		// whole first transition once the journal is repaired.
		e.scheduleStep(op)
		return op.ID, err
	}
	if err := e.submitExec(ctx, op, executor.RequestDo); err != nil {
		e.scheduleStep(op)
		return op.ID, err
	}
	// MTPC contacts its participant only after local success, OOE after the
	// executor names the next node; TPC fans the operation out immediately.
	if protocol == types.ProtocolTPC {
		if err := e.sendOpRequest(ctx, op, op.Participants...); err != nil {
			e.logger.Warn("operation fan-out incomplete; timeout path will retry",
				zap.Uint64("op_id", uint64(op.ID)), zap.Error(err))
		}
	}
	e.scheduleStep(op)
	e.logger.Info("operation started",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("type", opType.String()),
		zap.String("protocol", protocol.String()))
	return op.ID, nil
}

// StartParticipant begins the local part of an operation coordinated
// elsewhere, triggered by an inbound operation request.
func (e *Engine) StartParticipant(ctx context.Context, sender types.ServerAddress, ev wire.Event) error {
	if _, exists := e.store.Get(ev.OpID); exists {
		// Duplicate operation request; the stored vote answers the
		// coordinator's next vote request.
		return nil
	}

	op := &types.OpState{
		ID:              ev.OpID,
		Type:            ev.Type,
		Participants:    []types.Subtree{{Server: sender, EntryInode: ev.InitiatorSubtree}},
		SubtreeEntry:    ev.SelfSubtree,
		Blob:            ev.Blob,
		OverallDeadline: e.now().Add(e.cfg.OverallTimeout),
	}
	switch ev.Tag {
	case wire.TagTPCOpReq:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCPartComp
	case wire.TagMTPCOpReq:
		op.Protocol = types.ProtocolMTPC
		op.Status = types.StatusMTPCPartComp
	case wire.TagOOEOpReq:
		op.Protocol = types.ProtocolOOE
		op.Status = types.StatusOOEComp
	default:
		return daoerrors.Newf(daoerrors.KindProtocol, "%s does not open an operation", ev.Tag)
	}
	if err := e.store.Insert(op); err != nil {
		return daoerrors.Wrap(err, daoerrors.KindValidation, "register inbound operation")
	}
	e.metrics.OperationsStarted.WithLabelValues(op.Protocol.String(), "participant").Inc()
	e.metrics.OperationsInFlight.Set(float64(e.store.Len()))

	if err := e.appendBegin(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if err := e.submitExec(ctx, op, executor.RequestDo); err != nil {
		e.scheduleStep(op)
		return err
	}
	e.scheduleStep(op)
	e.logger.Info("participant operation started",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("type", op.Type.String()),
		zap.String("protocol", op.Protocol.String()),
		zap.String("coordinator", string(sender)))
	return nil
}

// HandleEvent advances an operation on a peer protocol event. The
// dispatcher has already authorized the sender and checked the transition
// table.
func (e *Engine) HandleEvent(ctx context.Context, sender types.ServerAddress, ev wire.Event) error {
	op, ok := e.store.Get(ev.OpID)
	if !ok {
		return daoerrors.Newf(daoerrors.KindProtocol, "operation %d not in flight", ev.OpID)
	}
	e.metrics.EventsDispatched.WithLabelValues(ev.Tag.Canonical().String()).Inc()

	if ev.Tag.IsOpRequest() {
		e.adoptProtocol(op, ev.Tag)
	}

	switch op.Protocol {
	case types.ProtocolTPC:
		return e.handleTPCEvent(ctx, op, sender, ev)
	case types.ProtocolMTPC:
		return e.handleMTPCEvent(ctx, op, sender, ev)
	case types.ProtocolOOE:
		return e.handleOOEEvent(ctx, op, sender, ev)
	}
	return daoerrors.Newf(daoerrors.KindFatal, "operation %d carries unknown protocol %d", op.ID, op.Protocol)
}

// HandleExecResult advances an operation on an executor outcome. Results for
// operations no longer in flight are dropped: a terminal or timed-out
// operation must not resurrect.
func (e *Engine) HandleExecResult(ctx context.Context, res executor.Result) error {
	op, ok := e.store.Get(res.OpID)
	if !ok {
		e.logger.Debug("executor result for finished operation dropped",
			zap.Uint64("op_id", uint64(res.OpID)), zap.String("result", res.Kind.String()))
		return nil
	}
	e.metrics.EventsDispatched.WithLabelValues(res.Kind.String()).Inc()

	switch op.Protocol {
	case types.ProtocolTPC:
		return e.handleTPCExecResult(ctx, op, res)
	case types.ProtocolMTPC:
		return e.handleMTPCExecResult(ctx, op, res)
	case types.ProtocolOOE:
		return e.handleOOEExecResult(ctx, op, res)
	}
	return daoerrors.Newf(daoerrors.KindFatal, "operation %d carries unknown protocol %d", op.ID, op.Protocol)
}

// HandleTimeout reacts to a fired timeout entry. Entries whose recorded
// status no longer matches the operation are stale and have no effect.
func (e *Engine) HandleTimeout(ctx context.Context, entry timeout.Entry) error {
	op, ok := e.store.Get(entry.OpID)
	if !ok || op.Status != entry.RecordedStatus {
		e.metrics.StaleTimeouts.Inc()
		return nil
	}
	e.metrics.TimeoutsFired.WithLabelValues(op.Status.String()).Inc()

	if e.now().After(op.OverallDeadline) {
		return e.abortOnDeadline(ctx, op)
	}

	switch op.Protocol {
	case types.ProtocolTPC:
		return e.handleTPCTimeout(ctx, op)
	case types.ProtocolMTPC:
		return e.handleMTPCTimeout(ctx, op)
	case types.ProtocolOOE:
		return e.handleOOETimeout(ctx, op)
	}
	return nil
}

// ---- shared transition helpers ----

func (e *Engine) relTimeout(p types.Protocol) time.Duration {
	switch p {
	case types.ProtocolTPC:
		return e.cfg.TPCRelTimeout
	case types.ProtocolMTPC:
		return e.cfg.MTPCRelTimeout
	default:
		return e.cfg.OOERelTimeout
	}
}

// scheduleStep arms the retry timer for the operation's current status.
func (e *Engine) scheduleStep(op *types.OpState) {
	e.timeouts.Push(timeout.Entry{
		Deadline:       e.now().Add(e.relTimeout(op.Protocol)),
		OpID:           op.ID,
		RecordedStatus: op.Status,
	})
}

func (e *Engine) appendBegin(ctx context.Context, op *types.OpState) error {
	err := e.journal.AppendBegin(ctx, op.JournalKey(), op.ID, op.Type, op.Blob)
	return e.observeAppend(ctx, op, "begin", err)
}

func (e *Engine) appendUpdate(ctx context.Context, op *types.OpState, marker types.LogMarker) error {
	err := e.journal.AppendUpdate(ctx, op.JournalKey(), op.ID, marker)
	return e.observeAppend(ctx, op, "update", err)
}

func (e *Engine) appendCommit(ctx context.Context, op *types.OpState) error {
	err := e.journal.AppendCommit(ctx, op.JournalKey(), op.ID)
	return e.observeAppend(ctx, op, "commit", err)
}

func (e *Engine) appendAbort(ctx context.Context, op *types.OpState) error {
	err := e.journal.AppendAbort(ctx, op.JournalKey(), op.ID)
	return e.observeAppend(ctx, op, "abort", err)
}

// observeAppend records metrics and repairs a wrong journal key once before
// surfacing the failure.
func (e *Engine) observeAppend(ctx context.Context, op *types.OpState, record string, err error) error {
	if err == nil {
		e.metrics.JournalAppends.WithLabelValues(record, "ok").Inc()
		return nil
	}
	e.metrics.JournalAppends.WithLabelValues(record, "error").Inc()
	if errors.Is(err, journal.ErrWrongJournalKey) {
		if key, lookupErr := e.lookupJournalKey(ctx, op); lookupErr == nil && key != op.SubtreeEntry {
			e.logger.Warn("journal key corrected",
				zap.Uint64("op_id", uint64(op.ID)),
				zap.Uint64("old", uint64(op.SubtreeEntry)),
				zap.Uint64("new", uint64(key)))
			op.SubtreeEntry = key
			return daoerrors.Wrap(err, daoerrors.KindJournal, "journal key corrected; transition will be retried")
		}
	}
	return err
}

// lookupJournalKey finds the journal that actually opened the operation,
// asking first the open-operations index, then the executor.
func (e *Engine) lookupJournalKey(ctx context.Context, op *types.OpState) (types.InodeID, error) {
	if key, _, err := e.journal.RecordsFor(ctx, op.ID); err == nil {
		return key, nil
	}
	return e.exec.SubtreeEntryPoint(ctx, op)
}

func (e *Engine) submitExec(ctx context.Context, op *types.OpState, kind executor.RequestKind) error {
	err := e.exec.Submit(ctx, executor.Request{OpID: op.ID, Kind: kind, Blob: op.Blob})
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindFatal, "executor queue rejected %s for operation %d", kind, op.ID)
	}
	return nil
}

// sendSimple fans a body-less event out to the given subtrees, retrying once
// through refreshed participant addresses on transport failures. Remaining
// failures are absorbed; the timeout path re-drives the transition.
func (e *Engine) sendSimple(ctx context.Context, op *types.OpState, tag wire.Tag, receivers ...types.Subtree) error {
	frame, err := wire.Encode(wire.Simple(tag, op.ID))
	if err != nil {
		return daoerrors.Wrap(err, daoerrors.KindFatal, "encode outbound event")
	}
	return e.fanOut(ctx, op, tag, frame, receivers)
}

// sendOpRequest fans the full operation request out to the receivers. The
// per-receiver self subtree is the receiver's own entry inode.
func (e *Engine) sendOpRequest(ctx context.Context, op *types.OpState, receivers ...types.Subtree) error {
	tag := wire.TagTPCOpReq
	switch op.Protocol {
	case types.ProtocolMTPC:
		tag = wire.TagMTPCOpReq
	case types.ProtocolOOE:
		tag = wire.TagOOEOpReq
	}
	var firstErr error
	for i, receiver := range receivers {
		frame, err := wire.Encode(wire.Event{
			Tag:              tag,
			OpID:             op.ID,
			Type:             op.Type,
			SelfSubtree:      receiver.EntryInode,
			InitiatorSubtree: op.SubtreeEntry,
			Blob:             op.Blob,
		})
		if err != nil {
			return daoerrors.Wrap(err, daoerrors.KindFatal, "encode operation request")
		}
		if err := e.sendFrame(ctx, receiver.Server, frame); err != nil && firstErr == nil {
			firstErr = daoerrors.NewSendError(i, daoerrors.SendKindFailed, err)
		}
	}
	if firstErr != nil {
		return e.handleUnsuccessfulStep(ctx, op, firstErr, func(rs []types.Subtree) error {
			return e.sendOpRequest(ctx, op, rs...)
		})
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, op *types.OpState, tag wire.Tag, frame []byte, receivers []types.Subtree) error {
	var firstErr error
	for i, receiver := range receivers {
		if err := e.sendFrame(ctx, receiver.Server, frame); err != nil && firstErr == nil {
			firstErr = daoerrors.NewSendError(i, daoerrors.SendKindFailed, err)
		}
	}
	if firstErr != nil {
		return e.handleUnsuccessfulStep(ctx, op, firstErr, func(rs []types.Subtree) error {
			return e.fanOut(ctx, op, tag, frame, rs)
		})
	}
	return nil
}

func (e *Engine) sendFrame(ctx context.Context, to types.ServerAddress, frame []byte) error {
	if err := e.sender.Send(ctx, to, frame); err != nil {
		e.metrics.PeerSends.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.PeerSends.WithLabelValues("ok").Inc()
	return nil
}

// handleUnsuccessfulStep reacts to a failed fan-out: refresh the participant
// list through the executor once and retry; if that fails too, leave the
// operation in its current status for the timeout path.
func (e *Engine) handleUnsuccessfulStep(ctx context.Context, op *types.OpState, cause error, retry func([]types.Subtree) error) error {
	if refreshed, err := e.exec.SendingAddresses(ctx, op); err == nil && len(refreshed) > 0 {
		if !sameSubtrees(op.Participants, refreshed) {
			e.logger.Info("participant addresses refreshed",
				zap.Uint64("op_id", uint64(op.ID)))
			op.Participants = refreshed
			if retryErr := retry(refreshed); retryErr == nil {
				return nil
			}
		}
	}
	e.logger.Warn("protocol step left for timeout retry",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("status", op.Status.String()),
		zap.Error(cause))
	return nil
}

func sameSubtrees(a, b []types.Subtree) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// deliverResult hands the client outcome to the result queues. Only the
// operation's origin answers the client.
func (e *Engine) deliverResult(ctx context.Context, op *types.OpState, success bool) {
	if !op.Coordinator {
		return
	}
	err := e.results.Deliver(ctx, op.Type, results.Result{
		OpID:     op.ID,
		Protocol: op.Protocol,
		Success:  success,
	})
	if err != nil {
		e.logger.Error("client result delivery failed",
			zap.Uint64("op_id", uint64(op.ID)), zap.Error(err))
	}
}

// finish removes a terminal operation from memory.
func (e *Engine) finish(op *types.OpState, outcome string) {
	e.store.Remove(op.ID)
	e.timeouts.Drop(op.ID)
	e.metrics.OperationsCompleted.WithLabelValues(op.Protocol.String(), outcome).Inc()
	e.metrics.OperationsInFlight.Set(float64(e.store.Len()))
	e.logger.Info("operation finished",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("protocol", op.Protocol.String()),
		zap.String("outcome", outcome))
}

// adoptProtocol aligns a freshly recovered operation with the protocol the
// coordinator names in a retransmitted operation request. Only operations
// that have not progressed past their initial status move.
func (e *Engine) adoptProtocol(op *types.OpState, tag wire.Tag) {
	var protocol types.Protocol
	var initial types.Status
	switch tag {
	case wire.TagTPCOpReq:
		protocol, initial = types.ProtocolTPC, types.StatusTPCPartComp
	case wire.TagMTPCOpReq:
		protocol, initial = types.ProtocolMTPC, types.StatusMTPCPartComp
	case wire.TagOOEOpReq:
		protocol, initial = types.ProtocolOOE, types.StatusOOEComp
	default:
		return
	}
	if op.Protocol == protocol || op.Coordinator {
		return
	}
	switch op.Status {
	case types.StatusTPCPartComp, types.StatusMTPCPartComp, types.StatusOOEComp:
		e.logger.Info("recovered operation adopts coordinator protocol",
			zap.Uint64("op_id", uint64(op.ID)),
			zap.String("old", op.Protocol.String()),
			zap.String("new", protocol.String()))
		op.Protocol = protocol
		op.Status = initial
	}
}

// SendEvent encodes and delivers a single event to one peer. Used by the
// dispatcher for the auxiliary failure messages.
func (e *Engine) SendEvent(ctx context.Context, to types.ServerAddress, ev wire.Event) error {
	frame, err := wire.Encode(ev)
	if err != nil {
		return daoerrors.Wrap(err, daoerrors.KindFatal, "encode auxiliary event")
	}
	return e.sendFrame(ctx, to, frame)
}

// RefreshParticipants replaces stale participant entries through the
// executor's address resolution.
func (e *Engine) RefreshParticipants(ctx context.Context, op *types.OpState) error {
	refreshed, err := e.exec.SendingAddresses(ctx, op)
	if err != nil {
		return daoerrors.Wrapf(err, daoerrors.KindRouting,
			"refresh participants of operation %d", op.ID)
	}
	if len(refreshed) > 0 && !sameSubtrees(op.Participants, refreshed) {
		e.logger.Info("participant addresses refreshed",
			zap.Uint64("op_id", uint64(op.ID)))
		op.Participants = refreshed
	}
	return nil
}

// Reschedule arms the retry timer of a recovered operation.
func (e *Engine) Reschedule(op *types.OpState) {
	e.scheduleStep(op)
}

// SubmitLocalExecution re-issues the local execution request of a recovered
// or materialized operation.
func (e *Engine) SubmitLocalExecution(ctx context.Context, op *types.OpState) error {
	return e.submitExec(ctx, op, executor.RequestDo)
}

// OverallDeadlineFromNow returns the in-memory lease for a new or recovered
// operation.
func (e *Engine) OverallDeadlineFromNow() time.Time {
	return e.now().Add(e.cfg.OverallTimeout)
}

// abortOnDeadline forces the abort branch once the overall deadline passed.
func (e *Engine) abortOnDeadline(ctx context.Context, op *types.OpState) error {
	e.logger.Warn("overall deadline exceeded",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("status", op.Status.String()))
	switch op.Protocol {
	case types.ProtocolTPC:
		return e.abortTPCOnTimeout(ctx, op)
	case types.ProtocolMTPC:
		return e.abortMTPCOnTimeout(ctx, op)
	default:
		return e.abortOOEOnTimeout(ctx, op)
	}
}
