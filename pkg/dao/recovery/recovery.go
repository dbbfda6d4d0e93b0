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

// Package recovery rebuilds in-flight operations from their journal records:
// at startup for every open operation before the dispatcher admits traffic,
// and on demand when a peer references an operation this server no longer
// holds in memory.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/engine"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/store"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/metrics"
)

// ErrNoBeginLog re-exports the journal condition for dispatcher use.
var ErrNoBeginLog = journal.ErrNoBeginLog

// FinishedError reports that the referenced operation already closed; the
// dispatcher answers the peer with the closing message of the decision.
type FinishedError struct {
	Committed bool
}

func (e *FinishedError) Error() string {
	if e.Committed {
		return "operation already committed"
	}
	return "operation already aborted"
}

// Manager performs journal-driven reconstruction.
type Manager struct {
	journal  journal.Gateway
	store    *store.Store
	engine   *engine.Engine
	exec     executor.Executor
	metrics  *metrics.DAOMetrics
	logger   *zap.Logger
	complete atomic.Bool
}

// NewManager assembles a recovery manager.
func NewManager(jw journal.Gateway, st *store.Store, eng *engine.Engine,
	exec executor.Executor, m *metrics.DAOMetrics, logger *zap.Logger) *Manager {
	return &Manager{
		journal: jw,
		store:   st,
		engine:  eng,
		exec:    exec,
		metrics: m,
		logger:  logger.Named("recovery"),
	}
}

// Complete reports whether startup recovery finished. The dispatcher drops
// every inbound event until it has.
func (m *Manager) Complete() bool {
	return m.complete.Load()
}

// RecoverAll scans every known journal and rebuilds each open operation.
// Called once at startup, before the workers start.
func (m *Manager) RecoverAll(ctx context.Context) error {
	keys, err := m.journal.Keys(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	recovered := 0
	for _, key := range keys {
		open, err := m.journal.EnumerateOpen(ctx, key)
		if err != nil {
			return fmt.Errorf("recovery scan of journal %d: %w", uint64(key), err)
		}
		for _, id := range open {
			if _, exists := m.store.Get(id); exists {
				continue
			}
			if _, err := m.RecoverOne(ctx, id); err != nil {
				var finished *FinishedError
				if errors.As(err, &finished) {
					continue
				}
				// A single unreconstructible operation must not keep the
				// server down; the peer-driven retrieval path can still
				// rebuild it later.
				m.logger.Error("operation not recoverable at startup",
					zap.Uint64("op_id", uint64(id)), zap.Error(err))
				continue
			}
			recovered++
		}
	}
	m.complete.Store(true)
	m.logger.Info("startup recovery complete", zap.Int("operations", recovered))
	return nil
}

// RecoverOne rebuilds one operation from its journal records and arms its
// retry timer. Returns ErrNoBeginLog when no journal knows the operation and
// a FinishedError when it already closed.
func (m *Manager) RecoverOne(ctx context.Context, id types.OperationID) (*types.OpState, error) {
	key, records, err := m.journal.RecordsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	last := records[len(records)-1]
	if last.Status.Terminal() {
		return nil, &FinishedError{Committed: last.Status == journal.RecordCommitted}
	}
	begin := records[0]
	if begin.Status != journal.RecordStart {
		return nil, fmt.Errorf("operation %d: journal %d starts with %s", id, uint64(key), begin.Status)
	}

	op := &types.OpState{
		ID:           id,
		Type:         begin.OpType,
		SubtreeEntry: key,
		Blob:         begin.Blob,
	}
	if key == types.ServerJournalKey {
		if entry, err := m.exec.SubtreeEntryPoint(ctx, op); err == nil {
			op.SubtreeEntry = entry
		}
	}
	isCoord, err := m.exec.IsCoordinator(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("operation %d: coordinator verdict: %w", id, err)
	}
	op.Coordinator = isCoord

	if participants, err := m.exec.SendingAddresses(ctx, op); err == nil {
		op.Participants = participants
	}
	m.classify(op, records)
	op.OverallDeadline = m.engine.OverallDeadlineFromNow()
	if op.Coordinator {
		// Conservative: collect the full fan-in round again. Duplicate
		// answers fold into the deduplication set.
		op.ReceivedVotes = len(op.Participants)
	}

	if err := m.store.Insert(op); err != nil {
		return nil, fmt.Errorf("reinsert recovered operation %d: %w", id, err)
	}
	m.engine.Reschedule(op)
	m.metrics.RecoveredOperations.Inc()
	m.logger.Info("operation recovered",
		zap.Uint64("op_id", uint64(id)),
		zap.String("type", op.Type.String()),
		zap.String("protocol", op.Protocol.String()),
		zap.String("status", op.Status.String()),
		zap.Bool("coordinator", op.Coordinator))
	return op, nil
}

// classify maps the last journal marker onto the protocol status the
// operation held when the record was written.
func (m *Manager) classify(op *types.OpState, records []journal.Record) {
	var marker types.LogMarker
	for _, rec := range records {
		if rec.Status == journal.RecordUpdate {
			marker = rec.Marker
		}
	}

	switch marker {
	case types.MarkerTPCPVoteYes:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCPartWaitVReqYes
	case types.MarkerTPCPVoteNo:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCPartWaitVReqNo
	case types.MarkerTPCIVoteStart:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCCoordVReqSent
	case types.MarkerTPCICommitting:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCCoordVResultSent
	case types.MarkerTPCIAborting:
		op.Protocol = types.ProtocolTPC
		if op.Type.RequiresUndo() {
			// Whether the undo finished is unknowable; re-requesting it
			// is idempotent on the executor side.
			op.Status = types.StatusWaitUndoAck
		} else {
			op.Status = types.StatusAborting
		}
	case types.MarkerMTPCPCommit:
		op.Protocol = types.ProtocolMTPC
		op.Status = types.StatusMTPCPartVoteSendYes
	case types.MarkerMTPCPAbort:
		op.Protocol = types.ProtocolMTPC
		op.Status = types.StatusMTPCPartVoteSendNo
	case types.MarkerMTPCIStartP:
		op.Protocol = types.ProtocolMTPC
		op.Status = types.StatusMTPCCoordReqSent
	case types.MarkerOOEStartNext:
		op.Protocol = types.ProtocolOOE
		op.Status = types.StatusOOEWaitResult
	case types.MarkerOOEUndo:
		op.Protocol = types.ProtocolOOE
		op.Status = types.StatusOOEWaitResultUndone
	default:
		// Begin record only: the role verdict picks the side, the
		// operation shape picks the protocol.
		m.classifyBeginOnly(op)
	}
}

func (m *Manager) classifyBeginOnly(op *types.OpState) {
	switch {
	case op.Type.OrderedExecution():
		op.Protocol = types.ProtocolOOE
		op.Status = types.StatusOOEComp
	case op.Coordinator && len(op.Participants) >= 2:
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCCoordComp
	case op.Coordinator:
		op.Protocol = types.ProtocolMTPC
		op.Status = types.StatusMTPCCoordComp
	default:
		// A participant that only logged begin has not voted; the
		// coordinator's retransmitted operation request realigns the
		// protocol if this guess is wrong.
		op.Protocol = types.ProtocolTPC
		op.Status = types.StatusTPCPartComp
	}
}

// MaterializeFromContent rebuilds an operation from a peer's content
// response after every local trace was lost.
func (m *Manager) MaterializeFromContent(ctx context.Context, sender types.ServerAddress, ev wire.Event) error {
	if _, exists := m.store.Get(ev.OpID); exists {
		return nil
	}
	own, protocol, executeLocal := engine.MirrorStatus(ev.OppositeStatus)
	if own == types.StatusNone {
		m.logger.Warn("content response with unusable opposite status",
			zap.Uint64("op_id", uint64(ev.OpID)),
			zap.String("opposite", ev.OppositeStatus.String()))
		return nil
	}
	if len(ev.Blob) == 0 {
		return fmt.Errorf("operation %d: content response without blob", ev.OpID)
	}

	op := &types.OpState{
		ID:              ev.OpID,
		Type:            ev.Type,
		Protocol:        protocol,
		Status:          own,
		Participants:    []types.Subtree{{Server: sender}},
		Blob:            ev.Blob,
		OverallDeadline: m.engine.OverallDeadlineFromNow(),
	}
	if entry, err := m.exec.SubtreeEntryPoint(ctx, op); err == nil {
		op.SubtreeEntry = entry
	}
	if participants, err := m.exec.SendingAddresses(ctx, op); err == nil && len(participants) > 0 {
		op.Participants = participants
	}

	if err := m.journal.AppendBegin(ctx, op.JournalKey(), op.ID, op.Type, op.Blob); err != nil {
		return err
	}
	if err := m.store.Insert(op); err != nil {
		return err
	}
	if executeLocal {
		if err := m.engine.SubmitLocalExecution(ctx, op); err != nil {
			return err
		}
	}
	m.engine.Reschedule(op)
	m.metrics.RecoveredOperations.Inc()
	m.logger.Info("operation materialized from peer content",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("status", op.Status.String()),
		zap.String("peer", string(sender)))
	return nil
}
