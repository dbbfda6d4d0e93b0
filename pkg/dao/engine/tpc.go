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

package engine

import (
	"context"

	"go.uber.org/zap"

	daoerrors "github.com/parafs/mds/internal/errors"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
)

// handleTPCEvent advances a two-phase-commit operation on a peer event.
func (e *Engine) handleTPCEvent(ctx context.Context, op *types.OpState, sender types.ServerAddress, ev wire.Event) error {
	switch ev.Tag.Canonical() {
	case wire.TagTPCVoteY:
		return e.tpcCollectVote(ctx, op, sender, true)
	case wire.TagTPCVoteN:
		return e.tpcCollectVote(ctx, op, sender, false)
	case wire.TagTPCVoteReq:
		return e.tpcAnswerVoteRequest(ctx, op)
	case wire.TagTPCCommit:
		return e.tpcParticipantCommit(ctx, op)
	case wire.TagTPCAbort:
		return e.tpcParticipantAbort(ctx, op)
	case wire.TagTPCAck:
		return e.tpcCollectAck(ctx, op, sender)
	case wire.TagTPCOpReq:
		// Duplicate of the request that opened this operation.
		return nil
	}
	return daoerrors.Newf(daoerrors.KindProtocol, "%s not valid for TPC operation %d", ev.Tag, op.ID)
}

// tpcCollectVote tallies one participant vote at the coordinator.
func (e *Engine) tpcCollectVote(ctx context.Context, op *types.OpState, sender types.ServerAddress, yes bool) error {
	switch op.Status {
	case types.StatusTPCCoordComp, types.StatusTPCCoordVReqSent:
		// A vote may overtake the local execution result when a slow
		// participant answered a retried vote request first.
	case types.StatusAborting, types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
		// The decision is made; the straggler only needs the outcome.
		if !yes {
			return e.sendSimple(ctx, op, wire.TagTPCPRAbort, types.Subtree{Server: sender})
		}
		return nil
	default:
		return daoerrors.Newf(daoerrors.KindProtocol,
			"vote for operation %d in status %s", op.ID, op.Status)
	}

	if !e.store.TryRecordVote(op.ID, sender) {
		e.metrics.DuplicateVotes.Inc()
		return nil
	}
	if !yes {
		e.logger.Info("negative vote received",
			zap.Uint64("op_id", uint64(op.ID)), zap.String("peer", string(sender)))
		return e.tpcCoordinatorAbort(ctx, op)
	}
	op.ReceivedVotes--
	if op.ReceivedVotes > 0 || op.Status != types.StatusTPCCoordVReqSent {
		// Commit needs every vote and the local success.
		return nil
	}
	return e.tpcCoordinatorCommit(ctx, op)
}

// tpcCoordinatorCommit runs the commit decision: durable marker, client ACK,
// commit fan-out, then the acknowledgement round.
func (e *Engine) tpcCoordinatorCommit(ctx context.Context, op *types.OpState) error {
	if err := e.appendUpdate(ctx, op, types.MarkerTPCICommitting); err != nil {
		// Pre-transition status is kept; the vote round stays armed.
		e.scheduleStep(op)
		return err
	}
	e.store.DropVotes(op.ID)
	op.Status = types.StatusTPCCoordVResultSent
	op.ReceivedVotes = len(op.Participants)
	e.deliverResult(ctx, op, true)
	if err := e.sendSimple(ctx, op, wire.TagTPCCommit, op.Participants...); err != nil {
		return err
	}
	e.scheduleStep(op)
	return nil
}

// tpcCoordinatorAbort runs the abort decision from any pre-decision
// coordinator status. When the local part was already applied (status
// TPCCoordVReqSent) and the type demands it, its undo is requested and the
// operation waits in WaitUndoAck; otherwise it goes straight to Aborting.
func (e *Engine) tpcCoordinatorAbort(ctx context.Context, op *types.OpState) error {
	localApplied := op.Status == types.StatusTPCCoordVReqSent
	if err := e.appendUpdate(ctx, op, types.MarkerTPCIAborting); err != nil {
		e.scheduleStep(op)
		return err
	}
	e.store.DropVotes(op.ID)
	op.ReceivedVotes = len(op.Participants)
	e.deliverResult(ctx, op, false)

	if localApplied && op.Type.RequiresUndo() {
		op.Status = types.StatusWaitUndoAck
		if err := e.submitExec(ctx, op, executor.RequestUndo); err != nil {
			return err
		}
	} else {
		op.Status = types.StatusAborting
	}
	if err := e.sendSimple(ctx, op, wire.TagTPCAbort, op.Participants...); err != nil {
		return err
	}
	e.scheduleStep(op)
	return nil
}

// tpcCollectAck tallies a participant acknowledgement of the decision.
func (e *Engine) tpcCollectAck(ctx context.Context, op *types.OpState, sender types.ServerAddress) error {
	switch op.Status {
	case types.StatusTPCCoordVResultSent, types.StatusAborting,
		types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
	default:
		return daoerrors.Newf(daoerrors.KindProtocol,
			"acknowledgement for operation %d in status %s", op.ID, op.Status)
	}
	if !e.store.TryRecordVote(op.ID, sender) {
		e.metrics.DuplicateVotes.Inc()
		return nil
	}
	op.ReceivedVotes--
	if op.ReceivedVotes > 0 {
		return nil
	}
	return e.tpcFinalizeDecision(ctx, op)
}

// tpcFinalizeDecision writes the terminal record once every participant
// acknowledged and, on the abort path, the local undo finished.
func (e *Engine) tpcFinalizeDecision(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusTPCCoordVResultSent:
		if err := e.appendCommit(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		e.finish(op, "committed")
	case types.StatusAborting, types.StatusWaitUndoToFinish:
		if err := e.appendAbort(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		e.finish(op, "aborted")
	case types.StatusWaitUndoAck:
		// All acknowledgements are in; the local undo result closes the
		// operation.
	}
	return nil
}

// tpcAnswerVoteRequest sends the stored vote, or parks the request until
// local execution returns.
func (e *Engine) tpcAnswerVoteRequest(ctx context.Context, op *types.OpState) error {
	coordinator, ok := op.ReplyTarget()
	if !ok {
		return daoerrors.Newf(daoerrors.KindFatal, "participant operation %d without coordinator", op.ID)
	}
	switch op.Status {
	case types.StatusTPCPartWaitVReqYes:
		op.Status = types.StatusTPCPartWaitVResultExpectYes
		if err := e.sendSimple(ctx, op, wire.TagTPCVoteY, coordinator); err != nil {
			return err
		}
	case types.StatusTPCPartWaitVReqNo:
		op.Status = types.StatusTPCPartWaitVResultExpectNo
		if err := e.sendSimple(ctx, op, wire.TagTPCVoteN, coordinator); err != nil {
			return err
		}
	case types.StatusTPCPartComp:
		// Local execution still running; vote as soon as it returns.
		op.Status = types.StatusTPCPartVReqRec
	case types.StatusTPCPartWaitVResultExpectYes:
		return e.sendSimple(ctx, op, wire.TagTPCRVoteY, coordinator)
	case types.StatusTPCPartWaitVResultExpectNo:
		return e.sendSimple(ctx, op, wire.TagTPCRVoteN, coordinator)
	default:
		return daoerrors.Newf(daoerrors.KindProtocol,
			"vote request for operation %d in status %s", op.ID, op.Status)
	}
	e.scheduleStep(op)
	return nil
}

// tpcParticipantCommit applies the coordinator's commit decision.
func (e *Engine) tpcParticipantCommit(ctx context.Context, op *types.OpState) error {
	if op.Status != types.StatusTPCPartWaitVResultExpectYes {
		return daoerrors.Newf(daoerrors.KindProtocol,
			"commit for operation %d in status %s", op.ID, op.Status)
	}
	coordinator, _ := op.ReplyTarget()
	if err := e.appendCommit(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if err := e.sendSimple(ctx, op, wire.TagTPCAck, coordinator); err != nil {
		return err
	}
	e.finish(op, "committed")
	return nil
}

// tpcParticipantAbort applies the coordinator's abort decision. Undo runs
// first where the type demands it; an abort racing the local execution parks
// the operation until the executor returns.
func (e *Engine) tpcParticipantAbort(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusTPCPartComp, types.StatusTPCPartVReqRec:
		// Local execution in flight; its result drives the abort.
		op.Status = types.StatusAborting
		e.scheduleStep(op)
		return nil
	case types.StatusTPCPartWaitVReqYes, types.StatusTPCPartWaitVResultExpectYes:
		if op.Type.RequiresUndo() {
			op.Status = types.StatusWaitUndoToFinish
			if err := e.submitExec(ctx, op, executor.RequestUndo); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		}
		return e.tpcParticipantFinishAbort(ctx, op)
	case types.StatusTPCPartWaitVReqNo, types.StatusTPCPartWaitVResultExpectNo:
		return e.tpcParticipantFinishAbort(ctx, op)
	case types.StatusAborting, types.StatusWaitUndoToFinish:
		// Retransmitted abort while already aborting.
		return nil
	}
	return daoerrors.Newf(daoerrors.KindProtocol,
		"abort for operation %d in status %s", op.ID, op.Status)
}

// tpcParticipantFinishAbort writes the abort record and acknowledges it.
func (e *Engine) tpcParticipantFinishAbort(ctx context.Context, op *types.OpState) error {
	coordinator, _ := op.ReplyTarget()
	if err := e.appendAbort(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if err := e.sendSimple(ctx, op, wire.TagTPCAck, coordinator); err != nil {
		return err
	}
	e.finish(op, "aborted")
	return nil
}

// handleTPCExecResult reacts to the executor's outcome of the local part.
func (e *Engine) handleTPCExecResult(ctx context.Context, op *types.OpState, res executor.Result) error {
	switch op.Status {
	case types.StatusTPCCoordComp:
		switch res.Kind {
		case executor.ExecutionSuccessful:
			return e.tpcCoordinatorStartVoting(ctx, op)
		case executor.ExecutionUnsuccessful:
			return e.tpcCoordinatorAbort(ctx, op)
		}

	case types.StatusTPCPartComp:
		switch res.Kind {
		case executor.ExecutionSuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerTPCPVoteYes); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusTPCPartWaitVReqYes
		case executor.ExecutionUnsuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerTPCPVoteNo); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusTPCPartWaitVReqNo
		}
		e.scheduleStep(op)
		return nil

	case types.StatusTPCPartVReqRec:
		// The vote request already arrived; answer it now.
		coordinator, _ := op.ReplyTarget()
		switch res.Kind {
		case executor.ExecutionSuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerTPCPVoteYes); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusTPCPartWaitVResultExpectYes
			if err := e.sendSimple(ctx, op, wire.TagTPCVoteY, coordinator); err != nil {
				return err
			}
		case executor.ExecutionUnsuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerTPCPVoteNo); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusTPCPartWaitVResultExpectNo
			if err := e.sendSimple(ctx, op, wire.TagTPCVoteN, coordinator); err != nil {
				return err
			}
		}
		e.scheduleStep(op)
		return nil

	case types.StatusAborting:
		if !op.Coordinator {
			// Abort overtook the local execution. A success of an
			// undo-requiring type is reverted before acknowledging.
			if res.Kind == executor.ExecutionSuccessful && op.Type.RequiresUndo() {
				op.Status = types.StatusWaitUndoToFinish
				if err := e.submitExec(ctx, op, executor.RequestUndo); err != nil {
					return err
				}
				e.scheduleStep(op)
				return nil
			}
			if res.Kind == executor.ExecutionSuccessful || res.Kind == executor.ExecutionUnsuccessful {
				return e.tpcParticipantFinishAbort(ctx, op)
			}
		}
		// Coordinator: post-decision execution results are dropped.
		return nil

	case types.StatusWaitUndoAck:
		switch res.Kind {
		case executor.UndoSuccessful:
			op.Status = types.StatusWaitUndoToFinish
			if op.ReceivedVotes == 0 {
				return e.tpcFinalizeDecision(ctx, op)
			}
			e.scheduleStep(op)
			return nil
		case executor.UndoUnsuccessful:
			if err := e.submitExec(ctx, op, executor.RequestReundo); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		}

	case types.StatusWaitUndoToFinish:
		switch res.Kind {
		case executor.UndoSuccessful:
			if op.Coordinator {
				if op.ReceivedVotes == 0 {
					return e.tpcFinalizeDecision(ctx, op)
				}
				e.scheduleStep(op)
				return nil
			}
			return e.tpcParticipantFinishAbort(ctx, op)
		case executor.UndoUnsuccessful:
			if err := e.submitExec(ctx, op, executor.RequestReundo); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		}
	}

	e.logger.Debug("executor result ignored in current status",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.String("status", op.Status.String()),
		zap.String("result", res.Kind.String()))
	return nil
}

// tpcCoordinatorStartVoting opens the vote phase after local success.
func (e *Engine) tpcCoordinatorStartVoting(ctx context.Context, op *types.OpState) error {
	if err := e.appendUpdate(ctx, op, types.MarkerTPCIVoteStart); err != nil {
		e.scheduleStep(op)
		return err
	}
	op.Status = types.StatusTPCCoordVReqSent
	if err := e.sendSimple(ctx, op, wire.TagTPCVoteReq, op.Participants...); err != nil {
		return err
	}
	if op.ReceivedVotes == 0 {
		// Every participant voted yes before the local part finished.
		return e.tpcCoordinatorCommit(ctx, op)
	}
	e.scheduleStep(op)
	return nil
}

// handleTPCTimeout drives the per-status retries.
func (e *Engine) handleTPCTimeout(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusTPCCoordComp:
		// Local execution is slow; nudge the executor and wait on.
		if err := e.submitExec(ctx, op, executor.RequestRedo); err != nil {
			return err
		}
	case types.StatusTPCCoordVReqSent:
		if err := e.sendSimple(ctx, op, wire.TagTPCRVoteReq, op.Participants...); err != nil {
			return err
		}
	case types.StatusTPCCoordVResultSent:
		if err := e.sendSimple(ctx, op, wire.TagTPCRCommit, op.Participants...); err != nil {
			return err
		}
	case types.StatusAborting:
		if op.Coordinator {
			if err := e.sendSimple(ctx, op, wire.TagTPCPRAbort, op.Participants...); err != nil {
				return err
			}
		}
	case types.StatusTPCPartComp:
		if err := e.submitExec(ctx, op, executor.RequestRedo); err != nil {
			return err
		}
	case types.StatusTPCPartVReqRec:
		// The coordinator is waiting; a part that cannot finish in time
		// must not block the decision.
		coordinator, _ := op.ReplyTarget()
		if err := e.appendUpdate(ctx, op, types.MarkerTPCPVoteNo); err != nil {
			e.scheduleStep(op)
			return err
		}
		op.Status = types.StatusTPCPartWaitVResultExpectNo
		if err := e.sendSimple(ctx, op, wire.TagTPCVoteN, coordinator); err != nil {
			return err
		}
	case types.StatusTPCPartWaitVResultExpectYes:
		coordinator, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagTPCRVoteY, coordinator); err != nil {
			return err
		}
	case types.StatusTPCPartWaitVResultExpectNo:
		coordinator, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagTPCRVoteN, coordinator); err != nil {
			return err
		}
	case types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
		if err := e.submitExec(ctx, op, executor.RequestReundo); err != nil {
			return err
		}
	}
	e.scheduleStep(op)
	return nil
}

// abortTPCOnTimeout forces the abort branch after the overall deadline.
func (e *Engine) abortTPCOnTimeout(ctx context.Context, op *types.OpState) error {
	if op.Coordinator {
		switch op.Status {
		case types.StatusTPCCoordComp, types.StatusTPCCoordVReqSent:
			return e.tpcCoordinatorAbort(ctx, op)
		case types.StatusTPCCoordVResultSent:
			// Committed; keep pressing the acknowledgement round.
			if err := e.sendSimple(ctx, op, wire.TagTPCRCommit, op.Participants...); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		default:
			if err := e.sendSimple(ctx, op, wire.TagTPCPRAbort, op.Participants...); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		}
	}
	// A participant past its overall deadline gives up its part. With a
	// stored yes-vote the decision belongs to the coordinator, so only the
	// pre-vote statuses abort unilaterally.
	switch op.Status {
	case types.StatusTPCPartComp, types.StatusTPCPartVReqRec, types.StatusTPCPartWaitVReqNo,
		types.StatusTPCPartWaitVResultExpectNo, types.StatusAborting:
		return e.tpcParticipantFinishAbort(ctx, op)
	default:
		e.scheduleStep(op)
		return nil
	}
}
