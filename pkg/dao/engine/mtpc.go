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

// handleMTPCEvent advances a modified two-phase-commit operation. The single
// participant answers the operation request with the decision directly;
// there is no separate vote phase.
func (e *Engine) handleMTPCEvent(ctx context.Context, op *types.OpState, sender types.ServerAddress, ev wire.Event) error {
	switch ev.Tag.Canonical() {
	case wire.TagMTPCCommit:
		return e.mtpcCoordinatorDecision(ctx, op, true)
	case wire.TagMTPCAbort:
		return e.mtpcCoordinatorDecision(ctx, op, false)
	case wire.TagMTPCAck:
		return e.mtpcParticipantFinish(ctx, op)
	case wire.TagMTPCRStatusReq:
		return e.resendMTPCVote(ctx, op)
	case wire.TagMTPCOpReq:
		// Duplicate of the request that opened this operation.
		return nil
	}
	return daoerrors.Newf(daoerrors.KindProtocol, "%s not valid for MTPC operation %d", ev.Tag, op.ID)
}

// mtpcCoordinatorDecision applies the participant's answer at the
// coordinator.
func (e *Engine) mtpcCoordinatorDecision(ctx context.Context, op *types.OpState, commit bool) error {
	if op.Status != types.StatusMTPCCoordReqSent {
		return daoerrors.Newf(daoerrors.KindProtocol,
			"decision for operation %d in status %s", op.ID, op.Status)
	}
	participant, _ := op.ReplyTarget()

	if commit {
		if err := e.appendCommit(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		if err := e.sendSimple(ctx, op, wire.TagMTPCAck, participant); err != nil {
			return err
		}
		e.deliverResult(ctx, op, true)
		e.finish(op, "committed")
		return nil
	}

	if op.Type.RequiresUndo() {
		// The local part was applied before the participant was asked;
		// revert it before the abort record is written.
		op.Status = types.StatusMTPCCoordWaitResultUndone
		if err := e.submitExec(ctx, op, executor.RequestUndo); err != nil {
			return err
		}
		e.scheduleStep(op)
		return nil
	}
	return e.mtpcCoordinatorFinishAbort(ctx, op)
}

// mtpcCoordinatorFinishAbort closes the aborted operation and answers both
// the participant and the client.
func (e *Engine) mtpcCoordinatorFinishAbort(ctx context.Context, op *types.OpState) error {
	participant, _ := op.ReplyTarget()
	if err := e.appendAbort(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if err := e.sendSimple(ctx, op, wire.TagMTPCAck, participant); err != nil {
		return err
	}
	e.deliverResult(ctx, op, false)
	e.finish(op, "aborted")
	return nil
}

// mtpcParticipantFinish closes the participant once the coordinator
// acknowledged the decision.
func (e *Engine) mtpcParticipantFinish(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusMTPCPartVoteSendYes:
		if err := e.appendCommit(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		e.finish(op, "committed")
	case types.StatusMTPCPartVoteSendNo:
		if err := e.appendAbort(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		e.finish(op, "aborted")
	default:
		return daoerrors.Newf(daoerrors.KindProtocol,
			"acknowledgement for operation %d in status %s", op.ID, op.Status)
	}
	return nil
}

// resendMTPCVote answers a coordinator status probe with the stored vote.
func (e *Engine) resendMTPCVote(ctx context.Context, op *types.OpState) error {
	coordinator, ok := op.ReplyTarget()
	if !ok {
		return daoerrors.Newf(daoerrors.KindFatal, "participant operation %d without coordinator", op.ID)
	}
	switch op.Status {
	case types.StatusMTPCPartVoteSendYes:
		return e.sendSimple(ctx, op, wire.TagMTPCRCommit, coordinator)
	case types.StatusMTPCPartVoteSendNo:
		return e.sendSimple(ctx, op, wire.TagMTPCRAbort, coordinator)
	case types.StatusMTPCPartComp:
		// Still executing; the vote follows on its own.
		return nil
	}
	return nil
}

// handleMTPCExecResult reacts to the executor's outcome of the local part.
func (e *Engine) handleMTPCExecResult(ctx context.Context, op *types.OpState, res executor.Result) error {
	switch op.Status {
	case types.StatusMTPCCoordComp:
		switch res.Kind {
		case executor.ExecutionSuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerMTPCIStartP); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusMTPCCoordReqSent
			if err := e.sendOpRequest(ctx, op, op.Participants...); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil
		case executor.ExecutionUnsuccessful:
			// No participant was contacted yet; abort locally.
			if err := e.appendAbort(ctx, op); err != nil {
				e.scheduleStep(op)
				return err
			}
			e.deliverResult(ctx, op, false)
			e.finish(op, "aborted")
			return nil
		}

	case types.StatusMTPCPartComp:
		coordinator, _ := op.ReplyTarget()
		switch res.Kind {
		case executor.ExecutionSuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerMTPCPCommit); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusMTPCPartVoteSendYes
			if err := e.sendSimple(ctx, op, wire.TagMTPCCommit, coordinator); err != nil {
				return err
			}
		case executor.ExecutionUnsuccessful:
			if err := e.appendUpdate(ctx, op, types.MarkerMTPCPAbort); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Status = types.StatusMTPCPartVoteSendNo
			if err := e.sendSimple(ctx, op, wire.TagMTPCAbort, coordinator); err != nil {
				return err
			}
		}
		e.scheduleStep(op)
		return nil

	case types.StatusMTPCCoordWaitResultUndone:
		switch res.Kind {
		case executor.UndoSuccessful:
			return e.mtpcCoordinatorFinishAbort(ctx, op)
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

// handleMTPCTimeout drives the per-status retries.
func (e *Engine) handleMTPCTimeout(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusMTPCCoordComp:
		// The local part did not finish within the step deadline.
		return e.abortMTPCOnTimeout(ctx, op)
	case types.StatusMTPCCoordReqSent:
		participant, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagMTPCRStatusReq, participant); err != nil {
			return err
		}
	case types.StatusMTPCPartComp:
		// Answer abort rather than keep the coordinator waiting.
		coordinator, _ := op.ReplyTarget()
		if err := e.appendUpdate(ctx, op, types.MarkerMTPCPAbort); err != nil {
			e.scheduleStep(op)
			return err
		}
		op.Status = types.StatusMTPCPartVoteSendNo
		if err := e.sendSimple(ctx, op, wire.TagMTPCAbort, coordinator); err != nil {
			return err
		}
	case types.StatusMTPCPartVoteSendYes:
		coordinator, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagMTPCRCommit, coordinator); err != nil {
			return err
		}
	case types.StatusMTPCPartVoteSendNo:
		coordinator, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagMTPCRAbort, coordinator); err != nil {
			return err
		}
	case types.StatusMTPCCoordWaitResultUndone:
		if err := e.submitExec(ctx, op, executor.RequestReundo); err != nil {
			return err
		}
	}
	e.scheduleStep(op)
	return nil
}

// abortMTPCOnTimeout forces the abort branch after the overall deadline.
func (e *Engine) abortMTPCOnTimeout(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusMTPCCoordComp:
		if err := e.appendAbort(ctx, op); err != nil {
			e.scheduleStep(op)
			return err
		}
		e.deliverResult(ctx, op, false)
		e.finish(op, "aborted")
		return nil
	case types.StatusMTPCCoordReqSent:
		// The participant holds the decision; keep probing it.
		participant, _ := op.ReplyTarget()
		if err := e.sendSimple(ctx, op, wire.TagMTPCRStatusReq, participant); err != nil {
			return err
		}
		e.scheduleStep(op)
		return nil
	case types.StatusMTPCPartComp:
		return e.handleMTPCTimeout(ctx, op)
	default:
		e.scheduleStep(op)
		return nil
	}
}
