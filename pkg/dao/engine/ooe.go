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

// handleOOEEvent advances an ordered-execution operation. The operation
// traverses its chain node by node; the last node's acknowledgement travels
// back hop by hop.
func (e *Engine) handleOOEEvent(ctx context.Context, op *types.OpState, sender types.ServerAddress, ev wire.Event) error {
	switch ev.Tag.Canonical() {
	case wire.TagOOEAck:
		return e.ooeChainCommitted(ctx, op)
	case wire.TagOOEAborted:
		return e.ooeChainAborted(ctx, op)
	case wire.TagOOERStatusReq:
		return e.ooeAnswerStatusProbe(ctx, op, sender)
	case wire.TagOOEOpReq:
		// Duplicate of the request that opened this operation.
		return nil
	}
	return daoerrors.Newf(daoerrors.KindProtocol, "%s not valid for OOE operation %d", ev.Tag, op.ID)
}

// ooeChainCommitted reacts to the successor's acknowledgement: the rest of
// the chain is done, so this node commits and passes the word back.
func (e *Engine) ooeChainCommitted(ctx context.Context, op *types.OpState) error {
	if op.Status != types.StatusOOEWaitResult {
		return daoerrors.Newf(daoerrors.KindProtocol,
			"chain acknowledgement for operation %d in status %s", op.ID, op.Status)
	}
	if err := e.appendCommit(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if predecessor, ok := op.ReplyTarget(); ok && !op.Coordinator {
		if err := e.sendSimple(ctx, op, wire.TagOOEAck, predecessor); err != nil {
			return err
		}
	} else {
		e.deliverResult(ctx, op, true)
	}
	e.finish(op, "committed")
	return nil
}

// ooeChainAborted reacts to an abort downstream. The local part already
// applied, so types that demand it are undone before this node aborts and
// forwards the word.
func (e *Engine) ooeChainAborted(ctx context.Context, op *types.OpState) error {
	if op.Status != types.StatusOOEWaitResult {
		return daoerrors.Newf(daoerrors.KindProtocol,
			"chain abort for operation %d in status %s", op.ID, op.Status)
	}
	if op.Type.RequiresUndo() {
		if err := e.appendUpdate(ctx, op, types.MarkerOOEUndo); err != nil {
			e.scheduleStep(op)
			return err
		}
		op.Status = types.StatusOOEWaitResultUndone
		if err := e.submitExec(ctx, op, executor.RequestUndo); err != nil {
			return err
		}
		e.scheduleStep(op)
		return nil
	}
	return e.ooeFinishAbort(ctx, op)
}

// ooeFinishAbort closes the aborted node and notifies the predecessor or,
// at the chain head, the client.
func (e *Engine) ooeFinishAbort(ctx context.Context, op *types.OpState) error {
	if err := e.appendAbort(ctx, op); err != nil {
		e.scheduleStep(op)
		return err
	}
	if predecessor, ok := op.ReplyTarget(); ok && !op.Coordinator {
		if err := e.sendSimple(ctx, op, wire.TagOOEAborted, predecessor); err != nil {
			return err
		}
	} else {
		e.deliverResult(ctx, op, false)
	}
	e.finish(op, "aborted")
	return nil
}

// ooeAnswerStatusProbe answers a predecessor probing for progress.
func (e *Engine) ooeAnswerStatusProbe(ctx context.Context, op *types.OpState, sender types.ServerAddress) error {
	frame, err := wire.Encode(wire.Event{
		Tag:            wire.TagStatusResponse,
		OpID:           op.ID,
		OppositeStatus: e.InferOppositeStatus(op),
	})
	if err != nil {
		return daoerrors.Wrap(err, daoerrors.KindFatal, "encode status response")
	}
	return e.sendFrame(ctx, sender, frame)
}

// handleOOEExecResult reacts to the executor's outcome of the local part.
// On success the executor names the next node of the chain, if any.
func (e *Engine) handleOOEExecResult(ctx context.Context, op *types.OpState, res executor.Result) error {
	switch op.Status {
	case types.StatusOOEComp:
		switch res.Kind {
		case executor.ExecutionSuccessful:
			if res.NextParticipant == nil {
				// Last node of the chain.
				if err := e.appendCommit(ctx, op); err != nil {
					e.scheduleStep(op)
					return err
				}
				if predecessor, ok := op.ReplyTarget(); ok && !op.Coordinator {
					if err := e.sendSimple(ctx, op, wire.TagOOEAck, predecessor); err != nil {
						return err
					}
				} else {
					e.deliverResult(ctx, op, true)
				}
				e.finish(op, "committed")
				return nil
			}
			if err := e.appendUpdate(ctx, op, types.MarkerOOEStartNext); err != nil {
				e.scheduleStep(op)
				return err
			}
			op.Participants = append(op.Participants, *res.NextParticipant)
			op.Status = types.StatusOOEWaitResult
			if err := e.sendOpRequest(ctx, op, *res.NextParticipant); err != nil {
				return err
			}
			e.scheduleStep(op)
			return nil

		case executor.ExecutionUnsuccessful:
			return e.ooeFinishAbort(ctx, op)
		}

	case types.StatusOOEWaitResultUndone:
		switch res.Kind {
		case executor.UndoSuccessful:
			return e.ooeFinishAbort(ctx, op)
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

// handleOOETimeout drives the per-status retries.
func (e *Engine) handleOOETimeout(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusOOEComp:
		// The local part did not finish within the step deadline; give
		// the chain up rather than stall it.
		return e.ooeFinishAbort(ctx, op)
	case types.StatusOOEWaitResult:
		if successor, ok := op.Successor(); ok {
			if err := e.sendSimple(ctx, op, wire.TagOOERStatusReq, successor); err != nil {
				return err
			}
		}
	case types.StatusOOEWaitResultUndone:
		if err := e.submitExec(ctx, op, executor.RequestReundo); err != nil {
			return err
		}
	}
	e.scheduleStep(op)
	return nil
}

// abortOOEOnTimeout forces the abort branch after the overall deadline.
func (e *Engine) abortOOEOnTimeout(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusOOEComp:
		return e.ooeFinishAbort(ctx, op)
	case types.StatusOOEWaitResult:
		if op.Type.RequiresUndo() {
			return e.ooeChainAborted(ctx, op)
		}
		return e.ooeFinishAbort(ctx, op)
	default:
		e.scheduleStep(op)
		return nil
	}
}
