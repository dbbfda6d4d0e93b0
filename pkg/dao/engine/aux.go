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

	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
)

// validTransitions lists, per status, the canonical event tags the protocol
// accepts. Anything else is answered with EventReRequest by the dispatcher.
var validTransitions = map[types.Status]map[wire.Tag]struct{}{
	types.StatusTPCCoordComp:                tags(wire.TagTPCVoteY, wire.TagTPCVoteN),
	types.StatusTPCCoordVReqSent:            tags(wire.TagTPCVoteY, wire.TagTPCVoteN),
	types.StatusTPCCoordVResultSent:         tags(wire.TagTPCVoteY, wire.TagTPCVoteN, wire.TagTPCAck),
	types.StatusTPCPartComp:                 tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCAbort),
	types.StatusTPCPartWaitVReqYes:          tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCAbort),
	types.StatusTPCPartWaitVReqNo:           tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCAbort),
	types.StatusTPCPartVReqRec:              tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCAbort),
	types.StatusTPCPartWaitVResultExpectYes: tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCCommit, wire.TagTPCAbort),
	types.StatusTPCPartWaitVResultExpectNo:  tags(wire.TagTPCOpReq, wire.TagTPCVoteReq, wire.TagTPCAbort),
	types.StatusAborting:                    tags(wire.TagTPCVoteY, wire.TagTPCVoteN, wire.TagTPCAck, wire.TagTPCAbort),
	types.StatusWaitUndoAck:                 tags(wire.TagTPCVoteY, wire.TagTPCVoteN, wire.TagTPCAck),
	types.StatusWaitUndoToFinish:            tags(wire.TagTPCVoteY, wire.TagTPCVoteN, wire.TagTPCAck, wire.TagTPCAbort),
	types.StatusMTPCCoordComp:               tags(wire.TagMTPCCommit, wire.TagMTPCAbort),
	types.StatusMTPCCoordReqSent:            tags(wire.TagMTPCCommit, wire.TagMTPCAbort),
	types.StatusMTPCCoordWaitResultUndone:   tags(wire.TagMTPCAbort),
	types.StatusMTPCPartComp:                tags(wire.TagMTPCOpReq, wire.TagMTPCRStatusReq),
	types.StatusMTPCPartVoteSendYes:         tags(wire.TagMTPCOpReq, wire.TagMTPCAck, wire.TagMTPCRStatusReq),
	types.StatusMTPCPartVoteSendNo:          tags(wire.TagMTPCOpReq, wire.TagMTPCAck, wire.TagMTPCRStatusReq),
	types.StatusOOEComp:                     tags(wire.TagOOEOpReq, wire.TagOOERStatusReq),
	types.StatusOOEWaitResult:               tags(wire.TagOOEOpReq, wire.TagOOEAck, wire.TagOOEAborted, wire.TagOOERStatusReq),
	types.StatusOOEWaitResultUndone:         tags(wire.TagOOEOpReq, wire.TagOOERStatusReq),
}

func tags(ts ...wire.Tag) map[wire.Tag]struct{} {
	set := make(map[wire.Tag]struct{}, len(ts))
	for _, t := range ts {
		set[t] = struct{}{}
	}
	return set
}

// ValidEvent reports whether the event is acceptable in the operation's
// current status. Retry variants are folded onto their canonical events;
// MTPC decisions racing a TPC wait status are rejected the same way.
func (e *Engine) ValidEvent(op *types.OpState, tag wire.Tag) bool {
	allowed, ok := validTransitions[op.Status]
	if !ok {
		return false
	}
	canonical := tag.Canonical()
	if canonical == wire.TagMTPCRStatusReq && op.Protocol == types.ProtocolMTPC {
		// Status probes are always answerable.
		return true
	}
	_, ok = allowed[canonical]
	return ok
}

// ResendForStatus re-emits the last outbound event implied by the current
// status, answering an EventReRequest from a peer that lost it. Statuses
// with nothing outstanding resend nothing.
func (e *Engine) ResendForStatus(ctx context.Context, op *types.OpState) error {
	switch op.Status {
	case types.StatusTPCCoordComp:
		return e.sendOpRequest(ctx, op, op.Participants...)
	case types.StatusTPCCoordVReqSent:
		return e.sendSimple(ctx, op, wire.TagTPCRVoteReq, op.Participants...)
	case types.StatusTPCCoordVResultSent:
		return e.sendSimple(ctx, op, wire.TagTPCRCommit, op.Participants...)
	case types.StatusAborting, types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
		if op.Coordinator {
			return e.sendSimple(ctx, op, wire.TagTPCPRAbort, op.Participants...)
		}
		return nil
	case types.StatusTPCPartWaitVResultExpectYes:
		coordinator, _ := op.ReplyTarget()
		return e.sendSimple(ctx, op, wire.TagTPCRVoteY, coordinator)
	case types.StatusTPCPartWaitVResultExpectNo:
		coordinator, _ := op.ReplyTarget()
		return e.sendSimple(ctx, op, wire.TagTPCRVoteN, coordinator)
	case types.StatusMTPCCoordReqSent:
		return e.sendOpRequest(ctx, op, op.Participants...)
	case types.StatusMTPCPartVoteSendYes:
		coordinator, _ := op.ReplyTarget()
		return e.sendSimple(ctx, op, wire.TagMTPCRCommit, coordinator)
	case types.StatusMTPCPartVoteSendNo:
		coordinator, _ := op.ReplyTarget()
		return e.sendSimple(ctx, op, wire.TagMTPCRAbort, coordinator)
	case types.StatusOOEWaitResult:
		if successor, ok := op.Successor(); ok {
			return e.sendOpRequest(ctx, op, successor)
		}
	}
	return nil
}

// InferOppositeStatus derives the status the opposite side of the protocol
// should hold, given this side's status. Used to answer status and content
// requests.
func (e *Engine) InferOppositeStatus(op *types.OpState) types.Status {
	switch op.Status {
	case types.StatusTPCCoordComp:
		return types.StatusTPCPartComp
	case types.StatusTPCCoordVReqSent:
		return types.StatusTPCPartWaitVResultExpectYes
	case types.StatusTPCCoordVResultSent:
		return types.StatusTPCPartWaitVResultExpectYes
	case types.StatusTPCPartComp, types.StatusTPCPartWaitVReqYes, types.StatusTPCPartWaitVReqNo,
		types.StatusTPCPartVReqRec:
		return types.StatusTPCCoordVReqSent
	case types.StatusTPCPartWaitVResultExpectYes, types.StatusTPCPartWaitVResultExpectNo:
		return types.StatusTPCCoordVResultSent
	case types.StatusAborting, types.StatusWaitUndoAck, types.StatusWaitUndoToFinish:
		if op.Protocol == types.ProtocolTPC && op.Coordinator {
			return types.StatusTPCPartWaitVResultExpectNo
		}
		return types.StatusTPCCoordVResultSent
	case types.StatusMTPCCoordComp:
		return types.StatusMTPCPartComp
	case types.StatusMTPCCoordReqSent, types.StatusMTPCCoordWaitResultUndone:
		return types.StatusMTPCPartVoteSendYes
	case types.StatusMTPCPartComp:
		return types.StatusMTPCCoordReqSent
	case types.StatusMTPCPartVoteSendYes, types.StatusMTPCPartVoteSendNo:
		return types.StatusMTPCCoordReqSent
	case types.StatusOOEComp:
		return types.StatusOOEWaitResult
	case types.StatusOOEWaitResult, types.StatusOOEWaitResultUndone:
		return types.StatusOOEWaitResult
	}
	return types.StatusNone
}

// MirrorStatus derives this side's starting status from the OppositeStatus
// of a content or status response, which carries the sender's inference of
// this side's status (see InferOppositeStatus). Used when an operation is
// rebuilt from a peer after all local trace was lost.
func MirrorStatus(opposite types.Status) (own types.Status, protocol types.Protocol, executeLocal bool) {
	switch opposite {
	case types.StatusTPCPartComp, types.StatusTPCPartWaitVReqYes, types.StatusTPCPartWaitVReqNo,
		types.StatusTPCPartVReqRec, types.StatusTPCPartWaitVResultExpectYes, types.StatusTPCPartWaitVResultExpectNo:
		// The coordinator lives; redo the local part and vote again.
		return types.StatusTPCPartComp, types.ProtocolTPC, true
	case types.StatusTPCCoordComp, types.StatusTPCCoordVReqSent, types.StatusTPCCoordVResultSent:
		return types.StatusTPCCoordVReqSent, types.ProtocolTPC, false
	case types.StatusMTPCPartComp, types.StatusMTPCPartVoteSendYes, types.StatusMTPCPartVoteSendNo:
		return types.StatusMTPCPartComp, types.ProtocolMTPC, true
	case types.StatusMTPCCoordComp, types.StatusMTPCCoordReqSent, types.StatusMTPCCoordWaitResultUndone:
		return types.StatusMTPCCoordReqSent, types.ProtocolMTPC, false
	case types.StatusOOEComp, types.StatusOOEWaitResult, types.StatusOOEWaitResultUndone:
		return types.StatusOOEComp, types.ProtocolOOE, true
	}
	return types.StatusNone, 0, false
}
