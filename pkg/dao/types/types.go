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

// Package types defines the data model shared by every component of the
// distributed atomic operations coordinator: operation identifiers, subtree
// descriptors, protocol and status enumerations, and the in-memory state of
// an in-flight operation.
package types

import (
	"fmt"
	"time"
)

// OperationID identifies one distributed operation cluster-wide. Zero is
// reserved: the transport layer uses it to mark a frame as not-a-request.
type OperationID uint64

// InodeID is the inode number of a subtree entry point. It doubles as the
// journal key for the per-subtree journal.
type InodeID uint64

// ServerAddress identifies a metadata server on the peer network.
type ServerAddress string

// ServerJournalKey is the reserved journal key of the per-server journal.
// Only MoveSubtree and ChangePartitionOwnership operations log to it.
const ServerJournalKey InodeID = 0xFFFFFFFFFFFFFFFF

// Subtree names one filesystem partition: the server that owns it and the
// inode at its entry point.
type Subtree struct {
	Server     ServerAddress
	EntryInode InodeID
}

func (s Subtree) String() string {
	return fmt.Sprintf("%s/%d", s.Server, s.EntryInode)
}

// OpType enumerates the distributed operation kinds.
type OpType uint8

const (
	OpTypeUnknown OpType = iota
	OpTypeMoveSubtree
	OpTypeChangePartitionOwnership
	OpTypeCreateINode
	OpTypeDeleteINode
	OpTypeSetAttr
	OpTypeRename
	OpTypeOrderedOperationTest
	OpTypeOOELBTest
)

var opTypeNames = map[OpType]string{
	OpTypeMoveSubtree:              "MoveSubtree",
	OpTypeChangePartitionOwnership: "ChangePartitionOwnership",
	OpTypeCreateINode:              "CreateINode",
	OpTypeDeleteINode:              "DeleteINode",
	OpTypeSetAttr:                  "SetAttr",
	OpTypeRename:                   "Rename",
	OpTypeOrderedOperationTest:     "OrderedOperationTest",
	OpTypeOOELBTest:                "OOELBTest",
}

func (t OpType) String() string {
	if n, ok := opTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// Valid reports whether t names a known operation type.
func (t OpType) Valid() bool {
	_, ok := opTypeNames[t]
	return ok
}

// RequiresUndo reports whether an aborted operation of this type must revert
// an already-applied local mutation before the abort record is written.
func (t OpType) RequiresUndo() bool {
	return t == OpTypeMoveSubtree || t == OpTypeChangePartitionOwnership
}

// UsesServerJournal reports whether operations of this type log to the
// per-server journal instead of the per-subtree journal.
func (t OpType) UsesServerJournal() bool {
	return t == OpTypeMoveSubtree || t == OpTypeChangePartitionOwnership
}

// OrderedExecution reports whether this type runs under the pipelined
// ordered operation execution protocol.
func (t OpType) OrderedExecution() bool {
	return t == OpTypeOrderedOperationTest || t == OpTypeOOELBTest
}

// LoadBalancingResult reports whether the client result of this type is
// routed to the load-balancing result queue.
func (t OpType) LoadBalancingResult() bool {
	return t == OpTypeMoveSubtree || t == OpTypeOOELBTest
}

// Protocol enumerates the coordination protocols.
type Protocol uint8

const (
	ProtocolTPC Protocol = iota + 1
	ProtocolMTPC
	ProtocolOOE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTPC:
		return "TPC"
	case ProtocolMTPC:
		return "MTPC"
	case ProtocolOOE:
		return "OOE"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Status is the protocol state of an in-flight operation. The per-protocol
// state machines are documented on the engine package; the abort states
// Aborting, WaitUndoAck and WaitUndoToFinish are used by both TPC sides,
// while MTPC and OOE use their own undo wait states.
type Status uint8

const (
	StatusNone Status = iota

	// Two-phase commit, coordinator side.
	StatusTPCCoordComp
	StatusTPCCoordVReqSent
	StatusTPCCoordVResultSent

	// Two-phase commit, participant side.
	StatusTPCPartComp
	StatusTPCPartWaitVReqYes
	StatusTPCPartWaitVReqNo
	StatusTPCPartVReqRec
	StatusTPCPartWaitVResultExpectYes
	StatusTPCPartWaitVResultExpectNo

	// Shared abort branches.
	StatusAborting
	StatusWaitUndoAck
	StatusWaitUndoToFinish

	// Modified two-phase commit.
	StatusMTPCCoordComp
	StatusMTPCCoordReqSent
	StatusMTPCCoordWaitResultUndone
	StatusMTPCPartComp
	StatusMTPCPartVoteSendYes
	StatusMTPCPartVoteSendNo

	// Ordered operation execution.
	StatusOOEComp
	StatusOOEWaitResult
	StatusOOEWaitResultUndone
)

var statusNames = map[Status]string{
	StatusNone:                        "None",
	StatusTPCCoordComp:                "TPCCoordComp",
	StatusTPCCoordVReqSent:            "TPCCoordVReqSent",
	StatusTPCCoordVResultSent:         "TPCCoordVResultSent",
	StatusTPCPartComp:                 "TPCPartComp",
	StatusTPCPartWaitVReqYes:          "TPCPartWaitVReqYes",
	StatusTPCPartWaitVReqNo:           "TPCPartWaitVReqNo",
	StatusTPCPartVReqRec:              "TPCPartVReqRec",
	StatusTPCPartWaitVResultExpectYes: "TPCPartWaitVResultExpectYes",
	StatusTPCPartWaitVResultExpectNo:  "TPCPartWaitVResultExpectNo",
	StatusAborting:                    "Aborting",
	StatusWaitUndoAck:                 "WaitUndoAck",
	StatusWaitUndoToFinish:            "WaitUndoToFinish",
	StatusMTPCCoordComp:               "MTPCCoordComp",
	StatusMTPCCoordReqSent:            "MTPCCoordReqSent",
	StatusMTPCCoordWaitResultUndone:   "MTPCCoordWaitResultUndone",
	StatusMTPCPartComp:                "MTPCPartComp",
	StatusMTPCPartVoteSendYes:         "MTPCPartVoteSendYes",
	StatusMTPCPartVoteSendNo:          "MTPCPartVoteSendNo",
	StatusOOEComp:                     "OOEComp",
	StatusOOEWaitResult:               "OOEWaitResult",
	StatusOOEWaitResultUndone:         "OOEWaitResultUndone",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// LogMarker is the one-byte update payload of a journal Update record.
type LogMarker uint8

const (
	MarkerNone LogMarker = iota
	MarkerTPCPVoteYes
	MarkerTPCPVoteNo
	MarkerTPCIVoteStart
	MarkerTPCIAborting
	MarkerTPCICommitting
	MarkerMTPCPCommit
	MarkerMTPCPAbort
	MarkerMTPCIStartP
	MarkerOOEStartNext
	MarkerOOEUndo
)

var markerNames = map[LogMarker]string{
	MarkerTPCPVoteYes:    "TPCPVoteYes",
	MarkerTPCPVoteNo:     "TPCPVoteNo",
	MarkerTPCIVoteStart:  "TPCIVoteStart",
	MarkerTPCIAborting:   "TPCIAborting",
	MarkerTPCICommitting: "TPCICommitting",
	MarkerMTPCPCommit:    "MTPCPCommit",
	MarkerMTPCPAbort:     "MTPCPAbort",
	MarkerMTPCIStartP:    "MTPCIStartP",
	MarkerOOEStartNext:   "OOEStartNext",
	MarkerOOEUndo:        "OOEUndo",
}

func (m LogMarker) String() string {
	if n, ok := markerNames[m]; ok {
		return n
	}
	return fmt.Sprintf("LogMarker(%d)", uint8(m))
}

// OpState is the in-memory state of one in-flight operation. It is owned by
// the operation store and must only be touched while the coordinator's event
// mutex is held.
type OpState struct {
	ID       OperationID
	Type     OpType
	Protocol Protocol
	Status   Status

	// Participants carries protocol-dependent semantics. TPC/MTPC: the
	// coordinator holds all participant subtrees, a participant holds the
	// single coordinator subtree. OOE: the reply target at index 0 (absent
	// on the chain head), the discovered successor appended at the end.
	Participants []Subtree

	// SubtreeEntry is the entry inode of this server's part and the key of
	// the per-subtree journal.
	SubtreeEntry InodeID

	// Blob is the opaque payload forwarded verbatim to the executor.
	Blob []byte

	// Coordinator marks the side this server plays. The executor's
	// is_coordinator verdict seeds it during recovery.
	Coordinator bool

	// ReceivedVotes counts responses still outstanding during a TPC fan-in
	// (votes, then acknowledgements). Coordinator side only.
	ReceivedVotes int

	// OverallDeadline bounds the in-memory lifetime; once passed, the next
	// timeout tick forces the abort branch.
	OverallDeadline time.Time
}

// JournalKey returns the journal this operation logs to.
func (o *OpState) JournalKey() InodeID {
	if o.Type.UsesServerJournal() {
		return ServerJournalKey
	}
	return o.SubtreeEntry
}

// ReplyTarget is the peer this operation answers to: the coordinator for a
// TPC/MTPC participant, the predecessor for an OOE node. Returns false only
// when Participants is empty, as on an OOE chain head before its successor is
// appended; once appended, the head gets the successor back, so callers check
// Coordinator to tell the head, which answers the client, apart.
func (o *OpState) ReplyTarget() (Subtree, bool) {
	if len(o.Participants) == 0 {
		return Subtree{}, false
	}
	return o.Participants[0], true
}

// Successor is the next node of an OOE chain, appended by the executor after
// local execution.
func (o *OpState) Successor() (Subtree, bool) {
	if o.Protocol != ProtocolOOE || len(o.Participants) == 0 {
		return Subtree{}, false
	}
	last := o.Participants[len(o.Participants)-1]
	if o.Status != StatusOOEWaitResult && o.Status != StatusOOEWaitResultUndone {
		return Subtree{}, false
	}
	return last, true
}

// Validate checks the structural invariants of an operation state.
func (o *OpState) Validate() error {
	if o.ID == 0 {
		return fmt.Errorf("operation id must be non-zero")
	}
	if len(o.Blob) == 0 {
		return fmt.Errorf("operation %d: empty operation blob", o.ID)
	}
	if len(o.Participants) == 0 && !(o.Protocol == ProtocolOOE) {
		return fmt.Errorf("operation %d: participant list is empty", o.ID)
	}
	return nil
}
