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

// Package journal provides the durable, append-only record of protocol state
// transitions. Every protocol step that must survive a restart appends a
// record before the outbound message it gates is sent; recovery replays the
// records to rebuild the in-memory operation state.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/parafs/mds/pkg/dao/types"
)

// Module and operation class constants stored with every record.
const (
	ModuleDistributedAtomicOp = 1
	OpClassDistributedOp      = 1
)

// RecordStatus classifies a journal record.
type RecordStatus uint8

const (
	RecordStart RecordStatus = iota + 1
	RecordUpdate
	RecordCommitted
	RecordAborted
)

func (s RecordStatus) String() string {
	switch s {
	case RecordStart:
		return "Start"
	case RecordUpdate:
		return "Update"
	case RecordCommitted:
		return "Committed"
	case RecordAborted:
		return "Aborted"
	}
	return "Unknown"
}

// Terminal reports whether the record closes its operation.
func (s RecordStatus) Terminal() bool {
	return s == RecordCommitted || s == RecordAborted
}

// Record is one journal entry. Start records carry the operation type and
// blob; update records carry a one-byte marker; terminal records carry no
// payload.
type Record struct {
	JournalKey types.InodeID
	Seq        int64
	OpID       types.OperationID
	Status     RecordStatus
	Marker     types.LogMarker
	OpType     types.OpType
	Blob       []byte
	CreatedAt  time.Time
}

var (
	// ErrWrongJournalKey reports that the operation's begin record lives in
	// a different journal than the one addressed. The caller consults the
	// open-operations index for the real key and retries once.
	ErrWrongJournalKey = errors.New("journal: operation logged under a different journal key")

	// ErrNoBeginLog reports that no journal knows the operation.
	ErrNoBeginLog = errors.New("journal: no begin record for operation")

	// ErrOperationFinished reports that the operation already carries a
	// terminal record.
	ErrOperationFinished = errors.New("journal: operation already committed or aborted")
)

// Gateway is the durable log behind the coordinator. All appends are
// idempotent under retry of identical arguments; a failed append fails the
// protocol step that issued it.
type Gateway interface {
	// AppendBegin opens the operation in the journal identified by key.
	AppendBegin(ctx context.Context, key types.InodeID, id types.OperationID, opType types.OpType, blob []byte) error

	// AppendUpdate logs an intermediate protocol transition.
	AppendUpdate(ctx context.Context, key types.InodeID, id types.OperationID, marker types.LogMarker) error

	// AppendCommit closes the operation successfully.
	AppendCommit(ctx context.Context, key types.InodeID, id types.OperationID) error

	// AppendAbort closes the operation unsuccessfully.
	AppendAbort(ctx context.Context, key types.InodeID, id types.OperationID) error

	// RecordsFor searches every known journal and returns the records of
	// the first journal that knows the operation, in append order.
	// Returns ErrNoBeginLog when no journal does.
	RecordsFor(ctx context.Context, id types.OperationID) (types.InodeID, []Record, error)

	// EnumerateOpen lists the operations of one journal whose last record
	// is not terminal.
	EnumerateOpen(ctx context.Context, key types.InodeID) ([]types.OperationID, error)

	// Keys lists every journal known to this server, the server journal
	// included.
	Keys(ctx context.Context) ([]types.InodeID, error)
}
