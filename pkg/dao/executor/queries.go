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

package executor

import (
	"context"
	"fmt"

	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/mlt"
)

// TableQueries answers the executor's pure lookups from the metadata lookup
// table. The full executor module refines these answers with suboperation
// provenance; this stand-in covers address refreshes and entry points.
type TableQueries struct {
	table mlt.Table
	self  types.ServerAddress
}

// NewTableQueries builds the lookup-table-backed query answerer.
func NewTableQueries(table mlt.Table, self types.ServerAddress) *TableQueries {
	return &TableQueries{table: table, self: self}
}

// SendingAddresses re-resolves each participant's owner through the table.
// Entries whose subtree moved are rewritten to the current owner.
func (q *TableQueries) SendingAddresses(ctx context.Context, op *types.OpState) ([]types.Subtree, error) {
	if len(op.Participants) == 0 {
		if op.Protocol == types.ProtocolOOE {
			return nil, nil
		}
		return nil, fmt.Errorf("operation %d: participant list unknown to the lookup table", op.ID)
	}
	refreshed := make([]types.Subtree, len(op.Participants))
	for i, participant := range op.Participants {
		refreshed[i] = participant
		if participant.EntryInode == 0 {
			continue
		}
		owner, err := q.table.OwnerOf(participant.EntryInode)
		if err != nil {
			continue
		}
		refreshed[i].Server = owner
	}
	return refreshed, nil
}

// SubtreeEntryPoint reports the entry inode the operation carries.
func (q *TableQueries) SubtreeEntryPoint(ctx context.Context, op *types.OpState) (types.InodeID, error) {
	if op.SubtreeEntry == 0 || op.SubtreeEntry == types.ServerJournalKey {
		return 0, fmt.Errorf("operation %d: subtree entry unknown to the lookup table", op.ID)
	}
	return op.SubtreeEntry, nil
}

// IsCoordinator reports the recorded role. The executor module owns the
// authoritative verdict; without it an unknown role recovers as a
// participant, which is the safe side: a misjudged coordinator answers no
// client until the submitting module retries.
func (q *TableQueries) IsCoordinator(ctx context.Context, op *types.OpState) (bool, error) {
	return op.Coordinator, nil
}
