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

// Package store holds the in-memory index of in-flight operations and the
// vote deduplication set that makes TPC tallies idempotent under message
// duplication.
//
// The store performs no locking of its own: every access happens under the
// coordinator's event mutex, which spans the whole protocol transition.
package store

import (
	"bytes"
	"fmt"

	"github.com/parafs/mds/pkg/dao/types"
)

type voteKey struct {
	op     types.OperationID
	sender types.ServerAddress
}

// Store indexes all in-flight operations of this server.
type Store struct {
	ops   map[types.OperationID]*types.OpState
	votes map[voteKey]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		ops:   make(map[types.OperationID]*types.OpState),
		votes: make(map[voteKey]struct{}),
	}
}

// Insert adds a new operation. At most one state may exist per id.
func (s *Store) Insert(op *types.OpState) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("operation %d already in flight", op.ID)
	}
	s.ops[op.ID] = op
	return nil
}

// Get returns the operation state for id, if any.
func (s *Store) Get(id types.OperationID) (*types.OpState, bool) {
	op, ok := s.ops[id]
	return op, ok
}

// Remove deletes the operation and its recorded votes.
func (s *Store) Remove(id types.OperationID) {
	delete(s.ops, id)
	s.DropVotes(id)
}

// Len returns the number of in-flight operations.
func (s *Store) Len() int {
	return len(s.ops)
}

// ForSubtree visits every operation whose subtree entry equals inode. The
// visitor must not insert or remove operations.
func (s *Store) ForSubtree(inode types.InodeID, visit func(*types.OpState)) {
	for _, op := range s.ops {
		if op.SubtreeEntry == inode {
			visit(op)
		}
	}
}

// FindEquivalent returns an in-flight operation identical to the given
// submission, making repeated client submissions idempotent.
func (s *Store) FindEquivalent(opType types.OpType, blob []byte, participants []types.Subtree, subtreeEntry types.InodeID) (*types.OpState, bool) {
	for _, op := range s.ops {
		if op.Type != opType || op.SubtreeEntry != subtreeEntry {
			continue
		}
		if !bytes.Equal(op.Blob, blob) {
			continue
		}
		if !equalParticipants(op.Participants, participants) {
			continue
		}
		return op, true
	}
	return nil, false
}

func equalParticipants(a, b []types.Subtree) bool {
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

// TryRecordVote records one vote or acknowledgement from sender for the
// operation. It returns false when the pair was already counted, making the
// tally idempotent across retransmissions.
func (s *Store) TryRecordVote(id types.OperationID, sender types.ServerAddress) bool {
	k := voteKey{op: id, sender: sender}
	if _, seen := s.votes[k]; seen {
		return false
	}
	s.votes[k] = struct{}{}
	return true
}

// HasVote reports whether the (operation, sender) pair was counted.
func (s *Store) HasVote(id types.OperationID, sender types.ServerAddress) bool {
	_, seen := s.votes[voteKey{op: id, sender: sender}]
	return seen
}

// DropVotes forgets every recorded vote of the operation. Called when a
// fan-in round completes and at terminal transitions.
func (s *Store) DropVotes(id types.OperationID) {
	for k := range s.votes {
		if k.op == id {
			delete(s.votes, k)
		}
	}
}

// VoteCount returns how many distinct senders were counted for id.
func (s *Store) VoteCount(id types.OperationID) int {
	n := 0
	for k := range s.votes {
		if k.op == id {
			n++
		}
	}
	return n
}
