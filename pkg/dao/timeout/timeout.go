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

// Package timeout provides the retry scheduler of the coordinator: a
// priority queue of deadlines, each remembering the protocol status it was
// armed in. A fired entry is honored only while the operation still holds
// that status; entries that fire late are discarded without effect.
//
// The queue performs no locking of its own; the coordinator's timeout worker
// polls it under the event mutex.
package timeout

import (
	"container/heap"
	"time"

	"github.com/parafs/mds/pkg/dao/types"
)

// Entry schedules one retry or abort check.
type Entry struct {
	Deadline       time.Time
	OpID           types.OperationID
	RecordedStatus types.Status
}

type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue orders timeout entries by deadline.
type Queue struct {
	entries entryHeap
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.entries)
	return q
}

// Push schedules an entry.
func (q *Queue) Push(e Entry) {
	heap.Push(&q.entries, e)
}

// PopExpired removes and returns every entry whose deadline is not after
// now, in deadline order.
func (q *Queue) PopExpired(now time.Time) []Entry {
	var expired []Entry
	for q.entries.Len() > 0 && !q.entries[0].Deadline.After(now) {
		expired = append(expired, heap.Pop(&q.entries).(Entry))
	}
	return expired
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return q.entries.Len()
}

// NextDeadline returns the earliest pending deadline.
func (q *Queue) NextDeadline() (time.Time, bool) {
	if q.entries.Len() == 0 {
		return time.Time{}, false
	}
	return q.entries[0].Deadline, true
}

// Drop removes every pending entry of the operation. Used when an operation
// reaches a terminal state ahead of its retries.
func (q *Queue) Drop(id types.OperationID) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.OpID != id {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	heap.Init(&q.entries)
}
