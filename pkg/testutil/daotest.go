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

// Package testutil provides in-memory doubles of the coordinator's
// collaborators for protocol-level tests: journal, peer transport, executor,
// result sink and lookup table, plus a manual clock.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/dao/wire"
	"github.com/parafs/mds/pkg/results"
)

// Clock is a manual test clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// SequentialIDs yields consecutive ids: first, first+1, first+2, ...
type SequentialIDs struct {
	next types.OperationID
}

// NewSequentialIDs starts at first.
func NewSequentialIDs(first types.OperationID) *SequentialIDs {
	return &SequentialIDs{next: first}
}

// Next implements the engine's id source.
func (s *SequentialIDs) Next() types.OperationID {
	id := s.next
	s.next++
	return id
}

// FakeJournal is an in-memory journal gateway.
type FakeJournal struct {
	mu      sync.Mutex
	seq     int64
	records map[types.InodeID][]journal.Record

	// AppendErr fails every append when set.
	AppendErr error
}

// NewFakeJournal creates an empty journal set.
func NewFakeJournal() *FakeJournal {
	return &FakeJournal{records: make(map[types.InodeID][]journal.Record)}
}

func (f *FakeJournal) append(key types.InodeID, rec journal.Record) {
	f.seq++
	rec.Seq = f.seq
	rec.JournalKey = key
	f.records[key] = append(f.records[key], rec)
}

func (f *FakeJournal) find(key types.InodeID, id types.OperationID, status journal.RecordStatus, marker types.LogMarker) bool {
	for _, rec := range f.records[key] {
		if rec.OpID == id && rec.Status == status && rec.Marker == marker {
			return true
		}
	}
	return false
}

// AppendBegin implements journal.Gateway.
func (f *FakeJournal) AppendBegin(_ context.Context, key types.InodeID, id types.OperationID, opType types.OpType, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendErr != nil {
		return f.AppendErr
	}
	if f.find(key, id, journal.RecordStart, 0) {
		return nil
	}
	f.append(key, journal.Record{OpID: id, Status: journal.RecordStart, OpType: opType, Blob: append([]byte(nil), blob...)})
	return nil
}

func (f *FakeJournal) beginKey(id types.OperationID) (types.InodeID, bool) {
	for key, recs := range f.records {
		for _, rec := range recs {
			if rec.OpID == id && rec.Status == journal.RecordStart {
				return key, true
			}
		}
	}
	return 0, false
}

// AppendUpdate implements journal.Gateway.
func (f *FakeJournal) AppendUpdate(_ context.Context, key types.InodeID, id types.OperationID, marker types.LogMarker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendErr != nil {
		return f.AppendErr
	}
	if err := f.checkKey(key, id); err != nil {
		return err
	}
	if f.find(key, id, journal.RecordUpdate, marker) {
		return nil
	}
	f.append(key, journal.Record{OpID: id, Status: journal.RecordUpdate, Marker: marker})
	return nil
}

func (f *FakeJournal) checkKey(key types.InodeID, id types.OperationID) error {
	foundKey, ok := f.beginKey(id)
	if !ok {
		return fmt.Errorf("operation %d: %w", id, journal.ErrNoBeginLog)
	}
	if foundKey != key {
		return fmt.Errorf("operation %d: %w", id, journal.ErrWrongJournalKey)
	}
	return nil
}

func (f *FakeJournal) appendTerminal(key types.InodeID, id types.OperationID, status journal.RecordStatus) error {
	if f.AppendErr != nil {
		return f.AppendErr
	}
	if err := f.checkKey(key, id); err != nil {
		return err
	}
	for _, rec := range f.records[key] {
		if rec.OpID == id && rec.Status.Terminal() {
			return nil
		}
	}
	f.append(key, journal.Record{OpID: id, Status: status})
	return nil
}

// AppendCommit implements journal.Gateway.
func (f *FakeJournal) AppendCommit(_ context.Context, key types.InodeID, id types.OperationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendTerminal(key, id, journal.RecordCommitted)
}

// AppendAbort implements journal.Gateway.
func (f *FakeJournal) AppendAbort(_ context.Context, key types.InodeID, id types.OperationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendTerminal(key, id, journal.RecordAborted)
}

// RecordsFor implements journal.Gateway.
func (f *FakeJournal) RecordsFor(_ context.Context, id types.OperationID) (types.InodeID, []journal.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.beginKey(id)
	if !ok {
		return 0, nil, fmt.Errorf("operation %d: %w", id, journal.ErrNoBeginLog)
	}
	var out []journal.Record
	for _, rec := range f.records[key] {
		if rec.OpID == id {
			out = append(out, rec)
		}
	}
	return key, out, nil
}

// EnumerateOpen implements journal.Gateway.
func (f *FakeJournal) EnumerateOpen(_ context.Context, key types.InodeID) ([]types.OperationID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	terminal := make(map[types.OperationID]bool)
	seen := make(map[types.OperationID]bool)
	var order []types.OperationID
	for _, rec := range f.records[key] {
		if !seen[rec.OpID] {
			seen[rec.OpID] = true
			order = append(order, rec.OpID)
		}
		if rec.Status.Terminal() {
			terminal[rec.OpID] = true
		}
	}
	var open []types.OperationID
	for _, id := range order {
		if !terminal[id] {
			open = append(open, id)
		}
	}
	return open, nil
}

// Keys implements journal.Gateway.
func (f *FakeJournal) Keys(_ context.Context) ([]types.InodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]types.InodeID, 0, len(f.records))
	for key := range f.records {
		keys = append(keys, key)
	}
	return keys, nil
}

// MarkerTrail returns the record sequence of one operation in one journal,
// rendered as strings: "Start", update marker names, "Committed", "Aborted".
func (f *FakeJournal) MarkerTrail(key types.InodeID, id types.OperationID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var trail []string
	for _, rec := range f.records[key] {
		if rec.OpID != id {
			continue
		}
		switch rec.Status {
		case journal.RecordStart:
			trail = append(trail, "Start")
		case journal.RecordUpdate:
			trail = append(trail, rec.Marker.String())
		case journal.RecordCommitted:
			trail = append(trail, "Committed")
		case journal.RecordAborted:
			trail = append(trail, "Aborted")
		}
	}
	return trail
}

// Seed appends a record directly, for recovery tests.
func (f *FakeJournal) Seed(key types.InodeID, rec journal.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.append(key, rec)
}

// SentFrame is one decoded outbound message.
type SentFrame struct {
	To    types.ServerAddress
	Event wire.Event
}

// FakeSender records every outbound frame.
type FakeSender struct {
	mu     sync.Mutex
	frames []SentFrame

	// Fail makes sends to the listed peers fail.
	Fail map[types.ServerAddress]error
}

// NewFakeSender creates an empty sender.
func NewFakeSender() *FakeSender {
	return &FakeSender{Fail: make(map[types.ServerAddress]error)}
}

// Send implements the engine's Sender contract.
func (f *FakeSender) Send(_ context.Context, to types.ServerAddress, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, failing := f.Fail[to]; failing {
		return err
	}
	ev, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("fake sender got undecodable frame: %w", err)
	}
	f.frames = append(f.frames, SentFrame{To: to, Event: ev})
	return nil
}

// Sent returns all recorded frames.
func (f *FakeSender) Sent() []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentFrame(nil), f.frames...)
}

// SentTo filters recorded frames by receiver and tag.
func (f *FakeSender) SentTo(to types.ServerAddress, tag wire.Tag) []SentFrame {
	var out []SentFrame
	for _, frame := range f.Sent() {
		if frame.To == to && frame.Event.Tag == tag {
			out = append(out, frame)
		}
	}
	return out
}

// Reset forgets recorded frames.
func (f *FakeSender) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// FakeExecutor records execution requests and answers the pure queries from
// configurable functions.
type FakeExecutor struct {
	mu       sync.Mutex
	requests []executor.Request
	results  chan executor.Result

	// SubmitErr fails every submission when set.
	SubmitErr error

	IsCoordinatorFn    func(op *types.OpState) (bool, error)
	SendingAddressesFn func(op *types.OpState) ([]types.Subtree, error)
	SubtreeEntryFn     func(op *types.OpState) (types.InodeID, error)
}

// NewFakeExecutor creates an executor double with permissive defaults.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		results: make(chan executor.Result, 64),
		IsCoordinatorFn: func(op *types.OpState) (bool, error) {
			return op.Coordinator, nil
		},
		SendingAddressesFn: func(op *types.OpState) ([]types.Subtree, error) {
			return op.Participants, nil
		},
		SubtreeEntryFn: func(op *types.OpState) (types.InodeID, error) {
			return op.SubtreeEntry, nil
		},
	}
}

// Submit implements executor.Executor.
func (f *FakeExecutor) Submit(_ context.Context, req executor.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return f.SubmitErr
	}
	f.requests = append(f.requests, req)
	return nil
}

// Results implements executor.Executor.
func (f *FakeExecutor) Results() <-chan executor.Result {
	return f.results
}

// Deliver feeds a result into the stream.
func (f *FakeExecutor) Deliver(res executor.Result) {
	f.results <- res
}

// Requests returns all recorded execution requests.
func (f *FakeExecutor) Requests() []executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Request(nil), f.requests...)
}

// RequestsOf filters recorded requests by kind.
func (f *FakeExecutor) RequestsOf(kind executor.RequestKind) []executor.Request {
	var out []executor.Request
	for _, req := range f.Requests() {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

// SendingAddresses implements executor.Queries.
func (f *FakeExecutor) SendingAddresses(_ context.Context, op *types.OpState) ([]types.Subtree, error) {
	return f.SendingAddressesFn(op)
}

// SubtreeEntryPoint implements executor.Queries.
func (f *FakeExecutor) SubtreeEntryPoint(_ context.Context, op *types.OpState) (types.InodeID, error) {
	return f.SubtreeEntryFn(op)
}

// IsCoordinator implements executor.Queries.
func (f *FakeExecutor) IsCoordinator(_ context.Context, op *types.OpState) (bool, error) {
	return f.IsCoordinatorFn(op)
}

// DeliveredResult is one recorded client result.
type DeliveredResult struct {
	OpType types.OpType
	Result results.Result
}

// FakeSink records client results.
type FakeSink struct {
	mu        sync.Mutex
	delivered []DeliveredResult
}

// NewFakeSink creates an empty sink.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

// Deliver implements results.Sink.
func (f *FakeSink) Deliver(_ context.Context, opType types.OpType, res results.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, DeliveredResult{OpType: opType, Result: res})
	return nil
}

// Delivered returns all recorded results.
func (f *FakeSink) Delivered() []DeliveredResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeliveredResult(nil), f.delivered...)
}

// FakeTable is a static lookup table.
type FakeTable struct {
	Owners map[types.InodeID]types.ServerAddress
}

// NewFakeTable creates a table from inode/owner pairs.
func NewFakeTable(owners map[types.InodeID]types.ServerAddress) *FakeTable {
	return &FakeTable{Owners: owners}
}

// OwnerOf implements mlt.Table.
func (f *FakeTable) OwnerOf(inode types.InodeID) (types.ServerAddress, error) {
	owner, ok := f.Owners[inode]
	if !ok {
		return "", fmt.Errorf("inode %d unknown", uint64(inode))
	}
	return owner, nil
}

// IsOwner implements mlt.Table.
func (f *FakeTable) IsOwner(addr types.ServerAddress, inode types.InodeID) bool {
	owner, ok := f.Owners[inode]
	return ok && owner == addr
}

// Servers implements mlt.Table.
func (f *FakeTable) Servers() []types.ServerAddress {
	seen := make(map[types.ServerAddress]struct{})
	var servers []types.ServerAddress
	for _, addr := range f.Owners {
		if _, dup := seen[addr]; !dup {
			seen[addr] = struct{}{}
			servers = append(servers, addr)
		}
	}
	return servers
}
