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

// Package executor bridges the coordinator to the filesystem executor
// module. The coordinator requests do/redo/undo/reundo execution of the
// opaque operation blob and is notified of each outcome; it never touches
// the filesystem itself.
package executor

import (
	"context"
	"fmt"

	"github.com/parafs/mds/pkg/dao/types"
)

// RequestKind tags an execution request. The tag is the first byte of the
// payload handed to the executor; the operation blob follows verbatim.
type RequestKind uint8

const (
	RequestDo RequestKind = iota + 1
	RequestRedo
	RequestUndo
	RequestReundo
)

func (k RequestKind) String() string {
	switch k {
	case RequestDo:
		return "DAORequest"
	case RequestRedo:
		return "DAORedoRequest"
	case RequestUndo:
		return "DAOUndoRequest"
	case RequestReundo:
		return "DAOReundoRequest"
	}
	return fmt.Sprintf("RequestKind(%d)", uint8(k))
}

// IsUndo reports whether the request reverts a previous mutation.
func (k RequestKind) IsUndo() bool {
	return k == RequestUndo || k == RequestReundo
}

// Request asks the executor to apply or revert one local suboperation.
type Request struct {
	OpID types.OperationID
	Kind RequestKind
	Blob []byte
}

// Payload renders the request as the executor queue payload: tag ∥ blob.
func (r Request) Payload() []byte {
	payload := make([]byte, 0, 1+len(r.Blob))
	payload = append(payload, byte(r.Kind))
	return append(payload, r.Blob...)
}

// ResultKind tags an execution outcome.
type ResultKind uint8

const (
	ExecutionSuccessful ResultKind = iota + 1
	ExecutionUnsuccessful
	UndoSuccessful
	UndoUnsuccessful
)

func (k ResultKind) String() string {
	switch k {
	case ExecutionSuccessful:
		return "ExecutionSuccessful"
	case ExecutionUnsuccessful:
		return "ExecutionUnsuccessful"
	case UndoSuccessful:
		return "UndoSuccessful"
	case UndoUnsuccessful:
		return "UndoUnsuccessful"
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(k))
}

// Result reports the outcome of one suboperation. For ordered execution the
// executor discovers the next node of the chain and reports it alongside the
// local result.
type Result struct {
	OpID            types.OperationID
	Kind            ResultKind
	NextParticipant *types.Subtree
}

// Queries are the pure lookups the executor answers about an operation.
type Queries interface {
	// SendingAddresses resolves the current participant subtrees of the
	// operation, correcting stale entries.
	SendingAddresses(ctx context.Context, op *types.OpState) ([]types.Subtree, error)

	// SubtreeEntryPoint resolves the entry inode of this server's part.
	SubtreeEntryPoint(ctx context.Context, op *types.OpState) (types.InodeID, error)

	// IsCoordinator reports whether this server coordinates the operation.
	IsCoordinator(ctx context.Context, op *types.OpState) (bool, error)
}

// Executor is the coordinator-facing contract of the executor module.
type Executor interface {
	Queries

	// Submit enqueues an execution request. The call returns once the
	// request is accepted; the outcome arrives on Results.
	Submit(ctx context.Context, req Request) error

	// Results streams execution outcomes.
	Results() <-chan Result
}

// Bridge is the channel-backed Executor used to connect the in-process
// executor module. The executor drains Requests and feeds Deliver.
type Bridge struct {
	queries  Queries
	requests chan Request
	results  chan Result
}

// NewBridge creates a bridge with the given queue capacity.
func NewBridge(queries Queries, capacity int) *Bridge {
	return &Bridge{
		queries:  queries,
		requests: make(chan Request, capacity),
		results:  make(chan Result, capacity),
	}
}

// Submit implements Executor.
func (b *Bridge) Submit(ctx context.Context, req Request) error {
	select {
	case b.requests <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit %s for operation %d: %w", req.Kind, req.OpID, ctx.Err())
	}
}

// Requests exposes the execution queue to the executor module.
func (b *Bridge) Requests() <-chan Request {
	return b.requests
}

// Deliver reports an execution outcome back to the coordinator.
func (b *Bridge) Deliver(res Result) {
	b.results <- res
}

// Results implements Executor.
func (b *Bridge) Results() <-chan Result {
	return b.results
}

// SendingAddresses implements Executor.
func (b *Bridge) SendingAddresses(ctx context.Context, op *types.OpState) ([]types.Subtree, error) {
	return b.queries.SendingAddresses(ctx, op)
}

// SubtreeEntryPoint implements Executor.
func (b *Bridge) SubtreeEntryPoint(ctx context.Context, op *types.OpState) (types.InodeID, error) {
	return b.queries.SubtreeEntryPoint(ctx, op)
}

// IsCoordinator implements Executor.
func (b *Bridge) IsCoordinator(ctx context.Context, op *types.OpState) (bool, error) {
	return b.queries.IsCoordinator(ctx, op)
}
