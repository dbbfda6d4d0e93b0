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

// Package results delivers the final client answer of each distributed
// operation. Subtree-move and load-balancing results go to the
// load-balancing queue, everything else to the metadata queue. A repeated
// delivery for an operation id is suppressed while the id is among the last
// dedupCap ids this router delivered; that record is kept in memory only and
// starts empty with each new router, so it does not span a process restart.
package results

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

// Result is the client-visible outcome of one operation.
type Result struct {
	OpID     types.OperationID `json:"op_id"`
	Protocol types.Protocol    `json:"protocol"`
	Success  bool              `json:"success"`
}

// Sink receives client results.
type Sink interface {
	// Deliver routes the result of an operation of the given type. A
	// repeated delivery for the same operation id is dropped.
	Deliver(ctx context.Context, opType types.OpType, res Result) error
}

// dedupCap bounds the remembered terminal deliveries.
const dedupCap = 8192

// Router pushes results onto the Redis queues consumed by the
// load-balancing and metadata modules.
type Router struct {
	client  *redis.Client
	lbQueue string
	mdQueue string
	logger  *zap.Logger

	mu        sync.Mutex
	delivered map[types.OperationID]struct{}
	order     []types.OperationID
}

// NewRouter creates a Router over an established Redis client.
func NewRouter(client *redis.Client, lbQueue, mdQueue string, logger *zap.Logger) *Router {
	return &Router{
		client:    client,
		lbQueue:   lbQueue,
		mdQueue:   mdQueue,
		logger:    logger.Named("results"),
		delivered: make(map[types.OperationID]struct{}),
	}
}

// Deliver implements Sink.
func (r *Router) Deliver(ctx context.Context, opType types.OpType, res Result) error {
	if !r.markDelivered(res.OpID) {
		r.logger.Debug("duplicate client result dropped", zap.Uint64("op_id", uint64(res.OpID)))
		return nil
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	queue := r.mdQueue
	if opType.LoadBalancingResult() {
		queue = r.lbQueue
	}
	if err := r.client.RPush(ctx, queue, payload).Err(); err != nil {
		// Allow the terminal transition to retry the delivery.
		r.unmark(res.OpID)
		return err
	}
	r.logger.Info("client result delivered",
		zap.Uint64("op_id", uint64(res.OpID)),
		zap.String("queue", queue),
		zap.Bool("success", res.Success))
	return nil
}

func (r *Router) markDelivered(id types.OperationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.delivered[id]; seen {
		return false
	}
	r.delivered[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > dedupCap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.delivered, oldest)
	}
	return true
}

func (r *Router) unmark(id types.OperationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delivered, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
