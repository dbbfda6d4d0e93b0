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

// Package dao assembles the distributed atomic operation coordinator: one
// instance per metadata server, owning the operation store, the protocol
// engine, the dispatcher, the recovery manager and the three long-lived
// workers that drive them.
//
// Concurrency model: a single event mutex serializes every protocol
// transition. The request worker (peer events), the result worker (executor
// outcomes) and the timeout worker all take it before touching any
// operation state; each transition completes its journal append, its
// outbound sends and its status update under the one lock.
package dao

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	daoerrors "github.com/parafs/mds/internal/errors"
	"github.com/parafs/mds/pkg/dao/dispatch"
	"github.com/parafs/mds/pkg/dao/engine"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/recovery"
	"github.com/parafs/mds/pkg/dao/store"
	"github.com/parafs/mds/pkg/dao/timeout"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/mlt"
	"github.com/parafs/mds/pkg/results"
	"github.com/parafs/mds/pkg/transport"
)

// Config carries the coordinator timeouts.
type Config struct {
	SelfAddress    types.ServerAddress
	TPCRelTimeout  time.Duration
	MTPCRelTimeout time.Duration
	OOERelTimeout  time.Duration
	OverallTimeout time.Duration
	MinSleepTime   time.Duration
}

// Coordinator is the per-server singleton driving distributed atomic
// operations.
type Coordinator struct {
	cfg Config

	// incEventMu serializes every protocol transition.
	incEventMu sync.Mutex

	store      *store.Store
	timeouts   *timeout.Queue
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	recovery   *recovery.Manager
	exec       executor.Executor
	inbound    <-chan transport.Inbound
	logger     *zap.Logger
}

// New wires a coordinator from its collaborators.
func New(cfg Config, jw journal.Gateway, sender engine.Sender, exec executor.Executor,
	sink results.Sink, table mlt.Table, ids engine.IDSource, inbound <-chan transport.Inbound,
	m *metrics.DAOMetrics, logger *zap.Logger) *Coordinator {

	st := store.New()
	tq := timeout.NewQueue()
	eng := engine.New(engine.Config{
		SelfAddress:    cfg.SelfAddress,
		TPCRelTimeout:  cfg.TPCRelTimeout,
		MTPCRelTimeout: cfg.MTPCRelTimeout,
		OOERelTimeout:  cfg.OOERelTimeout,
		OverallTimeout: cfg.OverallTimeout,
	}, st, jw, tq, sender, exec, sink, table, ids, m, logger)
	rec := recovery.NewManager(jw, st, eng, exec, m, logger)
	disp := dispatch.New(eng, rec, table, m, logger)

	return &Coordinator{
		cfg:        cfg,
		store:      st,
		timeouts:   tq,
		engine:     eng,
		dispatcher: disp,
		recovery:   rec,
		exec:       exec,
		inbound:    inbound,
		logger:     logger.Named("dao"),
	}
}

// Engine exposes the protocol engine, for tests.
func (c *Coordinator) Engine() *engine.Engine {
	return c.engine
}

// Ready reports whether startup recovery finished and the coordinator
// accepts traffic.
func (c *Coordinator) Ready() bool {
	return c.recovery.Complete()
}

// Submit starts a distributed operation on behalf of a client module and
// returns its operation id. The result arrives on the client result queue.
func (c *Coordinator) Submit(ctx context.Context, opType types.OpType, blob []byte,
	participants []types.Subtree, subtreeEntry types.InodeID) (types.OperationID, error) {
	if !c.Ready() {
		return 0, daoerrors.New(daoerrors.KindProtocol, "coordinator still recovering")
	}
	c.incEventMu.Lock()
	defer c.incEventMu.Unlock()
	return c.engine.StartCoordinator(ctx, opType, blob, participants, subtreeEntry)
}

// Run recovers open operations from the journals and then drives the three
// workers until ctx is cancelled. The dispatcher admits no event before
// recovery completed.
func (c *Coordinator) Run(ctx context.Context) error {
	c.incEventMu.Lock()
	err := c.recovery.RecoverAll(ctx)
	c.incEventMu.Unlock()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.requestWorker(ctx) })
	g.Go(func() error { return c.resultWorker(ctx) })
	g.Go(func() error { return c.timeoutWorker(ctx) })
	return g.Wait()
}

// requestWorker drains inbound peer messages.
func (c *Coordinator) requestWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.inbound:
			if !ok {
				return nil
			}
			c.incEventMu.Lock()
			err := c.dispatcher.HandlePeerMessage(ctx, msg)
			c.incEventMu.Unlock()
			if err != nil {
				if daoerrors.IsFatal(err) {
					return err
				}
				c.logger.Warn("peer message handling failed",
					zap.String("sender", string(msg.Sender)), zap.Error(err))
			}
		}
	}
}

// resultWorker drains executor outcomes.
func (c *Coordinator) resultWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-c.exec.Results():
			if !ok {
				return nil
			}
			c.incEventMu.Lock()
			err := c.engine.HandleExecResult(ctx, res)
			c.incEventMu.Unlock()
			if err != nil {
				if daoerrors.IsFatal(err) {
					return err
				}
				c.logger.Warn("executor result handling failed",
					zap.Uint64("op_id", uint64(res.OpID)), zap.Error(err))
			}
		}
	}
}

// timeoutWorker polls the deadline queue.
func (c *Coordinator) timeoutWorker(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MinSleepTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.incEventMu.Lock()
			expired := c.timeouts.PopExpired(now)
			for _, entry := range expired {
				if err := c.engine.HandleTimeout(ctx, entry); err != nil {
					if daoerrors.IsFatal(err) {
						c.incEventMu.Unlock()
						return err
					}
					c.logger.Warn("timeout handling failed",
						zap.Uint64("op_id", uint64(entry.OpID)), zap.Error(err))
				}
			}
			c.incEventMu.Unlock()
		}
	}
}
