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

// mds-dao runs the distributed atomic operation coordinator of one metadata
// server: journal-backed protocol engine, peer transport, recovery, and the
// operational endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/parafs/mds/internal/config"
	"github.com/parafs/mds/internal/database"
	"github.com/parafs/mds/pkg/dao"
	"github.com/parafs/mds/pkg/dao/executor"
	"github.com/parafs/mds/pkg/dao/journal"
	"github.com/parafs/mds/pkg/dao/types"
	"github.com/parafs/mds/pkg/idgen"
	"github.com/parafs/mds/pkg/metrics"
	"github.com/parafs/mds/pkg/mlt"
	"github.com/parafs/mds/pkg/results"
	"github.com/parafs/mds/pkg/transport"
)

func main() {
	configPath := flag.String("config", "/etc/parafs/mds-dao.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mds-dao: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Journal store.
	dbCfg := &database.Config{
		Host:            cfg.Journal.Host,
		Port:            cfg.Journal.Port,
		User:            cfg.Journal.User,
		Password:        cfg.Journal.Password,
		Database:        cfg.Journal.Database,
		SSLMode:         cfg.Journal.SSLMode,
		MaxOpenConns:    cfg.Journal.MaxOpenConns,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	dbCfg.LoadFromEnv()
	db, err := database.Connect(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db, logger); err != nil {
		return err
	}
	journalGateway := journal.NewPostgresGateway(db, logger)

	// Metadata lookup table.
	table, err := mlt.LoadFile(cfg.MLT.Path, logger)
	if err != nil {
		return err
	}
	if cfg.MLT.Watch {
		if err := table.Watch(ctx); err != nil {
			return err
		}
	}

	// Client result queues.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Results.RedisAddr})
	defer redisClient.Close()
	resultRouter := results.NewRouter(redisClient, cfg.Results.LBQueue, cfg.Results.MDQueue, logger)

	// Peer transport.
	self := types.ServerAddress(cfg.Server.SelfAddress)
	recServer := transport.NewServer(cfg.Server.ListenAddress, 1024, logger)
	sendClient := transport.NewClient(self, logger)

	// Executor bridge; the filesystem executor module drains its request
	// queue and feeds its result queue.
	bridge := executor.NewBridge(executor.NewTableQueries(table, self), 1024)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	daoMetrics := metrics.NewDAOMetrics(registry)

	coordinator := dao.New(dao.Config{
		SelfAddress:    self,
		TPCRelTimeout:  cfg.DAO.TPCRelTimeout.Std(),
		MTPCRelTimeout: cfg.DAO.MTPCRelTimeout.Std(),
		OOERelTimeout:  cfg.DAO.OOERelTimeout.Std(),
		OverallTimeout: cfg.DAO.OverallTimeout.Std(),
		MinSleepTime:   cfg.DAO.MinSleepTime.Std(),
	}, journalGateway, sendClient, bridge, resultRouter, table, idgen.New(),
		recServer.Inbound(), daoMetrics, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recServer.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return runOpsServer(ctx, cfg.Server.OpsAddress, coordinator, registry, logger) })

	logger.Info("mds-dao started",
		zap.String("self", cfg.Server.SelfAddress),
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("ops", cfg.Server.OpsAddress))
	return g.Wait()
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// runOpsServer serves health and metrics. Readiness follows the recovery
// gate: the server reports ready only once journal recovery finished.
func runOpsServer(ctx context.Context, addr string, coordinator *dao.Coordinator,
	registry *prometheus.Registry, logger *zap.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !coordinator.Ready() {
			http.Error(w, "recovering", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("ops server listening", zap.String("address", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
