// Copyright 2025 Boreline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// boreline_edge_agent is the on-machine daemon for a shield tunneling
// machine. It aligns PLC telemetry into per-ring summaries, predicts
// ground settlement with deployed ONNX models, scores model accuracy as
// survey readings arrive, and ships results to the cloud through a
// durable store-and-forward buffer.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/boreline/edge-agent/internal/cloudsync"
	"github.com/boreline/edge-agent/internal/config"
	"github.com/boreline/edge-agent/internal/errdefs"
	"github.com/boreline/edge-agent/internal/features"
	"github.com/boreline/edge-agent/internal/inference"
	"github.com/boreline/edge-agent/internal/logs"
	"github.com/boreline/edge-agent/internal/model"
	"github.com/boreline/edge-agent/internal/perfmon"
	"github.com/boreline/edge-agent/internal/ring"
	"github.com/boreline/edge-agent/internal/status"
	"github.com/boreline/edge-agent/internal/store"
	"github.com/oklog/run"
)

var configPath = flag.String("config", "/etc/boreline/config.yaml", "path to the agent configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, logs.Default())
	if err != nil {
		log.Fatalf("The agent configuration is not valid. Detailed error: %s", err)
	}
	logger := logs.New(cfg.Logging.File, cfg.Logging.Level, logs.Rotation{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger.Infof("boreline edge agent starting: device=%s project=%s config=%s",
		cfg.Device.EdgeDeviceID, cfg.Device.ProjectID, *configPath)

	db, err := store.Open(context.Background(), cfg.Storage.DatabasePath)
	if err != nil {
		log.Fatalf("Opening the edge store at %s failed: %s", cfg.Storage.DatabasePath, err)
	}
	defer db.Close()

	loader := model.NewLoader(cfg.Inference, logger)
	defer loader.Close()
	registry := model.NewRegistry(db, loader, logger)
	aligner := ring.NewAligner(db, cfg.Alignment, logger)
	engineer := features.NewEngineer(cfg.Features, cfg.Alignment.Geometry, logger)
	service := inference.NewService(db, engineer, registry, loader, cfg.Inference, cfg.Features, logger)
	syncMgr := cloudsync.NewManager(db, cfg, logger)
	monitor := perfmon.NewMonitor(db, cfg.Monitoring, cfg.Alignment.Lag, service, aligner, logger)
	mgr := inference.NewManager(inference.Deps{
		DB:       db,
		Registry: registry,
		Service:  service,
		Aligner:  aligner,
		Sessions: loader,
		Monitor:  monitor,
		Queue:    syncMgr,
		Interval: cfg.Monitoring.MonitoringInterval,
		Logger:   logger,
	})

	if err := mgr.Initialize(context.Background()); err != nil {
		log.Fatalf("Loading active models failed: %s", err)
	}

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					logger.Infof("received termination signal, exiting gracefully")
				case <-cancel:
				}
				return nil
			},
			func(err error) {
				close(cancel)
			},
		)
	}
	{
		// Status and metrics server.
		srv := status.NewServer(cfg, mgr, syncMgr, db.Rings, db.Predictions, logger)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return srv.Run(ctx)
		}, func(err error) {
			cancel()
		})
	}
	{
		// Ring pipeline: align pending rings and predict on each pass.
		// The first pass runs at startup so rings recorded while the
		// agent was down are picked up immediately.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(cfg.Alignment.PollInterval())
			defer ticker.Stop()
			for {
				if err := mgr.ProcessPendingRings(ctx); err != nil {
					logger.Errorf("pipeline pass: %v", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		}, func(err error) {
			cancel()
		})
	}
	{
		// Survey backfill: apply late settlement readings to stored
		// predictions and realign rings whose settlement never arrived.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			ticker := time.NewTicker(cfg.Monitoring.BackfillInterval())
			defer ticker.Stop()
			for {
				if err := monitor.BackfillActuals(ctx); err != nil {
					logger.Errorf("actuals backfill: %v", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		}, func(err error) {
			cancel()
		})
	}
	if cfg.Storage.ModelsDir != "" {
		// Model drop directory watcher.
		watcher := model.NewWatcher(registry, filepath.Join(cfg.Storage.ModelsDir, "incoming"), logger)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return watcher.Run(ctx)
		}, func(err error) {
			cancel()
		})
	}
	{
		// Disk pressure monitor.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return syncMgr.RunDiskMonitor(ctx)
		}, func(err error) {
			cancel()
		})
	}
	{
		// Raw export retention.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return syncMgr.PurgeLoop(ctx)
		}, func(err error) {
			cancel()
		})
	}
	if syncMgr.CloudEnabled() {
		{
			// Connectivity probe.
			ctx, cancel := context.WithCancel(context.Background())
			g.Add(func() error {
				return syncMgr.RunNetworkMonitor(ctx)
			}, func(err error) {
				cancel()
			})
		}
		{
			// Store-and-forward drain.
			ctx, cancel := context.WithCancel(context.Background())
			g.Add(func() error {
				return syncMgr.SyncLoop(ctx)
			}, func(err error) {
				cancel()
			})
		}
	} else {
		logger.Infof("cloud sync disabled: no base_url configured")
	}

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("agent exited with %s error: %v", errdefs.CategoryOf(err), err)
		os.Exit(1)
	}
	logger.Infof("boreline edge agent stopped")
}
