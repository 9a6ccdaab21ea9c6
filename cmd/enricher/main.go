// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/retailstream/enricher/internal/checkpoint"
	"github.com/retailstream/enricher/internal/config"
	"github.com/retailstream/enricher/internal/join"
	"github.com/retailstream/enricher/internal/logging"
	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"github.com/retailstream/enricher/internal/sink"
	"github.com/retailstream/enricher/internal/source"
	"github.com/retailstream/enricher/internal/state"
	"github.com/retailstream/enricher/internal/watermark"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, defaults apply)")
	flag.Parse()

	// .env is optional; godotenv errors when the file is absent
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	logger, flushLogs, err := logging.Init(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flushLogs()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("enricher exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	mtr := metrics.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", mtr.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	root := sak.NewRunStatus(context.Background())
	defer root.Halt()
	// the hard stop fires when the shutdown grace period expires; anything
	// still in flight is abandoned and recovered from the last checkpoint
	hard := sak.NewRunStatus(context.Background())
	defer hard.Halt()

	cluster := source.SimpleCluster(cfg.Brokers)
	kgoLog := logging.NewKgoLogger(logger, cfg.KafkaLogLevel)

	topics := []string{cfg.Topics.Products, cfg.Topics.Users, cfg.Topics.Sales, cfg.Topics.Views, cfg.Topics.DeadLetter}
	partitions, err := source.EnsureTopics(root.Ctx(), cluster, kgoLog, 1, topics...)
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	ckptStore, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer ckptStore.Close()

	payload, err := checkpoint.Restore(root.Ctx(), ckptStore, logger, mtr)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	stateStore := state.NewStore(cfg.Limits.MaxSalesPerProduct)
	coordinator := watermark.NewCoordinator()
	ingest := make(chan source.Batch, cfg.Queues.IngestCapacity)
	out := make(chan model.EnrichedRecord, cfg.Queues.OutputCapacity)

	engine := join.NewEngine(stateStore, coordinator, ingest, out, join.Config{
		ViewLatenessMillis:  cfg.AllowedLateness.Views.Millis(),
		SalesLatenessMillis: cfg.AllowedLateness.Sales.Millis(),
		MatchWindowMillis:   cfg.MatchWindow.Millis(),
		MaxPendingViews:     cfg.Limits.MaxPendingViews,
		ForceFinalizeOldest: cfg.Limits.ForceFinalizeOldest,
	}, logger, mtr, hard)

	resumeOffsets := make(map[source.StreamID]map[int32]int64)
	if payload != nil {
		stateStore.Restore(payload.State)
		if resumeOffsets, err = payload.OffsetsByStream(); err != nil {
			return err
		}
		watermarks, err := payload.WatermarksByStream()
		if err != nil {
			return err
		}
		coordinator.Restore(watermarks)
		engine.RestoreOffsets(resumeOffsets)
		logger.Info("restored from checkpoint",
			zap.String("id", payload.ID),
			zap.Int("pending_views", len(payload.State.Pending)),
			zap.Int("buffered_sales", len(payload.State.Sales)))
	}

	var workers sync.WaitGroup
	workerStatus := root.Fork()
	for _, sc := range []source.Config{
		{Stream: source.Products, Topic: cfg.Topics.Products, AllowedLatenessMillis: cfg.AllowedLateness.Products.Millis()},
		{Stream: source.Users, Topic: cfg.Topics.Users, AllowedLatenessMillis: cfg.AllowedLateness.Users.Millis()},
		{Stream: source.Sales, Topic: cfg.Topics.Sales, AllowedLatenessMillis: cfg.AllowedLateness.Sales.Millis()},
		{Stream: source.Views, Topic: cfg.Topics.Views, AllowedLatenessMillis: cfg.AllowedLateness.Views.Millis()},
	} {
		sc.Partitions = partitions[sc.Topic]
		sc.ResumeOffsets = resumeOffsets[sc.Stream]
		sc.PollWait = cfg.SourcePollWait.Std()
		consumer, err := source.NewConsumer(cluster, kgoLog, logger, sc)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Stream, err)
		}
		worker := source.NewWorker(consumer, ingest, logger, sourceErrorReporter{mtr})
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker.Run(workerStatus)
		}()
	}

	producerClient, err := source.NewClient(cluster, kgoLog)
	if err != nil {
		return fmt.Errorf("dead letter producer: %w", err)
	}
	defer producerClient.Close()

	writer := sink.NewWriter(out,
		sink.NewHTTPIndex(cfg.Sink.Endpoint, cfg.Sink.Index),
		sink.NewKafkaDeadLetter(producerClient, cfg.Topics.DeadLetter, logger),
		sink.WriterConfig{
			BatchSize:           cfg.SinkBatchSize,
			BatchInterval:       cfg.SinkBatchInterval.Std(),
			MaxAttempts:         cfg.MaxSinkRetryAttempts,
			MaxFlushesPerSecond: cfg.Sink.MaxFlushesPerSecond,
		}, logger, mtr)

	manager := checkpoint.NewManager(engine, writer, ckptStore,
		cfg.CheckpointInterval.Std(), cfg.Checkpoint.Keep, logger, mtr)

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run() }()
	writerDone := make(chan struct{})
	go func() {
		writer.Run(hard)
		close(writerDone)
	}()
	managerStatus := root.Fork()
	go manager.Run(managerStatus)

	logger.Info("enricher running",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("sink", cfg.Sink.Endpoint),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	var engineErr error
	select {
	case sig := <-signals:
		logger.Info("shutdown signal received", zap.Stringer("signal", sig))
	case engineErr = <-engineDone:
		// a fatal join engine condition, e.g. join.ErrCapacityExceeded
		logger.Error("join engine stopped", zap.Error(engineErr))
	}

	graceTimer := time.AfterFunc(cfg.ShutdownGrace.Std(), func() {
		logger.Warn("shutdown grace period expired, abandoning in-flight work")
		hard.Halt()
	})
	defer graceTimer.Stop()

	// drain order matters: stop checkpoints and polling, let the engine
	// consume the remaining ingest queue, capture the final snapshot, flush
	// the sink, and only then publish the final checkpoint.
	managerStatus.Halt()
	workerStatus.Halt()
	workers.Wait()
	close(ingest)
	if engineErr == nil {
		engineErr = <-engineDone
	}
	snapshot := engine.SnapshotNow()
	close(out)
	<-writerDone

	if err := manager.Persist(hard.Ctx(), snapshot); err != nil {
		logger.Error("final checkpoint failed, recovery will replay from the previous artifact", zap.Error(err))
	} else {
		logger.Info("final checkpoint published")
	}
	return engineErr
}

func newCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "pebble":
		return checkpoint.NewPebbleStore(cfg.CheckpointStoreLocation)
	default:
		return checkpoint.NewFSStore(cfg.CheckpointStoreLocation)
	}
}

type sourceErrorReporter struct {
	mtr *metrics.Registry
}

func (r sourceErrorReporter) ReportSourceError(stream source.StreamID) {
	r.mtr.SourceErrors.WithLabelValues(stream.String()).Inc()
}
