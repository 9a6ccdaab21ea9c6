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

package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/retailstream/enricher/internal/codec"
	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type WriterConfig struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxAttempts   int
	// MaxFlushesPerSecond throttles index writes. Zero disables throttling.
	MaxFlushesPerSecond float64
}

type batchedDoc struct {
	doc      Document
	attempts int
}

// Writer consumes finalized records from the bounded output queue and upserts
// them in batches, by count or by time, whichever comes first. When the queue
// fills, the join engine's emission blocks and backpressure propagates upstream
// through the bounded ingestion queues by construction.
type Writer struct {
	in        <-chan model.EnrichedRecord
	sink      UpsertSink
	dead      DeadLetter
	cfg       WriterConfig
	limiter   *rate.Limiter
	logger    *zap.Logger
	mtr       *metrics.Registry
	flushReqs chan chan error
	finished  chan struct{}

	recordCodec codec.JsonCodec[model.EnrichedRecord]
	batch       []batchedDoc
}

func NewWriter(in <-chan model.EnrichedRecord, upsertSink UpsertSink, dead DeadLetter, cfg WriterConfig,
	logger *zap.Logger, mtr *metrics.Registry) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	var limiter *rate.Limiter
	if cfg.MaxFlushesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxFlushesPerSecond), 1)
	}
	return &Writer{
		in:        in,
		sink:      upsertSink,
		dead:      dead,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger.Named("sink"),
		mtr:       mtr,
		flushReqs: make(chan chan error),
		finished:  make(chan struct{}),
		batch:     make([]batchedDoc, 0, cfg.BatchSize),
	}
}

// Run consumes until the input channel is closed and drained, then flushes
// whatever remains. `rs` is the hard stop: when it halts, in-flight retry
// backoffs are abandoned and recovery falls to the next startup's checkpoint.
func (w *Writer) Run(rs sak.RunStatus) {
	defer close(w.finished)
	ticker := time.NewTicker(w.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-w.in:
			if !ok {
				w.flush(rs)
				return
			}
			w.add(rec)
			if len(w.batch) >= w.cfg.BatchSize {
				w.flush(rs)
			}
		case <-ticker.C:
			w.flush(rs)
		case done := <-w.flushReqs:
			done <- w.drainAndFlush(rs)
		case <-rs.Done():
			return
		}
	}
}

// Flush is the checkpoint barrier: it returns once every record enqueued
// before the call is durable in the sink or diverted to the dead letter.
// Records enqueued concurrently may be flushed too; the upsert is idempotent
// so over-delivery is harmless.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.flushReqs <- done:
	case <-w.finished:
		// the writer drained and flushed everything on exit
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) add(rec model.EnrichedRecord) {
	body, err := codec.JsonBytes(rec)
	if err != nil {
		// EnrichedRecord is a plain struct; this cannot happen outside OOM
		w.logger.Error("failed to encode record", zap.String("id", rec.Key()), zap.Error(err))
		return
	}
	w.batch = append(w.batch, batchedDoc{doc: Document{ID: rec.Key(), Body: body}})
}

// drainAndFlush pulls everything already sitting in the queue into the batch
// before flushing, so a checkpoint barrier covers records the engine emitted
// ahead of the snapshot capture.
func (w *Writer) drainAndFlush(rs sak.RunStatus) error {
	for n := len(w.in); n > 0; n-- {
		rec, ok := <-w.in
		if !ok {
			break
		}
		w.add(rec)
		if len(w.batch) >= w.cfg.BatchSize {
			if err := w.flush(rs); err != nil {
				return err
			}
		}
	}
	return w.flush(rs)
}

const (
	minRetryBackoff = 200 * time.Millisecond
	maxRetryBackoff = 10 * time.Second
)

// flush writes the current batch with bounded retries. Documents that
// exhaust their attempts are diverted to the dead letter rather than
// blocking the pipeline; delivery may be delayed or diverted, never lost.
func (w *Writer) flush(rs sak.RunStatus) error {
	if len(w.batch) == 0 {
		return nil
	}
	start := time.Now()
	backoff := minRetryBackoff
	for len(w.batch) > 0 {
		if w.limiter != nil {
			if err := w.limiter.Wait(rs.Ctx()); err != nil {
				return err
			}
		}
		docs := make([]Document, len(w.batch))
		for i, bd := range w.batch {
			docs[i] = bd.doc
		}
		errs := w.sink.Upsert(rs.Ctx(), docs)

		retry := w.batch[:0]
		for i, err := range errs {
			if err == nil {
				continue
			}
			bd := w.batch[i]
			bd.attempts++
			if bd.attempts >= w.cfg.MaxAttempts {
				w.mtr.DeadLetters.Inc()
				w.dead.Divert(rs.Ctx(), bd.doc, bd.attempts, err)
				continue
			}
			retry = append(retry, bd)
		}
		w.batch = retry
		if len(w.batch) == 0 {
			break
		}
		w.mtr.SinkRetries.Inc()
		w.logger.Warn("sink write failed, retrying",
			zap.Int("failed", len(w.batch)), zap.Duration("backoff", backoff))
		if !rs.Sleep(backoff) {
			return fmt.Errorf("sink flush interrupted with %d documents unwritten", len(w.batch))
		}
		backoff = sak.Min(backoff*2, maxRetryBackoff)
	}
	w.mtr.SinkFlushLatency.Observe(time.Since(start).Seconds())
	return nil
}
