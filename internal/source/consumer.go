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

package source

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/retailstream/enricher/internal/codec"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrUnavailable is a transient condition: a partition's records could not be
// fetched. Callers retry with backoff; other sources are unaffected.
var ErrUnavailable = errors.New("source unavailable")

// Envelope is one decoded input record with its stream position. Exactly one
// of the payload pointers is non-nil, according to Stream.
type Envelope struct {
	Stream    StreamID
	Partition int32
	Offset    int64
	EventTime int64

	Product *model.ProductRecord
	User    *model.UserRecord
	Sale    *model.SaleEvent
	View    *model.ViewEvent
}

// Batch is the unit pushed into the join engine's ingestion queue. Watermark
// asserts that no record with an earlier event time will arrive on Stream.
type Batch struct {
	Stream    StreamID
	Records   []Envelope
	Watermark int64
}

// Config for a single stream consumer.
type Config struct {
	Stream StreamID
	Topic  string
	// AllowedLatenessMillis defines the watermark lag behind the max observed
	// event time. Negative means the stream does not gate the global
	// watermark (slowly-changing dimension streams).
	AllowedLatenessMillis int64
	// Partitions to consume, from EnsureTopics.
	Partitions []int32
	// ResumeOffsets holds the last processed offset per partition from a
	// checkpoint. Consumption resumes at offset+1; absent partitions start
	// at the earliest available offset.
	ResumeOffsets map[int32]int64
	PollWait      time.Duration
}

// Consumer pulls ordered records for one stream and tracks its watermark.
// Not safe for concurrent use; each Consumer is owned by a single Worker.
type Consumer struct {
	client       *kgo.Client
	cfg          Config
	maxEventTime int64
	logger       *zap.Logger

	productCodec codec.JsonCodec[model.ProductRecord]
	userCodec    codec.JsonCodec[model.UserRecord]
	saleCodec    codec.JsonCodec[model.SaleEvent]
	viewCodec    codec.JsonCodec[model.ViewEvent]
}

func NewConsumer(cluster Cluster, kgoLogger kgo.Logger, logger *zap.Logger, cfg Config) (*Consumer, error) {
	if len(cfg.Partitions) == 0 {
		return nil, fmt.Errorf("stream %s: no partitions to consume", cfg.Stream)
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = time.Second
	}
	assignments := make(map[int32]kgo.Offset, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		if off, ok := cfg.ResumeOffsets[p]; ok {
			assignments[p] = kgo.NewOffset().At(off + 1)
		} else {
			assignments[p] = kgo.NewOffset().AtStart()
		}
	}
	client, err := NewClient(cluster, kgoLogger,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Topic: assignments}),
		kgo.FetchMaxWait(cfg.PollWait),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.Stringer("source", cfg.Stream)),
	}, nil
}

func (c *Consumer) Stream() StreamID {
	return c.cfg.Stream
}

// Watermark is max(event time seen) - allowed lateness, monotonic since
// maxEventTime only ratchets up. Streams with unbounded staleness tolerance
// report the max watermark so they never hold back the global low-watermark.
func (c *Consumer) Watermark() int64 {
	if c.cfg.AllowedLatenessMillis < 0 {
		return math.MaxInt64
	}
	if c.maxEventTime == 0 {
		return 0
	}
	return c.maxEventTime - c.cfg.AllowedLatenessMillis
}

// Poll fetches the next batch. A returned batch may be non-empty even when
// err is non-nil: partitions fail independently and healthy ones keep
// flowing. err wraps ErrUnavailable for retryable fetch failures.
func (c *Consumer) Poll(rs sak.RunStatus) (Batch, error) {
	fetches := c.client.PollFetches(rs.Ctx())
	if fetches.IsClientClosed() {
		return Batch{Stream: c.cfg.Stream}, fmt.Errorf("%s: client closed: %w", c.cfg.Stream, ErrUnavailable)
	}
	if err := rs.Err(); err != nil {
		return Batch{Stream: c.cfg.Stream}, err
	}

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		fetchErr = fmt.Errorf("%s partition %d: %v: %w", topic, partition, err, ErrUnavailable)
	})

	batch := Batch{Stream: c.cfg.Stream}
	fetches.EachRecord(func(r *kgo.Record) {
		env, err := c.decode(r)
		if err != nil {
			// a poison record is unrecoverable. skip it rather than wedging the partition
			c.logger.Error("failed to deserialize record, skipping",
				zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset), zap.Error(err))
			return
		}
		c.maxEventTime = sak.Max(c.maxEventTime, env.EventTime)
		batch.Records = append(batch.Records, env)
	})
	batch.Watermark = c.Watermark()
	return batch, fetchErr
}

func (c *Consumer) decode(r *kgo.Record) (Envelope, error) {
	env := Envelope{
		Stream:    c.cfg.Stream,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
	var err error
	switch c.cfg.Stream {
	case Products:
		var p model.ProductRecord
		if p, err = c.productCodec.Decode(r.Value); err == nil {
			env.Product = &p
			env.EventTime = r.Timestamp.UnixMilli()
		}
	case Users:
		var u model.UserRecord
		if u, err = c.userCodec.Decode(r.Value); err == nil {
			env.User = &u
			env.EventTime = r.Timestamp.UnixMilli()
		}
	case Sales:
		var s model.SaleEvent
		if s, err = c.saleCodec.Decode(r.Value); err == nil {
			env.Sale = &s
			env.EventTime = s.EventTime
		}
	case Views:
		var v model.ViewEvent
		if v, err = c.viewCodec.Decode(r.Value); err == nil {
			env.View = &v
			env.EventTime = v.EventTime
		}
	default:
		err = fmt.Errorf("unhandled stream %v", c.cfg.Stream)
	}
	return env, err
}

func (c *Consumer) Close() {
	c.client.Close()
}

// ErrorReporter is the subset of the metrics registry a Worker needs.
type ErrorReporter interface {
	ReportSourceError(stream StreamID)
}

// Worker owns one Consumer and pushes its batches into the shared, bounded
// ingestion queue. Backpressure from a full queue blocks here, which in turn
// slows polling, the natural upstream propagation.
type Worker struct {
	consumer *Consumer
	out      chan<- Batch
	logger   *zap.Logger
	reporter ErrorReporter
}

func NewWorker(consumer *Consumer, out chan<- Batch, logger *zap.Logger, reporter ErrorReporter) *Worker {
	return &Worker{
		consumer: consumer,
		out:      out,
		logger:   logger.With(zap.Stringer("source", consumer.Stream())),
		reporter: reporter,
	}
}

const (
	minPollBackoff = 250 * time.Millisecond
	maxPollBackoff = 10 * time.Second
)

// Run polls until halted. Transient fetch failures back off exponentially
// without stalling the other sources.
func (w *Worker) Run(rs sak.RunStatus) {
	defer w.consumer.Close()
	backoff := minPollBackoff
	for rs.Running() {
		batch, err := w.consumer.Poll(rs)
		if len(batch.Records) > 0 || err == nil {
			select {
			case w.out <- batch:
			case <-rs.Done():
				return
			}
		}
		if err == nil {
			backoff = minPollBackoff
			continue
		}
		if !errors.Is(err, ErrUnavailable) {
			return
		}
		if w.reporter != nil {
			w.reporter.ReportSourceError(w.consumer.Stream())
		}
		w.logger.Warn("poll failed, backing off", zap.Duration("backoff", backoff), zap.Error(err))
		if !rs.Sleep(backoff) {
			return
		}
		backoff = sak.Min(backoff*2, maxPollBackoff)
	}
}
