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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"go.uber.org/zap"
)

type capturingSink struct {
	mu      sync.Mutex
	batches [][]Document
	// failures maps a document id to how many Upsert calls should reject it
	failures map[string]int
}

func (c *capturingSink) Upsert(_ context.Context, docs []Document) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]Document(nil), docs...))
	errs := make([]error, len(docs))
	for i, doc := range docs {
		if c.failures[doc.ID] > 0 {
			c.failures[doc.ID]--
			errs[i] = errors.New("upsert rejected")
		}
	}
	return errs
}

func (c *capturingSink) written() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, batch := range c.batches {
		for _, doc := range batch {
			out[doc.ID]++
		}
	}
	return out
}

func (c *capturingSink) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type capturingDeadLetter struct {
	mu       sync.Mutex
	diverted []Document
}

func (c *capturingDeadLetter) Divert(_ context.Context, doc Document, _ int, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diverted = append(c.diverted, doc)
}

func (c *capturingDeadLetter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diverted)
}

func record(i int) model.EnrichedRecord {
	return model.EnrichedRecord{ProductID: fmt.Sprintf("p%d", i), UserID: "u1", ViewTime: int64(i)}
}

type writerFixture struct {
	in     chan model.EnrichedRecord
	sink   *capturingSink
	dead   *capturingDeadLetter
	writer *Writer
	rs     sak.RunStatus
	done   chan struct{}
}

func newWriterFixture(cfg WriterConfig) *writerFixture {
	f := &writerFixture{
		in:   make(chan model.EnrichedRecord, 64),
		sink: &capturingSink{failures: make(map[string]int)},
		dead: &capturingDeadLetter{},
		rs:   sak.NewRunStatus(context.Background()),
		done: make(chan struct{}),
	}
	f.writer = NewWriter(f.in, f.sink, f.dead, cfg, zap.NewNop(), metrics.NewRegistry())
	go func() {
		f.writer.Run(f.rs)
		close(f.done)
	}()
	return f
}

func (f *writerFixture) close(t *testing.T) {
	t.Helper()
	close(f.in)
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not exit")
	}
}

func TestFlushBySize(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 3, BatchInterval: time.Hour})
	for i := 0; i < 3; i++ {
		f.in <- record(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.sink.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.close(t)
	if len(f.sink.batches[0]) != 3 {
		t.Errorf("incorrect batch size. actual: %d, expected: %d", len(f.sink.batches[0]), 3)
	}
}

func TestFlushByInterval(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 1000, BatchInterval: 20 * time.Millisecond})
	f.in <- record(0)
	deadline := time.Now().Add(5 * time.Second)
	for f.sink.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.close(t)
	if written := f.sink.written(); written["p0:u1:0"] != 1 {
		t.Errorf("record not written exactly once: %v", written)
	}
}

func TestFinalFlushOnClose(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 1000, BatchInterval: time.Hour})
	for i := 0; i < 5; i++ {
		f.in <- record(i)
	}
	f.close(t)
	written := f.sink.written()
	if len(written) != 5 {
		t.Errorf("incorrect written count. actual: %d, expected: %d", len(written), 5)
	}
}

func TestFlushBarrierCoversQueuedRecords(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 1000, BatchInterval: time.Hour})
	for i := 0; i < 10; i++ {
		f.in <- record(i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.writer.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if written := f.sink.written(); len(written) != 10 {
		t.Errorf("barrier did not cover queued records. actual: %d, expected: %d", len(written), 10)
	}
	f.close(t)

	// after the writer exits, the barrier is a no-op rather than a deadlock
	if err := f.writer.Flush(context.Background()); err != nil {
		t.Errorf("flush after exit should succeed: %v", err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 2, BatchInterval: time.Hour, MaxAttempts: 5})
	f.sink.failures["p0:u1:0"] = 2
	f.in <- record(0)
	f.in <- record(1)
	f.close(t)

	written := f.sink.written()
	if written["p0:u1:0"] != 3 {
		t.Errorf("incorrect attempt count for failing doc. actual: %d, expected: %d", written["p0:u1:0"], 3)
	}
	// the doc that succeeded on the first try is not resubmitted
	if written["p1:u1:1"] != 1 {
		t.Errorf("succeeded doc was resubmitted. actual: %d, expected: %d", written["p1:u1:1"], 1)
	}
	if f.dead.count() != 0 {
		t.Errorf("no documents should be diverted. actual: %d", f.dead.count())
	}
}

func TestExhaustedRetriesDivertToDeadLetter(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 2, BatchInterval: time.Hour, MaxAttempts: 2})
	f.sink.failures["p0:u1:0"] = 100
	f.in <- record(0)
	f.in <- record(1)
	f.close(t)

	if f.dead.count() != 1 {
		t.Fatalf("incorrect diverted count. actual: %d, expected: %d", f.dead.count(), 1)
	}
	if f.dead.diverted[0].ID != "p0:u1:0" {
		t.Errorf("incorrect diverted doc. actual: %s, expected: %s", f.dead.diverted[0].ID, "p0:u1:0")
	}
	// the healthy doc is still delivered
	if written := f.sink.written(); written["p1:u1:1"] == 0 {
		t.Error("healthy doc was not delivered")
	}
}

func TestHardStopAbandonsRetries(t *testing.T) {
	f := newWriterFixture(WriterConfig{BatchSize: 1, BatchInterval: time.Hour, MaxAttempts: 100})
	f.sink.failures["p0:u1:0"] = 1000
	f.in <- record(0)

	deadline := time.Now().Add(5 * time.Second)
	for f.sink.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.rs.Halt()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop on halt")
	}
}
