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

package checkpoint

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/retailstream/enricher/internal/join"
	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"github.com/retailstream/enricher/internal/source"
	"github.com/retailstream/enricher/internal/state"
	"github.com/retailstream/enricher/internal/watermark"
	"go.uber.org/zap"
)

type flushRecorder struct {
	flushes int
}

func (f *flushRecorder) Flush(context.Context) error {
	f.flushes++
	return nil
}

type engineRun struct {
	in     chan source.Batch
	out    chan model.EnrichedRecord
	engine *join.Engine
	done   chan error
}

// startEngine runs a join engine over an unbuffered ingest channel so a
// snapshot request lands exactly after the last fed batch.
func startEngine(store *state.Store, wm *watermark.Coordinator) *engineRun {
	r := &engineRun{
		in:   make(chan source.Batch),
		out:  make(chan model.EnrichedRecord, 64),
		done: make(chan error, 1),
	}
	cfg := join.Config{
		ViewLatenessMillis:  100,
		SalesLatenessMillis: 100,
		MatchWindowMillis:   -1,
		MaxPendingViews:     100,
	}
	r.engine = join.NewEngine(store, wm, r.in, r.out, cfg,
		zap.NewNop(), metrics.NewRegistry(), sak.NewRunStatus(context.Background()))
	go func() { r.done <- r.engine.Run() }()
	return r
}

func (r *engineRun) feed(batches []source.Batch) {
	for _, b := range batches {
		r.in <- b
	}
}

func (r *engineRun) stop(t *testing.T) []model.EnrichedRecord {
	t.Helper()
	close(r.in)
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("engine exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit")
	}
	close(r.out)
	var records []model.EnrichedRecord
	for rec := range r.out {
		records = append(records, rec)
	}
	return records
}

// replayScript builds the same event sequence every call, with stable offsets,
// split at the point where a checkpoint is taken.
func replayScript() (prefix, suffix []source.Batch) {
	next := make(map[source.StreamID]int64)
	batch := func(stream source.StreamID, wm int64, envs ...source.Envelope) source.Batch {
		for i := range envs {
			envs[i].Stream = stream
			envs[i].Offset = next[stream]
			next[stream]++
		}
		return source.Batch{Stream: stream, Watermark: wm, Records: envs}
	}
	saleEnv := func(orderID, productID string, et int64) source.Envelope {
		return source.Envelope{EventTime: et, Sale: &model.SaleEvent{
			OrderID: orderID, ProductID: productID, CustomerID: "u1", EventTime: et,
		}}
	}
	viewEnv := func(productID string, et int64) source.Envelope {
		return source.Envelope{EventTime: et, View: &model.ViewEvent{
			ProductID: productID, UserID: "u1", ViewTime: et, EventTime: et,
		}}
	}

	prefix = []source.Batch{
		batch(source.Products, math.MaxInt64, source.Envelope{Product: &model.ProductRecord{ID: "p1", Brand: "acme", Name: "widget"}}),
		batch(source.Users, math.MaxInt64, source.Envelope{User: &model.UserRecord{ID: "u1", FirstName: "Ada", LastName: "Lovelace"}}),
		batch(source.Sales, 100, saleEnv("1000", "p1", 50)),
		// joins immediately against the sale above
		batch(source.Views, 120, viewEnv("p1", 60)),
		// stays pending: no sale for p2 yet
		batch(source.Views, 130, viewEnv("p2", 70)),
	}
	suffix = []source.Batch{
		// picks up the pending p2 view
		batch(source.Sales, 150, saleEnv("2000", "p2", 80)),
		// never matched, finalizes when the watermark passes its deadline
		batch(source.Views, 140, viewEnv("p3", 90)),
		batch(source.Sales, 400),
		batch(source.Views, 400),
	}
	return prefix, suffix
}

func indexRecords(records []model.EnrichedRecord) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		summary := rec.FirstName
		if rec.OrderID != nil {
			summary += "/" + *rec.OrderID
		}
		out[rec.Key()] = summary
	}
	return out
}

// A pipeline stopped at a checkpoint and resumed from it must finalize the
// same record set as one that never stopped, with nothing finalized twice.
func TestRestoreAndReplayMatchesContinuousRun(t *testing.T) {
	ctx := context.Background()

	prefix, suffix := replayScript()
	continuous := startEngine(state.NewStore(0), watermark.NewCoordinator())
	continuous.feed(prefix)
	continuous.feed(suffix)
	expected := indexRecords(continuous.stop(t))
	if len(expected) != 3 {
		t.Fatalf("incorrect continuous record count. actual: %d, expected: %d", len(expected), 3)
	}

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	prefix, suffix = replayScript()
	first := startEngine(state.NewStore(0), watermark.NewCoordinator())
	first.feed(prefix)
	snap, err := first.engine.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	flusher := &flushRecorder{}
	mgr := NewManager(first.engine, flusher, store, time.Minute, 3, zap.NewNop(), metrics.NewRegistry())
	if err = mgr.Persist(ctx, snap); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	// the sink barrier runs before the artifact is published
	if flusher.flushes != 1 {
		t.Errorf("incorrect flush count. actual: %d, expected: %d", flusher.flushes, 1)
	}
	durable := indexRecords(first.stop(t))

	payload, err := Restore(ctx, store, zap.NewNop(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if payload == nil {
		t.Fatal("expected a restored payload")
	}
	if off := payload.Offsets["views"][0]; off != 1 {
		t.Errorf("incorrect resume offset. actual: %d, expected: %d", off, 1)
	}

	restoredStore := state.NewStore(0)
	restoredStore.Restore(payload.State)
	coord := watermark.NewCoordinator()
	wms, err := payload.WatermarksByStream()
	if err != nil {
		t.Fatal(err)
	}
	coord.Restore(wms)
	offsets, err := payload.OffsetsByStream()
	if err != nil {
		t.Fatal(err)
	}
	resumed := startEngine(restoredStore, coord)
	resumed.engine.RestoreOffsets(offsets)
	resumed.feed(suffix)
	for key, summary := range indexRecords(resumed.stop(t)) {
		if _, dup := durable[key]; dup {
			t.Errorf("record %s finalized on both sides of the restart", key)
		}
		durable[key] = summary
	}

	if len(durable) != len(expected) {
		t.Fatalf("incorrect record count across restart. actual: %d, expected: %d", len(durable), len(expected))
	}
	for key, summary := range expected {
		if durable[key] != summary {
			t.Errorf("divergent record %s. actual: %q, expected: %q", key, durable[key], summary)
		}
	}
}
