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

// Package join implements the streaming left-outer join over the four input
// streams. A single goroutine owns all state mutation; the source workers and
// the sink writer communicate with it only through bounded channels.
package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/model"
	"github.com/retailstream/enricher/internal/sak"
	"github.com/retailstream/enricher/internal/source"
	"github.com/retailstream/enricher/internal/state"
	"github.com/retailstream/enricher/internal/watermark"
	"go.uber.org/zap"
)

// ErrCapacityExceeded is fatal by default: the pending-view buffer can only
// grow without bound if a source is permanently stalled, and silently
// shedding joins would violate the one-output-per-view guarantee. Set
// ForceFinalizeOldest to trade that for bounded memory.
var ErrCapacityExceeded = errors.New("pending view buffer capacity exceeded")

type Config struct {
	ViewLatenessMillis  int64
	SalesLatenessMillis int64
	// MatchWindowMillis bounds sale eligibility to view event time plus this
	// window. Negative means unbounded.
	MatchWindowMillis   int64
	MaxPendingViews     int
	ForceFinalizeOldest bool
}

// Snapshot is everything the checkpoint manager persists: the state store
// capture plus the exact read positions and watermarks it corresponds to.
type Snapshot struct {
	State      state.Snapshot
	Offsets    map[source.StreamID]map[int32]int64
	Watermarks map[source.StreamID]int64
}

type Engine struct {
	store   *state.Store
	wm      *watermark.Coordinator
	in      <-chan source.Batch
	out     chan<- model.EnrichedRecord
	cfg     Config
	logger  *zap.Logger
	mtr     *metrics.Registry
	offsets map[source.StreamID]map[int32]int64

	snapshots chan chan Snapshot
	finished  chan struct{}
	// hard cancellation for the emission path: when the grace period expires
	// mid-shutdown, in-flight emissions are abandoned and the next startup
	// recovers them from the last checkpoint.
	hard sak.RunStatus
}

func NewEngine(store *state.Store, wm *watermark.Coordinator, in <-chan source.Batch, out chan<- model.EnrichedRecord,
	cfg Config, logger *zap.Logger, mtr *metrics.Registry, hard sak.RunStatus) *Engine {
	offsets := make(map[source.StreamID]map[int32]int64, len(source.All()))
	for _, stream := range source.All() {
		offsets[stream] = make(map[int32]int64)
	}
	return &Engine{
		store:     store,
		wm:        wm,
		in:        in,
		out:       out,
		cfg:       cfg,
		logger:    logger.Named("join"),
		mtr:       mtr,
		offsets:   offsets,
		snapshots: make(chan chan Snapshot),
		finished:  make(chan struct{}),
		hard:      hard,
	}
}

// RestoreOffsets seeds read positions from a checkpoint before Run.
func (e *Engine) RestoreOffsets(offsets map[source.StreamID]map[int32]int64) {
	for stream, partitions := range offsets {
		for p, off := range partitions {
			e.offsets[stream][p] = off
		}
	}
}

// Offsets returns the last processed offset per partition per stream.
func (e *Engine) Offsets() map[source.StreamID]map[int32]int64 {
	out := make(map[source.StreamID]map[int32]int64, len(e.offsets))
	for stream, partitions := range e.offsets {
		cp := make(map[int32]int64, len(partitions))
		for p, off := range partitions {
			cp[p] = off
		}
		out[stream] = cp
	}
	return out
}

// Run is the single-writer evaluation loop. It exits cleanly when the
// ingestion channel is closed and drained, or with an error on a fatal
// condition.
func (e *Engine) Run() error {
	defer close(e.finished)
	for {
		select {
		case reply := <-e.snapshots:
			reply <- e.SnapshotNow()
		case batch, ok := <-e.in:
			if !ok {
				return nil
			}
			if err := e.handleBatch(batch); err != nil {
				return err
			}
		}
	}
}

// RequestSnapshot asks the running engine for a consistent snapshot. The
// capture itself happens on the engine goroutine between batches, so it
// observes no partial join evaluation.
func (e *Engine) RequestSnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case e.snapshots <- reply:
	case <-e.finished:
		return Snapshot{}, fmt.Errorf("join engine stopped")
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// SnapshotNow captures state synchronously. Safe only from the engine
// goroutine, or after Run has returned.
func (e *Engine) SnapshotNow() Snapshot {
	return Snapshot{
		State:      e.store.Snapshot(),
		Offsets:    e.Offsets(),
		Watermarks: e.wm.Snapshot(),
	}
}

func (e *Engine) handleBatch(batch source.Batch) error {
	for _, env := range batch.Records {
		if err := e.handleEnvelope(env); err != nil {
			return err
		}
		e.offsets[env.Stream][env.Partition] = env.Offset
	}
	if e.wm.Observe(batch.Stream, batch.Watermark) {
		if err := e.onWatermarkAdvance(); err != nil {
			return err
		}
	}
	e.publishGauges(batch.Stream)
	return nil
}

func (e *Engine) handleEnvelope(env source.Envelope) error {
	switch {
	case env.Product != nil:
		e.store.UpsertProduct(*env.Product)
	case env.User != nil:
		e.store.UpsertUser(*env.User)
	case env.Sale != nil:
		return e.handleSale(*env.Sale)
	case env.View != nil:
		return e.handleView(*env.View)
	}
	return nil
}

// handleSale buffers the fact and re-triggers evaluation of every view
// pending on its product id. A sale arriving before its view is therefore
// matched exactly as if it had arrived after.
func (e *Engine) handleSale(sale model.SaleEvent) error {
	e.store.BufferSale(sale)
	for _, pv := range e.store.PendingForProduct(sale.ProductID) {
		if !e.saleEligible(sale, pv.View) {
			continue
		}
		e.store.RemovePending(pv)
		if err := e.emit(e.finalize(pv.View), "matched"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) saleEligible(sale model.SaleEvent, view model.ViewEvent) bool {
	if e.cfg.MatchWindowMillis < 0 {
		return true
	}
	return sale.EventTime <= view.EventTime+e.cfg.MatchWindowMillis
}

// handleView attempts the join immediately. With a match in hand the row is
// emitted right away; otherwise the view is held pending until a sale
// arrives or its deadline passes. Views that arrive already behind the
// global watermark finalize immediately with whatever is known.
func (e *Engine) handleView(view model.ViewEvent) error {
	deadline := view.EventTime + e.cfg.ViewLatenessMillis
	if _, ok := e.store.MatchSale(view.ProductID, view.EventTime, e.cfg.MatchWindowMillis); ok {
		return e.emit(e.finalize(view), "matched")
	}
	if deadline < e.wm.Global() {
		return e.emit(e.finalize(view), "late")
	}
	if e.store.PendingCount() >= e.cfg.MaxPendingViews {
		if !e.cfg.ForceFinalizeOldest {
			return fmt.Errorf("%w: %d pending views", ErrCapacityExceeded, e.store.PendingCount())
		}
		if oldest, ok := e.store.OldestPending(); ok {
			e.store.RemovePending(oldest)
			e.mtr.ForceFinalized.Inc()
			if err := e.emit(e.finalize(oldest.View), "forced"); err != nil {
				return err
			}
		}
	}
	e.store.AddPending(state.PendingView{View: view, Deadline: deadline})
	return nil
}

// onWatermarkAdvance finalizes pending views whose deadline the new global
// watermark has passed, then evicts buffered sales behind the retention
// horizon.
func (e *Engine) onWatermarkAdvance() error {
	global := e.wm.Global()
	for _, pv := range e.store.DuePending(global) {
		e.store.RemovePending(pv)
		rec := e.finalize(pv.View)
		outcome := "unmatched"
		if rec.Matched() {
			outcome = "matched"
		}
		if err := e.emit(rec, outcome); err != nil {
			return err
		}
	}
	horizon := global - e.cfg.SalesLatenessMillis
	if e.cfg.MatchWindowMillis > 0 {
		horizon -= e.cfg.MatchWindowMillis
	}
	e.store.EvictSalesBefore(horizon)
	return nil
}

// finalize resolves the join with the freshest known state. Left-join
// semantics throughout: unknown dimensions or a missing sale produce empty
// and nil fields, never a dropped row.
func (e *Engine) finalize(view model.ViewEvent) model.EnrichedRecord {
	rec := model.EnrichedRecord{
		ProductID: view.ProductID,
		UserID:    view.UserID,
		ViewTime:  view.ViewTime,
	}
	if product, ok := e.store.Product(view.ProductID); ok {
		rec.ProductName = product.Name
		rec.Brand = product.Brand
	}
	if user, ok := e.store.User(view.UserID); ok {
		rec.FirstName = user.FirstName
		rec.LastName = user.LastName
	}
	if sale, ok := e.store.MatchSale(view.ProductID, view.EventTime, e.cfg.MatchWindowMillis); ok {
		rec.OrderID = sak.Ptr(sale.OrderID)
		rec.OrderDate = sak.Ptr(sale.EventTime)
	}
	return rec
}

func (e *Engine) emit(rec model.EnrichedRecord, outcome string) error {
	select {
	case e.out <- rec:
		e.mtr.Emitted.WithLabelValues(outcome).Inc()
		return nil
	case <-e.hard.Done():
		e.logger.Warn("emission abandoned during shutdown, will recover from checkpoint",
			zap.String("record", rec.Key()))
		return e.hard.Err()
	}
}

func (e *Engine) publishGauges(stream source.StreamID) {
	e.mtr.SourceWatermark.WithLabelValues(stream.String()).Set(float64(e.wm.Source(stream)))
	e.mtr.SourceWatermarkAge.WithLabelValues(stream.String()).Set(e.wm.Age(stream).Seconds())
	e.mtr.GlobalWatermark.Set(float64(e.wm.Global()))
	e.mtr.PendingViews.Set(float64(e.store.PendingCount()))
	e.mtr.BufferedSales.Set(float64(e.store.SaleCount()))
	e.mtr.DimensionKeys.WithLabelValues("product").Set(float64(e.store.ProductCount()))
	e.mtr.DimensionKeys.WithLabelValues("user").Set(float64(e.store.UserCount()))
}
