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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/retailstream/enricher/internal/join"
	"github.com/retailstream/enricher/internal/metrics"
	"github.com/retailstream/enricher/internal/sak"
	"go.uber.org/zap"
)

// SnapshotSource is the join engine's checkpoint surface.
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context) (join.Snapshot, error)
}

// Flusher is the sink writer's checkpoint barrier: it returns once every
// record emitted before the call is durable in the sink.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Manager captures and persists checkpoints on a fixed interval. A failed
// write is transient: it is logged and counted, and the prior artifact
// remains authoritative until a new one succeeds.
type Manager struct {
	engine   SnapshotSource
	flusher  Flusher
	store    Store
	interval time.Duration
	keep     int
	logger   *zap.Logger
	mtr      *metrics.Registry
}

func NewManager(engine SnapshotSource, flusher Flusher, store Store, interval time.Duration, keep int,
	logger *zap.Logger, mtr *metrics.Registry) *Manager {
	if keep <= 0 {
		keep = 3
	}
	return &Manager{
		engine:   engine,
		flusher:  flusher,
		store:    store,
		interval: interval,
		keep:     keep,
		logger:   logger.Named("checkpoint"),
		mtr:      mtr,
	}
}

func (m *Manager) Run(rs sak.RunStatus) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Checkpoint(rs.Ctx()); err != nil && !errors.Is(err, context.Canceled) {
				m.mtr.CheckpointFailures.Inc()
				m.logger.Warn("checkpoint failed, prior artifact remains authoritative", zap.Error(err))
			}
		case <-rs.Done():
			return
		}
	}
}

// Checkpoint captures a snapshot from the running engine and persists it.
func (m *Manager) Checkpoint(ctx context.Context) error {
	snap, err := m.engine.RequestSnapshot(ctx)
	if err != nil {
		return err
	}
	return m.Persist(ctx, snap)
}

// Persist publishes a snapshot. The sink is flushed first: an artifact must
// never be published while a record finalized before its capture point could
// still be lost from the in-memory output queue.
func (m *Manager) Persist(ctx context.Context, snap join.Snapshot) error {
	start := time.Now()
	if err := m.flusher.Flush(ctx); err != nil {
		return err
	}

	ref := Ref{ID: uuid.NewString(), CreatedAt: start.UnixMilli()}
	payload := Payload{
		ID:         ref.ID,
		CreatedAt:  ref.CreatedAt,
		Offsets:    make(map[string]map[int32]int64, len(snap.Offsets)),
		Watermarks: make(map[string]int64, len(snap.Watermarks)),
		State:      snap.State.Data(),
	}
	for stream, partitions := range snap.Offsets {
		payload.Offsets[stream.String()] = partitions
	}
	for stream, wm := range snap.Watermarks {
		payload.Watermarks[stream.String()] = wm
	}
	framed, err := Encode(payload)
	if err != nil {
		return err
	}
	if err = m.store.Publish(ctx, ref, framed); err != nil {
		return err
	}
	if err = m.store.Prune(ctx, m.keep); err != nil {
		m.logger.Warn("failed to prune old checkpoints", zap.Error(err))
	}
	m.mtr.CheckpointDuration.Observe(time.Since(start).Seconds())
	m.logger.Info("checkpoint published",
		zap.String("id", ref.ID),
		zap.Int("pending_views", len(payload.State.Pending)),
		zap.Int("buffered_sales", len(payload.State.Sales)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Restore loads the newest valid checkpoint. A corrupt or incomplete latest
// artifact falls back to the next-newest valid one; if none is valid the
// pipeline cold starts, surfaced as a data-loss warning since replay from
// the earliest offsets is only at-least-once.
func Restore(ctx context.Context, store Store, logger *zap.Logger, mtr *metrics.Registry) (*Payload, error) {
	_, framed, err := store.Latest(ctx)
	if errors.Is(err, ErrNotExist) {
		logger.Info("no checkpoint found, cold starting from earliest offsets")
		return nil, nil
	}
	if err == nil {
		payload, decodeErr := Decode(framed)
		if decodeErr == nil {
			mtr.CheckpointRestores.Inc()
			return &payload, nil
		}
		err = decodeErr
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	logger.Warn("latest checkpoint invalid, searching for prior valid artifact", zap.Error(err))

	refs, listErr := store.List(ctx)
	if listErr != nil {
		return nil, listErr
	}
	for _, ref := range refs {
		framed, readErr := store.Read(ctx, ref)
		if readErr != nil {
			logger.Warn("skipping unreadable checkpoint", zap.String("id", ref.ID), zap.Error(readErr))
			continue
		}
		payload, decodeErr := Decode(framed)
		if decodeErr != nil {
			logger.Warn("skipping corrupt checkpoint", zap.String("id", ref.ID), zap.Error(decodeErr))
			continue
		}
		logger.Warn("recovered from prior checkpoint, records since its capture will be reprocessed",
			zap.String("id", ref.ID))
		mtr.CheckpointRestores.Inc()
		return &payload, nil
	}
	logger.Warn("no valid checkpoint found, cold starting with possible data loss (at-least-once fallback)")
	return nil, nil
}
