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

// Package watermark aggregates per-source watermarks into the global
// low-watermark that gates pending-join finalization and state eviction.
package watermark

import (
	"math"
	"time"

	"github.com/retailstream/enricher/internal/sak"
	"github.com/retailstream/enricher/internal/source"
)

// Coordinator is owned by the join engine goroutine and is not safe for
// concurrent use. A source that stops advancing freezes the global watermark;
// that is the correct conservative behavior, and Ages() exposes it so a
// stalled source is observable rather than silent.
type Coordinator struct {
	perSource   [4]int64
	lastAdvance [4]time.Time
	global      int64
	now         func() time.Time
}

func NewCoordinator() *Coordinator {
	return newCoordinator(time.Now)
}

func newCoordinator(now func() time.Time) *Coordinator {
	c := &Coordinator{now: now}
	start := now()
	for i := range c.lastAdvance {
		c.lastAdvance[i] = start
	}
	return c
}

// Observe records a per-source watermark and recomputes the global
// low-watermark. Regressions are ignored: both the per-source and the global
// watermark are monotonic non-decreasing. Reports whether the global
// watermark advanced.
func (c *Coordinator) Observe(stream source.StreamID, wm int64) bool {
	if wm <= c.perSource[stream] {
		return false
	}
	c.perSource[stream] = wm
	c.lastAdvance[stream] = c.now()

	global := sak.MinN(c.perSource[:]...)
	if global <= c.global || global == math.MaxInt64 {
		return false
	}
	c.global = global
	return true
}

// Global returns the current global low-watermark: no unseen event with an
// earlier event time will arrive on any source.
func (c *Coordinator) Global() int64 {
	return c.global
}

// Source returns the watermark last observed for one stream.
func (c *Coordinator) Source(stream source.StreamID) int64 {
	return c.perSource[stream]
}

// Restore seeds watermarks from a checkpoint. Only values ahead of the
// current state are applied, preserving monotonicity.
func (c *Coordinator) Restore(perSource map[source.StreamID]int64) {
	for stream, wm := range perSource {
		c.Observe(stream, wm)
	}
}

// Snapshot returns the per-source watermarks for checkpointing.
func (c *Coordinator) Snapshot() map[source.StreamID]int64 {
	out := make(map[source.StreamID]int64, len(c.perSource))
	for i, wm := range c.perSource {
		out[source.StreamID(i)] = wm
	}
	return out
}

// Age returns how long a source's watermark has been frozen.
func (c *Coordinator) Age(stream source.StreamID) time.Duration {
	return c.now().Sub(c.lastAdvance[stream])
}
