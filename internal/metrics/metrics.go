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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all pipeline instrumentation. A stalled source is observable
// through SourceWatermarkAge: a frozen source freezes the global watermark and
// with it all pending-view finalization.
type Registry struct {
	reg *prometheus.Registry

	SourceWatermark    *prometheus.GaugeVec
	SourceWatermarkAge *prometheus.GaugeVec
	SourceErrors       *prometheus.CounterVec
	GlobalWatermark    prometheus.Gauge

	PendingViews   prometheus.Gauge
	BufferedSales  prometheus.Gauge
	DimensionKeys  *prometheus.GaugeVec
	Emitted        *prometheus.CounterVec
	ForceFinalized prometheus.Counter

	SinkFlushLatency prometheus.Histogram
	SinkRetries      prometheus.Counter
	DeadLetters      prometheus.Counter

	CheckpointDuration prometheus.Histogram
	CheckpointFailures prometheus.Counter
	CheckpointRestores prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	sourceWatermark := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enricher_source_watermark_millis"}, []string{"source"})
	sourceWatermarkAge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enricher_source_watermark_age_seconds"}, []string{"source"})
	sourceErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enricher_source_errors_total"}, []string{"source"})
	globalWatermark := prometheus.NewGauge(prometheus.GaugeOpts{Name: "enricher_global_watermark_millis"})

	pendingViews := prometheus.NewGauge(prometheus.GaugeOpts{Name: "enricher_pending_views"})
	bufferedSales := prometheus.NewGauge(prometheus.GaugeOpts{Name: "enricher_buffered_sales"})
	dimensionKeys := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enricher_dimension_keys"}, []string{"entity"})
	emitted := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enricher_emitted_total"}, []string{"outcome"})
	forceFinalized := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_force_finalized_total"})

	sinkFlushLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enricher_sink_flush_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	sinkRetries := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_sink_retries_total"})
	deadLetters := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_dead_letters_total"})

	checkpointDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enricher_checkpoint_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	checkpointFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_checkpoint_failures_total"})
	checkpointRestores := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_checkpoint_restores_total"})

	r.MustRegister(sourceWatermark, sourceWatermarkAge, sourceErrors, globalWatermark,
		pendingViews, bufferedSales, dimensionKeys, emitted, forceFinalized,
		sinkFlushLatency, sinkRetries, deadLetters,
		checkpointDuration, checkpointFailures, checkpointRestores)

	return &Registry{
		reg:                r,
		SourceWatermark:    sourceWatermark,
		SourceWatermarkAge: sourceWatermarkAge,
		SourceErrors:       sourceErrors,
		GlobalWatermark:    globalWatermark,
		PendingViews:       pendingViews,
		BufferedSales:      bufferedSales,
		DimensionKeys:      dimensionKeys,
		Emitted:            emitted,
		ForceFinalized:     forceFinalized,
		SinkFlushLatency:   sinkFlushLatency,
		SinkRetries:        sinkRetries,
		DeadLetters:        deadLetters,
		CheckpointDuration: checkpointDuration,
		CheckpointFailures: checkpointFailures,
		CheckpointRestores: checkpointRestores,
	}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
