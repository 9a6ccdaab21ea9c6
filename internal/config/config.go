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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration for YAML parsing. The literal "unbounded"
// (or a negative duration) means the value does not apply: for a source's
// allowed lateness it removes that source from watermark gating, for the
// match window it makes any recorded sale eligible.
type Duration time.Duration

const Unbounded = Duration(-1)

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if strings.EqualFold(raw, "unbounded") || strings.EqualFold(raw, "none") {
		*d = Unbounded
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) IsUnbounded() bool {
	return d < 0
}

// Millis returns the duration in epoch-millisecond units, the resolution all
// event times and watermarks are tracked in. Unbounded stays negative so the
// sentinel survives the unit conversion.
func (d Duration) Millis() int64 {
	if d < 0 {
		return -1
	}
	return int64(time.Duration(d) / time.Millisecond)
}

type TopicsConfig struct {
	Products   string `yaml:"products"`
	Users      string `yaml:"users"`
	Sales      string `yaml:"sales"`
	Views      string `yaml:"views"`
	DeadLetter string `yaml:"dead_letter"`
}

type LatenessConfig struct {
	Products Duration `yaml:"products"`
	Users    Duration `yaml:"users"`
	Sales    Duration `yaml:"sales"`
	Views    Duration `yaml:"views"`
}

type SinkConfig struct {
	// Endpoint is the base URL of the document index, e.g. http://localhost:9200
	Endpoint string `yaml:"endpoint"`
	Index    string `yaml:"index"`
	// MaxFlushesPerSecond throttles flushes to the index. Zero disables throttling.
	MaxFlushesPerSecond float64 `yaml:"max_flushes_per_second"`
}

type CheckpointConfig struct {
	// Backend selects the checkpoint store implementation: "fs" or "pebble".
	Backend string `yaml:"backend"`
	// Keep is the number of historical artifacts retained for corruption fallback.
	Keep int `yaml:"keep"`
}

type LimitsConfig struct {
	// MaxPendingViews bounds the unresolved join buffer. Exceeding it is fatal
	// unless ForceFinalizeOldest is set.
	MaxPendingViews int `yaml:"max_pending_views"`
	// MaxSalesPerProduct bounds the per-key fact buffer. The most recent sale
	// for a product is always retained.
	MaxSalesPerProduct  int  `yaml:"max_sales_per_product"`
	ForceFinalizeOldest bool `yaml:"force_finalize_oldest"`
}

type QueueConfig struct {
	IngestCapacity int `yaml:"ingest_capacity"`
	OutputCapacity int `yaml:"output_capacity"`
}

type Config struct {
	Brokers []string     `yaml:"brokers"`
	Topics  TopicsConfig `yaml:"topics"`

	AllowedLateness         LatenessConfig   `yaml:"allowed_lateness_per_source"`
	MatchWindow             Duration         `yaml:"match_window"`
	CheckpointInterval      Duration         `yaml:"checkpoint_interval"`
	CheckpointStoreLocation string           `yaml:"checkpoint_store_location"`
	SinkBatchSize           int              `yaml:"sink_batch_size"`
	SinkBatchInterval       Duration         `yaml:"sink_batch_interval"`
	MaxSinkRetryAttempts    int              `yaml:"max_sink_retry_attempts"`
	Sink                    SinkConfig       `yaml:"sink"`
	Checkpoint              CheckpointConfig `yaml:"checkpoint"`
	Limits                  LimitsConfig     `yaml:"limits"`
	Queues                  QueueConfig      `yaml:"queues"`

	MetricsAddr    string   `yaml:"metrics_addr"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
	LogLevel       string   `yaml:"log_level"`
	KafkaLogLevel  string   `yaml:"kafka_log_level"`
	SourcePollWait Duration `yaml:"source_poll_wait"`
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENRICHER_BROKERS"); v != "" {
		c.Brokers = splitAndTrim(v)
	}
	if v := os.Getenv("ENRICHER_SINK_ENDPOINT"); v != "" {
		c.Sink.Endpoint = v
	}
	if v := os.Getenv("ENRICHER_CHECKPOINT_LOCATION"); v != "" {
		c.CheckpointStoreLocation = v
	}
	if v := os.Getenv("ENRICHER_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("ENRICHER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) withDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"127.0.0.1:9092"}
	}
	defaultString(&c.Topics.Products, "clickstream_products")
	defaultString(&c.Topics.Users, "clickstream_users")
	defaultString(&c.Topics.Sales, "clickstream_sales")
	defaultString(&c.Topics.Views, "clickstream_views")
	defaultString(&c.Topics.DeadLetter, "enricher_dead_letter")

	// Dimension streams are slowly changing and never meaningfully late. They
	// update state but do not gate the global watermark.
	defaultDuration(&c.AllowedLateness.Products, Unbounded)
	defaultDuration(&c.AllowedLateness.Users, Unbounded)
	defaultDuration(&c.AllowedLateness.Sales, Duration(30*time.Second))
	defaultDuration(&c.AllowedLateness.Views, Duration(30*time.Second))

	if c.MatchWindow == 0 {
		c.MatchWindow = Unbounded
	}
	defaultDuration(&c.CheckpointInterval, Duration(30*time.Second))
	defaultString(&c.CheckpointStoreLocation, "checkpoints")
	defaultString(&c.Checkpoint.Backend, "fs")
	if c.Checkpoint.Keep <= 0 {
		c.Checkpoint.Keep = 3
	}
	if c.SinkBatchSize <= 0 {
		c.SinkBatchSize = 500
	}
	defaultDuration(&c.SinkBatchInterval, Duration(time.Second))
	if c.MaxSinkRetryAttempts <= 0 {
		c.MaxSinkRetryAttempts = 5
	}
	defaultString(&c.Sink.Endpoint, "http://127.0.0.1:9200")
	defaultString(&c.Sink.Index, "enriched_views")
	if c.Limits.MaxPendingViews <= 0 {
		c.Limits.MaxPendingViews = 250000
	}
	if c.Limits.MaxSalesPerProduct <= 0 {
		c.Limits.MaxSalesPerProduct = 64
	}
	if c.Queues.IngestCapacity <= 0 {
		c.Queues.IngestCapacity = 64
	}
	if c.Queues.OutputCapacity <= 0 {
		c.Queues.OutputCapacity = 4096
	}
	defaultString(&c.MetricsAddr, ":9087")
	defaultDuration(&c.ShutdownGrace, Duration(20*time.Second))
	defaultString(&c.LogLevel, "info")
	defaultString(&c.KafkaLogLevel, "error")
	defaultDuration(&c.SourcePollWait, Duration(time.Second))
}

func defaultString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func defaultDuration(target *Duration, value Duration) {
	if *target == 0 {
		*target = value
	}
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	switch c.Checkpoint.Backend {
	case "fs", "pebble":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (expected fs or pebble)", c.Checkpoint.Backend)
	}
	if c.AllowedLateness.Views.IsUnbounded() {
		return fmt.Errorf("allowed_lateness_per_source.views must be bounded: it defines the finalization deadline for pending views")
	}
	if c.AllowedLateness.Sales.IsUnbounded() {
		return fmt.Errorf("allowed_lateness_per_source.sales must be bounded")
	}
	if c.SinkBatchSize > 10000 {
		return fmt.Errorf("sink_batch_size %d too large (max 10000)", c.SinkBatchSize)
	}
	return nil
}
