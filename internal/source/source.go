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

// Package source adapts partitioned Kafka topics into the ordered, watermarked
// batches consumed by the join engine.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/retailstream/enricher/internal/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// StreamID identifies one of the four input streams.
type StreamID int8

const (
	Products StreamID = iota
	Users
	Sales
	Views
	numStreams
)

func (s StreamID) String() string {
	switch s {
	case Products:
		return "products"
	case Users:
		return "users"
	case Sales:
		return "sales"
	case Views:
		return "views"
	}
	return fmt.Sprintf("stream(%d)", int8(s))
}

// All returns the stream ids in declaration order.
func All() []StreamID {
	return []StreamID{Products, Users, Sales, Views}
}

// ParseStreamID is the inverse of StreamID.String. Used when decoding
// checkpoint artifacts, which key offsets by stream name.
func ParseStreamID(s string) (StreamID, error) {
	for _, id := range All() {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown stream %q", s)
}

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text connection to a Kafka cluster.
//
//	cluster := source.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and addtional `options`.
func NewClient(cluster Cluster, logger kgo.Logger, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(logger), kgo.ProducerBatchCompression(kgo.NoCompression())}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// EnsureTopics creates any missing topics and returns the partition list for
// each. Creation errors for topics that already exist are ignored; network
// errors are retried, as brokers may still be coming up in local deployments.
func EnsureTopics(ctx context.Context, cluster Cluster, logger kgo.Logger, numPartitions int32, topics ...string) (map[string][]int32, error) {
	client, err := NewClient(cluster, logger, kgo.RequestRetries(20), kgo.RetryTimeout(30*time.Second))
	if err != nil {
		return nil, err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)

	for retryCount := 0; ; retryCount++ {
		_, err = adminClient.CreateTopics(ctx, numPartitions, 1, nil, topics...)
		if !isNetworkError(err) || retryCount >= 15 {
			break
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	details, err := adminClient.ListTopics(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	partitions := make(map[string][]int32, len(topics))
	for _, topic := range topics {
		detail := details[topic]
		if detail.Err != nil {
			return nil, fmt.Errorf("topic %s: %w", topic, detail.Err)
		}
		partitions[topic] = sak.MapKeysToSlice(detail.Partitions)
	}
	return partitions, nil
}
