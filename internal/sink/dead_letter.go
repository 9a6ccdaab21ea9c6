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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/retailstream/enricher/internal/codec"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// DeadLetter receives documents that exhausted their delivery attempts.
// Finalization is never silently lost; it is diverted here instead of
// blocking the pipeline indefinitely.
type DeadLetter interface {
	Divert(ctx context.Context, doc Document, attempts int, cause error)
}

type deadLetterEnvelope struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Document   json.RawMessage `json:"document"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error"`
	DivertedAt int64           `json:"diverted_at"`
}

// KafkaDeadLetter publishes failed documents to a Kafka topic, keyed by
// document id so diverted records for the same identity compact together.
type KafkaDeadLetter struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewKafkaDeadLetter(client *kgo.Client, topic string, logger *zap.Logger) *KafkaDeadLetter {
	return &KafkaDeadLetter{client: client, topic: topic, logger: logger.Named("dead_letter")}
}

func (k *KafkaDeadLetter) Divert(ctx context.Context, doc Document, attempts int, cause error) {
	envelope := deadLetterEnvelope{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Document:   doc.Body,
		Attempts:   attempts,
		Error:      cause.Error(),
		DivertedAt: time.Now().UnixMilli(),
	}
	value, err := codec.JsonBytes(envelope)
	if err != nil {
		k.logger.Error("failed to encode dead letter", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	record := &kgo.Record{Topic: k.topic, Key: []byte(doc.ID), Value: value}
	k.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			// last resort: the record survives only in the log stream
			k.logger.Error("dead letter publish failed",
				zap.String("document_id", doc.ID),
				zap.ByteString("document", doc.Body),
				zap.Error(err))
		}
	})
}

// LogDeadLetter is the fallback used when no dead-letter topic is configured.
type LogDeadLetter struct {
	Logger *zap.Logger
}

func (l LogDeadLetter) Divert(_ context.Context, doc Document, attempts int, cause error) {
	l.Logger.Error("document dead-lettered",
		zap.String("document_id", doc.ID),
		zap.ByteString("document", doc.Body),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}
