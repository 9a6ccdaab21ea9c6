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

// Package sink delivers finalized enriched records to the external document
// index: batched, retried, and idempotent by document id.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Document is one upsert payload. ID is the stable composite identity of the
// enriched record, so re-delivery overwrites rather than duplicates.
type Document struct {
	ID   string
	Body []byte
}

// UpsertSink is the external index contract. Upsert returns one error slot
// per document; a nil slot means that document is durable.
type UpsertSink interface {
	Upsert(ctx context.Context, docs []Document) []error
}

// HTTPIndex writes documents via `PUT {endpoint}/{index}/{id}` with JSON
// bodies. Each document succeeds or fails independently.
type HTTPIndex struct {
	endpoint string
	index    string
	client   *http.Client
}

func NewHTTPIndex(endpoint, index string) *HTTPIndex {
	return &HTTPIndex{
		endpoint: endpoint,
		index:    index,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPIndex) Upsert(ctx context.Context, docs []Document) []error {
	errs := make([]error, len(docs))
	for i, doc := range docs {
		errs[i] = h.put(ctx, doc)
	}
	return errs
}

func (h *HTTPIndex) put(ctx context.Context, doc Document) error {
	target := fmt.Sprintf("%s/%s/%s", h.endpoint, url.PathEscape(h.index), url.PathEscape(doc.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(doc.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upsert %s: status %d: %s", doc.ID, resp.StatusCode, body)
	}
	return nil
}
