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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestHTTPIndexUpsert(t *testing.T) {
	var mu sync.Mutex
	received := make(map[string]string)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("incorrect method. actual: %s, expected: %s", r.Method, http.MethodPut)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received[r.URL.Path] = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	index := NewHTTPIndex(server.URL, "enriched_views")
	errs := index.Upsert(context.Background(), []Document{
		{ID: "p1:u1:100", Body: []byte(`{"product_id":"p1"}`)},
		{ID: "p2:u1:200", Body: []byte(`{"product_id":"p2"}`)},
	})
	for i, err := range errs {
		if err != nil {
			t.Errorf("upsert %d failed: %v", i, err)
		}
	}
	if body := received["/enriched_views/p1:u1:100"]; body != `{"product_id":"p1"}` {
		t.Errorf("incorrect document body: %s", body)
	}
	if len(received) != 2 {
		t.Errorf("incorrect document count. actual: %d, expected: %d", len(received), 2)
	}
}

func TestHTTPIndexPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/idx/bad" {
			http.Error(w, "mapping conflict", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	index := NewHTTPIndex(server.URL, "idx")
	errs := index.Upsert(context.Background(), []Document{
		{ID: "good", Body: []byte(`{}`)},
		{ID: "bad", Body: []byte(`{}`)},
	})
	if errs[0] != nil {
		t.Errorf("healthy document failed: %v", errs[0])
	}
	if errs[1] == nil {
		t.Error("rejected document should carry an error")
	}
}
