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

package model

import (
	"strings"
	"testing"

	"github.com/retailstream/enricher/internal/codec"
	"github.com/retailstream/enricher/internal/sak"
)

func TestEnrichedRecordKeyIsStable(t *testing.T) {
	rec := EnrichedRecord{ProductID: "p1", UserID: "u1", ViewTime: 12345}
	if rec.Key() != "p1:u1:12345" {
		t.Errorf("incorrect key. actual: %s, expected: %s", rec.Key(), "p1:u1:12345")
	}
	view := ViewEvent{ProductID: "p1", UserID: "u1", ViewTime: 12345}
	if view.Key() != rec.Key() {
		t.Error("the view and its output row must share an identity")
	}
}

// An unmatched row carries explicit nulls for the sale fields so a consumer
// can distinguish "no purchase" from "field absent".
func TestUnmatchedRecordSerializesNulls(t *testing.T) {
	rec := EnrichedRecord{ProductID: "p1", UserID: "u1", ViewTime: 100}
	if rec.Matched() {
		t.Error("record without a sale should not report matched")
	}
	raw, err := codec.JsonBytes(rec)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.Contains(body, `"order_id":null`) || !strings.Contains(body, `"order_date":null`) {
		t.Errorf("sale fields should serialize as explicit nulls: %s", body)
	}
	if strings.Contains(body, "first_name") || strings.Contains(body, "product_name") {
		t.Errorf("unknown dimensions should be omitted: %s", body)
	}
}

func TestMatchedRecordSerializesSaleFields(t *testing.T) {
	rec := EnrichedRecord{
		ProductID: "p1", UserID: "u1", ViewTime: 100,
		OrderID: sak.Ptr("1000"), OrderDate: sak.Ptr(int64(95)),
	}
	if !rec.Matched() {
		t.Error("record with a sale should report matched")
	}
	raw, err := codec.JsonBytes(rec)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.Contains(body, `"order_id":"1000"`) || !strings.Contains(body, `"order_date":95`) {
		t.Errorf("sale fields missing: %s", body)
	}
}
