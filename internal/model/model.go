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

// Package model defines the wire and state records for the enrichment pipeline.
// All event times are epoch milliseconds as produced by the upstream generators.
package model

import "fmt"

// ProductRecord is a slowly-changing dimension record. The latest write for an
// id wins; records are superseded, never deleted.
type ProductRecord struct {
	ID        string  `json:"id"`
	Brand     string  `json:"brand"`
	Name      string  `json:"name"`
	SalePrice float64 `json:"sale_price"`
	Rating    float64 `json:"rating"`
}

func (p ProductRecord) Key() string {
	return p.ID
}

// UserRecord is a slowly-changing dimension record with the same
// latest-write-wins semantics as ProductRecord.
type UserRecord struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
}

func (u UserRecord) Key() string {
	return u.ID
}

// SaleEvent is an append-only fact. There is exactly one instance per OrderID
// and it is never updated.
type SaleEvent struct {
	OrderID    string `json:"order_id"`
	ProductID  string `json:"product_id"`
	CustomerID string `json:"customer_id"`
	EventTime  int64  `json:"event_time"`
}

// ViewEvent is the driving fact stream. Each arrival triggers a join attempt.
type ViewEvent struct {
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	ViewTime  int64  `json:"view_time"`
	PageURL   string `json:"page_url"`
	IP        string `json:"ip"`
	EventTime int64  `json:"event_time"`
}

// Key returns the composite identity of the view, which is also the upsert
// identity of the EnrichedRecord it produces. Re-emission for the same view
// overwrites in the sink rather than duplicating.
func (v ViewEvent) Key() string {
	return fmt.Sprintf("%s:%s:%d", v.ProductID, v.UserID, v.ViewTime)
}

// EnrichedRecord is the output of the join engine. OrderID/OrderDate are nil
// when no matching sale was found before the view's lateness deadline.
// Dimension fields are empty when the product or user was unknown at
// finalization time (left-join semantics, the row is never dropped).
type EnrichedRecord struct {
	ProductID   string  `json:"product_id"`
	UserID      string  `json:"user_id"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	ProductName string  `json:"product_name,omitempty"`
	Brand       string  `json:"brand,omitempty"`
	OrderID     *string `json:"order_id"`
	OrderDate   *int64  `json:"order_date"`
	ViewTime    int64   `json:"view_time"`
}

func (e EnrichedRecord) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.ProductID, e.UserID, e.ViewTime)
}

// Matched reports whether the record was finalized with a sale.
func (e EnrichedRecord) Matched() bool {
	return e.OrderID != nil
}
