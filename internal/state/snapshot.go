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

package state

import (
	"github.com/google/btree"
	"github.com/retailstream/enricher/internal/model"
)

// Snapshot is a consistent point-in-time view of the store, captured with
// O(1) btree clones. The join engine keeps mutating its trees while the
// checkpoint manager serializes the clones on another goroutine; the shared
// nodes are copy-on-write.
type Snapshot struct {
	products *btree.BTreeG[model.ProductRecord]
	users    *btree.BTreeG[model.UserRecord]
	sales    *btree.BTreeG[model.SaleEvent]
	pending  *btree.BTreeG[PendingView]
}

// Snapshot captures the store. Must be called from the join engine goroutine;
// the returned Snapshot may be read from any goroutine.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		products: s.products.Clone(),
		users:    s.users.Clone(),
		sales:    s.sales.Clone(),
		pending:  s.pendingByDeadline.Clone(),
	}
}

// Data is the serializable form of a Snapshot.
type Data struct {
	Products []model.ProductRecord `json:"products"`
	Users    []model.UserRecord    `json:"users"`
	Sales    []model.SaleEvent     `json:"sales"`
	Pending  []PendingView         `json:"pending"`
}

func (sn Snapshot) Data() Data {
	data := Data{
		Products: make([]model.ProductRecord, 0, sn.products.Len()),
		Users:    make([]model.UserRecord, 0, sn.users.Len()),
		Sales:    make([]model.SaleEvent, 0, sn.sales.Len()),
		Pending:  make([]PendingView, 0, sn.pending.Len()),
	}
	sn.products.Ascend(func(p model.ProductRecord) bool {
		data.Products = append(data.Products, p)
		return true
	})
	sn.users.Ascend(func(u model.UserRecord) bool {
		data.Users = append(data.Users, u)
		return true
	})
	sn.sales.Ascend(func(s model.SaleEvent) bool {
		data.Sales = append(data.Sales, s)
		return true
	})
	sn.pending.Ascend(func(pv PendingView) bool {
		data.Pending = append(data.Pending, pv)
		return true
	})
	return data
}

// Restore replaces the store contents with a checkpointed snapshot. The
// result is logically equivalent to the captured state: same latest dimension
// values, same buffered sales, same unresolved view membership.
func (s *Store) Restore(data Data) {
	s.products.Clear(false)
	s.users.Clear(false)
	s.sales.Clear(false)
	s.pendingByDeadline.Clear(false)
	s.pendingByProduct.Clear(false)
	s.salesPerProduct = make(map[string]int)

	for _, p := range data.Products {
		s.products.ReplaceOrInsert(p)
	}
	for _, u := range data.Users {
		s.users.ReplaceOrInsert(u)
	}
	for _, sale := range data.Sales {
		if _, replaced := s.sales.ReplaceOrInsert(sale); !replaced {
			s.salesPerProduct[sale.ProductID]++
		}
	}
	for _, pv := range data.Pending {
		s.AddPending(pv)
	}
}
