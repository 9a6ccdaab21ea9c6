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

// Package state holds the join engine's keyed state: the latest dimension
// record per entity, the buffered sale facts awaiting a view, and the pending
// views awaiting a sale. Everything lives in btrees so a checkpoint snapshot
// is a set of O(1) copy-on-write clones rather than a stop-the-world copy.
package state

import (
	"math"

	"github.com/google/btree"
	"github.com/retailstream/enricher/internal/model"
)

func productLess(a, b model.ProductRecord) bool {
	return a.ID < b.ID
}

func userLess(a, b model.UserRecord) bool {
	return a.ID < b.ID
}

// Sales are ordered by (product, event time, order) so the most recent
// eligible sale for a product is the last item below the eligibility pivot.
func saleLess(a, b model.SaleEvent) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.EventTime != b.EventTime {
		return a.EventTime < b.EventTime
	}
	return a.OrderID < b.OrderID
}

// PendingView is a ViewEvent held because no sale has matched yet. Deadline
// is the event time plus the view stream's allowed lateness; once the global
// watermark passes it, the view is finalized with whatever is known.
type PendingView struct {
	View     model.ViewEvent `json:"view"`
	Deadline int64           `json:"deadline"`
}

// viewIdentityLess orders views by their identity fields. Comparing fields
// directly keeps a zero-valued pivot below every real view for the same
// product, which the pending-by-product range scans depend on.
func viewIdentityLess(a, b model.ViewEvent) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ViewTime < b.ViewTime
}

func deadlineLess(a, b PendingView) bool {
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return viewIdentityLess(a.View, b.View)
}

func productKeyLess(a, b PendingView) bool {
	return viewIdentityLess(a.View, b.View)
}

const btreeDegree = 64

// Store is owned by the single join engine goroutine. No internal locking;
// concurrency hazards are sidestepped by construction.
type Store struct {
	products          *btree.BTreeG[model.ProductRecord]
	users             *btree.BTreeG[model.UserRecord]
	sales             *btree.BTreeG[model.SaleEvent]
	salesPerProduct   map[string]int
	pendingByDeadline *btree.BTreeG[PendingView]
	pendingByProduct  *btree.BTreeG[PendingView]

	maxSalesPerProduct int
}

func NewStore(maxSalesPerProduct int) *Store {
	if maxSalesPerProduct <= 0 {
		maxSalesPerProduct = 64
	}
	return &Store{
		products:           btree.NewG(btreeDegree, productLess),
		users:              btree.NewG(btreeDegree, userLess),
		sales:              btree.NewG(btreeDegree, saleLess),
		salesPerProduct:    make(map[string]int),
		pendingByDeadline:  btree.NewG(btreeDegree, deadlineLess),
		pendingByProduct:   btree.NewG(btreeDegree, productKeyLess),
		maxSalesPerProduct: maxSalesPerProduct,
	}
}

// UpsertProduct applies latest-write-wins dimension semantics.
func (s *Store) UpsertProduct(p model.ProductRecord) {
	s.products.ReplaceOrInsert(p)
}

func (s *Store) Product(id string) (model.ProductRecord, bool) {
	return s.products.Get(model.ProductRecord{ID: id})
}

func (s *Store) UpsertUser(u model.UserRecord) {
	s.users.ReplaceOrInsert(u)
}

func (s *Store) User(id string) (model.UserRecord, bool) {
	return s.users.Get(model.UserRecord{ID: id})
}

// BufferSale records a sale fact for future view matches. The per-product
// buffer is bounded; when full, the oldest sale for that product is dropped.
func (s *Store) BufferSale(sale model.SaleEvent) {
	if _, replaced := s.sales.ReplaceOrInsert(sale); replaced {
		return
	}
	s.salesPerProduct[sale.ProductID]++
	if s.salesPerProduct[sale.ProductID] <= s.maxSalesPerProduct {
		return
	}
	if oldest, ok := s.oldestSale(sale.ProductID); ok {
		s.sales.Delete(oldest)
		s.salesPerProduct[sale.ProductID]--
	}
}

func (s *Store) oldestSale(productID string) (oldest model.SaleEvent, ok bool) {
	s.sales.AscendGreaterOrEqual(model.SaleEvent{ProductID: productID}, func(sale model.SaleEvent) bool {
		if sale.ProductID == productID {
			oldest, ok = sale, true
		}
		return false
	})
	return
}

// MatchSale returns the most recent sale for productID with
// event_time <= viewTime + matchWindowMillis. A negative window means any
// recorded sale is eligible.
func (s *Store) MatchSale(productID string, viewTime int64, matchWindowMillis int64) (match model.SaleEvent, ok bool) {
	// The pivot sits strictly above every eligible sale without relying on a
	// sentinel order id: one event-time tick past the cutoff, or past the
	// whole product when the window is unbounded.
	cutoff := int64(math.MaxInt64)
	pivot := model.SaleEvent{ProductID: productID + "\x00"}
	if matchWindowMillis >= 0 && viewTime <= math.MaxInt64-matchWindowMillis {
		cutoff = viewTime + matchWindowMillis
		pivot = model.SaleEvent{ProductID: productID, EventTime: cutoff + 1}
	}
	s.sales.DescendLessOrEqual(pivot, func(sale model.SaleEvent) bool {
		if sale.ProductID != productID {
			return false
		}
		if sale.EventTime > cutoff {
			return true
		}
		match, ok = sale, true
		return false
	})
	return
}

// AddPending buffers a view awaiting a sale match, indexed both by deadline
// and by product id. Re-adding the same view identity replaces it.
func (s *Store) AddPending(pv PendingView) {
	s.pendingByDeadline.ReplaceOrInsert(pv)
	s.pendingByProduct.ReplaceOrInsert(pv)
}

func (s *Store) RemovePending(pv PendingView) bool {
	_, okDeadline := s.pendingByDeadline.Delete(pv)
	s.pendingByProduct.Delete(pv)
	return okDeadline
}

// DuePending returns pending views whose deadline the watermark has passed,
// in deadline order.
func (s *Store) DuePending(watermark int64) []PendingView {
	var due []PendingView
	s.pendingByDeadline.Ascend(func(pv PendingView) bool {
		if pv.Deadline >= watermark {
			return false
		}
		due = append(due, pv)
		return true
	})
	return due
}

// PendingForProduct returns the views waiting on a sale for productID.
func (s *Store) PendingForProduct(productID string) []PendingView {
	var out []PendingView
	s.pendingByProduct.AscendGreaterOrEqual(PendingView{View: model.ViewEvent{ProductID: productID}}, func(pv PendingView) bool {
		if pv.View.ProductID != productID {
			return false
		}
		out = append(out, pv)
		return true
	})
	return out
}

// OldestPending returns the pending view with the earliest deadline.
func (s *Store) OldestPending() (pv PendingView, ok bool) {
	return s.pendingByDeadline.Min()
}

func (s *Store) PendingCount() int {
	return s.pendingByDeadline.Len()
}

func (s *Store) SaleCount() int {
	return s.sales.Len()
}

func (s *Store) ProductCount() int {
	return s.products.Len()
}

func (s *Store) UserCount() int {
	return s.users.Len()
}

// EvictSalesBefore drops buffered sales whose event time fell behind the
// horizon. The most recent sale per product is always retained so the
// default unbounded match window keeps matching while memory stays bounded
// by active key cardinality.
func (s *Store) EvictSalesBefore(horizon int64) int {
	var victims []model.SaleEvent
	var lastProduct string
	var prev model.SaleEvent
	var havePrev bool

	s.sales.Ascend(func(sale model.SaleEvent) bool {
		if sale.ProductID != lastProduct {
			// the final (most recent) sale of the previous product survives
			lastProduct = sale.ProductID
			havePrev = false
		}
		if havePrev && prev.EventTime < horizon {
			victims = append(victims, prev)
		}
		prev, havePrev = sale, true
		return true
	})
	for _, v := range victims {
		s.sales.Delete(v)
		s.salesPerProduct[v.ProductID]--
		if s.salesPerProduct[v.ProductID] <= 0 {
			delete(s.salesPerProduct, v.ProductID)
		}
	}
	return len(victims)
}
