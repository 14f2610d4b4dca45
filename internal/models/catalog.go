package models

import (
	"sort"
	"sync"
)

// Locked wraps a single item behind its own read/write lock, independent of
// any collection-level locks. A handle obtained from a Catalog stays valid
// after the item has been removed from the catalog; operations on it simply
// act on a detached item at that point.
type Locked[T any] struct {
	mu  sync.RWMutex
	val T
}

// NewLocked wraps val in its own lock.
func NewLocked[T any](val T) *Locked[T] {
	return &Locked[T]{val: val}
}

// Read calls fn with the item under a read lock. fn must not retain the
// item past the call.
func (l *Locked[T]) Read(fn func(T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.val)
}

// Update calls fn with the item under a write lock. fn must not retain the
// item past the call.
func (l *Locked[T]) Update(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.val)
}

// Catalog is a concurrent ordered collection keyed by item ID. It holds a
// map of ID to item handle, a full ID ordering, and a filtered ID ordering
// reflecting the currently active display filter. The map and the two order
// slices are guarded by separate locks so a long item read never blocks a
// structural insert or remove.
//
// Lock ordering within the catalog is always map, then order, then filtered
// order. Methods acquire and release their own locks before returning, so
// callers never hold a catalog lock across their own logic; ordering across
// different catalogs is the caller's discipline.
type Catalog[T Listable] struct {
	dataMu     sync.Mutex
	data       map[int64]*Locked[T]
	orderMu    sync.Mutex
	order      []int64
	filteredMu sync.Mutex
	filtered   []int64
}

// NewCatalog creates an empty catalog.
func NewCatalog[T Listable]() *Catalog[T] {
	return &Catalog[T]{data: make(map[int64]*Locked[T])}
}

// NewCatalogFrom creates a catalog holding items in the given order. The
// filtered ordering starts out identical to the full ordering.
func NewCatalogFrom[T Listable](items []T) *Catalog[T] {
	c := NewCatalog[T]()
	for _, item := range items {
		c.Insert(item)
	}
	return c
}

// lockAll acquires all three locks in the canonical order.
func (c *Catalog[T]) lockAll() {
	c.dataMu.Lock()
	c.orderMu.Lock()
	c.filteredMu.Lock()
}

func (c *Catalog[T]) unlockAll() {
	c.filteredMu.Unlock()
	c.orderMu.Unlock()
	c.dataMu.Unlock()
}

// Insert adds an item to the end of both orderings.
func (c *Catalog[T]) Insert(item T) {
	c.InsertHandle(NewLocked(item))
}

// InsertHandle adds an already-wrapped item, so two catalogs can share one
// handle and see each other's item mutations.
func (c *Catalog[T]) InsertHandle(h *Locked[T]) {
	var id int64
	h.Read(func(item T) { id = item.GetID() })
	c.lockAll()
	defer c.unlockAll()
	c.data[id] = h
	c.order = append(c.order, id)
	c.filtered = append(c.filtered, id)
}

// Remove deletes the item with the given ID from the map and both
// orderings. Removing an unknown ID is a no-op.
func (c *Catalog[T]) Remove(id int64) {
	c.lockAll()
	defer c.unlockAll()
	delete(c.data, id)
	c.order = removeID(c.order, id)
	c.filtered = removeID(c.filtered, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Get returns the independently lockable handle for the item with the
// given ID, or false if no such item exists.
func (c *Catalog[T]) Get(id int64) (*Locked[T], bool) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	h, ok := c.data[id]
	return h, ok
}

// Contains reports whether an item with the given ID is present.
func (c *Catalog[T]) Contains(id int64) bool {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	_, ok := c.data[id]
	return ok
}

// ReplaceAll empties the catalog and reloads it with items, preserving the
// given order. The filtered ordering is reset to the full ordering.
func (c *Catalog[T]) ReplaceAll(items []T) {
	handles := make([]*Locked[T], 0, len(items))
	for _, item := range items {
		handles = append(handles, NewLocked(item))
	}
	c.ReplaceAllHandles(handles)
}

// ReplaceAllHandles is ReplaceAll for items already wrapped in handles.
func (c *Catalog[T]) ReplaceAllHandles(handles []*Locked[T]) {
	ids := make([]int64, 0, len(handles))
	for _, h := range handles {
		h.Read(func(item T) { ids = append(ids, item.GetID()) })
	}
	c.lockAll()
	defer c.unlockAll()
	c.data = make(map[int64]*Locked[T], len(handles))
	c.order = c.order[:0]
	c.filtered = c.filtered[:0]
	for i, h := range handles {
		c.data[ids[i]] = h
		c.order = append(c.order, ids[i])
		c.filtered = append(c.filtered, ids[i])
	}
}

// ReplaceFilteredOrder swaps in a new filtered ordering, used when the
// active display filter changes. IDs not present in the map are dropped.
func (c *Catalog[T]) ReplaceFilteredOrder(ids []int64) {
	c.dataMu.Lock()
	kept := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.data[id]; ok {
			kept = append(kept, id)
		}
	}
	c.dataMu.Unlock()

	c.filteredMu.Lock()
	c.filtered = kept
	c.filteredMu.Unlock()
}

// Order returns a copy of the full or filtered ID ordering.
func (c *Catalog[T]) Order(filtered bool) []int64 {
	if filtered {
		c.filteredMu.Lock()
		defer c.filteredMu.Unlock()
		return append([]int64(nil), c.filtered...)
	}
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	return append([]int64(nil), c.order...)
}

// Len returns the number of items in the full or filtered ordering.
func (c *Catalog[T]) Len(filtered bool) int {
	if filtered {
		c.filteredMu.Lock()
		defer c.filteredMu.Unlock()
		return len(c.filtered)
	}
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	return len(c.order)
}

// IsEmpty reports whether the catalog holds no items.
func (c *Catalog[T]) IsEmpty() bool {
	return c.Len(false) == 0
}

// SortBy reorders the full ordering by the given comparison. The filtered
// ordering keeps its current membership but adopts the new relative order.
func (c *Catalog[T]) SortBy(less func(a, b T) bool) {
	c.lockAll()
	defer c.unlockAll()

	sort.SliceStable(c.order, func(i, j int) bool {
		a := c.data[c.order[i]]
		b := c.data[c.order[j]]
		var result bool
		a.Read(func(av T) {
			b.Read(func(bv T) { result = less(av, bv) })
		})
		return result
	})

	inFiltered := make(map[int64]struct{}, len(c.filtered))
	for _, id := range c.filtered {
		inFiltered[id] = struct{}{}
	}
	c.filtered = c.filtered[:0]
	for _, id := range c.order {
		if _, ok := inFiltered[id]; ok {
			c.filtered = append(c.filtered, id)
		}
	}
}

// Reverse reverses both orderings in place.
func (c *Catalog[T]) Reverse() {
	c.orderMu.Lock()
	reverseIDs(c.order)
	c.orderMu.Unlock()
	c.filteredMu.Lock()
	reverseIDs(c.filtered)
	c.filteredMu.Unlock()
}

func reverseIDs(ids []int64) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// Map applies fn to every item in order (full or filtered) and returns the
// materialized results. The catalog locks are held only for the duration of
// the call, never across caller logic, which is why this returns a slice
// rather than a live iterator.
func Map[T Listable, R any](c *Catalog[T], filtered bool, fn func(T) R) []R {
	c.lockAll()
	defer c.unlockAll()
	ids := c.order
	if filtered {
		ids = c.filtered
	}
	out := make([]R, 0, len(ids))
	for _, id := range ids {
		h, ok := c.data[id]
		if !ok {
			continue
		}
		h.Read(func(item T) { out = append(out, fn(item)) })
	}
	return out
}

// FilterMap applies fn to every item in full order, keeping the results for
// which fn reports true.
func FilterMap[T Listable, R any](c *Catalog[T], fn func(T) (R, bool)) []R {
	c.lockAll()
	defer c.unlockAll()
	out := make([]R, 0, len(c.order))
	for _, id := range c.order {
		h, ok := c.data[id]
		if !ok {
			continue
		}
		h.Read(func(item T) {
			if r, keep := fn(item); keep {
				out = append(out, r)
			}
		})
	}
	return out
}

// MapSingle applies fn to the item with the given ID, returning false if no
// such item exists.
func MapSingle[T Listable, R any](c *Catalog[T], id int64, fn func(T) R) (R, bool) {
	h, ok := c.Get(id)
	if !ok {
		var zero R
		return zero, false
	}
	var out R
	h.Read(func(item T) { out = fn(item) })
	return out, true
}
