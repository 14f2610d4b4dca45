package models

import (
	"sync"
	"testing"
	"time"
)

func testEpisode(id int64, title string) *Episode {
	return &Episode{
		ID:      id,
		PodID:   1,
		Title:   title,
		URL:     "https://example.com/ep",
		Pubdate: time.Date(2024, 1, int(id%28)+1, 0, 0, 0, 0, time.UTC),
	}
}

// orderMatchesMap checks the invariant that the full ordering's key set
// equals the map's key set, and the filtered ordering is a subset of it.
func orderMatchesMap(t *testing.T, c *Catalog[*Episode]) {
	t.Helper()

	order := c.Order(false)
	if len(order) != c.Len(false) {
		t.Fatalf("order length %d != len %d", len(order), c.Len(false))
	}

	seen := make(map[int64]struct{}, len(order))
	for _, id := range order {
		if !c.Contains(id) {
			t.Errorf("id %d in order but not in map", id)
		}
		if _, dup := seen[id]; dup {
			t.Errorf("id %d appears twice in order", id)
		}
		seen[id] = struct{}{}
	}

	for _, id := range c.Order(true) {
		if _, ok := seen[id]; !ok {
			t.Errorf("id %d in filtered order but not in full order", id)
		}
	}
}

func TestCatalogInsertRemove(t *testing.T) {
	c := NewCatalog[*Episode]()

	for i := int64(1); i <= 5; i++ {
		c.Insert(testEpisode(i, "ep"))
		orderMatchesMap(t, c)
	}

	if c.Len(false) != 5 || c.Len(true) != 5 {
		t.Fatalf("expected 5/5 items, got %d/%d", c.Len(false), c.Len(true))
	}

	c.Remove(3)
	orderMatchesMap(t, c)
	if c.Contains(3) {
		t.Error("expected id 3 to be removed")
	}
	if _, ok := c.Get(3); ok {
		t.Error("expected Get(3) to report missing after remove")
	}

	// removing an unknown id is a no-op
	c.Remove(99)
	orderMatchesMap(t, c)
	if c.Len(false) != 4 {
		t.Errorf("expected 4 items, got %d", c.Len(false))
	}
}

func TestCatalogReplaceAll(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a"), testEpisode(2, "b")})

	c.ReplaceAll([]*Episode{testEpisode(7, "x"), testEpisode(5, "y"), testEpisode(6, "z")})
	orderMatchesMap(t, c)

	order := c.Order(false)
	want := []int64{7, 5, 6}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("order[%d] = %d, want %d", i, order[i], id)
		}
	}
	if c.Contains(1) || c.Contains(2) {
		t.Error("old items survived ReplaceAll")
	}
}

func TestCatalogReplaceFilteredOrder(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a"), testEpisode(2, "b"), testEpisode(3, "c")})

	// unknown ids are dropped rather than corrupting the subset invariant
	c.ReplaceFilteredOrder([]int64{3, 99, 1})
	orderMatchesMap(t, c)

	got := c.Order(true)
	if len(got) != 2 || got[0] != 3 || got[1] != 1 {
		t.Errorf("filtered order = %v, want [3 1]", got)
	}
	if c.Len(true) != 2 || c.Len(false) != 3 {
		t.Errorf("len = %d/%d, want 2/3", c.Len(true), c.Len(false))
	}
}

func TestCatalogMap(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a"), testEpisode(2, "b"), testEpisode(3, "c")})
	c.ReplaceFilteredOrder([]int64{2})

	full := Map(c, false, func(ep *Episode) string { return ep.Title })
	if len(full) != 3 {
		t.Fatalf("expected 3 results, got %d", len(full))
	}

	filtered := Map(c, true, func(ep *Episode) string { return ep.Title })
	if len(filtered) != 1 || filtered[0] != "b" {
		t.Errorf("filtered map = %v, want [b]", filtered)
	}
}

func TestCatalogFilterMap(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a"), testEpisode(2, "b"), testEpisode(3, "c")})

	ids := FilterMap(c, func(ep *Episode) (int64, bool) {
		return ep.ID, ep.ID != 2
	})
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("FilterMap = %v, want [1 3]", ids)
	}
}

func TestCatalogMapSingle(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a")})

	title, ok := MapSingle(c, 1, func(ep *Episode) string { return ep.Title })
	if !ok || title != "a" {
		t.Errorf("MapSingle(1) = %q, %v", title, ok)
	}

	if _, ok := MapSingle(c, 42, func(ep *Episode) string { return ep.Title }); ok {
		t.Error("expected MapSingle on unknown id to report missing")
	}
}

func TestCatalogItemHandleIndependence(t *testing.T) {
	c := NewCatalogFrom([]*Episode{testEpisode(1, "a"), testEpisode(2, "b")})

	h, ok := c.Get(1)
	if !ok {
		t.Fatal("expected handle for id 1")
	}

	// a held item write lock must not block structural mutation
	done := make(chan struct{})
	h.Update(func(ep *Episode) {
		go func() {
			c.Insert(testEpisode(3, "c"))
			c.Remove(2)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("structural mutation blocked by item lock")
		}
		ep.Position = 42
	})

	pos, _ := MapSingle(c, 1, func(ep *Episode) int64 { return ep.Position })
	if pos != 42 {
		t.Errorf("expected position 42, got %d", pos)
	}
	orderMatchesMap(t, c)
}

func TestCatalogSortByAndReverse(t *testing.T) {
	eps := []*Episode{testEpisode(3, "c"), testEpisode(1, "a"), testEpisode(2, "b")}
	c := NewCatalogFrom(eps)
	c.ReplaceFilteredOrder([]int64{3, 1})

	c.SortBy(func(a, b *Episode) bool { return a.Pubdate.Before(b.Pubdate) })
	order := c.Order(false)
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("sorted order = %v, want [1 2 3]", order)
	}

	// filtered keeps membership but adopts the new relative order
	filtered := c.Order(true)
	if len(filtered) != 2 || filtered[0] != 1 || filtered[1] != 3 {
		t.Errorf("sorted filtered order = %v, want [1 3]", filtered)
	}

	c.Reverse()
	order = c.Order(false)
	if order[0] != 3 || order[2] != 1 {
		t.Errorf("reversed order = %v, want [3 2 1]", order)
	}
}

func TestCatalogConcurrentReadersAndWriter(t *testing.T) {
	c := NewCatalog[*Episode]()
	for i := int64(1); i <= 100; i++ {
		c.Insert(testEpisode(i, "ep"))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				titles := Map(c, false, func(ep *Episode) string { return ep.Title })
				// a full read never observes a torn list: every listed id
				// resolved to an item inside one lock scope
				for _, title := range titles {
					if title == "" {
						t.Error("read a zero-valued item")
						return
					}
				}
			}
		}()
	}

	for i := int64(101); i <= 200; i++ {
		c.Insert(testEpisode(i, "ep"))
		c.Remove(i - 100)
	}
	close(stop)
	wg.Wait()

	orderMatchesMap(t, c)
	if c.Len(false) != 100 {
		t.Errorf("expected 100 items, got %d", c.Len(false))
	}
}
