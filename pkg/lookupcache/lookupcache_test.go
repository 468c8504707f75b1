package lookupcache

import "testing"

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{VirtualMemSize: 1 << 24, PageShift: 12, MaxArenaBytes: 1 << 20})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInsertAndFind(t *testing.T) {
	c := newTestCache(t)
	bm := &BlockMapping{GuestPC: 0x1000, HostCode: 1, HostCodeLength: 16}
	if _, err := c.Insert(bm); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, ok := c.Find(0x1000)
	if !ok || got != bm {
		t.Fatalf("expected to find inserted mapping, got %v ok=%v", got, ok)
	}
	if _, ok := c.Find(0x1004); ok {
		t.Fatalf("expected miss at unrelated address")
	}
}

func TestEraseRemovesLinks(t *testing.T) {
	c := newTestCache(t)
	a := &BlockMapping{GuestPC: 0x2000}
	b := &BlockMapping{GuestPC: 0x3000}
	if _, err := c.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := c.Insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	link := &BlockLink{From: a, To: b}
	c.AddBlockLink(link)

	if !c.Erase(0x3000) {
		t.Fatalf("expected erase to report removal")
	}
	if len(a.outgoing) != 0 {
		t.Fatalf("expected erase to unlink incoming reference from a, got %d", len(a.outgoing))
	}
	if _, ok := c.Find(0x3000); ok {
		t.Fatalf("expected b to be gone")
	}
}

func TestEraseRangeSpansPages(t *testing.T) {
	c := newTestCache(t)
	c.Insert(&BlockMapping{GuestPC: 0x1000})
	c.Insert(&BlockMapping{GuestPC: 0x1FF0})
	c.Insert(&BlockMapping{GuestPC: 0x2000})

	removed := c.EraseRange(0x1000, 0x2000)
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Find(0x2000); !ok {
		t.Fatalf("expected mapping outside range to survive")
	}
}

func TestClearResetsCache(t *testing.T) {
	c := newTestCache(t)
	c.Insert(&BlockMapping{GuestPC: 0x1000})
	c.Clear()
	if _, ok := c.Find(0x1000); ok {
		t.Fatalf("expected cache to be empty after Clear")
	}
}

func TestArenaBudgetEnforced(t *testing.T) {
	c, err := New(Config{VirtualMemSize: 1 << 36, PageShift: 12, MaxArenaBytes: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	if _, err := c.Insert(&BlockMapping{GuestPC: 0x1000}); err == nil {
		t.Fatalf("expected allocation failure with a near-zero arena budget")
	}
}

// Two blocks with the same entry PC but different guest lengths must
// not coexist: inserting a second mapping at an already-occupied PC
// must tear down the first one (unlinking its BlockLinks) rather than
// silently orphaning it.
func TestInsertSamePCEvictsPriorMapping(t *testing.T) {
	c := newTestCache(t)
	other := &BlockMapping{GuestPC: 0x5000}
	if _, err := c.Insert(other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	first := &BlockMapping{GuestPC: 0x4000, HostCode: 7, GuestCodeLength: 4}
	if _, err := c.Insert(first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	c.AddBlockLink(&BlockLink{From: other, To: first})

	second := &BlockMapping{GuestPC: 0x4000, HostCode: 9, GuestCodeLength: 2}
	prev, err := c.Insert(second)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if prev != first {
		t.Fatalf("expected Insert to report the prior mapping, got %v", prev)
	}
	if len(other.outgoing) != 0 {
		t.Fatalf("expected the evicted mapping's incoming link to be unwound, got %d", len(other.outgoing))
	}
	if len(first.incoming) != 0 || len(first.outgoing) != 0 {
		t.Fatalf("expected evicted mapping's own link lists cleared")
	}

	got, ok := c.Find(0x4000)
	if !ok || got != second {
		t.Fatalf("expected Find to return the new mapping, got %v ok=%v", got, ok)
	}
}

// A block's body, not just its entry byte, must be covered by the
// index: a guest write to any byte within [GuestPC, GuestPC+Len) has
// to find and evict the mapping.
func TestEraseRangeFindsMidBlockWrite(t *testing.T) {
	c := newTestCache(t)
	bm := &BlockMapping{GuestPC: 0x5000, GuestCodeLength: 8}
	if _, err := c.Insert(bm); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed := c.EraseRange(0x5004, 0x5005)
	if removed != 1 {
		t.Fatalf("expected the mid-block write to evict the mapping, got removed=%d", removed)
	}
	if _, ok := c.Find(0x5000); ok {
		t.Fatalf("expected the mapping to be gone after its body was invalidated")
	}
}

// Erase itself may be called with a mid-block address (e.g. a single
// SMC guard firing partway through a block), not only the entry PC.
func TestEraseFindsMidBlockAddress(t *testing.T) {
	c := newTestCache(t)
	bm := &BlockMapping{GuestPC: 0x6000, GuestCodeLength: 6}
	if _, err := c.Insert(bm); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !c.Erase(0x6003) {
		t.Fatalf("expected erase at a body byte to find the covering mapping")
	}
	if _, ok := c.Find(0x6000); ok {
		t.Fatalf("expected mapping to be fully removed")
	}
}
