// Package lookupcache implements the guest-PC to host-code lookup used
// by the dispatcher on every block boundary (§4.1, C1). It is grounded
// directly on the original's BlockCache: a two-level structure, a page
// table indexed by guest page number pointing at a lazily-allocated
// per-page slab of one slot per guest byte offset. Slabs are ordinary
// heap allocations whose size is charged against an arena budget capped
// at a configured size. The arena is backed by an mmap'd region via
// golang.org/x/sys/unix on linux (arena_linux.go) so Clear can
// madvise(MADV_DONTNEED) it away the same way the original resets its
// cache, and falls back to a plain heap arena elsewhere (arena_other.go).
package lookupcache

import (
	"sync"

	"github.com/dbtcore/dbtcore/pkg/dbterr"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
)

// BlockLink is one direct branch patched from one compiled block into
// another (§4.1 point 4, "direct block linking"). Removing a
// BlockMapping walks its incoming links and patches them back to the
// dispatcher re-entry stub; a real backend does this by overwriting the
// relocation at Location, which this reference implementation models
// as a pure bookkeeping operation since pkg/jitbackend/interp has no
// host machine code to patch.
type BlockLink struct {
	From     *BlockMapping
	To       *BlockMapping
	Location uint64 // backend-defined patch offset within From's host code
}

// BlockMapping is one entry in the cache: a guest entry point, the
// guest/host byte ranges it covers, and the incoming/outgoing direct
// links that must be unwound when it is erased.
type BlockMapping struct {
	GuestPC         guestpc.PC
	HostCode        jitbackend.HostCodePtr
	GuestCodeLength uint64
	HostCodeLength  uint64

	outgoing []*BlockLink
	incoming []*BlockLink
}

type pageSlab struct {
	slots []*BlockMapping // one per guest byte offset within the page
}

// coveredEnd returns the exclusive end of a mapping's guest byte range. A
// mapping with no recorded length (the decoder hasn't filled in
// GuestCodeLength, or a test stub) is treated as covering its single
// entry byte.
func coveredEnd(pc guestpc.PC, length uint64) guestpc.PC {
	if length == 0 {
		length = 1
	}
	return pc + guestpc.PC(length)
}

// Cache is the LookupCache trait (§4.1). The zero value is not usable;
// construct with New.
type Cache struct {
	mu sync.RWMutex

	pageShift   uint
	pageSize    uint64
	numPages    uint64
	maxArena    uint64
	arenaUsed   uint64
	guestMode32 bool

	pages    []*pageSlab        // index: guestPC >> pageShift, for addresses within numPages
	overflow map[uint64]*pageSlab // pages outside the preallocated range (rare: mmap beyond VirtualMemSize)

	arena arenaBacking
}

// Config carries the subset of dbtconfig.Config the cache needs,
// avoiding an import cycle on the config package.
type Config struct {
	VirtualMemSize uint64
	PageShift      uint
	MaxArenaBytes  uint64
	GuestMode32    bool
}

// New allocates a Cache sized for cfg.VirtualMemSize guest bytes.
func New(cfg Config) (*Cache, error) {
	vmSize := cfg.VirtualMemSize
	if cfg.GuestMode32 {
		vmSize = 1 << 32
	}
	pageShift := cfg.PageShift
	if pageShift == 0 {
		pageShift = 12
	}
	pageSize := uint64(1) << pageShift
	numPages := vmSize >> pageShift

	arena, err := newArenaBacking(cfg.MaxArenaBytes)
	if err != nil {
		return nil, err
	}

	return &Cache{
		pageShift:   pageShift,
		pageSize:    pageSize,
		numPages:    numPages,
		maxArena:    cfg.MaxArenaBytes,
		guestMode32: cfg.GuestMode32,
		pages:       make([]*pageSlab, numPages),
		overflow:    make(map[uint64]*pageSlab),
		arena:       arena,
	}, nil
}

func (c *Cache) pageIndex(pc guestpc.PC) uint64 {
	return uint64(pc) >> c.pageShift
}

func (c *Cache) pageOffset(pc guestpc.PC) uint64 {
	return uint64(pc) & (c.pageSize - 1)
}

// slabFor returns the slab for a page, allocating and charging it
// against the arena budget on first touch if alloc is true.
func (c *Cache) slabFor(page uint64, alloc bool) (*pageSlab, error) {
	if page < c.numPages {
		if s := c.pages[page]; s != nil {
			return s, nil
		}
		if !alloc {
			return nil, nil
		}
		cost := c.pageSize * 8 // one pointer-equivalent per byte offset, per the original layout
		if c.arenaUsed+cost > c.maxArena && c.maxArena != 0 {
			return nil, dbterr.ErrAllocation
		}
		s := &pageSlab{slots: make([]*BlockMapping, c.pageSize)}
		c.pages[page] = s
		c.arenaUsed += cost
		return s, nil
	}

	if s, ok := c.overflow[page]; ok {
		return s, nil
	}
	if !alloc {
		return nil, nil
	}
	cost := c.pageSize * 8
	if c.arenaUsed+cost > c.maxArena && c.maxArena != 0 {
		return nil, dbterr.ErrAllocation
	}
	s := &pageSlab{slots: make([]*BlockMapping, c.pageSize)}
	c.overflow[page] = s
	c.arenaUsed += cost
	return s, nil
}

// Find looks up the BlockMapping for a guest entry point, matching the
// BlockCache::FindBlock used by the dispatcher's hot path (§4.1 point
// 1). It reports ok=false on a miss rather than an error: a miss is
// the expected, common case that triggers BlockBuilder compilation.
func (c *Cache) Find(pc guestpc.PC) (*BlockMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, _ := c.slabFor(c.pageIndex(pc), false)
	if s == nil {
		return nil, false
	}
	bm := s.slots[c.pageOffset(pc)]
	return bm, bm != nil
}

// Insert records a freshly compiled block's mapping (§4.1 point 2),
// registering it at every guest byte offset it covers
// ([bm.GuestPC, bm.GuestPC+bm.GuestCodeLength)), not only its entry
// byte, so EraseRange's per-byte sweep can find it regardless of which
// byte of the block a guest write lands on.
//
// Two blocks may never share coverage (§4.1 edge case: "two blocks
// with the same entry PC but different guest lengths... must not
// coexist"). Any mapping already registered under a byte bm now covers
// is fully torn down first, via unlinkLocked and removal from every
// slot *it* occupies, before bm is installed. If one of the torn-down
// mappings shared bm's entry PC, Insert returns it so the caller can
// release its stale host code; otherwise it returns nil.
func (c *Cache) Insert(bm *BlockMapping) (*BlockMapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, end := bm.GuestPC, coveredEnd(bm.GuestPC, bm.GuestCodeLength)

	var prev *BlockMapping
	evicted := make(map[*BlockMapping]bool)
	err := c.forEachSlot(start, end, true, func(s *pageSlab, off uint64) error {
		old := s.slots[off]
		if old == nil || old == bm || evicted[old] {
			return nil
		}
		evicted[old] = true
		if old.GuestPC == bm.GuestPC {
			prev = old
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for old := range evicted {
		c.removeMappingLocked(old)
	}

	if err := c.forEachSlot(start, end, true, func(s *pageSlab, off uint64) error {
		s.slots[off] = bm
		return nil
	}); err != nil {
		return nil, err
	}
	return prev, nil
}

// AddBlockLink records a direct branch from one compiled block into
// another, so a later Erase of the target can unwind it (§4.1 point 4).
// It does not check that either mapping is installed in the cache.
func (c *Cache) AddBlockLink(link *BlockLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link.From.outgoing = append(link.From.outgoing, link)
	link.To.incoming = append(link.To.incoming, link)
}

// Erase removes the single mapping at pc, unwinding any direct links
// into or out of it, and from every slot it is registered under — not
// just pc itself, which may be any byte within its guest range, not
// necessarily its entry point (§4.1 point 3, the single-block
// invalidation path).
func (c *Cache) Erase(pc guestpc.PC) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, _ := c.slabFor(c.pageIndex(pc), false)
	if s == nil {
		return false
	}
	bm := s.slots[c.pageOffset(pc)]
	if bm == nil {
		return false
	}
	c.removeMappingLocked(bm)
	return true
}

// EraseRange removes every mapping whose guest byte range intersects
// [start, end), the bulk path used by InvalidationProtocol on a guest
// write trap or an munmap/mprotect of executable memory (§4.1 point 3,
// §4.9). A multi-byte mapping is found and removed regardless of
// whether the intersecting byte is its entry point or somewhere in its
// body, since Insert registers it at every covered offset; once found,
// it is torn down across its *entire* covered range, including any
// part that falls outside [start, end).
func (c *Cache) EraseRange(start, end guestpc.PC) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	hit := make(map[*BlockMapping]bool)
	c.forEachSlot(start, end, false, func(s *pageSlab, off uint64) error {
		if bm := s.slots[off]; bm != nil {
			hit[bm] = true
		}
		return nil
	})
	for bm := range hit {
		c.removeMappingLocked(bm)
	}
	return len(hit)
}

// forEachSlot walks every byte offset in [start, end), invoking fn
// once per offset with the page slab that owns it. If alloc is false
// and a page has no slab allocated yet, that page is skipped rather
// than forcing an allocation: nothing can be registered there. Caller
// must hold c.mu.
func (c *Cache) forEachSlot(start, end guestpc.PC, alloc bool, fn func(s *pageSlab, off uint64) error) error {
	if end <= start {
		return nil
	}
	startPage, endPage := c.pageIndex(start), c.pageIndex(end-1)
	for page := startPage; page <= endPage; page++ {
		s, err := c.slabFor(page, alloc)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		base := page << c.pageShift
		for off := uint64(0); off < c.pageSize; off++ {
			addr := guestpc.PC(base + off)
			if addr < start || addr >= end {
				continue
			}
			if err := fn(s, off); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeMappingLocked unlinks bm's BlockLinks and clears it from every
// slot it occupies across its own covered range (which may differ
// from whatever range the caller was originally operating over, e.g.
// when EraseRange finds it via one intersecting byte but it extends
// beyond the requested range). Caller must hold c.mu.
func (c *Cache) removeMappingLocked(bm *BlockMapping) {
	start, end := bm.GuestPC, coveredEnd(bm.GuestPC, bm.GuestCodeLength)
	c.forEachSlot(start, end, false, func(s *pageSlab, off uint64) error {
		if s.slots[off] == bm {
			s.slots[off] = nil
		}
		return nil
	})
	c.unlinkLocked(bm)
}

// unlinkLocked removes bm's incoming and outgoing BlockLinks. Caller
// must hold c.mu.
func (c *Cache) unlinkLocked(bm *BlockMapping) {
	for _, l := range bm.incoming {
		from := l.From
		for i, o := range from.outgoing {
			if o == l {
				from.outgoing = append(from.outgoing[:i], from.outgoing[i+1:]...)
				break
			}
		}
	}
	for _, l := range bm.outgoing {
		to := l.To
		for i, in := range to.incoming {
			if in == l {
				to.incoming = append(to.incoming[:i], to.incoming[i+1:]...)
				break
			}
		}
	}
	bm.incoming = nil
	bm.outgoing = nil
}

// HintUsedRange advises the kernel that the page-table entries covering
// [addr, addr+size) will be needed soon, mirroring
// BlockCache::HintUsedRange. A no-op on the pure-Go arena backing.
func (c *Cache) HintUsedRange(addr, size uint64) {
	c.arena.hintUsedRange(addr, size)
}

// Clear discards every mapping and resets the arena, matching
// BlockCache::ClearCache (used by ThreadManager.Step and full SMC
// invalidation).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make([]*pageSlab, c.numPages)
	c.overflow = make(map[uint64]*pageSlab)
	c.arenaUsed = 0
	c.arena.clear()
}

// Close releases the cache's backing arena.
func (c *Cache) Close() error {
	return c.arena.close()
}
