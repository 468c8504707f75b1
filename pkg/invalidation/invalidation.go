// Package invalidation implements the InvalidationProtocol (§4.9, C9):
// the process-wide code_invalidation_mutex and the three-trigger sweep
// that purges stale compiled code on guest writes to executable pages,
// munmap/mprotect of executable ranges, and CustomIRHandler removal.
//
// Each ThreadContext owns its own LookupCache (§5, "LookupCache
// instances: owned per thread"); invalidation must therefore sweep
// every tracked thread's cache under the shared process-wide mutex,
// which compilers take shared (BeginCompile/EndCompile) so a
// compilation in progress excludes a concurrent sweep and vice versa
// (serves E6, Invariant 5).
package invalidation

import (
	"sync"

	"github.com/google/btree"

	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ircache"
)

// ThreadID identifies a tracked thread for registration purposes.
type ThreadID uint64

// RangeEraser is satisfied by a per-thread LookupCache.
type RangeEraser interface {
	Erase(pc guestpc.PC) bool
	EraseRange(start, end guestpc.PC) int
}

// CallAfterFunc is the optional user-provided hook run once per
// protocol range-invalidation after every thread's cache has been
// swept (§4.9 point 3).
type CallAfterFunc func(start, end guestpc.PC)

// threadEntry is the btree.Item tracking one registered thread's
// RangeEraser, ordered by ThreadID so a sweep always visits threads in
// a fixed, reproducible order instead of Go's randomized map order.
type threadEntry struct {
	id    ThreadID
	cache RangeEraser
}

func (e threadEntry) Less(than btree.Item) bool {
	return e.id < than.(threadEntry).id
}

// threadBTreeDegree matches the teacher's typical B-tree degree choice
// for small in-memory ordered sets (see pkg/sentry/pgalloc's segment
// sets, which favor a similarly small fixed degree).
const threadBTreeDegree = 32

// Protocol is the InvalidationProtocol trait.
type Protocol struct {
	mu sync.RWMutex // code_invalidation_mutex: compilers RLock, invalidation Lock

	pageShift uint

	threadsMu sync.Mutex
	threads   *btree.BTree

	ir *ircache.Cache

	callAfterMu sync.RWMutex
	callAfter   CallAfterFunc
}

// New returns a Protocol sweeping per-thread caches indexed with the
// given page shift, plus the process-wide IR capture cache.
func New(pageShift uint, ir *ircache.Cache) *Protocol {
	return &Protocol{
		pageShift: pageShift,
		threads:   btree.New(threadBTreeDegree),
		ir:        ir,
	}
}

// RegisterThread adds a thread's LookupCache to the sweep set, called
// by ThreadManager.CreateThread.
func (p *Protocol) RegisterThread(id ThreadID, cache RangeEraser) {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	p.threads.ReplaceOrInsert(threadEntry{id: id, cache: cache})
}

// UnregisterThread drops a thread from the sweep set, called by
// ThreadManager.DestroyThread.
func (p *Protocol) UnregisterThread(id ThreadID) {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	p.threads.Delete(threadEntry{id: id})
}

// SetCallAfter installs the optional hook run after a range sweep.
func (p *Protocol) SetCallAfter(f CallAfterFunc) {
	p.callAfterMu.Lock()
	defer p.callAfterMu.Unlock()
	p.callAfter = f
}

// BeginCompile acquires the invalidation mutex shared, excluding a
// concurrent invalidation sweep for the duration of a compile+insert
// (§4.9 point 1, §5 "code_invalidation_mutex"). Callers must pair this
// with EndCompile.
func (p *Protocol) BeginCompile() { p.mu.RLock() }

// EndCompile releases the shared hold taken by BeginCompile.
func (p *Protocol) EndCompile() { p.mu.RUnlock() }

// InvalidateRange sweeps every tracked thread's LookupCache for mappings
// whose guest byte range overlaps [start, start+length), and the shared
// IRCaptureCache for entries whose guest entry point falls in that
// range, per §4.9's numbered protocol.
func (p *Protocol) InvalidateRange(start guestpc.PC, length uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := start + guestpc.PC(length)

	p.threadsMu.Lock()
	removed := 0
	p.threads.Ascend(func(item btree.Item) bool {
		removed += item.(threadEntry).cache.EraseRange(start, end)
		return true
	})
	p.threadsMu.Unlock()

	if p.ir != nil {
		p.ir.InvalidateRange(start, end)
	}

	p.callAfterMu.RLock()
	hook := p.callAfter
	p.callAfterMu.RUnlock()
	if hook != nil {
		hook(start, end)
	}

	return removed
}

// InvalidateSingle removes a single guest entry point's mapping from
// every tracked thread's LookupCache and from the shared IRCaptureCache,
// used for the compile_rip debug action and CustomIRHandler removal
// (§4.9, "Single-block invalidation").
func (p *Protocol) InvalidateSingle(pc guestpc.PC) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.threadsMu.Lock()
	p.threads.Ascend(func(item btree.Item) bool {
		item.(threadEntry).cache.Erase(pc)
		return true
	})
	p.threadsMu.Unlock()

	if p.ir != nil {
		p.ir.Invalidate(pc)
	}
}
