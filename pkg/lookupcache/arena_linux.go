//go:build linux

package lookupcache

import "golang.org/x/sys/unix"

// arenaBacking is the mmap'd region BlockCache.cpp carves its page
// slabs and arena bookkeeping out of. The Go page slabs above are
// ordinary heap allocations (Go's GC doesn't let us hand out raw
// pointers into an mmap region as slice backing stores without cgo);
// this region instead stands in for the same two madvise-able
// regions the original holds open for its lifetime, so HintUsedRange
// and Clear carry the same kernel hints a real implementation gives.
type arenaBacking struct {
	mem []byte
}

func newArenaBacking(size uint64) (arenaBacking, error) {
	if size == 0 {
		size = 1 << 20
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return arenaBacking{}, err
	}
	return arenaBacking{mem: mem}, nil
}

func (a arenaBacking) hintUsedRange(addr, size uint64) {
	if a.mem == nil {
		return
	}
	lo := addr
	hi := addr + size
	if hi > uint64(len(a.mem)) {
		hi = uint64(len(a.mem))
	}
	if lo >= hi {
		return
	}
	unix.Madvise(a.mem[lo:hi], unix.MADV_WILLNEED)
}

func (a arenaBacking) clear() {
	if a.mem == nil {
		return
	}
	unix.Madvise(a.mem, unix.MADV_DONTNEED)
}

func (a arenaBacking) close() error {
	if a.mem == nil {
		return nil
	}
	return unix.Munmap(a.mem)
}
