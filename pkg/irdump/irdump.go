// Package irdump writes the two optional text artifacts described in
// §6 ("Persisted state"): a pre/post-optimization IR listing per guest
// entry point, and a perf(1) JIT-symbols map so profiling a run
// resolves compiled blocks back to guest addresses. Both are entirely
// optional and gated by dbtconfig.Config fields; the core runs
// correctly with either, or both, disabled.
package irdump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
)

// Stage distinguishes a pre-optimization dump from a post-optimization
// one (§4.3: the pass pipeline runs between BlockBuilder's raw lift and
// the JitBackend's input).
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// WriteListing writes listing to "<dir>/<hex_rip>-<stage>.ir". A
// zero-value dir disables the dump (the caller is expected to check
// dbtconfig.Config.IRDumpDir itself, but a no-op empty dir is accepted
// here too so callers don't need to branch).
func WriteListing(dir string, pc guestpc.PC, stage Stage, listing *ir.Listing) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%x-%s.ir", uint64(pc), stage))
	return os.WriteFile(path, []byte(listing.String()), 0o644)
}

// PerfMap writes compiled-block symbol records to the file given to
// Open (conventionally /tmp/perf-<pid>.map) in perf(1)'s
// "<addr> <size> <name>" format.
// HostCodePtr values from the reference interpreter backend are not
// real addresses, so PerfMap is only meaningful with a backend that
// emits actual machine code; it is still safe to call unconditionally.
type PerfMap struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates (or truncates) the perf map file at path; the caller
// chooses the name, e.g. perf(1)'s /tmp/perf-<pid>.map. An empty path disables the
// map entirely and every subsequent Record call becomes a no-op.
func Open(path string) (*PerfMap, error) {
	if path == "" {
		return &PerfMap{}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &PerfMap{path: path, f: f}, nil
}

// Record appends one symbol for a just-compiled block.
func (m *PerfMap) Record(ptr jitbackend.HostCodePtr, size uint64, pc guestpc.PC) error {
	if m.f == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(m.f, "%x %x guest_0x%x\n", uint64(ptr), size, uint64(pc))
	return err
}

// Close flushes and closes the underlying file, if one was opened.
func (m *PerfMap) Close() error {
	if m.f == nil {
		return nil
	}
	return m.f.Close()
}
