package dispatcher

import (
	"errors"
	"testing"

	"github.com/dbtcore/dbtcore/pkg/blockbuilder"
	"github.com/dbtcore/dbtcore/pkg/dbtconfig"
	"github.com/dbtcore/dbtcore/pkg/decoder"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/ircache"
	"github.com/dbtcore/dbtcore/pkg/jitbackend/interp"
	"github.com/dbtcore/dbtcore/pkg/lookupcache"
	"github.com/dbtcore/dbtcore/pkg/passmgr"
	"github.com/dbtcore/dbtcore/pkg/regfile"
	"github.com/dbtcore/dbtcore/pkg/threadcontext"
)

// exitingDecoder lifts a single one-byte instruction per call and
// always ends the block with a side exit to pc+1, so a dispatcher loop
// naturally advances one guest byte per compiled block without needing
// a real opcode table.
type exitingDecoder struct{}

func (exitingDecoder) DecodeInstructionsAtEntry(code []byte, pc guestpc.PC, onRange decoder.RangeCoveredFunc) ([]decoder.DecodedBlock, error) {
	if len(code) == 0 {
		return nil, errors.New("no code")
	}
	return []decoder.DecodedBlock{{EntryPC: pc, Instructions: []decoder.Instruction{{PC: pc, Length: 1}}, TotalLength: 1}}, nil
}

type exitingDispatch struct{}

func (exitingDispatch) Dispatch(ctx *blockbuilder.GenCtx, inst decoder.Instruction) error {
	ctx.Emit(ir.Op{Opcode: ir.OpExit, Target: inst.PC + 1})
	return nil
}

func newTestThread(t *testing.T, irc *ircache.Cache, smc dbtconfig.SMCMode) (*threadcontext.ThreadContext, *interp.Backend) {
	t.Helper()
	lc, err := lookupcache.New(lookupcache.Config{VirtualMemSize: 1 << 24, PageShift: 12, MaxArenaBytes: 1 << 20})
	if err != nil {
		t.Fatalf("lookupcache.New: %v", err)
	}
	t.Cleanup(func() { lc.Close() })

	pm := passmgr.New()
	pm.RegisterPass(passmgr.CompactPass{})
	bb := blockbuilder.New(exitingDecoder{}, exitingDispatch{}, pm, blockbuilder.Config{MaxInstPerBlock: 64, SMC: smc})
	backend := interp.New()
	regs := &regfile.File{}
	regs.SetIP(0x1000)

	tc := threadcontext.New(threadcontext.Identity{PID: 1, TID: 1}, regs, lc, bb, pm, backend, irc)
	return tc, backend
}

func fetchFullPage(pc guestpc.PC) ([]byte, error) {
	return []byte{0x90}, nil
}

func TestDispatcherCompilesAndAdvancesPC(t *testing.T) {
	tc, _ := newTestThread(t, ircache.New(dbtconfig.SMCNone), dbtconfig.SMCNone)
	d := &Dispatcher{Fetch: fetchFullPage}

	reason, cont := d.RunOnce(tc)
	if !cont {
		t.Fatalf("expected loop to continue, got exit reason %v", reason)
	}
	if tc.Regs.IP() != 0x1001 {
		t.Fatalf("expected pc to advance to 0x1001, got %#x", tc.Regs.IP())
	}
}

func TestDispatcherReusesCompiledBlock(t *testing.T) {
	tc, _ := newTestThread(t, ircache.New(dbtconfig.SMCNone), dbtconfig.SMCNone)
	d := &Dispatcher{Fetch: fetchFullPage}

	d.RunOnce(tc) // compiles 0x1000
	tc.Regs.SetIP(0x1000)
	if _, ok := tc.LookupCache.Find(0x1000); !ok {
		t.Fatalf("expected the block to be cached after first run")
	}
	_, cont := d.RunOnce(tc)
	if !cont {
		t.Fatalf("expected second run to succeed from cache")
	}
}

func TestDispatcherStopSignalExitsLoop(t *testing.T) {
	tc, _ := newTestThread(t, ircache.New(dbtconfig.SMCNone), dbtconfig.SMCNone)
	d := &Dispatcher{Fetch: fetchFullPage}
	tc.RequestSignal(threadcontext.SignalStop)

	reason, cont := d.RunOnce(tc)
	if cont {
		t.Fatalf("expected Stop to end the loop")
	}
	if reason != ExitShutdown {
		t.Fatalf("expected ExitShutdown for root thread stop, got %v", reason)
	}
}

func TestDispatcherPauseThenResume(t *testing.T) {
	tc, _ := newTestThread(t, ircache.New(dbtconfig.SMCNone), dbtconfig.SMCNone)
	d := &Dispatcher{Fetch: fetchFullPage}
	tc.RequestSignal(threadcontext.SignalPause)
	tc.Broadcast() // pretend ThreadManager already released the start gate

	reason, cont := d.RunOnce(tc)
	if !cont || reason != ExitWaiting {
		t.Fatalf("expected pause to resolve and continue, got %v/%v", reason, cont)
	}
	if tc.SignalReason() != threadcontext.SignalNone {
		t.Fatalf("expected signal cleared after pause handling")
	}
}

func TestDispatcherSMCGuardInvalidatesAndRecompiles(t *testing.T) {
	tc, _ := newTestThread(t, ircache.New(dbtconfig.SMCNone), dbtconfig.SMCNone)
	// Install a block manually whose guard always fires, simulating a
	// guest write having invalidated the underlying bytes.
	l := ir.NewListing(0x9000)
	b := l.NewBlock()
	b.Emit(ir.Op{Opcode: ir.OpValidateCode, Removes: true, Target: 0x9000})
	b.Emit(ir.Op{Opcode: ir.OpExit, Target: 0x9001})

	backend := tc.JitBackend.(*interp.Backend)
	ptr, err := backend.CompileCode(0x9000, l, nil, nil, false)
	if err != nil {
		t.Fatalf("CompileCode failed: %v", err)
	}
	tc.LookupCache.Insert(&lookupcache.BlockMapping{GuestPC: 0x9000, HostCode: ptr})
	tc.Regs.SetIP(0x9000)

	d := &Dispatcher{Fetch: fetchFullPage}
	reason, cont := d.RunOnce(tc)
	if !cont || reason != ExitWaiting {
		t.Fatalf("expected SMC invalidation exit to continue the loop, got %v/%v", reason, cont)
	}
	if _, ok := tc.LookupCache.Find(0x9000); ok {
		t.Fatalf("expected SMC guard to erase the stale mapping")
	}

	// The next iteration misses and recompiles the block from guest code.
	if _, cont := d.RunOnce(tc); !cont {
		t.Fatalf("expected the recompiling iteration to continue the loop")
	}
	if _, ok := tc.LookupCache.Find(0x9000); !ok {
		t.Fatalf("expected the block to be recompiled after the SMC guard fired")
	}
}
