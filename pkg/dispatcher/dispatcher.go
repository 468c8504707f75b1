// Package dispatcher implements the Dispatcher (§4.6, C6): the
// host-side loop that probes the LookupCache, compiles on a miss,
// enters compiled code, and reacts to SignalReason at every block
// boundary. It is grounded on the original's Context::ExecutionThread
// and Context::CompileBlock (Core.cpp): consult the IR cache, lift and
// optimize on a miss, emit host code, install the mapping, then hand
// control to the back-end.
package dispatcher

import (
	"github.com/dbtcore/dbtcore/pkg/dbterr"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/invalidation"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/lookupcache"
	"github.com/dbtcore/dbtcore/pkg/threadcontext"
)

// ExitReason is returned from RunUntilExit (§6, "Exit codes").
type ExitReason int

const (
	ExitWaiting ExitReason = iota
	ExitShutdown
	ExitDebug
	ExitUnknownError
)

// CodeFetcher supplies the raw guest bytes starting at pc, standing in
// for a read of guest-mapped memory (out of scope: memory management).
type CodeFetcher func(pc guestpc.PC) ([]byte, error)

// SyscallHandler services a guest syscall exit and returns whether the
// thread should keep running (false requests a Dispatcher exit, e.g.
// the guest called exit_group).
type SyscallHandler func(tc *threadcontext.ThreadContext) (keepRunning bool)

// Dispatcher ties one ThreadContext's compile-and-enter loop to the
// process-wide InvalidationProtocol.
type Dispatcher struct {
	Protocol *invalidation.Protocol
	Fetch    CodeFetcher
	Syscall  SyscallHandler

	// GdbEnabled is forwarded to JitBackend.CompileCode (§4.4).
	GdbEnabled bool

	// CustomIR, if set, is consulted before decode+dispatch on every
	// compile (§4.2 point 1). Process-wide CustomIRHandlers (§5) live
	// above this package, in pkg/dbtcontext; this hook lets Dispatcher
	// stay decoupled from that registry.
	CustomIR func(pc guestpc.PC) (*ir.Listing, bool, error)
}

// CompileBlock fetches, lifts, optimizes, and emits host code for pc,
// then installs the resulting mapping in tc's LookupCache (§4.2, §4.5,
// the "miss" path of §4.6's pseudocode). Compilation holds the
// invalidation protocol's shared lock for its whole duration so a
// concurrent range invalidation can never observe a half-installed
// mapping (Invariant 5, scenario E6).
func (d *Dispatcher) CompileBlock(tc *threadcontext.ThreadContext, pc guestpc.PC) (*lookupcache.BlockMapping, error) {
	if d.Protocol != nil {
		d.Protocol.BeginCompile()
		defer d.Protocol.EndCompile()
	}

	listing, ra, err := d.compileViaIRCache(tc, pc)
	if err != nil {
		return nil, err
	}

	var debug jitbackend.DebugData
	hostPtr, err := tc.JitBackend.CompileCode(pc, listing, &debug, ra, d.GdbEnabled)
	if err == dbterr.ErrAllocation {
		// §7 point 4: clear the cache once and retry.
		tc.JitBackend.ClearCache()
		tc.LookupCache.Clear()
		hostPtr, err = tc.JitBackend.CompileCode(pc, listing, &debug, ra, d.GdbEnabled)
	}
	if err != nil {
		return nil, dbterr.ErrCompileFailure
	}

	bm := &lookupcache.BlockMapping{
		GuestPC:         pc,
		HostCode:        hostPtr,
		HostCodeLength:  debug.HostCodeSize,
		GuestCodeLength: debug.GuestCodeSize,
	}
	_, err = tc.LookupCache.Insert(bm)
	if err == dbterr.ErrAllocation {
		// Same clear-once-and-retry rule for the lookup cache's budget.
		tc.LookupCache.Clear()
		_, err = tc.LookupCache.Insert(bm)
	}
	if err != nil {
		return nil, err
	}
	return bm, nil
}

func (d *Dispatcher) compileViaIRCache(tc *threadcontext.ThreadContext, pc guestpc.PC) (*ir.Listing, any, error) {
	compile := func() (*ir.Listing, any, error) {
		if d.CustomIR != nil {
			if listing, ok, cerr := d.CustomIR(pc); cerr != nil {
				return nil, nil, cerr
			} else if ok {
				return listing, nil, nil
			}
		}
		code, ferr := d.Fetch(pc)
		if ferr != nil {
			return nil, nil, dbterr.ErrDecodeFailure
		}
		res, gerr := tc.BlockBuilder.GenerateIR(pc, code, false)
		if gerr != nil {
			return nil, nil, gerr
		}
		return res.Listing, tc.PassManager.RAData(), nil
	}

	if tc.IRCache == nil {
		return compile()
	}

	e, cerr := tc.IRCache.GetOrCompile(pc, compile)
	if cerr != nil {
		return nil, nil, cerr
	}
	return e.Listing, e.RAData, nil
}

// RunOnce performs one iteration of the Dispatcher loop (§4.6's
// pseudocode): react to a pending SignalReason, otherwise probe the
// LookupCache, compile on a miss, and enter the resulting code.
func (d *Dispatcher) RunOnce(tc *threadcontext.ThreadContext) (ExitReason, bool) {
	if reason := tc.SignalReason(); reason != threadcontext.SignalNone {
		return d.handleSignal(tc, reason)
	}

	pc := tc.Regs.IP()
	bm, ok := tc.LookupCache.Find(pc)
	if !ok {
		var err error
		bm, err = d.CompileBlock(tc, pc)
		if err != nil {
			tc.SetState(threadcontext.StateStopping)
			return ExitUnknownError, false
		}
	}

	enterer, ok := tc.JitBackend.(jitbackend.Enterer)
	if !ok {
		return ExitUnknownError, false
	}

	next, exit := enterer.Enter(bm.HostCode, tc.Regs)
	switch exit {
	case jitbackend.ExitSyscall:
		tc.Regs.SetIP(next)
		if d.Syscall != nil && !d.Syscall(tc) {
			tc.SetState(threadcontext.StateStopping)
			if tc.IsRoot() {
				return ExitShutdown, false
			}
			return ExitWaiting, false
		}
		return ExitWaiting, true
	case jitbackend.ExitSMCInvalidate:
		tc.LookupCache.Erase(pc)
		if tc.IRCache != nil {
			tc.IRCache.Invalidate(pc)
		}
		tc.Regs.SetIP(next)
		return ExitWaiting, true
	case jitbackend.ExitError:
		tc.SetState(threadcontext.StateStopping)
		return ExitUnknownError, false
	default:
		tc.Regs.SetIP(next)
		return ExitWaiting, true
	}
}

func (d *Dispatcher) handleSignal(tc *threadcontext.ThreadContext, reason threadcontext.SignalReason) (ExitReason, bool) {
	switch reason {
	case threadcontext.SignalStop:
		tc.SetState(threadcontext.StateStopping)
		tc.ClearSignal()
		if tc.IsRoot() {
			return ExitShutdown, false
		}
		return ExitWaiting, false
	case threadcontext.SignalPause:
		tc.SetState(threadcontext.StatePaused)
		tc.WaitToStart()
		tc.SetState(threadcontext.StateRunning)
		tc.ClearSignal()
		return ExitWaiting, true
	case threadcontext.SignalReturn:
		tc.ClearSignal()
		return ExitWaiting, true
	default: // SignalSignal: guest-signal delivery is driven by hle.SignalDelegator,
		// out of this package's scope; clear and resume.
		tc.ClearSignal()
		return ExitWaiting, true
	}
}

// RunUntilExit runs RunOnce until it reports a non-continuing exit
// (§6, "run_until_exit() -> ExitReason").
func (d *Dispatcher) RunUntilExit(tc *threadcontext.ThreadContext) ExitReason {
	for {
		reason, cont := d.RunOnce(tc)
		if !cont {
			return reason
		}
	}
}
