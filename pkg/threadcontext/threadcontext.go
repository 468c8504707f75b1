// Package threadcontext implements ThreadContext (§4.7, C7): the
// per-guest-thread record the Dispatcher and ThreadManager operate on.
// It is created pinned — its address is captured by JIT code as the
// base for guest-register access — and owns the thread's private
// LookupCache, BlockBuilder, PassManager, and JitBackend, plus a
// pointer to the process-wide shared IRCaptureCache.
package threadcontext

import (
	"sync"
	"sync/atomic"

	"github.com/dbtcore/dbtcore/pkg/blockbuilder"
	"github.com/dbtcore/dbtcore/pkg/ircache"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/lookupcache"
	"github.com/dbtcore/dbtcore/pkg/passmgr"
	"github.com/dbtcore/dbtcore/pkg/regfile"
)

// SignalReason is the thread's SignalReason atomic (§3). Ordered by
// priority: Stop > Pause > Signal > Return > None.
type SignalReason int32

const (
	SignalNone SignalReason = iota
	SignalReturn
	SignalSignal
	SignalPause
	SignalStop
)

func (r SignalReason) String() string {
	switch r {
	case SignalReturn:
		return "return"
	case SignalSignal:
		return "signal"
	case SignalPause:
		return "pause"
	case SignalStop:
		return "stop"
	default:
		return "none"
	}
}

// State is the thread's position in the Dispatcher state machine
// (§4.6, "State machine for a running thread").
type State int32

const (
	StateWaiting State = iota
	StateRunning
	StatePaused
	StateInSignal
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateInSignal:
		return "in_signal"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "waiting"
	}
}

// Identity is the (pid, tid, parent_tid) triple recorded at creation
// (§4.8, "Thread identity"). A ThreadContext with ParentTID == 0 is the
// root thread.
type Identity struct {
	PID, TID, ParentTID uint64
}

// ThreadContext is the per-guest-thread record.
type ThreadContext struct {
	Identity Identity

	Regs *regfile.File

	LookupCache  *lookupcache.Cache
	BlockBuilder *blockbuilder.Builder
	PassManager  *passmgr.Manager
	JitBackend   jitbackend.Backend
	IRCache      *ircache.Cache // shared, process-wide

	signalReason int32
	state        int32

	// StartRunning is the condition every newly-created thread blocks on
	// until ThreadManager.Run broadcasts it (§4.6 state machine,
	// "Waiting" -> "Running").
	StartRunning sync.Cond
	startMu      sync.Mutex
	started      bool

	// SignalMask is the guest signal mask in effect for this thread.
	SignalMask uint64
}

// New constructs a ThreadContext pinned at its own address (callers
// must not copy the returned value; always operate via the pointer).
func New(id Identity, regs *regfile.File, lc *lookupcache.Cache, bb *blockbuilder.Builder, pm *passmgr.Manager, jb jitbackend.Backend, irc *ircache.Cache) *ThreadContext {
	tc := &ThreadContext{
		Identity:     id,
		Regs:         regs,
		LookupCache:  lc,
		BlockBuilder: bb,
		PassManager:  pm,
		JitBackend:   jb,
		IRCache:      irc,
	}
	tc.StartRunning.L = &tc.startMu
	return tc
}

// IsRoot reports whether this is the root thread (§4.8).
func (tc *ThreadContext) IsRoot() bool { return tc.Identity.ParentTID == 0 }

// State returns the thread's current Dispatcher state.
func (tc *ThreadContext) State() State { return State(atomic.LoadInt32(&tc.state)) }

// SetState transitions the thread to s. The caller (Dispatcher,
// ThreadManager) is responsible for only requesting valid transitions;
// this is a plain store, not a validated state machine, mirroring the
// original's direct field writes under its own call discipline.
func (tc *ThreadContext) SetState(s State) { atomic.StoreInt32(&tc.state, int32(s)) }

// SignalReason returns the thread's current SignalReason.
func (tc *ThreadContext) SignalReason() SignalReason {
	return SignalReason(atomic.LoadInt32(&tc.signalReason))
}

// RequestSignal sets the thread's SignalReason to r unless the current
// value already has equal or higher priority, enforcing Invariant 3:
// any agent other than the owning thread may only raise the priority,
// never lower it.
func (tc *ThreadContext) RequestSignal(r SignalReason) {
	for {
		cur := SignalReason(atomic.LoadInt32(&tc.signalReason))
		if r <= cur {
			return
		}
		if atomic.CompareAndSwapInt32(&tc.signalReason, int32(cur), int32(r)) {
			return
		}
	}
}

// ClearSignal resets SignalReason to None. Only the owning thread may
// call this (Invariant 3).
func (tc *ThreadContext) ClearSignal() {
	atomic.StoreInt32(&tc.signalReason, int32(SignalNone))
}

// WaitToStart blocks until Broadcast is called, the "start_running"
// condition wait of §4.6's Waiting state.
func (tc *ThreadContext) WaitToStart() {
	tc.startMu.Lock()
	for !tc.started {
		tc.StartRunning.Wait()
	}
	tc.startMu.Unlock()
}

// Broadcast releases every thread blocked in WaitToStart
// (ThreadManager.Run, §4.8).
func (tc *ThreadContext) Broadcast() {
	tc.startMu.Lock()
	tc.started = true
	tc.startMu.Unlock()
	tc.StartRunning.Broadcast()
}

// ResetStartGate re-arms WaitToStart, used by Step before it releases
// the gates again with Broadcast.
func (tc *ThreadContext) ResetStartGate() {
	tc.startMu.Lock()
	tc.started = false
	tc.startMu.Unlock()
}
