// Package dbtcontext implements the top-level Context (§6, "Exposed"):
// the driver-owned value that wires together configuration, the
// process-wide IRCaptureCache and InvalidationProtocol, the
// CustomIRHandlers registry, and the ThreadManager, and exposes
// create_new_context/initialize_context/init_core/run_until_exit/
// compile_rip/add_custom_ir_entrypoint/remove_custom_ir_entrypoint/
// invalidate_guest_code_range/mark_memory_shared/
// add_virtual_memory_mapping. Grounded on the original's Context.cpp.
package dbtcontext

import (
	"sync"
	"sync/atomic"

	"github.com/dbtcore/dbtcore/pkg/blockbuilder"
	"github.com/dbtcore/dbtcore/pkg/dbterr"
	"github.com/dbtcore/dbtcore/pkg/dbtconfig"
	"github.com/dbtcore/dbtcore/pkg/dbtlog"
	"github.com/dbtcore/dbtcore/pkg/decoder"
	"github.com/dbtcore/dbtcore/pkg/dispatcher"
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/invalidation"
	"github.com/dbtcore/dbtcore/pkg/ir"
	"github.com/dbtcore/dbtcore/pkg/ircache"
	"github.com/dbtcore/dbtcore/pkg/jitbackend"
	"github.com/dbtcore/dbtcore/pkg/lookupcache"
	"github.com/dbtcore/dbtcore/pkg/passmgr"
	"github.com/dbtcore/dbtcore/pkg/regfile"
	"github.com/dbtcore/dbtcore/pkg/threadcontext"
	"github.com/dbtcore/dbtcore/pkg/threadmanager"
)

// ExitReason re-exports dispatcher.ExitReason under the name this
// package's consumers expect (§6 exit codes).
type ExitReason = dispatcher.ExitReason

const (
	ExitWaiting       = dispatcher.ExitWaiting
	ExitShutdown      = dispatcher.ExitShutdown
	ExitDebug         = dispatcher.ExitDebug
	ExitUnknownError  = dispatcher.ExitUnknownError
)

// ExitHandler observes a thread's terminal exit reason (§6, SetExitHandler).
type ExitHandler func(tc *threadcontext.ThreadContext, reason ExitReason)

// customEntry is one installed CustomIRHandler (§3, §5 "process-wide,
// shared/exclusive lock").
type customEntry struct {
	handler blockbuilder.CustomIRHandler
	creator string
	data    any
}

// CustomIRResult is returned by AddCustomIREntrypoint on a conflicting
// install (§7 point 5).
type CustomIRResult struct {
	Installed       bool
	ExistingCreator string
	ExistingData    any
}

// Context is the top-level driver value. It is never a package-level
// global; callers own and pass it explicitly.
type Context struct {
	cfg dbtconfig.Config

	IRCache    *ircache.Cache
	Protocol   *invalidation.Protocol
	ThreadMgr  *threadmanager.Manager

	dec        decoder.Decoder
	opDispatch blockbuilder.OpcodeDispatcher
	newBackend func() jitbackend.Backend
	fetch      dispatcher.CodeFetcher
	syscall    dispatcher.SyscallHandler

	customMu sync.RWMutex
	custom   map[guestpc.PC]customEntry

	exitMu      sync.Mutex
	exitHandler ExitHandler

	shuttingDown int32

	rootMu   sync.Mutex
	root     *threadcontext.ThreadContext
	rootDone chan ExitReason
}

// CreateNewContext validates cfg and allocates the process-wide shared
// state (§6, "create_new_context"). Open Question 2 is resolved here:
// GuestMode32 forces VirtualMemSize to 1<<32 regardless of cfg.
func CreateNewContext(cfg dbtconfig.Config) (*Context, error) {
	if cfg.PageShift == 0 || cfg.MaxArenaBytes == 0 {
		return nil, dbterr.ErrConfig
	}
	if cfg.GuestMode32 {
		cfg.VirtualMemSize = 1 << 32
	}

	ctx := &Context{
		cfg:      cfg,
		IRCache:  ircache.New(cfg.SMC),
		custom:   make(map[guestpc.PC]customEntry),
		rootDone: make(chan ExitReason, 1),
	}
	ctx.Protocol = invalidation.New(cfg.PageShift, ctx.IRCache)
	return ctx, nil
}

// InitializeContext wires the external collaborators (§1's "Deliberately
// out of scope" interfaces) into the context and constructs the
// ThreadManager (§6, "initialize_context").
func (c *Context) InitializeContext(dec decoder.Decoder, opDispatch blockbuilder.OpcodeDispatcher, newBackend func() jitbackend.Backend, fetch dispatcher.CodeFetcher, syscall dispatcher.SyscallHandler) error {
	if dec == nil || opDispatch == nil || newBackend == nil || fetch == nil {
		return dbterr.ErrConfig
	}
	c.dec, c.opDispatch, c.newBackend, c.fetch, c.syscall = dec, opDispatch, newBackend, fetch, syscall
	c.ThreadMgr = threadmanager.New(c.Protocol, nil)
	return nil
}

// SetExitHandler installs the handler invoked when a thread's dispatch
// loop returns a terminal exit reason.
func (c *Context) SetExitHandler(h ExitHandler) {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	c.exitHandler = h
}

func (c *Context) notifyExit(tc *threadcontext.ThreadContext, reason ExitReason) {
	c.exitMu.Lock()
	h := c.exitHandler
	c.exitMu.Unlock()
	if h != nil {
		h(tc, reason)
	}
	if tc.IsRoot() {
		atomic.StoreInt32(&c.shuttingDown, 1)
		select {
		case c.rootDone <- reason:
		default:
		}
	}
}

// InitCore creates the root ThreadContext and its private LookupCache,
// BlockBuilder, PassManager, and JitBackend (§6, "init_core").
func (c *Context) InitCore(initialPC guestpc.PC, stackPtr uint64) (*threadcontext.ThreadContext, error) {
	return c.newThread(initialPC, stackPtr, 0)
}

// CreateThread creates a non-root guest thread, e.g. for clone() (§4.8).
func (c *Context) CreateThread(initialPC guestpc.PC, stackPtr uint64, parentTID uint64) (*threadcontext.ThreadContext, error) {
	return c.newThread(initialPC, stackPtr, parentTID)
}

func (c *Context) newThread(initialPC guestpc.PC, stackPtr uint64, parentTID uint64) (*threadcontext.ThreadContext, error) {
	if err := guestpc.Check32(initialPC, c.cfg.GuestMode32); err != nil {
		return nil, err
	}

	lc, err := lookupcache.New(lookupcache.Config{
		VirtualMemSize: c.cfg.VirtualMemSize,
		PageShift:      c.cfg.PageShift,
		MaxArenaBytes:  c.cfg.MaxArenaBytes,
		GuestMode32:    c.cfg.GuestMode32,
	})
	if err != nil {
		return nil, err
	}

	pm := passmgr.New()
	pm.RegisterPass(passmgr.ConstPropPass{})
	pm.RegisterPass(passmgr.LongDivideExpandPass{})
	pm.RegisterPass(passmgr.CompactPass{})
	ra := &passmgr.RegAllocPass{NumGPR: 16, NumFPR: 16}
	pm.RegisterPass(ra)

	bb := blockbuilder.New(c.dec, c.opDispatch, pm, blockbuilder.Config{
		MaxInstPerBlock: c.cfg.MaxInstPerBlock,
		SMC:             c.cfg.SMC,
	})

	regs := &regfile.File{}
	regs.SetIP(initialPC)
	regs.SetStack(stackPtr)

	tc := threadcontext.New(threadcontext.Identity{ParentTID: parentTID}, regs, lc, bb, pm, c.newBackend(), c.IRCache)
	c.ThreadMgr.CreateThread(tc, parentTID)

	if tc.IsRoot() {
		c.rootMu.Lock()
		c.root = tc
		c.rootMu.Unlock()
	}
	return tc, nil
}

// newDispatcherFor builds the Dispatcher wiring used by RunUntilExit
// and CompileRIP, consulting this Context's process-wide CustomIRHandlers
// registry ahead of decode+dispatch.
func (c *Context) newDispatcherFor() *dispatcher.Dispatcher {
	return &dispatcher.Dispatcher{
		Protocol:   c.Protocol,
		Fetch:      c.fetch,
		Syscall:    c.syscall,
		GdbEnabled: c.cfg.GdbEnabled,
		CustomIR:   c.lookupCustomIR,
	}
}

func (c *Context) lookupCustomIR(pc guestpc.PC) (*ir.Listing, bool, error) {
	c.customMu.RLock()
	e, ok := c.custom[pc]
	c.customMu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	listing, err := e.handler(pc)
	if err != nil {
		return nil, false, err
	}
	return listing, true, nil
}

// RunUntilExit runs tc's Dispatcher loop to completion, on its own
// goroutine. For the root thread it blocks until the root thread exits
// (§6, "run_until_exit() -> ExitReason"); for any other thread it
// returns ExitWaiting at once. On a fatal compile/decode failure the
// loop ends with ExitUnknownError; no guest status code is set.
func (c *Context) RunUntilExit(tc *threadcontext.ThreadContext) ExitReason {
	d := c.newDispatcherFor()
	go func() {
		reason := d.RunUntilExit(tc)
		c.notifyExit(tc, reason)
	}()
	if tc.IsRoot() {
		return <-c.rootDone
	}
	return ExitWaiting
}

// CompileRIP forces an eager compile of rip for tc, as a debug action
// (§6, "compile_rip(thread, rip)").
func (c *Context) CompileRIP(tc *threadcontext.ThreadContext, rip guestpc.PC) error {
	if c.Protocol != nil {
		c.Protocol.InvalidateSingle(rip)
	}
	d := c.newDispatcherFor()
	_, err := d.CompileBlock(tc, rip)
	return err
}

// AddCustomIREntrypoint installs a process-wide CustomIRHandler at pc
// (§6, §7 point 5). If pc is already occupied, the existing
// creator/data are returned and the entry is left untouched.
func (c *Context) AddCustomIREntrypoint(pc guestpc.PC, h blockbuilder.CustomIRHandler, creator string, data any) CustomIRResult {
	c.customMu.Lock()
	defer c.customMu.Unlock()
	if existing, ok := c.custom[pc]; ok {
		return CustomIRResult{Installed: false, ExistingCreator: existing.creator, ExistingData: existing.data}
	}
	c.custom[pc] = customEntry{handler: h, creator: creator, data: data}
	return CustomIRResult{Installed: true}
}

// RemoveCustomIREntrypoint uninstalls pc's handler and invalidates any
// cached compilation of it across every tracked thread (§6, §4.9).
func (c *Context) RemoveCustomIREntrypoint(pc guestpc.PC) {
	c.customMu.Lock()
	delete(c.custom, pc)
	c.customMu.Unlock()
	c.Protocol.InvalidateSingle(pc)
}

// InvalidateGuestCodeRange sweeps [start, start+length) across every
// tracked thread and the shared IR cache, then runs callAfter if
// non-nil (§6, §4.9).
func (c *Context) InvalidateGuestCodeRange(start guestpc.PC, length uint64, callAfter invalidation.CallAfterFunc) int {
	if callAfter != nil {
		c.Protocol.SetCallAfter(callAfter)
	}
	return c.Protocol.InvalidateRange(start, length)
}

// MarkMemoryShared is a one-shot transition forcing every cached block
// to be discarded, since TSO-aware optimizations that assumed no
// sharing are no longer sound (§6).
func (c *Context) MarkMemoryShared() {
	for _, tc := range c.ThreadMgr.Threads() {
		if tc.LookupCache != nil {
			tc.LookupCache.Clear()
		}
	}
	c.IRCache.Clear()
}

// AddVirtualMemoryMapping is unsupported (§6, Open Question 3; matches
// the original's AddVirtualMemoryMapping, which always returns false).
func (c *Context) AddVirtualMemoryMapping(virtualAddress, physicalAddress, size uint64) (bool, error) {
	return false, dbterr.ErrUnsupported
}

// ShuttingDown reports whether the root thread has exited.
func (c *Context) ShuttingDown() bool {
	return atomic.LoadInt32(&c.shuttingDown) != 0
}

func init() {
	// Registered here rather than at every call site, matching the
	// teacher's pattern of a package-level subsystem logger.
	_ = dbtlog.WithSubsystem("dbtcontext")
}
