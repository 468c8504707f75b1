// Package hle collects the externally-implemented collaborator
// interfaces listed in §6 ("Consumed"): SyscallHandler, SignalDelegator,
// and the host-thread primitive the original calls Threads::Thread. The
// core calls through these; it never implements guest syscalls, seccomp
// filtering, or signal delegation itself (§1).
package hle

import "github.com/dbtcore/dbtcore/pkg/guestpc"

// SyscallFrame is the opaque per-syscall argument frame handed to
// SyscallHandler.HandleSyscall. Its shape is owned by the embedding
// application.
type SyscallFrame any

// SyscallHandler emulates guest syscalls on behalf of the dispatcher.
type SyscallHandler interface {
	// HandleSyscall executes one guest syscall and returns its result
	// register value.
	HandleSyscall(frame SyscallFrame, args [6]uint64) (uint64, error)

	// LookupAOTIRCacheEntry looks up a pre-generated IR entry for pc in
	// an ahead-of-time cache, if one is configured. ok is false on a
	// miss.
	LookupAOTIRCacheEntry(pc guestpc.PC) (entry any, ok bool)

	// MarkGuestExecutableRange records that [start, start+len) is
	// executable guest memory, so that a later write to it is detected
	// as potential self-modifying code and routed to
	// InvalidationProtocol.
	MarkGuestExecutableRange(start guestpc.PC, length uint64)
}

// HostSignalHandler is invoked when a host signal mapped to a guest
// signal arrives.
type HostSignalHandler func(signum int)

// SignalDelegator routes host signals to the dispatcher's handlers and
// manages guest signal state (frame construction, sigreturn) on its
// behalf.
type SignalDelegator interface {
	// RegisterHostSignalHandler installs cb for signum. If required is
	// true and registration fails, the delegator should treat this as
	// an ErrConfig-class startup failure.
	RegisterHostSignalHandler(signum int, cb HostSignalHandler, required bool) error

	// RegisterHostSignalHandlerForGuest installs cb for signum when
	// delivered to emulate a guest signal handler invocation.
	RegisterHostSignalHandlerForGuest(signum int, cb HostSignalHandler) error

	// CheckXIDHandler re-validates any installed handler still matches
	// the current UID/GID after a setuid/setgid-class syscall.
	CheckXIDHandler() error

	// RegisterTLSState installs the thread-local-storage state needed
	// for the delegator to locate per-thread signal masks.
	RegisterTLSState(thread any) error

	// UninstallTLSState reverses RegisterTLSState at thread exit.
	UninstallTLSState(thread any) error
}

// Thread is the host-thread primitive described in §6 as
// "Threads::Thread", for an embedding application that runs each guest
// thread on a dedicated OS thread (§5: "one OS thread per guest
// thread"). threadmanager.Manager does not call it: it starts threads
// through its Runner callback.
type Thread interface {
	// Join blocks until the thread's run function returns.
	Join() error
	// Detach marks the thread as self-cleaning, so it need not be
	// joined.
	Detach() error
	// IsSelf reports whether the calling goroutine is running on this
	// thread (for a self-detach check when a thread deletes itself).
	IsSelf() bool
}

// ThreadFactory creates a new host Thread that will invoke run.
type ThreadFactory interface {
	Create(run func()) (Thread, error)
	// CleanupAfterFork drops bookkeeping for any Threads that died in
	// the fork but whose kernel stacks may still be resident, per
	// Thread::CleanupAfterFork in the original source.
	CleanupAfterFork()
}
