package jitbackend

import (
	"github.com/dbtcore/dbtcore/pkg/guestpc"
	"github.com/dbtcore/dbtcore/pkg/regfile"
)

// ExitKind classifies why Enter returned control to the dispatcher.
type ExitKind uint8

const (
	ExitReturn ExitKind = iota
	ExitSyscall
	ExitSMCInvalidate
	ExitError
)

// Enterer is satisfied by backends that can actually run a compiled
// HostCodePtr in-process. A real per-host-arch backend enters machine
// code through an assembly trampoline (out of scope, §1); the reference
// pkg/jitbackend/interp backend implements this by walking the IR it
// captured at CompileCode time. The Dispatcher type-asserts for this
// interface; a Backend that only compiles (e.g. for AOT pre-warming)
// need not implement it.
type Enterer interface {
	Enter(ptr HostCodePtr, regs *regfile.File) (nextPC guestpc.PC, exit ExitKind)
}
