// Package passmgr runs the ordered IR pass pipeline described in
// SPEC_FULL.md §4.3: constant propagation / DCE, long-divide expansion,
// IR compaction, register allocation, and an optional validation pass.
package passmgr

import "github.com/dbtcore/dbtcore/pkg/ir"

// Pass is one step of the pipeline, run in registration order — the
// same ordered-vector-of-passes shape as the original's
// FEXCore::IR::PassManager.
type Pass interface {
	Name() string
	Run(l *ir.Listing) error
}

// SyscallHandlerFunc lets a hook observe or rewrite OpSyscall ops; most
// passes don't need this, but RegisterSyscallHandler is part of the
// public contract (§4.3) so it's modeled explicitly.
type SyscallHandlerFunc func(op *ir.Op)

// ExitHandlerFunc lets a registered hook observe OpExit ops as they're
// finalized (e.g. for debug tooling); see RegisterExitHandler (§4.3).
type ExitHandlerFunc func(op *ir.Op)

// RAPass is satisfied by the register-allocation pass so that callers
// can retrieve its RAData without a type switch over every pass.
type RAPass interface {
	Pass
	Result() any
}

// Manager owns the ordered pass list plus the two hook registries.
type Manager struct {
	passes          []Pass
	syscallHandlers []SyscallHandlerFunc
	exitHandlers    []ExitHandlerFunc
}

// New returns an empty Manager; callers register passes in the order
// they should run (§4.3's "Standard pass order").
func New() *Manager {
	return &Manager{}
}

// RegisterPass appends p to the pipeline.
func (m *Manager) RegisterPass(p Pass) {
	m.passes = append(m.passes, p)
}

// RegisterSyscallHandler installs h. Run invokes it for every OpSyscall
// in the listing before each registered pass runs, and so does any pass
// that calls Manager.NotifySyscall.
func (m *Manager) RegisterSyscallHandler(h SyscallHandlerFunc) {
	m.syscallHandlers = append(m.syscallHandlers, h)
}

// RegisterExitHandler installs h. Run invokes it for every OpExit in the
// listing before each registered pass runs, and so does any pass that
// calls Manager.NotifyExit.
func (m *Manager) RegisterExitHandler(h ExitHandlerFunc) {
	m.exitHandlers = append(m.exitHandlers, h)
}

// NotifySyscall lets a Pass implementation report a syscall op it
// observed to the registered hooks.
func (m *Manager) NotifySyscall(op *ir.Op) {
	for _, h := range m.syscallHandlers {
		h(op)
	}
}

// NotifyExit lets a Pass implementation report an exit op it observed
// to the registered hooks.
func (m *Manager) NotifyExit(op *ir.Op) {
	for _, h := range m.exitHandlers {
		h(op)
	}
}

// Run executes every registered pass over l in order, stopping at the
// first error (a pass failing is a BlockBuilder-level compile failure,
// per §7).
func (m *Manager) Run(l *ir.Listing) error {
	for _, p := range m.passes {
		for _, op := range walkOps(l) {
			if op.Opcode == ir.OpSyscall {
				m.NotifySyscall(op)
			}
			if op.Opcode == ir.OpExit {
				m.NotifyExit(op)
			}
		}
		if err := p.Run(l); err != nil {
			return err
		}
	}
	return nil
}

// RAData returns the RAData produced by the last registered pass that
// implements RAPass, or nil if none was registered (e.g. an interpreter
// back-end that skips register allocation entirely, per §4.3 point 4).
func (m *Manager) RAData() any {
	for i := len(m.passes) - 1; i >= 0; i-- {
		if ra, ok := m.passes[i].(RAPass); ok {
			return ra.Result()
		}
	}
	return nil
}

func walkOps(l *ir.Listing) []*ir.Op {
	var ops []*ir.Op
	for _, b := range l.Blocks {
		for i := range b.Ops {
			ops = append(ops, &b.Ops[i])
		}
	}
	return ops
}
