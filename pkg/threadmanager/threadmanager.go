// Package threadmanager implements ThreadManager (§4.8, C8): creation,
// tracking, pause/run/step/stop, and fork cleanup for the set of
// ThreadContexts belonging to one Context. It is a direct port of the
// original's ThreadManager.cpp/h: a creation_lock guarding the tracked
// thread vector, an IdleWaitRefCount/IdleWaitCV pair threads decrement
// and broadcast on exit, and a 1.5s wait-then-renotify loop for the
// bounded pause wait.
package threadmanager

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dbtcore/dbtcore/pkg/invalidation"
	"github.com/dbtcore/dbtcore/pkg/threadcontext"
)

// idleWaitTimeout is the default bound for WaitForIdleWithTimeout
// (§5, "wait_for_idle_with_timeout uses 1.5s as the default bound").
const idleWaitTimeout = 1500 * time.Millisecond

// Runner is invoked once per tracked thread by Run to start its
// host-side execution loop (the Dispatcher's ExecutionThread). It is
// the embedding application's responsibility to actually spawn the
// goroutine; Manager only tracks and coordinates ThreadContexts.
type Runner func(tc *threadcontext.ThreadContext)

// Manager is the ThreadManager trait.
type Manager struct {
	creationMu sync.Mutex
	threads    []*threadcontext.ThreadContext
	nextTID    uint64

	idleMu       sync.Mutex
	idleCV       *sync.Cond
	idleRefCount int32

	invalidation *invalidation.Protocol
	runner       Runner

	running bool
}

// New returns an empty Manager. invalidationProtocol may be nil if the
// embedding application doesn't wire invalidation sweeps through
// per-thread cache registration (tests commonly don't).
func New(invalidationProtocol *invalidation.Protocol, runner Runner) *Manager {
	m := &Manager{invalidation: invalidationProtocol, runner: runner, nextTID: 1}
	m.idleCV = sync.NewCond(&m.idleMu)
	return m
}

// CreateThread allocates and tracks a new ThreadContext (ThreadManager
// h's CreateThread + TrackThread combined, since this module has no
// separate ptrace-stub creation step to interleave between them).
func (m *Manager) CreateThread(tc *threadcontext.ThreadContext, parentTID uint64) *threadcontext.ThreadContext {
	m.creationMu.Lock()
	tc.Identity.TID = m.nextTID
	m.nextTID++
	tc.Identity.ParentTID = parentTID
	m.threads = append(m.threads, tc)
	m.incrementIdleRefCountLocked()
	m.creationMu.Unlock()

	if m.invalidation != nil {
		m.invalidation.RegisterThread(invalidation.ThreadID(tc.Identity.TID), tc.LookupCache)
	}
	return tc
}

// DestroyThread untracks tc and decrements IdleWaitRefCount, waking any
// waiter in WaitForIdle (ThreadManager::HandleThreadDeletion).
func (m *Manager) DestroyThread(tc *threadcontext.ThreadContext) {
	m.creationMu.Lock()
	for i, t := range m.threads {
		if t == tc {
			m.threads = append(m.threads[:i], m.threads[i+1:]...)
			break
		}
	}
	m.creationMu.Unlock()

	if m.invalidation != nil {
		m.invalidation.UnregisterThread(invalidation.ThreadID(tc.Identity.TID))
	}

	tc.SetState(threadcontext.StateTerminated)
	m.decrementIdleRefCount()
}

// Threads returns a snapshot of the currently tracked ThreadContexts.
func (m *Manager) Threads() []*threadcontext.ThreadContext {
	m.creationMu.Lock()
	defer m.creationMu.Unlock()
	out := make([]*threadcontext.ThreadContext, len(m.threads))
	copy(out, m.threads)
	return out
}

func (m *Manager) incrementIdleRefCountLocked() {
	m.idleMu.Lock()
	m.idleRefCount++
	m.idleMu.Unlock()
}

// IncrementIdleRefCount grows the idle-wait refcount, used when a
// thread is about to enter a state WaitForIdle must not treat as idle
// (ThreadManager::IncrementIdleRefCount).
func (m *Manager) IncrementIdleRefCount() {
	m.idleMu.Lock()
	m.idleRefCount++
	m.idleMu.Unlock()
}

func (m *Manager) decrementIdleRefCount() {
	m.idleMu.Lock()
	m.idleRefCount--
	if m.idleRefCount <= 0 {
		m.idleCV.Broadcast()
	}
	m.idleMu.Unlock()
}

// Run broadcasts start_running to every tracked thread
// (ThreadManager::Run).
func (m *Manager) Run() {
	m.creationMu.Lock()
	m.running = true
	threads := append([]*threadcontext.ThreadContext(nil), m.threads...)
	m.creationMu.Unlock()

	for _, tc := range threads {
		tc.SetState(threadcontext.StateRunning)
		tc.Broadcast()
		if m.runner != nil {
			m.runner(tc)
		}
	}
}

// Pause sets every running thread's SignalReason to Pause and waits for
// IdleWaitRefCount to reach zero (ThreadManager::Pause).
func (m *Manager) Pause() {
	for _, tc := range m.Threads() {
		tc.RequestSignal(threadcontext.SignalPause)
	}
	m.WaitForIdle()
}

// Stop sets every thread's SignalReason to Stop, optionally skipping
// the calling thread so it can finish its own cleanup last
// (ThreadManager::Stop).
func (m *Manager) Stop(ignoreCurrent *threadcontext.ThreadContext) {
	for _, tc := range m.Threads() {
		if tc == ignoreCurrent {
			continue
		}
		tc.RequestSignal(threadcontext.SignalStop)
	}
	if ignoreCurrent != nil {
		ignoreCurrent.RequestSignal(threadcontext.SignalStop)
	}
}

// Step clears every thread's caches, re-arms and then releases their
// start gates with the threads marked running, waits for idle, then
// marks them paused (ThreadManager::Step). It does not limit how many
// blocks a thread runs or how many instructions a re-lifted block holds.
func (m *Manager) Step() {
	threads := m.Threads()
	for _, tc := range threads {
		if tc.LookupCache != nil {
			tc.LookupCache.Clear()
		}
		if tc.IRCache != nil {
			tc.IRCache.Clear()
		}
		tc.ResetStartGate()
	}
	for _, tc := range threads {
		tc.SetState(threadcontext.StateRunning)
		tc.Broadcast()
	}
	m.WaitForIdle()
	for _, tc := range threads {
		tc.SetState(threadcontext.StatePaused)
	}
}

// WaitForIdle blocks until IdleWaitRefCount reaches zero
// (ThreadManager::WaitForIdle).
func (m *Manager) WaitForIdle() {
	m.idleMu.Lock()
	for m.idleRefCount > 0 {
		m.idleCV.Wait()
	}
	m.idleMu.Unlock()
}

// WaitForIdleWithTimeout waits up to idleWaitTimeout; on timeout it
// re-issues Pause to every thread and waits again, repeating until
// idle (ThreadManager::WaitForIdleWithTimeout — "guaranteed to
// complete because any syscall must eventually return and the signal
// interrupts it", §5).
func (m *Manager) WaitForIdleWithTimeout() {
	b := backoff.NewConstantBackOff(idleWaitTimeout)
	for {
		done := make(chan struct{})
		go func() {
			m.WaitForIdle()
			close(done)
		}()

		select {
		case <-done:
			return
		case <-time.After(b.NextBackOff()):
			for _, tc := range m.Threads() {
				tc.RequestSignal(threadcontext.SignalPause)
			}
		}
	}
}

// WaitForThreadsToRun blocks until every tracked thread has left
// StateWaiting (ThreadManager::WaitForThreadsToRun).
func (m *Manager) WaitForThreadsToRun() {
	for {
		allRunning := true
		for _, tc := range m.Threads() {
			if tc.State() == threadcontext.StateWaiting {
				allRunning = false
				break
			}
		}
		if allRunning {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// CleanupAfterFork drops every ThreadContext except liveThread without
// signalling them (their kernel stacks may still be mapped but their
// OS threads are gone in the child), then resets the idle refcount to
// 1 (ThreadManager::UnlockAfterFork, Child path).
func (m *Manager) CleanupAfterFork(liveThread *threadcontext.ThreadContext) {
	m.creationMu.Lock()
	dropped := m.threads
	m.threads = []*threadcontext.ThreadContext{liveThread}
	m.creationMu.Unlock()

	if m.invalidation != nil {
		for _, tc := range dropped {
			if tc != liveThread {
				m.invalidation.UnregisterThread(invalidation.ThreadID(tc.Identity.TID))
			}
		}
	}

	m.idleMu.Lock()
	m.idleRefCount = 1
	m.idleMu.Unlock()
}
