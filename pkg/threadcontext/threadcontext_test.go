package threadcontext

import (
	"sync"
	"testing"
	"time"

	"github.com/dbtcore/dbtcore/pkg/regfile"
)

func newTestContext(t *testing.T) *ThreadContext {
	t.Helper()
	return New(Identity{PID: 1, TID: 1}, &regfile.File{}, nil, nil, nil, nil, nil)
}

func TestSignalPriorityNeverLowered(t *testing.T) {
	tc := newTestContext(t)
	tc.RequestSignal(SignalPause)
	if tc.SignalReason() != SignalPause {
		t.Fatalf("expected pause, got %v", tc.SignalReason())
	}
	tc.RequestSignal(SignalSignal) // lower priority than Pause: must not overwrite
	if tc.SignalReason() != SignalPause {
		t.Fatalf("expected pause to survive a lower-priority request, got %v", tc.SignalReason())
	}
	tc.RequestSignal(SignalStop) // higher priority: must overwrite
	if tc.SignalReason() != SignalStop {
		t.Fatalf("expected stop to win, got %v", tc.SignalReason())
	}
}

func TestClearSignalResetsToNone(t *testing.T) {
	tc := newTestContext(t)
	tc.RequestSignal(SignalPause)
	tc.ClearSignal()
	if tc.SignalReason() != SignalNone {
		t.Fatalf("expected none after clear, got %v", tc.SignalReason())
	}
}

func TestRootIdentity(t *testing.T) {
	tc := New(Identity{PID: 1, TID: 1, ParentTID: 0}, &regfile.File{}, nil, nil, nil, nil, nil)
	if !tc.IsRoot() {
		t.Fatalf("expected ParentTID 0 to be root")
	}
	child := New(Identity{PID: 1, TID: 2, ParentTID: 1}, &regfile.File{}, nil, nil, nil, nil, nil)
	if child.IsRoot() {
		t.Fatalf("expected non-zero ParentTID to not be root")
	}
}

func TestWaitToStartBlocksUntilBroadcast(t *testing.T) {
	tc := newTestContext(t)
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		tc.WaitToStart()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected WaitToStart to block before Broadcast")
	case <-time.After(20 * time.Millisecond):
	}

	tc.Broadcast()
	wg.Wait()
	select {
	case <-done:
	default:
		t.Fatalf("expected WaitToStart to return after Broadcast")
	}
}

func TestStateTransitions(t *testing.T) {
	tc := newTestContext(t)
	if tc.State() != StateWaiting {
		t.Fatalf("expected initial state Waiting, got %v", tc.State())
	}
	tc.SetState(StateRunning)
	if tc.State() != StateRunning {
		t.Fatalf("expected Running, got %v", tc.State())
	}
}
