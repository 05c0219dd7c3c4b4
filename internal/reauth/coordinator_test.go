package reauth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubSurface struct {
	mu       sync.Mutex
	closed   bool
	location string
}

func (s *stubSurface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSurface) SuccessLocation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location, s.location != ""
}

func (s *stubSurface) close()              { s.mu.Lock(); s.closed = true; s.mu.Unlock() }
func (s *stubSurface) succeed(loc string)  { s.mu.Lock(); s.location = loc; s.mu.Unlock() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSuccessLocationFiresCallback(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(10*time.Millisecond, nil)
	defer coordinator.Shutdown()

	surface := &stubSurface{}
	handle := coordinator.Launch(surface)

	var got atomic.Value
	handle.OnCompletion(func(outcome Outcome) { got.Store(outcome) })

	surface.succeed("http://localhost/v1/auth/callback?state=ok")
	waitFor(t, time.Second, func() bool { return got.Load() != nil })

	outcome := got.Load().(Outcome)
	if !outcome.Success {
		t.Fatal("expected success outcome")
	}
	if outcome.Location == "" {
		t.Fatal("expected success location to be carried")
	}
}

func TestClosedWithoutSuccessStillFiresOnce(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(10*time.Millisecond, nil)
	defer coordinator.Shutdown()

	surface := &stubSurface{}
	handle := coordinator.Launch(surface)

	var fires atomic.Int32
	handle.OnCompletion(func(outcome Outcome) {
		if outcome.Success {
			t.Error("expected non-success outcome for a closed surface")
		}
		fires.Add(1)
	})

	surface.close()
	waitFor(t, time.Second, func() bool { return fires.Load() == 1 })

	// Poll must be gone: closing again can produce no second fire.
	<-handle.done
	time.Sleep(50 * time.Millisecond)
	if fires.Load() != 1 {
		t.Fatalf("expected exactly one completion, got %d", fires.Load())
	}
}

func TestCallbackRegisteredAfterCompletion(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(10*time.Millisecond, nil)
	defer coordinator.Shutdown()

	surface := &stubSurface{}
	handle := coordinator.Launch(surface)
	surface.close()
	<-handle.done

	var fires atomic.Int32
	handle.OnCompletion(func(Outcome) { fires.Add(1) })
	if fires.Load() != 1 {
		t.Fatalf("expected immediate fire for finished handle, got %d", fires.Load())
	}
}

func TestRelaunchReplacesPriorPoll(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(10*time.Millisecond, nil)
	defer coordinator.Shutdown()

	surface := &stubSurface{}
	first := coordinator.Launch(surface)

	var firstFires atomic.Int32
	first.OnCompletion(func(Outcome) { firstFires.Add(1) })

	second := coordinator.Launch(surface)
	<-first.done

	var secondFires atomic.Int32
	second.OnCompletion(func(Outcome) { secondFires.Add(1) })

	surface.succeed("http://localhost/v1/auth/callback?state=ok")
	waitFor(t, time.Second, func() bool { return secondFires.Load() == 1 })

	if firstFires.Load() != 0 {
		t.Fatalf("replaced poll must not fire, got %d", firstFires.Load())
	}
}

func TestShutdownCancelsWithoutFiring(t *testing.T) {
	t.Parallel()

	coordinator := NewCoordinator(10*time.Millisecond, nil)
	surface := &stubSurface{}
	handle := coordinator.Launch(surface)

	var fires atomic.Int32
	handle.OnCompletion(func(Outcome) { fires.Add(1) })

	coordinator.Shutdown()
	<-handle.done
	if fires.Load() != 0 {
		t.Fatalf("expected no completion after shutdown, got %d", fires.Load())
	}
}
