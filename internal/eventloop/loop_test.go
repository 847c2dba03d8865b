package eventloop

import (
	"errors"
	"testing"
	"time"
)

// fakePoller is an in-memory Poller for unit testing Loop without a
// live kernel: Wait returns whatever the test script queues next.
type fakePoller struct {
	added   map[int]Event
	waits   []func(time.Duration) []Ready
	waitIdx int
}

func newFakePoller() *fakePoller {
	return &fakePoller{added: make(map[int]Event)}
}

func (p *fakePoller) Add(fd int, events Event) error    { p.added[fd] = events; return nil }
func (p *fakePoller) Modify(fd int, events Event) error { p.added[fd] = events; return nil }
func (p *fakePoller) Remove(fd int) error               { delete(p.added, fd); return nil }

func (p *fakePoller) Wait(timeout time.Duration) ([]Ready, error) {
	if p.waitIdx >= len(p.waits) {
		return nil, nil
	}
	fn := p.waits[p.waitIdx]
	p.waitIdx++
	return fn(timeout), nil
}

func (p *fakePoller) queue(fn func(time.Duration) []Ready) {
	p.waits = append(p.waits, fn)
}

func TestLoopDispatchesReadyWatch(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)

	called := false
	if err := l.AddWatch(3, EventRead, func() error {
		called = true
		l.Quit()
		return nil
	}); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}

	fp.queue(func(time.Duration) []Ready {
		return []Ready{{Fd: 3, Events: EventRead}}
	})

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatalf("expected watch handler to run")
	}
}

func TestLoopRetriesOOMWatch(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)
	l.SetOOMBackoff(time.Millisecond)

	attempts := 0
	if err := l.AddWatch(4, EventRead, func() error {
		attempts++
		if attempts == 1 {
			return ErrNeedMemory
		}
		l.Quit()
		return nil
	}); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}

	fp.queue(func(time.Duration) []Ready { return []Ready{{Fd: 4, Events: EventRead}} })
	fp.queue(func(time.Duration) []Ready { return []Ready{{Fd: 4, Events: EventRead}} })

	// The watch starts with its OOM flag clear. The first attempt's
	// ErrNeedMemory sets it; iterate clears it again on the back-off
	// iteration, so the second queued ready event retries the handler.
	l.watches[4].oom = false

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestLoopFiresTimeout(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)

	// Freeze the clock so lastFire+interval lands exactly on the
	// reading fireTimeouts takes: per spec.md §4.5 step 3, an
	// expiration strictly in the past of the current reading resets
	// forward instead of firing, so only an exact match fires here.
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	fired := 0
	l.AddTimeout(time.Millisecond, func() error {
		fired++
		l.Quit()
		return nil
	})
	for _, tm := range l.timeouts {
		tm.lastFire = fixed.Add(-time.Millisecond)
	}

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestLoopResetsTimeoutOverdueOfExpiration(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)

	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	fired := 0
	id := l.AddTimeout(time.Millisecond, func() error {
		fired++
		return nil
	})
	tm := l.timeouts[id]
	tm.lastFire = fixed.Add(-time.Hour)

	l.fireTimeouts()

	if fired != 0 {
		t.Fatalf("fired = %d, want 0 (expiration far in the past resets instead of firing)", fired)
	}
	if !tm.lastFire.Equal(fixed) {
		t.Fatalf("lastFire = %v, want reset to %v", tm.lastFire, fixed)
	}
}

func TestLoopDrainsDispatchQueueWithNeedMemoryRetry(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)

	attempts := 0
	d := dispatchFunc(func() (bool, error) {
		attempts++
		if attempts < 3 {
			return false, ErrNeedMemory
		}
		l.Quit()
		return true, nil
	})
	l.Enqueue(d)

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestLoopDropsDispatchOnHardError(t *testing.T) {
	fp := newFakePoller()
	l := New(fp, nil)

	calls := 0
	l.Enqueue(dispatchFunc(func() (bool, error) {
		calls++
		l.Quit()
		return false, errors.New("boom")
	}))

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(l.dispatchQueue) != 0 {
		t.Fatalf("expected dispatch dropped after hard error")
	}
}

type dispatchFunc func() (bool, error)

func (f dispatchFunc) Dispatch() (bool, error) { return f() }
