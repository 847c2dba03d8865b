package eventloop

import (
	"errors"
	"time"

	"github.com/busline/busd/internal/buslog"
)

// ErrNeedMemory signals a handler could not complete because an
// allocation failed; the loop retries it after the OOM back-off
// rather than treating it as a hard failure.
var ErrNeedMemory = errors.New("eventloop: need memory")

// Handler reacts to a ready watch or a fired timeout. A true
// "out of memory" return asks the loop to set this callback's OOM
// flag and retry it later instead of scheduling normally.
type Handler func() error

// Dispatchable is a connection (or other unit of work) the loop drains
// from its needs-dispatch queue after polling. Dispatch returns
// (true, nil) once fully drained, (false, ErrNeedMemory) to retry
// after the OOM back-off, or any other error to drop the unit.
type Dispatchable interface {
	Dispatch() (done bool, err error)
}

type watch struct {
	fd      int
	events  Event
	handler Handler
	oom     bool
}

type timeout struct {
	interval time.Duration
	lastFire time.Time
	handler  Handler
	oom      bool
	enabled  bool
}

// Loop is the single-threaded cooperative scheduler described in
// SPEC_FULL.md §4.5. All watches, timeouts, and dispatchable
// connections are owned by exactly one Loop, run from exactly one
// goroutine.
type Loop struct {
	poller Poller
	log    *buslog.Logger

	watches  map[int]*watch
	timeouts map[int]*timeout
	nextTID  int

	dispatchQueue []Dispatchable

	oomBackoff time.Duration
	serial     uint64
	depth      int

	now func() time.Time
}

// New returns a Loop polling via poller. log may be nil.
func New(poller Poller, log *buslog.Logger) *Loop {
	if log == nil {
		log = buslog.Default("eventloop")
	}
	return &Loop{
		poller:     poller,
		log:        log,
		watches:    make(map[int]*watch),
		timeouts:   make(map[int]*timeout),
		oomBackoff: 50 * time.Millisecond,
		now:        time.Now,
	}
}

// SetOOMBackoff overrides the default retry interval for OOM-flagged
// callbacks and dispatch units.
func (l *Loop) SetOOMBackoff(d time.Duration) { l.oomBackoff = d }

// AddWatch registers fd for events, invoking handler when ready.
func (l *Loop) AddWatch(fd int, events Event, handler Handler) error {
	if err := l.poller.Add(fd, events); err != nil {
		return err
	}
	l.watches[fd] = &watch{fd: fd, events: events, handler: handler}
	l.serial++
	return nil
}

// RemoveWatch unregisters fd.
func (l *Loop) RemoveWatch(fd int) error {
	if _, ok := l.watches[fd]; !ok {
		return nil
	}
	delete(l.watches, fd)
	l.serial++
	return l.poller.Remove(fd)
}

// AddTimeout registers a recurring timeout firing every interval,
// returning an id usable with RemoveTimeout.
func (l *Loop) AddTimeout(interval time.Duration, handler Handler) int {
	id := l.nextTID
	l.nextTID++
	l.timeouts[id] = &timeout{interval: interval, lastFire: l.now(), handler: handler, enabled: true}
	l.serial++
	return id
}

// RemoveTimeout unregisters a timeout by id.
func (l *Loop) RemoveTimeout(id int) {
	if _, ok := l.timeouts[id]; ok {
		delete(l.timeouts, id)
		l.serial++
	}
}

// Enqueue marks d as needing dispatch; Run drains it after polling.
func (l *Loop) Enqueue(d Dispatchable) {
	l.dispatchQueue = append(l.dispatchQueue, d)
}

// Run executes iterations until Quit drops the loop's depth below the
// depth Run was entered at, per spec.md §4.5's cancellation model.
func (l *Loop) Run() error {
	entryDepth := l.depth
	l.depth++
	for l.depth > entryDepth {
		if err := l.iterate(); err != nil {
			return err
		}
	}
	return nil
}

// Quit decrements the loop's depth; the innermost Run whose entry
// depth now equals or exceeds the new depth returns.
func (l *Loop) Quit() {
	if l.depth > 0 {
		l.depth--
	}
}

func (l *Loop) iterate() error {
	startSerial := l.serial
	startDepth := l.depth

	// A callback flagged OOM last iteration sits this one out (its
	// watch stays disabled in the poller through the back-off wait
	// below) and is eligible again afterwards.
	anyOOM := false
	var reenable []*watch
	for _, w := range l.watches {
		if w.oom {
			anyOOM = true
			w.oom = false
			reenable = append(reenable, w)
		}
	}
	for _, t := range l.timeouts {
		if t.oom {
			anyOOM = true
			t.oom = false
		}
	}

	waitFor := l.nextTimeoutDelay()
	if anyOOM && (waitFor < 0 || waitFor > l.oomBackoff) {
		waitFor = l.oomBackoff
	}
	if len(l.dispatchQueue) > 0 {
		waitFor = 0
	}

	ready, err := l.poller.Wait(waitFor)
	if err != nil {
		return err
	}
	for _, w := range reenable {
		if l.watches[w.fd] == w {
			_ = l.poller.Modify(w.fd, w.events)
		}
	}

	l.fireTimeouts()
	if l.mutatedOrNested(startSerial, startDepth) {
		return nil
	}

	for _, r := range ready {
		w, ok := l.watches[r.Fd]
		if !ok || w.oom {
			continue
		}
		if err := w.handler(); err != nil {
			if errors.Is(err, ErrNeedMemory) {
				w.oom = true
				_ = l.poller.Modify(r.Fd, 0)
			} else {
				l.log.Warn("watch handler for fd %d: %v", r.Fd, err)
			}
		} else {
			w.oom = false
		}
		if l.mutatedOrNested(startSerial, startDepth) {
			return nil
		}
	}

	l.drainDispatchQueue()
	return nil
}

// nextTimeoutDelay returns the minimum remaining interval among
// enabled, non-OOM timeouts, or -1 if none are enabled (meaning the
// poller should block indefinitely).
func (l *Loop) nextTimeoutDelay() time.Duration {
	best := time.Duration(-1)
	now := l.now()
	for _, t := range l.timeouts {
		if !t.enabled || t.oom {
			continue
		}
		due := t.lastFire.Add(t.interval)
		remaining := due.Sub(now)
		if remaining < 0 {
			// Clock went backward past lastFire; treated below in
			// fireTimeouts, not counted toward the wait here.
			remaining = 0
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	return best
}

func (l *Loop) fireTimeouts() {
	now := l.now()
	for _, t := range l.timeouts {
		if !t.enabled || t.oom {
			continue
		}
		due := t.lastFire.Add(t.interval)
		if due.Before(now) {
			// The computed expiration lies in the past of the current
			// monotonic reading (clock went backward): reset forward
			// by one interval and skip firing this iteration, per
			// spec.md §4.5 step 3.
			t.lastFire = now
			continue
		}
		if !due.After(now) {
			t.lastFire = now
			if err := t.handler(); err != nil {
				if errors.Is(err, ErrNeedMemory) {
					t.oom = true
				} else {
					l.log.Warn("timeout handler: %v", err)
				}
			} else {
				t.oom = false
			}
		}
	}
}

func (l *Loop) mutatedOrNested(startSerial uint64, startDepth int) bool {
	return l.serial != startSerial || l.depth != startDepth
}

func (l *Loop) drainDispatchQueue() {
	var remaining []Dispatchable
	for _, d := range l.dispatchQueue {
		done, err := d.Dispatch()
		if err != nil {
			if errors.Is(err, ErrNeedMemory) {
				time.Sleep(l.oomBackoff)
				remaining = append(remaining, d)
			} else {
				l.log.Warn("dispatch: %v", err)
			}
			continue
		}
		if !done {
			remaining = append(remaining, d)
		}
	}
	l.dispatchQueue = remaining
}
