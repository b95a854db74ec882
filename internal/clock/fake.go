package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Advance fires due
// waiters in timestamp order on the calling goroutine, so tests
// observe deterministic interleavings.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	seq     int
}

type fakeWaiter struct {
	at      time.Time
	seq     int
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives when the fake time passes d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), seq: f.seq, ch: make(chan time.Time, 1)}
	f.seq++
	f.waiters = append(f.waiters, w)
	return w.ch
}

// AfterFunc schedules fn to run when the fake time passes d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), seq: f.seq, fn: fn}
	f.seq++
	f.waiters = append(f.waiters, w)
	return fakeTimer{clock: f, waiter: w}
}

// Sleep blocks until the fake time advances past d.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves the fake time forward and fires every waiter whose
// deadline has passed, in deadline order. Callbacks run on the
// caller's goroutine before Advance returns.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []*fakeWaiter
	var rest []*fakeWaiter
	for _, w := range f.waiters {
		if !w.stopped && !w.at.After(now) {
			due = append(due, w)
			continue
		}
		rest = append(rest, w)
	}
	f.waiters = rest
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, w := range due {
		w.fired = true
	}
	f.mu.Unlock()

	for _, w := range due {
		if w.ch != nil {
			w.ch <- now
		}
		if w.fn != nil {
			w.fn()
		}
	}
}

// Pending reports how many waiters are armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, w := range f.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}

type fakeTimer struct {
	clock  *Fake
	waiter *fakeWaiter
}

func (t fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.fired || t.waiter.stopped {
		return false
	}
	t.waiter.stopped = true
	return true
}
