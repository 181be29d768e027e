package progress

import (
	"sync"
	"time"
)

// DefaultInterval minimum spacing of delivered reports.
const DefaultInterval = 250 * time.Millisecond

// Throttle coalesces reports so fn sees at most one per interval. The latest
// pending report is delivered when the interval runs out. Terminal reports are
// delivered at once and end delivery.
type Throttle struct {
	mu       sync.Mutex
	fn       Func
	interval time.Duration
	last     time.Time
	pending  *Status
	timer    *time.Timer
	done     bool
}

// NewThrottle wraps fn. A nil fn discards reports.
func NewThrottle(fn Func, interval time.Duration) *Throttle {
	if fn == nil {
		fn = func(Status) {}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{fn: fn, interval: interval}
}

// Send reports s, possibly later, possibly replaced by a newer report.
func (t *Throttle) Send(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if s.State.Terminal() {
		t.stop()
		t.done = true
		t.fn(s)
		return
	}
	wait := t.interval - time.Since(t.last)
	if wait <= 0 && t.timer == nil {
		t.deliver(s)
		return
	}
	t.pending = &s
	if t.timer == nil {
		t.timer = time.AfterFunc(wait, t.flushPending)
	}
}

func (t *Throttle) flushPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.done || t.pending == nil {
		return
	}
	t.deliver(*t.pending)
}

func (t *Throttle) deliver(s Status) {
	t.pending = nil
	t.last = time.Now()
	t.fn(s)
}

func (t *Throttle) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}

// Flush delivers a pending report now.
func (t *Throttle) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.pending == nil {
		return
	}
	s := *t.pending
	t.stop()
	t.deliver(s)
}
