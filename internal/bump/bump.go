// Package bump provides a resettable deadline timer.
package bump

import (
	"sync"
	"time"
)

// Timer calls a function once a delay elapses without a Bump. Every Bump moves
// the deadline to now+delay. The underlying timer is only rescheduled when the
// deadline moves sooner, later deadlines are picked up when it fires.
type Timer struct {
	mx    sync.Mutex
	delay time.Duration
	fn    func()
	end   time.Time
	at    time.Time
	timer *time.Timer
	gen   uint64
}

// New returns an armed Timer.
func New(delay time.Duration, fn func()) *Timer {
	t := &Timer{delay: delay, fn: fn}
	t.Bump()
	return t
}

// Bump re-arms the timer.
func (t *Timer) Bump() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.end = time.Now().Add(t.delay)
	if t.timer == nil || t.end.Before(t.at) {
		t.schedule(t.delay)
	}
}

// Clear disarms the timer. A Bump arms it again.
func (t *Timer) Clear() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.stop()
	t.end = time.Time{}
}

// caller must hold t.mx
func (t *Timer) schedule(d time.Duration) {
	t.stop()
	t.gen++
	gen := t.gen
	t.at = time.Now().Add(d)
	t.timer = time.AfterFunc(d, func() { t.check(gen) })
}

// caller must hold t.mx
func (t *Timer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.at = time.Time{}
}

func (t *Timer) check(gen uint64) {
	t.mx.Lock()
	if gen != t.gen || t.end.IsZero() {
		t.mx.Unlock()
		return
	}
	if now := time.Now(); now.Before(t.end) {
		t.schedule(t.end.Sub(now))
		t.mx.Unlock()
		return
	}
	t.timer = nil
	t.at = time.Time{}
	t.end = time.Time{}
	fn := t.fn
	t.mx.Unlock()
	fn()
}
