// Package reconnect provides the repeating reconnect timer used by the AMI
// transport.
package reconnect

import (
	"sync"
	"time"
)

// DefaultInterval is the reconnect period used when none is configured.
const DefaultInterval = time.Second

// Timer fires at a fixed interval while armed. Arming an armed timer is a
// no-op, so at most one schedule exists no matter how many disconnects are
// reported before the next successful connection.
type Timer struct {
	interval time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	arms   uint64
}

// New returns a disarmed Timer firing every interval.
func New(interval time.Duration) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{interval: interval}
}

// Interval returns the firing period.
func (t *Timer) Interval() time.Duration { return t.interval }

// Arm starts the timer. It returns false if the timer was already armed.
func (t *Timer) Arm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker != nil {
		return false
	}
	t.ticker = time.NewTicker(t.interval)
	t.arms++
	return true
}

// Disarm stops the timer. It returns false if the timer was not armed.
func (t *Timer) Disarm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return false
	}
	t.ticker.Stop()
	t.ticker = nil
	return true
}

// Armed reports whether the timer is running.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticker != nil
}

// C returns the tick channel, or nil when disarmed. Receiving from a nil
// channel blocks forever, which lets callers select on C unconditionally.
func (t *Timer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return nil
	}
	return t.ticker.C
}

// Arms returns how many times the timer went from disarmed to armed.
func (t *Timer) Arms() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arms
}
