package integrity

import (
	"sync"
	"time"
)

// Clock abstracts wall time so sessions can be driven deterministically.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the session clock needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// TickInterval is the granularity of the session countdown.
const TickInterval = time.Second

// SessionClock counts down to a deadline. It never changes session state
// itself: every tick is handed to post, which enqueues it on the machine.
type SessionClock struct {
	clock    Clock
	deadline time.Time
	warnings []time.Duration
	fired    map[time.Duration]bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionClock creates a clock expiring at deadline. warnings lists the
// remaining-time thresholds at which a warning is due.
func NewSessionClock(clock Clock, deadline time.Time, warnings []time.Duration) *SessionClock {
	return &SessionClock{
		clock:    clock,
		deadline: deadline,
		warnings: warnings,
		fired:    make(map[time.Duration]bool, len(warnings)),
		stop:     make(chan struct{}),
	}
}

// Start begins ticking. post must not block indefinitely.
func (c *SessionClock) Start(post func(time.Time)) {
	ticker := c.clock.NewTicker(TickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C():
				post(t)
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the ticker. Safe to call more than once.
func (c *SessionClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *SessionClock) Deadline() time.Time { return c.deadline }

// Remaining returns the time left at now, never negative.
func (c *SessionClock) Remaining(now time.Time) time.Duration {
	d := c.deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the deadline has been reached.
func (c *SessionClock) Expired(now time.Time) bool {
	return !now.Before(c.deadline)
}

// DueWarnings returns thresholds crossed at now that have not fired yet,
// marking them fired. Only the owning machine goroutine calls it.
func (c *SessionClock) DueWarnings(now time.Time) []time.Duration {
	left := c.Remaining(now)
	var due []time.Duration
	for _, w := range c.warnings {
		if left <= w && left > 0 && !c.fired[w] {
			c.fired[w] = true
			due = append(due, w)
		}
	}
	return due
}
