package app

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Remaining derives the time left on a question from its absolute anchor.
// It never goes negative and never exceeds limit when the local clock lags
// behind the anchor.
func Remaining(anchor time.Time, limit time.Duration, now time.Time) time.Duration {
	left := limit - now.Sub(anchor)
	if left < 0 {
		return 0
	}
	if left > limit {
		return limit
	}
	return left
}

// RemainingSeconds rounds up so a countdown shows 1 until it reaches zero.
func RemainingSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Countdown re-derives the remaining time of the active question on every
// tick instead of decrementing a local counter. Expiry fires once per
// question index. While frozen the remaining time is held and resumes from
// the held value.
type Countdown struct {
	clock    clockwork.Clock
	interval time.Duration
	onTick   func(index int, remaining time.Duration)
	onExpire func(index int)

	mu       sync.Mutex
	armed    bool
	index    int
	anchor   time.Time
	limit    time.Duration
	deadline time.Time
	frozen   bool
	held     time.Duration
	fired    bool
	stop     chan struct{}
}

func NewCountdown(clock clockwork.Clock, interval time.Duration, onTick func(int, time.Duration), onExpire func(int)) *Countdown {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Countdown{clock: clock, interval: interval, onTick: onTick, onExpire: onExpire}
}

// Reset arms the countdown for a question. Calling it again with the same
// index and anchor is a no-op; anything else cancels the previous ticker
// before a new one starts.
func (c *Countdown) Reset(index int, anchor time.Time, limit time.Duration) {
	c.mu.Lock()
	if c.armed && c.index == index && c.anchor.Equal(anchor) && c.limit == limit {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.armed = true
	c.index = index
	c.anchor = anchor
	c.limit = limit
	c.deadline = anchor.Add(limit)
	c.frozen = false
	c.held = 0
	c.fired = false
	stop := make(chan struct{})
	c.stop = stop
	ticker := c.clock.NewTicker(c.interval)
	c.mu.Unlock()

	go c.loop(ticker, stop)
	c.Evaluate()
}

func (c *Countdown) loop(ticker clockwork.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.Evaluate()
		}
	}
}

// Stop disarms the countdown. A stopped countdown never expires.
func (c *Countdown) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.armed = false
	c.mu.Unlock()
}

func (c *Countdown) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// Freeze holds the remaining time until Resume.
func (c *Countdown) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed || c.frozen || c.fired {
		return
	}
	c.held = c.remainingLocked(c.clock.Now())
	c.frozen = true
}

// Resume continues from the held time; the anchor is not consulted again.
func (c *Countdown) Resume() {
	c.mu.Lock()
	if !c.armed || !c.frozen {
		c.mu.Unlock()
		return
	}
	c.frozen = false
	c.deadline = c.clock.Now().Add(c.held)
	c.mu.Unlock()
	c.Evaluate()
}

// Frozen reports whether ticking is suspended.
func (c *Countdown) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Expired reports whether the deadline of question index already fired.
func (c *Countdown) Expired(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed && c.index == index && c.fired
}

// Remaining returns the time left on the armed question.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return 0
	}
	return c.remainingLocked(c.clock.Now())
}

func (c *Countdown) remainingLocked(now time.Time) time.Duration {
	if c.frozen {
		return c.held
	}
	left := c.deadline.Sub(now)
	if left < 0 {
		return 0
	}
	if left > c.limit {
		return c.limit
	}
	return left
}

// Evaluate recomputes the remaining time once, reporting the tick and, the
// first time it reaches zero for the armed index, the expiry.
func (c *Countdown) Evaluate() {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	index := c.index
	remaining := c.remainingLocked(c.clock.Now())
	expire := remaining == 0 && !c.frozen && !c.fired
	if expire {
		c.fired = true
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(index, remaining)
	}
	if expire && c.onExpire != nil {
		c.onExpire(index)
	}
}
