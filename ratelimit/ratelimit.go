// Package ratelimit bounds how fast a scalar control signal may change.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Limiter is a slew-rate limiter. Accel applies while the magnitude of the
// requested value grows relative to the last output and Decel applies
// otherwise. Both rates are in units per second.
type Limiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	accel    float64
	decel    float64
	last     float64
	lastTime time.Time
}

// New returns a limiter starting at initial. A decel of zero reuses accel. A
// nil clk means wall-clock time.
func New(accel, decel, initial float64, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if decel == 0 {
		decel = accel
	}
	l := &Limiter{clk: clk, accel: math.Abs(accel), decel: math.Abs(decel)}
	l.Reset(initial)
	return l
}

// Calculate moves the output toward target by at most rate*dt, where dt is
// the time since the previous Calculate or Reset, and returns it.
func (l *Limiter) Calculate(target float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	dt := now.Sub(l.lastTime).Seconds()
	if dt < 0 {
		dt = 0
	}

	rate := l.decel
	if math.Abs(target) > math.Abs(l.last) {
		rate = l.accel
	}
	step := rate * dt
	l.last = math.Max(l.last-step, math.Min(target, l.last+step))
	l.lastTime = now
	return l.last
}

// Reset forces the output to value regardless of rate and restarts the time
// base.
func (l *Limiter) Reset(value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = value
	l.lastTime = l.clk.Now()
}

// Value returns the last output.
func (l *Limiter) Value() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
