// Package pid implements the zero-target PID loops used by the motion
// controller.
package pid

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the gains and the settle criterion of one loop. Gains are per
// second. A loop is settled once its error and error rate have both stayed
// inside their bands for SettleTime.
type Config struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`

	IntegralLimit    float64       `json:"integral_limit"`
	SettleError      float64       `json:"settle_error"`
	SettleDerivative float64       `json:"settle_derivative"`
	SettleTime       time.Duration `json:"settle_time"`
}

// Loop drives a measured value toward zero. Output is bounded to [-1, 1].
type Loop struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock

	integral  float64
	lastError float64
	lastTime  time.Time
	stepped   bool
	output    float64

	inBand    bool
	bandSince time.Time
}

// New returns a loop with the given configuration. A nil clk means wall-clock
// time.
func New(cfg Config, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.IntegralLimit == 0 {
		cfg.IntegralLimit = 1
	}
	return &Loop{cfg: cfg, clk: clk}
}

// Step feeds one measurement and returns the new output. The error is the
// negated measurement since the target is always zero.
func (l *Loop) Step(measurement float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	err := -measurement

	var dt, derivative float64
	if l.stepped {
		dt = now.Sub(l.lastTime).Seconds()
		if dt > 0 {
			derivative = (err - l.lastError) / dt
		}
	}

	// integral windup is dropped once the error crosses zero
	if err*l.lastError < 0 {
		l.integral = 0
	}
	l.integral += l.cfg.Ki * err * dt
	l.integral = clamp(l.integral, l.cfg.IntegralLimit)

	l.output = clamp(l.cfg.Kp*err+l.integral+l.cfg.Kd*derivative, 1)

	if math.Abs(err) <= l.cfg.SettleError && math.Abs(derivative) <= l.cfg.SettleDerivative {
		if !l.inBand {
			l.inBand = true
			l.bandSince = now
		}
	} else {
		l.inBand = false
	}

	l.lastError = err
	l.lastTime = now
	l.stepped = true
	return l.output
}

// Output returns the last computed output.
func (l *Loop) Output() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.output
}

// Error returns the last error seen by Step.
func (l *Loop) Error() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

// Settled reports whether the loop has stayed inside its settle bands for at
// least SettleTime. A loop that has never been stepped is not settled.
func (l *Loop) Settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inBand && l.clk.Since(l.bandSince) >= l.cfg.SettleTime
}

// Reset clears all loop state.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.integral = 0
	l.lastError = 0
	l.output = 0
	l.stepped = false
	l.inBand = false
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
