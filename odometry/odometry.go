// Package odometry estimates the field pose of the robot by dead reckoning
// from three tracking wheels and an optional heading sensor.
package odometry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	rdkutils "go.viam.com/rdk/utils"
	viamutils "go.viam.com/utils"

	"xdrive/geometry"
)

// ErrNoHeadingSensor is returned when gyro heading is requested but no
// heading sensor was configured.
var ErrNoHeadingSensor = errors.New("no heading sensor configured")

// Ticks are cumulative tracking-wheel encoder counts.
type Ticks struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
	Back  float64 `json:"back"`
}

// TrackingWheels reads the three free-spinning odometry wheels.
type TrackingWheels interface {
	Ticks(ctx context.Context) (Ticks, error)
	ResetTicks(ctx context.Context) error
}

// HeadingSensor returns the robot heading in degrees, wrapped to
// [-180, 180], clockwise positive.
type HeadingSensor interface {
	HeadingDegrees(ctx context.Context) (float64, error)
}

// Calibrator is implemented by heading sensors that need a blocking one-shot
// calibration before use.
type Calibrator interface {
	Calibrate(ctx context.Context) error
}

// Config holds the physical constants of the tracking-wheel pod.
type Config struct {
	Period      time.Duration `json:"period"`
	SettleDelay time.Duration `json:"settle_delay"`

	SideWheelDiameter  float64 `json:"side_wheel_diameter"`
	BackWheelDiameter  float64 `json:"back_wheel_diameter"`
	TicksPerRevolution float64 `json:"ticks_per_revolution"`
	// TrackWidth is the distance between the left and right tracking wheels.
	TrackWidth float64 `json:"track_width"`
	// BackWheelOffset is the distance from the back wheel to the turning center.
	BackWheelOffset float64 `json:"back_wheel_offset"`
	// GlitchThreshold is the largest plausible travel of any wheel in one tick.
	GlitchThreshold float64 `json:"glitch_threshold"`

	// Normalization constants for the reported velocity.
	MaxSpeed        float64 `json:"max_speed"`
	MaxAngularSpeed float64 `json:"max_angular_speed"`
}

// Default chassis constants, in inches.
const (
	DefaultSideWheelDiameter = 2.732
	DefaultBackWheelDiameter = 3.285
	DefaultTrackWidth        = 9.2
	DefaultBackWheelOffset   = 2.12
	DefaultWheelDiameter     = 5.167
	DefaultWheelToCenter     = 7.10633
	DefaultMaxRPM            = 200.0
)

// DefaultMaxSpeed is the top linear wheel speed in inches per second.
var DefaultMaxSpeed = DefaultWheelDiameter * math.Pi * DefaultMaxRPM / 60

// DefaultMaxAngularSpeed is the top chassis rotation rate in radians per
// second.
var DefaultMaxAngularSpeed = DefaultMaxSpeed / DefaultWheelToCenter

// DefaultConfig returns the configuration of the stock tracking pod.
func DefaultConfig() Config {
	return Config{
		Period:             time.Millisecond,
		SettleDelay:        20 * time.Millisecond,
		SideWheelDiameter:  DefaultSideWheelDiameter,
		BackWheelDiameter:  DefaultBackWheelDiameter,
		TicksPerRevolution: 360,
		TrackWidth:         DefaultTrackWidth,
		BackWheelOffset:    DefaultBackWheelOffset,
		GlitchThreshold:    1,
		MaxSpeed:           DefaultMaxSpeed,
		MaxAngularSpeed:    DefaultMaxAngularSpeed,
	}
}

func (c Config) sideInchesPerTick() float64 {
	return c.SideWheelDiameter * math.Pi / c.TicksPerRevolution
}

func (c Config) backInchesPerTick() float64 {
	return c.BackWheelDiameter * math.Pi / c.TicksPerRevolution
}

// loopState is owned by the estimator goroutine, or by a control method
// while the goroutine is stopped.
type loopState struct {
	primed      bool
	zeroed      bool
	lastL       float64
	lastR       float64
	lastB       float64
	lastA       float64
	lastGyro    float64
	revolutions int
	headingZero float64
	glitchCount int
}

// Estimator integrates tracking-wheel travel into a field pose. It is the
// only writer of the pose; readers get copies.
type Estimator struct {
	cfg     Config
	logger  logging.Logger
	clk     clock.Clock
	wheels  TrackingWheels
	heading HeadingSensor
	side    SideProvider

	mu       sync.RWMutex
	pose     geometry.Pose
	velocity geometry.BodyVelocity
	useGyro  bool

	controlMu               sync.Mutex
	running                 bool
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup

	st loopState
}

// New returns a stopped estimator at the origin. heading may be nil, in
// which case heading comes from the side wheels.
func New(
	cfg Config,
	wheels TrackingWheels,
	heading HeadingSensor,
	side SideProvider,
	clk clock.Clock,
	logger logging.Logger,
) (*Estimator, error) {
	if wheels == nil {
		return nil, errors.New("tracking wheels are required")
	}
	if cfg.Period <= 0 {
		return nil, errors.Errorf("period must be positive, got %v", cfg.Period)
	}
	if cfg.TrackWidth <= 0 || cfg.TicksPerRevolution <= 0 {
		return nil, errors.New("track width and ticks per revolution must be positive")
	}
	if side == nil {
		side = StaticSide(SideRed)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Estimator{
		cfg:     cfg,
		logger:  logger,
		clk:     clk,
		wheels:  wheels,
		heading: heading,
		side:    side,
		useGyro: heading != nil,
	}, nil
}

// Pose returns the latest pose estimate.
func (e *Estimator) Pose() geometry.Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pose
}

// Velocity returns the latest chassis velocity, normalized to the maximum
// linear and angular speeds.
func (e *Estimator) Velocity() geometry.BodyVelocity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.velocity
}

// UsingGyro reports whether heading comes from the heading sensor.
func (e *Estimator) UsingGyro() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.useGyro
}

// Running reports whether the estimator loop is active.
func (e *Estimator) Running() bool {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	return e.running
}

// Start launches the estimator loop. Starting a running estimator is a no-op.
func (e *Estimator) Start() {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	e.startLoop()
}

// Stop halts the estimator loop and waits for it to exit.
func (e *Estimator) Stop() {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	e.stopLoop()
}

// Calibrate runs the heading sensor's one-shot calibration, if it has one.
// It blocks and must not be called while moves are running.
func (e *Estimator) Calibrate(ctx context.Context) error {
	c, ok := e.heading.(Calibrator)
	if !ok {
		return nil
	}
	e.logger.Info("calibrating heading sensor")
	if err := c.Calibrate(ctx); err != nil {
		return errors.Wrap(err, "heading sensor calibration failed")
	}
	if !viamutils.SelectContextOrWait(ctx, e.cfg.SettleDelay) {
		return ctx.Err()
	}
	return nil
}

// Reset overwrites the pose. The loop is paused while the pose and heading
// zero are rewritten. zeroHardware also zeroes the wheel counters.
func (e *Estimator) Reset(ctx context.Context, pose geometry.Pose, zeroHardware bool) error {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()

	wasRunning := e.stopLoop()
	if wasRunning {
		defer e.startLoop()
	}
	if !viamutils.SelectContextOrWait(ctx, e.cfg.SettleDelay) {
		return ctx.Err()
	}

	if zeroHardware {
		if err := e.wheels.ResetTicks(ctx); err != nil {
			return errors.Wrap(err, "could not reset tracking wheels")
		}
	}

	e.mu.Lock()
	e.pose = pose
	e.velocity = geometry.BodyVelocity{}
	e.mu.Unlock()

	e.rebase()
	e.primeNow(ctx)
	e.logger.Infow("pose reset", "x", pose.X, "y", pose.Y, "angle_deg", rdkutils.RadToDeg(pose.Angle))
	return nil
}

// UseGyro switches heading to the heading sensor, keeping the current angle.
func (e *Estimator) UseGyro(ctx context.Context) error {
	if e.heading == nil {
		return ErrNoHeadingSensor
	}
	return e.switchHeadingSource(ctx, true)
}

// UseEncoders switches heading to the side wheel difference, keeping the
// current angle.
func (e *Estimator) UseEncoders(ctx context.Context) error {
	return e.switchHeadingSource(ctx, false)
}

func (e *Estimator) switchHeadingSource(ctx context.Context, gyro bool) error {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if e.UsingGyro() == gyro {
		return nil
	}

	wasRunning := e.stopLoop()
	if wasRunning {
		defer e.startLoop()
	}
	if !viamutils.SelectContextOrWait(ctx, e.cfg.SettleDelay) {
		return ctx.Err()
	}
	e.rebase()
	e.mu.Lock()
	e.useGyro = gyro
	e.mu.Unlock()
	e.primeNow(ctx)
	e.logger.Infow("heading source changed", "gyro", gyro)
	return nil
}

// rebase makes the next prime re-zero the heading against the current pose
// angle. Must be called with the loop stopped.
func (e *Estimator) rebase() {
	e.st.primed = false
	e.st.zeroed = false
	e.st.revolutions = 0
}

// primeNow takes the new baseline and heading zero immediately. On failure
// the loop primes on its next tick instead.
func (e *Estimator) primeNow(ctx context.Context) {
	if err := e.prime(ctx); err != nil {
		e.logger.Debugw("could not take odometry baseline, retrying on next tick", "error", err)
	}
}

func (e *Estimator) encoderHeading(t Ticks) float64 {
	return (t.Left - t.Right) * e.cfg.sideInchesPerTick() / e.cfg.TrackWidth
}

func (e *Estimator) startLoop() {
	if e.running {
		return
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		e.run(cancelCtx)
	}, e.activeBackgroundWorkers.Done)
}

// stopLoop cancels the loop, waits for it to exit and reports whether it was
// running.
func (e *Estimator) stopLoop() bool {
	if !e.running {
		return false
	}
	e.cancel()
	e.activeBackgroundWorkers.Wait()
	e.running = false
	return true
}

func (e *Estimator) run(ctx context.Context) {
	ticker := e.clk.Ticker(e.cfg.Period)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.step(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debugw("odometry tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// prime records baseline readings so the next step measures deltas from now.
// After a rebase it also re-zeroes the heading so the active source reads the
// current pose angle.
func (e *Estimator) prime(ctx context.Context) error {
	t, err := e.wheels.Ticks(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read tracking wheels")
	}
	raw := e.encoderHeading(t)
	var g float64
	if e.UsingGyro() {
		if g, err = e.heading.HeadingDegrees(ctx); err != nil {
			return errors.Wrap(err, "could not read heading sensor")
		}
		raw = rdkutils.DegToRad(float64(e.st.revolutions)*360 + g)
	}
	if !e.st.zeroed {
		e.st.headingZero = raw - e.Pose().Angle*e.side.Side().sign()
		e.st.zeroed = true
	}

	e.st.lastL, e.st.lastR, e.st.lastB = t.Left, t.Right, t.Back
	e.st.lastGyro = g
	e.st.lastA = raw - e.st.headingZero
	e.st.primed = true
	return nil
}

// step runs one estimator tick. It reports false when the tick was only used
// to establish or restore the baseline.
func (e *Estimator) step(ctx context.Context) (bool, error) {
	if !e.st.primed {
		return false, e.prime(ctx)
	}

	t, err := e.wheels.Ticks(ctx)
	if err != nil {
		return false, errors.Wrap(err, "could not read tracking wheels")
	}
	kSide := e.cfg.sideInchesPerTick()
	dL := (t.Left - e.st.lastL) * kSide
	dR := (t.Right - e.st.lastR) * kSide
	dB := (t.Back - e.st.lastB) * e.cfg.backInchesPerTick()

	if math.Abs(dL) > e.cfg.GlitchThreshold || math.Abs(dR) > e.cfg.GlitchThreshold || math.Abs(dB) > e.cfg.GlitchThreshold {
		e.st.glitchCount++
		e.logger.Debugw("implausible tracking wheel travel, skipping tick", "dl", dL, "dr", dR, "db", dB)
		if e.UsingGyro() {
			if g, err := e.heading.HeadingDegrees(ctx); err == nil {
				e.st.revolutions += revolutionStep(e.st.lastGyro, g)
				e.st.lastGyro = g
			}
		} else {
			// the encoder heading is absolute, move its zero with the baseline
			last := Ticks{Left: e.st.lastL, Right: e.st.lastR}
			e.st.headingZero += e.encoderHeading(t) - e.encoderHeading(last)
		}
		e.st.lastL, e.st.lastR, e.st.lastB = t.Left, t.Right, t.Back
		return false, nil
	}

	var newA float64
	if e.UsingGyro() {
		g, err := e.heading.HeadingDegrees(ctx)
		if err != nil {
			return false, errors.Wrap(err, "could not read heading sensor")
		}
		e.st.revolutions += revolutionStep(e.st.lastGyro, g)
		e.st.lastGyro = g
		newA = rdkutils.DegToRad(float64(e.st.revolutions)*360+g) - e.st.headingZero
	} else {
		newA = e.encoderHeading(t) - e.st.headingZero
	}
	dA := newA - e.st.lastA

	perSecond := 1 / e.cfg.Period.Seconds()
	velocity := geometry.BodyVelocity{
		X:     dB * perSecond / (e.cfg.MaxSpeed / 2),
		Y:     (dL + dR) / 2 * perSecond / e.cfg.MaxSpeed,
		Angle: dA * perSecond / e.cfg.MaxAngularSpeed,
	}

	// local displacement along the arc, x to the right and y forward
	var dX, dY, half float64
	if dA == 0 {
		dX = dB
		dY = (dL + dR) / 2
	} else {
		half = dA / 2
		chord := 2 * math.Sin(half)
		dX = chord * (dB/dA + e.cfg.BackWheelOffset)
		dY = chord * (dR/dA + e.cfg.TrackWidth/2)
	}
	mA := e.st.lastA + half
	sinMA, cosMA := math.Sincos(mA)
	sign := e.side.Side().sign()

	e.mu.Lock()
	e.pose.Angle = newA * sign
	e.pose.X += sign * (dY*sinMA + dX*cosMA)
	e.pose.Y += dY*cosMA - dX*sinMA
	e.velocity = velocity
	e.mu.Unlock()

	e.st.lastA = newA
	e.st.lastL, e.st.lastR, e.st.lastB = t.Left, t.Right, t.Back
	return true, nil
}

// revolutionStep detects the heading sensor wrapping across ±180 degrees and
// returns the change in whole revolutions.
func revolutionStep(last, current float64) int {
	if math.Abs(last-current) > 180 &&
		math.Abs(current) > 100 && math.Abs(last) > 100 &&
		math.Signbit(current) != math.Signbit(last) {
		if current < 0 {
			return 1
		}
		return -1
	}
	return 0
}
