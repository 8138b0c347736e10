// Package motion drives the chassis to a field point or heading using three
// PID loops over the pose estimate.
package motion

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"xdrive/geometry"
	"xdrive/kinematics"
)

// BrakeMode is what the wheel motors do when commanded to zero.
type BrakeMode int

// Brake modes.
const (
	BrakeCoast BrakeMode = iota
	BrakeBrake
	BrakeHold
)

func (b BrakeMode) String() string {
	switch b {
	case BrakeCoast:
		return "coast"
	case BrakeBrake:
		return "brake"
	case BrakeHold:
		return "hold"
	default:
		return "unknown"
	}
}

// ParseBrakeMode parses coast, brake or hold.
func ParseBrakeMode(s string) (BrakeMode, error) {
	switch strings.ToLower(s) {
	case "coast":
		return BrakeCoast, nil
	case "brake":
		return BrakeBrake, nil
	case "hold":
		return BrakeHold, nil
	default:
		return BrakeCoast, errors.Errorf("unknown brake mode %q, must be one of coast|brake|hold", s)
	}
}

// Drive is the wheel actuator. Speeds are multiplied by multiplier before
// being sent to the motors.
type Drive interface {
	SetWheelSpeeds(ctx context.Context, ws kinematics.WheelSpeeds, multiplier float64) error
	// Stalling reports whether any wheel is under high load without turning.
	Stalling(ctx context.Context) (bool, error)
	SetBrakeMode(ctx context.Context, mode BrakeMode) error
}

// PoseSource provides the pose estimate and the normalized chassis velocity.
type PoseSource interface {
	Pose() geometry.Pose
	Velocity() geometry.BodyVelocity
}

// TickReport describes one control tick.
type TickReport struct {
	Mode          Mode          `json:"mode"`
	Pose          geometry.Pose `json:"pose"`
	DistanceError float64       `json:"distance_error"`
	AngleError    float64       `json:"angle_error"`
	Forward       float64       `json:"forward"`
	Strafe        float64       `json:"strafe"`
	Turn          float64       `json:"turn"`
	Stall         int           `json:"stall"`
	Steady        int           `json:"steady"`
}

// Reporter receives diagnostics from the controller. It must not block.
type Reporter interface {
	MoveTick(report TickReport)
	MoveDone(req Request, outcome Outcome)
}

// move is one running move goroutine.
type move struct {
	req     Request
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Controller runs at most one move at a time. Starting a move cancels and
// joins the previous one before the new request becomes visible.
type Controller struct {
	drive    Drive
	pose     PoseSource
	solver   *kinematics.Solver
	tuning   Tuning
	clk      clock.Clock
	logger   logging.Logger
	reporter Reporter

	// cmdMu serializes every operation that starts, stops or writes to the
	// drive outside of a move.
	cmdMu sync.Mutex

	settingsMu sync.Mutex
	settings   Settings

	stateMu     sync.Mutex
	mode        Mode
	active      *move
	lastOutcome Outcome

	activeBackgroundWorkers sync.WaitGroup
}

// NewController returns an idle controller. reporter may be nil.
func NewController(
	drive Drive,
	pose PoseSource,
	solver *kinematics.Solver,
	tuning Tuning,
	clk clock.Clock,
	logger logging.Logger,
	reporter Reporter,
) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		drive:    drive,
		pose:     pose,
		solver:   solver,
		tuning:   tuning,
		clk:      clk,
		logger:   logger,
		reporter: reporter,
		settings: DefaultSettings(),
	}
}

// Settings returns the settings the next move will use.
func (c *Controller) Settings() Settings {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.settings
}

// SetSettings replaces the settings for subsequent moves. A running move keeps
// the settings it started with.
func (c *Controller) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.settings = s
	return nil
}

// ResetSettings restores the default settings.
func (c *Controller) ResetSettings() {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	c.settings = DefaultSettings()
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.mode
}

// IsSettled reports whether no move is running.
func (c *Controller) IsSettled() bool {
	return c.Mode() == ModeIdle
}

// LastOutcome returns how the most recent move ended, or OutcomeNone while a
// move is running.
func (c *Controller) LastOutcome() Outcome {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastOutcome
}

// ActiveRequest returns the running request, if any.
func (c *Controller) ActiveRequest() (Request, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.active == nil {
		return Request{}, false
	}
	return c.active.req, true
}

// DriveToPointAsync starts driving to target and returns immediately.
func (c *Controller) DriveToPointAsync(ctx context.Context, target r2.Point) error {
	_, err := c.start(ctx, Request{Mode: ModeDrivingToPoint, Target: target})
	return err
}

// TurnToAngleAsync starts turning to heading, in radians, and returns
// immediately.
func (c *Controller) TurnToAngleAsync(ctx context.Context, heading float64) error {
	_, err := c.start(ctx, Request{Mode: ModeTurning, Heading: heading})
	return err
}

// DriveToPoint drives to target and waits for the move to end. Cancelling
// ctx stops the move.
func (c *Controller) DriveToPoint(ctx context.Context, target r2.Point) (Outcome, error) {
	m, err := c.start(ctx, Request{Mode: ModeDrivingToPoint, Target: target})
	if err != nil {
		return OutcomeNone, err
	}
	return c.wait(ctx, m)
}

// TurnToAngle turns to heading, in radians, and waits for the move to end.
// Cancelling ctx stops the move.
func (c *Controller) TurnToAngle(ctx context.Context, heading float64) (Outcome, error) {
	m, err := c.start(ctx, Request{Mode: ModeTurning, Heading: heading})
	if err != nil {
		return OutcomeNone, err
	}
	return c.wait(ctx, m)
}

// DriveToPointWith drives to target using s instead of the controller
// settings and waits for the move to end.
func (c *Controller) DriveToPointWith(ctx context.Context, target r2.Point, s Settings) (Outcome, error) {
	if err := s.Validate(); err != nil {
		return OutcomeNone, err
	}
	m, err := c.start(ctx, Request{Mode: ModeDrivingToPoint, Target: target, Settings: s})
	if err != nil {
		return OutcomeNone, err
	}
	return c.wait(ctx, m)
}

// TurnToAngleWith turns to heading using s instead of the controller
// settings and waits for the move to end.
func (c *Controller) TurnToAngleWith(ctx context.Context, heading float64, s Settings) (Outcome, error) {
	if err := s.Validate(); err != nil {
		return OutcomeNone, err
	}
	m, err := c.start(ctx, Request{Mode: ModeTurning, Heading: heading, Settings: s})
	if err != nil {
		return OutcomeNone, err
	}
	return c.wait(ctx, m)
}

func (c *Controller) wait(ctx context.Context, m *move) (Outcome, error) {
	select {
	case <-m.done:
		return m.outcome, nil
	case <-ctx.Done():
		c.cmdMu.Lock()
		c.cancelMove(m)
		c.cmdMu.Unlock()
		return m.outcome, ctx.Err()
	}
}

// Stop cancels any running move, waits for it to exit and zeroes the wheels.
func (c *Controller) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.cancelActive()
	return c.drive.SetWheelSpeeds(ctx, kinematics.WheelSpeeds{}, 1)
}

// DriveManual stops any running move and drives with the given power on each
// axis, each in [-1, 1]. Positive strafe is to the right and positive turn is
// clockwise.
func (c *Controller) DriveManual(ctx context.Context, forward, strafe, turn float64) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.cancelActive()
	return c.drive.SetWheelSpeeds(ctx, c.wheelSpeeds(forward, strafe, turn, 1), c.tuning.MaxWheelRPM/c.tuning.MaxSpeed)
}

// SetBrakeMode sets the wheel brake mode.
func (c *Controller) SetBrakeMode(ctx context.Context, mode BrakeMode) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.drive.SetBrakeMode(ctx, mode)
}

// Close stops any move and waits for all goroutines to exit.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	c.activeBackgroundWorkers.Wait()
	return err
}

// wheelSpeeds converts normalized axis outputs to wheel speeds capped at
// maxMotor of the top speed.
func (c *Controller) wheelSpeeds(forward, strafe, turn, maxMotor float64) kinematics.WheelSpeeds {
	v := geometry.BodyVelocity{
		X:     strafe * c.tuning.MaxSpeed * math.Sqrt2,
		Y:     forward * c.tuning.MaxSpeed * math.Sqrt2,
		Angle: turn * c.tuning.MaxAngularSpeed,
	}
	return c.solver.ToWheelSpeeds(v, r2.Point{}).Normalize(c.tuning.MaxSpeed * maxMotor)
}

func (c *Controller) start(ctx context.Context, req Request) (*move, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.cancelActive()
	if !viamutils.SelectContextOrWait(ctx, c.tuning.SettleDelay) {
		return nil, ctx.Err()
	}

	if req.Settings == (Settings{}) {
		req.Settings = c.Settings()
	}
	moveCtx, cancel := context.WithCancel(context.Background())
	m := &move{req: req, cancel: cancel, done: make(chan struct{})}

	c.stateMu.Lock()
	c.active = m
	c.mode = req.Mode
	c.lastOutcome = OutcomeNone
	c.stateMu.Unlock()

	c.logger.Infow("move started", "mode", req.Mode, "target_x", req.Target.X, "target_y", req.Target.Y, "heading", req.Heading)

	c.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		m.outcome = c.run(moveCtx, req)
		c.finish(m)
	}, func() {
		close(m.done)
		c.activeBackgroundWorkers.Done()
	})
	return m, nil
}

// cancelActive cancels and joins the running move. Callers hold cmdMu.
func (c *Controller) cancelActive() {
	c.stateMu.Lock()
	m := c.active
	c.stateMu.Unlock()
	if m != nil {
		c.cancelMove(m)
	}
}

func (c *Controller) cancelMove(m *move) {
	m.cancel()
	<-m.done
}

// finish publishes the end of a move unless a newer move already replaced it.
func (c *Controller) finish(m *move) {
	c.stateMu.Lock()
	if c.active == m {
		c.active = nil
		c.mode = ModeIdle
		c.lastOutcome = m.outcome
	}
	c.stateMu.Unlock()

	switch m.outcome {
	case OutcomeStuck:
		c.logger.Warnw("move aborted, robot appears stuck", "mode", m.req.Mode)
	case OutcomeTimedOut:
		c.logger.Infow("move timed out", "mode", m.req.Mode, "timeout", m.req.Settings.Timeout)
	default:
		c.logger.Infow("move ended", "mode", m.req.Mode, "outcome", m.outcome)
	}
	if c.reporter != nil {
		c.reporter.MoveDone(m.req, m.outcome)
	}
}
