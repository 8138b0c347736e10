// Package fake is a simulated X-drive chassis. It stands in for the CAN
// drive, the tracking-wheel pod and the heading sensor.
package fake

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
	"xdrive/kinematics"
	"xdrive/motion"
	"xdrive/odometry"
)

// Config describes the simulated chassis.
type Config struct {
	Chassis  kinematics.Config `json:"chassis"`
	Odometry odometry.Config   `json:"odometry"`

	MaxSpeed        float64 `json:"max_speed"`
	MaxAngularSpeed float64 `json:"max_angular_speed"`
	MaxWheelRPM     float64 `json:"max_wheel_rpm"`

	// HeadingOffset is what the heading sensor reads, in degrees, when the
	// robot faces +Y.
	HeadingOffset float64 `json:"heading_offset"`
}

// DefaultConfig returns the stock chassis.
func DefaultConfig() Config {
	return Config{
		Chassis:         kinematics.Config{HalfLength: 4.5, HalfWidth: 5.5},
		Odometry:        odometry.DefaultConfig(),
		MaxSpeed:        odometry.DefaultMaxSpeed,
		MaxAngularSpeed: odometry.DefaultMaxAngularSpeed,
		MaxWheelRPM:     odometry.DefaultMaxRPM,
	}
}

// Robot is an ideal chassis: commanded wheel speeds are reached at once and
// the tracking wheels never slip. It implements motion.Drive,
// motion.PoseSource, odometry.TrackingWheels, odometry.HeadingSensor and
// odometry.Calibrator.
type Robot struct {
	cfg    Config
	solver *kinematics.Solver
	logger logging.Logger

	mu           sync.Mutex
	pose         geometry.Pose
	body         geometry.BodyVelocity
	rpm          kinematics.WheelSpeeds
	ticks        odometry.Ticks
	tickReads    int
	brake        motion.BrakeMode
	blocked      bool
	calibrations int

	runMu                   sync.Mutex
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewRobot returns a stationary robot at the origin.
func NewRobot(cfg Config, logger logging.Logger) *Robot {
	return &Robot{
		cfg:    cfg,
		solver: kinematics.NewSolver(cfg.Chassis),
		logger: logger,
	}
}

// SetWheelSpeeds records the wheel command in rpm.
func (r *Robot) SetWheelSpeeds(ctx context.Context, ws kinematics.WheelSpeeds, multiplier float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rpm = ws.Scale(multiplier)
	return nil
}

// WheelRPM returns the last wheel command.
func (r *Robot) WheelRPM() kinematics.WheelSpeeds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rpm
}

// Stalling reports whether the wheels are driven while the robot is blocked.
func (r *Robot) Stalling(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked && r.rpm.MaxMagnitude() > 0, nil
}

// SetBrakeMode records mode.
func (r *Robot) SetBrakeMode(ctx context.Context, mode motion.BrakeMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brake = mode
	return nil
}

// BrakeMode returns the last brake mode set.
func (r *Robot) BrakeMode() motion.BrakeMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brake
}

// SetBlocked holds the chassis in place, as if driven into a wall.
func (r *Robot) SetBlocked(blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = blocked
}

// Ticks returns the tracking-wheel counts.
func (r *Robot) Ticks(ctx context.Context) (odometry.Ticks, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickReads++
	return r.ticks, nil
}

// TickReads returns how many times Ticks was called.
func (r *Robot) TickReads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickReads
}

// ResetTicks zeroes the tracking-wheel counts.
func (r *Robot) ResetTicks(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = odometry.Ticks{}
	return nil
}

// HeadingDegrees returns the true heading plus the sensor offset, wrapped to
// [-180, 180].
func (r *Robot) HeadingDegrees(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deg := rdkutils.RadToDeg(r.pose.Angle) + r.cfg.HeadingOffset
	return rdkutils.RadToDeg(geometry.WrapAngle(rdkutils.DegToRad(deg))), nil
}

// Calibrate counts calibration requests.
func (r *Robot) Calibrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibrations++
	return nil
}

// Calibrations returns how many times Calibrate was called.
func (r *Robot) Calibrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calibrations
}

// Pose returns the true pose.
func (r *Robot) Pose() geometry.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose
}

// SetPose moves the robot without touching the tracking wheels.
func (r *Robot) SetPose(p geometry.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = p
}

// Velocity returns the true chassis velocity normalized to the maximums.
func (r *Robot) Velocity() geometry.BodyVelocity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return geometry.BodyVelocity{
		X:     r.body.X / r.cfg.MaxSpeed,
		Y:     r.body.Y / r.cfg.MaxSpeed,
		Angle: r.body.Angle / r.cfg.MaxAngularSpeed,
	}
}

// Advance moves the robot by dt at the commanded wheel speeds, holding the
// chassis twist constant over the step.
func (r *Robot) Advance(dt time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blocked {
		r.body = geometry.BodyVelocity{}
		return nil
	}
	surface := r.rpm.Scale(r.cfg.MaxSpeed / r.cfg.MaxWheelRPM)
	body, err := r.solver.ToBodyVelocity(surface)
	if err != nil {
		return errors.Wrap(err, "could not solve chassis velocity")
	}
	r.body = body

	sec := dt.Seconds()
	forward := body.Y * sec
	strafe := body.X * sec
	dA := body.Angle * sec

	// travel along the arc shortens to its chord
	scale := 1.0
	if dA != 0 {
		scale = 2 * math.Sin(dA/2) / dA
	}
	mid := r.pose.Angle + dA/2
	sin, cos := math.Sincos(mid)
	r.pose.X += scale * (forward*sin + strafe*cos)
	r.pose.Y += scale * (forward*cos - strafe*sin)
	r.pose.Angle += dA

	odo := r.cfg.Odometry
	sidePerTick := odo.SideWheelDiameter * math.Pi / odo.TicksPerRevolution
	backPerTick := odo.BackWheelDiameter * math.Pi / odo.TicksPerRevolution
	r.ticks.Left += (forward + odo.TrackWidth/2*dA) / sidePerTick
	r.ticks.Right += (forward - odo.TrackWidth/2*dA) / sidePerTick
	r.ticks.Back += (strafe - odo.BackWheelOffset*dA) / backPerTick
	return nil
}

// Start advances the robot every period of clk until Close.
func (r *Robot) Start(clk clock.Clock, period time.Duration) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	ticker := clk.Ticker(period)
	r.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := r.Advance(period); err != nil {
				r.logger.Errorw("simulation step failed", "error", err)
			}
		}
	}, r.activeBackgroundWorkers.Done)
}

// Close stops the simulation loop.
func (r *Robot) Close() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.activeBackgroundWorkers.Wait()
	r.cancel = nil
}
