// Package main is a Viam module exposing an odometry-driven X-drive base.
package main

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"xdrive/candrive"
	"xdrive/fake"
	"xdrive/geometry"
	"xdrive/kinematics"
	"xdrive/motion"
	"xdrive/odometry"
	"xdrive/telemetry"
)

var model = resource.NewModel("xdrive", "base", "odometry")

// Version number
var version = "1.0.0"

const (
	mmPerInch = 25.4

	defaultHalfLength = 4.5
	defaultHalfWidth  = 5.5

	simulationPeriod = 5 * time.Millisecond
	posePeriod       = 100 * time.Millisecond
	// odometryPeriod follows the pod frame rate on the bus; polling faster
	// only sees repeated counts.
	odometryPeriod = 10 * time.Millisecond
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("xdriveBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	registerBase()
	xdriveModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := xdriveModule.AddModelFromRegistry(ctx, base.API, model); err != nil {
		return err
	}

	err = xdriveModule.Start(ctx)
	defer xdriveModule.Close(ctx)
	if err != nil {
		return err
	}
	logger.Infow("xdrive base module started", "version", version)
	<-ctx.Done()
	return nil
}

// helper function to add the base's constructor and metadata to the component registry, so that we can later construct it.
func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[base.Base, *Config]{Constructor: newBase})
}

// Config is the attribute block of the base.
type Config struct {
	// MovementSensor names an optional heading source.
	MovementSensor string `json:"movement_sensor,omitempty"`
	// Simulated replaces the CAN hardware with a simulated chassis.
	Simulated  bool   `json:"simulated,omitempty"`
	CanChannel string `json:"can_channel,omitempty"`
	FieldSide  string `json:"field_side,omitempty"`
	BrakeMode  string `json:"brake_mode,omitempty"`

	// Chassis half dimensions in inches.
	HalfLength float64 `json:"half_length_in,omitempty"`
	HalfWidth  float64 `json:"half_width_in,omitempty"`

	CommsTimeoutMs int  `json:"comms_timeout_ms,omitempty"`
	InvertLeft     bool `json:"invert_left,omitempty"`
	InvertRight    bool `json:"invert_right,omitempty"`

	MQTT *telemetry.PublisherConfig `json:"mqtt,omitempty"`
}

// Validate checks the attributes and returns the implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	var deps []string
	if cfg.MovementSensor != "" {
		deps = append(deps, cfg.MovementSensor)
	}
	if !cfg.Simulated && cfg.CanChannel == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "can_channel")
	}
	if _, err := odometry.ParseSide(cfg.FieldSide); err != nil {
		return nil, resource.NewConfigValidationError(path, err)
	}
	if cfg.BrakeMode != "" {
		if _, err := motion.ParseBrakeMode(cfg.BrakeMode); err != nil {
			return nil, resource.NewConfigValidationError(path, err)
		}
	}
	if cfg.HalfLength < 0 || cfg.HalfWidth < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("chassis dimensions must not be negative"))
	}
	if cfg.CommsTimeoutMs < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("comms_timeout_ms must not be negative"))
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "mqtt.broker")
	}
	return deps, nil
}

func (cfg *Config) chassis() kinematics.Config {
	c := kinematics.Config{HalfLength: defaultHalfLength, HalfWidth: defaultHalfWidth}
	if cfg.HalfLength > 0 {
		c.HalfLength = cfg.HalfLength
	}
	if cfg.HalfWidth > 0 {
		c.HalfWidth = cfg.HalfWidth
	}
	return c
}

func odometryConfig() odometry.Config {
	cfg := odometry.DefaultConfig()
	cfg.Period = odometryPeriod
	return cfg
}

// compassHeading adapts a movement sensor compass, [0, 360), to a heading
// in [-180, 180].
type compassHeading struct {
	ms movementsensor.MovementSensor
}

func (c compassHeading) HeadingDegrees(ctx context.Context) (float64, error) {
	h, err := c.ms.CompassHeading(ctx, nil)
	if err != nil {
		return 0, err
	}
	if h > 180 {
		h -= 360
	}
	return h, nil
}

// closeDrive is implemented by the CAN drive.
type closeDrive interface {
	Close(ctx context.Context) error
}

type xdriveBase struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	geometries []spatialmath.Geometry
	chassis    kinematics.Config
	tuning     motion.Tuning

	store      *telemetry.Store
	publisher  *telemetry.Publisher
	sim        *fake.Robot
	drive      motion.Drive
	estimator  *odometry.Estimator
	controller *motion.Controller

	manualMoving            atomic.Bool
	activeBackgroundWorkers sync.WaitGroup
	cancel                  func()
}

// newBase wires the drive, the pose estimator and the motion controller.
func newBase(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	side, err := odometry.ParseSide(cfg.FieldSide)
	if err != nil {
		return nil, err
	}
	brakeMode := motion.BrakeCoast
	if cfg.BrakeMode != "" {
		if brakeMode, err = motion.ParseBrakeMode(cfg.BrakeMode); err != nil {
			return nil, err
		}
	}

	var heading odometry.HeadingSensor
	if cfg.MovementSensor != "" {
		ms, err := movementsensor.FromDependencies(deps, cfg.MovementSensor)
		if err != nil {
			return nil, errors.Wrapf(err, "could not get movement sensor %q", cfg.MovementSensor)
		}
		heading = compassHeading{ms: ms}
	}

	b := &xdriveBase{
		Named:      conf.ResourceName().AsNamed(),
		logger:     logger,
		geometries: geometries,
		chassis:    cfg.chassis(),
		tuning:     motion.DefaultTuning(),
		store:      telemetry.NewStore(candrive.TelemetryDefaults()),
	}

	var wheels odometry.TrackingWheels
	if cfg.Simulated {
		simCfg := fake.DefaultConfig()
		simCfg.Chassis = b.chassis
		b.sim = fake.NewRobot(simCfg, logger)
		b.sim.Start(nil, simulationPeriod)
		b.drive, wheels = b.sim, b.sim
		if heading == nil {
			heading = b.sim
		}
	} else {
		canCfg := candrive.DefaultConfig()
		canCfg.Channel = cfg.CanChannel
		if cfg.CommsTimeoutMs > 0 {
			canCfg.CommsTimeout = time.Duration(cfg.CommsTimeoutMs) * time.Millisecond
		}
		canCfg.InvertLeft = cfg.InvertLeft
		canCfg.InvertRight = cfg.InvertRight
		d, err := candrive.New(canCfg, b.store, logger)
		if err != nil {
			return nil, err
		}
		b.drive, wheels = d, d
	}

	if cfg.MQTT != nil {
		// the broker is optional, run without it
		if b.publisher, err = telemetry.NewPublisher(*cfg.MQTT, logger); err != nil {
			logger.Warnw("telemetry publisher unavailable", "error", err)
		}
	}

	b.estimator, err = odometry.New(odometryConfig(), wheels, heading, odometry.StaticSide(side), nil, logger)
	if err != nil {
		return nil, multierr.Combine(err, b.closeDrive(ctx))
	}
	if err := b.estimator.Calibrate(ctx); err != nil {
		return nil, multierr.Combine(err, b.closeDrive(ctx))
	}
	b.estimator.Start()

	reporters := telemetry.Reporters{b.store}
	if b.publisher != nil {
		reporters = append(reporters, b.publisher)
	}
	b.controller = motion.NewController(b.drive, b.estimator, kinematics.NewSolver(b.chassis), b.tuning, nil, logger, reporters)
	if err := b.controller.SetBrakeMode(ctx, brakeMode); err != nil {
		return nil, multierr.Combine(err, b.Close(ctx))
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		b.poseThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)

	logger.Infow("xdrive base ready", "simulated", cfg.Simulated, "side", side, "gyro", b.estimator.UsingGyro())
	return b, nil
}

// poseThread copies the pose into the telemetry store and the broker.
func (b *xdriveBase) poseThread(ctx context.Context) {
	for {
		if !goutils.SelectContextOrWait(ctx, posePeriod) {
			return
		}
		pose := b.estimator.Pose()
		b.store.Set("pose_x", pose.X)
		b.store.Set("pose_y", pose.Y)
		b.store.Set("pose_angle_deg", rdkutils.RadToDeg(pose.Angle))
		if b.publisher != nil {
			b.publisher.PublishPose(pose)
		}
	}
}

// moveError turns a finished move into the Base API result.
func moveError(outcome motion.Outcome, err error) error {
	if err != nil {
		return err
	}
	switch outcome {
	case motion.OutcomeTimedOut, motion.OutcomeStuck:
		return errors.Errorf("move did not finish: %s", outcome)
	default:
		return nil
	}
}

// MoveStraight drives distanceMm along the current heading. A negative
// distance or speed drives backward.
func (b *xdriveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return nil
	}
	b.manualMoving.Store(false)

	distance := math.Abs(float64(distanceMm)) / mmPerInch
	if (distanceMm < 0) != (mmPerSec < 0) {
		distance = -distance
	}
	pose := b.estimator.Pose()
	target := pose.Point().Add(pose.Heading().Mul(distance))

	s := b.controller.Settings().WithSpeed(clampFraction(math.Abs(mmPerSec) / mmPerInch / b.tuning.MaxSpeed))
	return moveError(b.controller.DriveToPointWith(ctx, target, s))
}

// Spin turns angleDeg in place. Positive angles turn counterclockwise.
func (b *xdriveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return nil
	}
	b.manualMoving.Store(false)

	turn := rdkutils.DegToRad(angleDeg)
	if degsPerSec < 0 {
		turn = -turn
	}
	target := b.estimator.Pose().Angle - turn

	s := b.controller.Settings().WithTurnSpeed(clampFraction(rdkutils.DegToRad(math.Abs(degsPerSec)) / b.tuning.MaxAngularSpeed))
	return moveError(b.controller.TurnToAngleWith(ctx, target, s))
}

// SetPower sets the linear and angular [-1, 1] drive power. Y is forward,
// X is right and positive Z turns counterclockwise.
func (b *xdriveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedComponents(linear, angular)
	b.manualMoving.Store(linear.X != 0 || linear.Y != 0 || angular.Z != 0)
	return b.controller.DriveManual(ctx, clampPower(linear.Y), clampPower(linear.X), clampPower(-angular.Z))
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
func (b *xdriveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedComponents(linear, angular)
	b.manualMoving.Store(linear.X != 0 || linear.Y != 0 || angular.Z != 0)

	axisMax := b.tuning.MaxSpeed * math.Sqrt2
	forward := linear.Y / mmPerInch / axisMax
	strafe := linear.X / mmPerInch / axisMax
	turn := -rdkutils.DegToRad(angular.Z) / b.tuning.MaxAngularSpeed
	return b.controller.DriveManual(ctx, clampPower(forward), clampPower(strafe), clampPower(turn))
}

func (b *xdriveBase) warnUnusedComponents(linear, angular r3.Vector) {
	// Some vector components do not apply to a 2D base
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

// Stop cancels any move and stops the wheels.
func (b *xdriveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.manualMoving.Store(false)
	return b.controller.Stop(ctx)
}

// IsMoving reports whether a move is running or manual power is applied.
func (b *xdriveBase) IsMoving(ctx context.Context) (bool, error) {
	return b.manualMoving.Load() || !b.controller.IsSettled(), nil
}

func (b *xdriveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              2 * b.chassis.HalfWidth * mmPerInch / 1000,
		WheelCircumferenceMeters: odometry.DefaultWheelDiameter * math.Pi * mmPerInch / 1000,
	}, nil
}

func (b *xdriveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// Close stops the robot and every background thread.
func (b *xdriveBase) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.activeBackgroundWorkers.Wait()

	var err error
	if b.controller != nil {
		err = multierr.Combine(err, b.controller.Close(ctx))
	}
	if b.estimator != nil {
		b.estimator.Stop()
	}
	err = multierr.Combine(err, b.closeDrive(ctx))
	if b.publisher != nil {
		b.publisher.Close()
	}
	return err
}

func (b *xdriveBase) closeDrive(ctx context.Context) error {
	if b.sim != nil {
		b.sim.Close()
		return nil
	}
	if c, ok := b.drive.(closeDrive); ok {
		return c.Close(ctx)
	}
	return nil
}

func clampFraction(v float64) float64 {
	if v > 1 || math.IsNaN(v) {
		return 1
	}
	return v
}

func clampPower(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

// poseResponse is the DoCommand view of a pose, angle in degrees.
func poseResponse(p geometry.Pose) map[string]interface{} {
	return map[string]interface{}{
		"x":         p.X,
		"y":         p.Y,
		"angle_deg": rdkutils.RadToDeg(p.Angle),
	}
}

func pointArg(cmd map[string]interface{}) (r2.Point, error) {
	x, err := floatArg(cmd, "x", true)
	if err != nil {
		return r2.Point{}, err
	}
	y, err := floatArg(cmd, "y", true)
	if err != nil {
		return r2.Point{}, err
	}
	return r2.Point{X: x, Y: y}, nil
}
