package main

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"xdrive/motion"
	"xdrive/telemetry"
)

func newSimBase(t *testing.T, cfg *Config) *xdriveBase {
	t.Helper()
	cfg.Simulated = true
	conf := resource.Config{
		Name:                "test-base",
		API:                 base.API,
		Model:               model,
		ConvertedAttributes: cfg,
	}
	b, err := newBase(context.Background(), resource.Dependencies{}, conf, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	})
	return b.(*xdriveBase)
}

func TestValidate(t *testing.T) {
	cfg := &Config{CanChannel: "can0", MovementSensor: "imu"}
	deps, err := cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"imu"})

	deps, err = (&Config{Simulated: true}).Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeEmpty)

	_, err = (&Config{}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "can_channel")

	_, err = (&Config{Simulated: true, FieldSide: "green"}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = (&Config{Simulated: true, BrakeMode: "parked"}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = (&Config{Simulated: true, HalfWidth: -1}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = (&Config{Simulated: true, MQTT: &telemetry.PublisherConfig{}}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mqtt.broker")
}

func TestOdometryConfig(t *testing.T) {
	cfg := odometryConfig()
	test.That(t, cfg.Period, test.ShouldEqual, odometryPeriod)
	// a full speed tick stays under the glitch threshold
	test.That(t, cfg.MaxSpeed*cfg.Period.Seconds(), test.ShouldBeLessThan, cfg.GlitchThreshold)
}

func TestNewSimulatedBase(t *testing.T) {
	b := newSimBase(t, &Config{BrakeMode: "hold", HalfWidth: 6})
	test.That(t, b.Name().ShortName(), test.ShouldEqual, "test-base")
	test.That(t, b.sim.BrakeMode(), test.ShouldEqual, motion.BrakeHold)
	test.That(t, b.sim.Calibrations(), test.ShouldEqual, 1)
	test.That(t, b.estimator.UsingGyro(), test.ShouldBeTrue)

	props, err := b.Properties(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.WidthMeters, test.ShouldAlmostEqual, 12*0.0254, 1e-9)

	geometries, err := b.Geometries(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, geometries, test.ShouldBeEmpty)

	moving, err := b.IsMoving(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
}

func TestSetPower(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	test.That(t, b.SetPower(ctx, r3.Vector{Y: 0.5}, r3.Vector{}, nil), test.ShouldBeNil)
	moving, err := b.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeTrue)
	test.That(t, b.sim.WheelRPM().MaxMagnitude(), test.ShouldBeGreaterThan, 0)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, b.estimator.Pose().Y, test.ShouldBeGreaterThan, 1)
	})

	test.That(t, b.Stop(ctx, nil), test.ShouldBeNil)
	moving, _ = b.IsMoving(ctx)
	test.That(t, moving, test.ShouldBeFalse)
	test.That(t, b.sim.WheelRPM().MaxMagnitude(), test.ShouldEqual, 0.0)
}

func TestMoveStraight(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	test.That(t, b.MoveStraight(ctx, 0, 500, nil), test.ShouldBeNil)
	test.That(t, b.MoveStraight(ctx, 300, 500, nil), test.ShouldBeNil)

	pose := b.sim.Pose()
	test.That(t, pose.Y, test.ShouldAlmostEqual, 300/mmPerInch, 2)
	test.That(t, pose.X, test.ShouldAlmostEqual, 0, 2)
	test.That(t, b.controller.LastOutcome(), test.ShouldEqual, motion.OutcomeSettled)
}

func TestSpin(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	// counterclockwise is a negative heading
	test.That(t, b.Spin(ctx, 90, 180, nil), test.ShouldBeNil)
	test.That(t, b.sim.Pose().Angle, test.ShouldAlmostEqual, -1.5708, 0.1)
}

func TestDoCommand(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	_, err := b.DoCommand(ctx, map[string]interface{}{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	test.That(t, err.Error(), test.ShouldContainSubstring, "no such command")
	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "drive_to_point", "x": "far"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "drive_to_point", "x": 1.0})
	test.That(t, err, test.ShouldNotBeNil)

	resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "reset_pose", "x": 10.0, "y": -5.0, "angle": 90.0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["return"], test.ShouldEqual, "reset_pose command processed")

	resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "get_pose"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["x"], test.ShouldAlmostEqual, 10.0, 0.01)
	test.That(t, resp["y"], test.ShouldAlmostEqual, -5.0, 0.01)
	test.That(t, resp["angle_deg"], test.ShouldAlmostEqual, 90.0, 0.1)
	test.That(t, resp["using_gyro"], test.ShouldEqual, true)

	resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "use_encoders"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["return"], test.ShouldEqual, "use_encoders command processed")
	test.That(t, b.estimator.UsingGyro(), test.ShouldBeFalse)
	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "use_gyro"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.estimator.UsingGyro(), test.ShouldBeTrue)

	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "set_brake_mode", "mode": "brake"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.sim.BrakeMode(), test.ShouldEqual, motion.BrakeBrake)
	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "set_brake_mode", "mode": 3})
	test.That(t, err, test.ShouldNotBeNil)

	resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "is_settled"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["is_settled"], test.ShouldEqual, true)
	test.That(t, resp["mode"], test.ShouldEqual, "idle")

	resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "get_telemetry"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp, test.ShouldContainKey, "pose_x")
	test.That(t, resp, test.ShouldContainKey, "pose_angle_deg")
}

func TestDoCommandSettings(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	_, err := b.DoCommand(ctx, map[string]interface{}{
		"command":         "set_settings",
		"speed":           0.5,
		"tolerance":       2.0,
		"angle_tolerance": 5.0,
		"stop_at_end":     false,
		"timeout_ms":      1500.0,
	})
	test.That(t, err, test.ShouldBeNil)

	s := b.controller.Settings()
	test.That(t, s.Speed, test.ShouldEqual, 0.5)
	test.That(t, s.Tolerance, test.ShouldEqual, 2.0)
	test.That(t, s.StopAtEnd, test.ShouldBeFalse)
	test.That(t, s.TurnSpeed, test.ShouldEqual, 1.0)

	resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "get_settings"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["angle_tolerance_deg"], test.ShouldAlmostEqual, 5.0, 1e-9)
	test.That(t, resp["timeout_ms"], test.ShouldEqual, 1500.0)

	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "set_settings", "speed": -1.0})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, b.controller.Settings().Speed, test.ShouldEqual, 0.5)

	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "reset_settings"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.controller.Settings(), test.ShouldResemble, motion.DefaultSettings())
}

func TestDoCommandDriveToPoint(t *testing.T) {
	b := newSimBase(t, &Config{})
	ctx := context.Background()

	resp, err := b.DoCommand(ctx, map[string]interface{}{"command": "drive_to_point", "x": 6.0, "y": 12.0, "wait": true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["outcome"], test.ShouldEqual, "settled")
	pose := b.sim.Pose()
	test.That(t, pose.X, test.ShouldAlmostEqual, 6, 2)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 12, 2)

	resp, err = b.DoCommand(ctx, map[string]interface{}{"command": "turn_to_angle", "angle": 45.0})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["return"], test.ShouldEqual, "turn_to_angle command processed")
	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 100, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, b.controller.IsSettled(), test.ShouldBeTrue)
	})
	test.That(t, b.sim.Pose().Angle, test.ShouldAlmostEqual, 0.785, 0.1)
}
