package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	rdkutils "go.viam.com/rdk/utils"

	"xdrive/geometry"
	"xdrive/motion"
	"xdrive/odometry"
)

// DoCommand executes additional commands beyond the Base{} interface. For this base that includes
// point and heading moves, pose management and controller settings.
func (b *xdriveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "drive_to_point":
		target, err := pointArg(cmd)
		if err != nil {
			return nil, err
		}
		wait, err := boolArg(cmd, "wait")
		if err != nil {
			return nil, err
		}
		b.manualMoving.Store(false)
		if !wait {
			if err := b.controller.DriveToPointAsync(ctx, target); err != nil {
				return nil, err
			}
			return map[string]interface{}{"return": "drive_to_point command processed"}, nil
		}
		outcome, err := b.controller.DriveToPoint(ctx, target)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "drive_to_point command processed", "outcome": outcome.String()}, nil

	case "turn_to_angle":
		angle, err := floatArg(cmd, "angle", true)
		if err != nil {
			return nil, err
		}
		wait, err := boolArg(cmd, "wait")
		if err != nil {
			return nil, err
		}
		b.manualMoving.Store(false)
		heading := rdkutils.DegToRad(angle)
		if !wait {
			if err := b.controller.TurnToAngleAsync(ctx, heading); err != nil {
				return nil, err
			}
			return map[string]interface{}{"return": "turn_to_angle command processed"}, nil
		}
		outcome, err := b.controller.TurnToAngle(ctx, heading)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "turn_to_angle command processed", "outcome": outcome.String()}, nil

	case "stop":
		if err := b.Stop(ctx, nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "stop command processed"}, nil

	case "is_settled":
		return map[string]interface{}{
			"is_settled":   b.controller.IsSettled(),
			"mode":         b.controller.Mode().String(),
			"last_outcome": b.controller.LastOutcome().String(),
		}, nil

	case "get_pose":
		resp := poseResponse(b.estimator.Pose())
		resp["using_gyro"] = b.estimator.UsingGyro()
		return resp, nil

	case "reset_pose":
		pose, err := poseArg(cmd)
		if err != nil {
			return nil, err
		}
		zero, err := boolArg(cmd, "zero_hardware")
		if err != nil {
			return nil, err
		}
		if err := b.controller.Stop(ctx); err != nil {
			return nil, err
		}
		if err := b.estimator.Reset(ctx, pose, zero); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "reset_pose command processed"}, nil

	case "set_settings":
		s, err := settingsArg(cmd, b.controller.Settings())
		if err != nil {
			return nil, err
		}
		if err := b.controller.SetSettings(s); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "set_settings command processed"}, nil

	case "get_settings":
		s := b.controller.Settings()
		return map[string]interface{}{
			"speed":               s.Speed,
			"turn_speed":          s.TurnSpeed,
			"tolerance":           s.Tolerance,
			"angle_tolerance_deg": rdkutils.RadToDeg(s.AngleTolerance),
			"stop_at_end":         s.StopAtEnd,
			"max_motor_speed":     s.MaxMotorSpeed,
			"strafe_distance":     s.StrafeDistance,
			"timeout_ms":          float64(s.Timeout.Milliseconds()),
		}, nil

	case "reset_settings":
		b.controller.ResetSettings()
		return map[string]interface{}{"return": "reset_settings command processed"}, nil

	case "use_gyro":
		if err := b.estimator.UseGyro(ctx); err != nil {
			if errors.Is(err, odometry.ErrNoHeadingSensor) {
				return nil, errors.New("use_gyro requires a movement_sensor")
			}
			return nil, err
		}
		return map[string]interface{}{"return": "use_gyro command processed"}, nil

	case "use_encoders":
		if err := b.estimator.UseEncoders(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "use_encoders command processed"}, nil

	case "set_brake_mode":
		modeRaw, ok := cmd["mode"]
		if !ok {
			return nil, errors.New("mode must be set, one of coast|brake|hold")
		}
		modeName, ok := modeRaw.(string)
		if !ok {
			return nil, errors.New("mode value must be a string")
		}
		mode, err := motion.ParseBrakeMode(modeName)
		if err != nil {
			return nil, err
		}
		if err := b.controller.SetBrakeMode(ctx, mode); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "set_brake_mode command processed"}, nil

	case "get_telemetry":
		values := b.store.All()
		for k, v := range poseResponse(b.estimator.Pose()) {
			values["pose_"+k] = v
		}
		return values, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

// floatArg reads a number. A missing optional key returns 0 and no error.
func floatArg(cmd map[string]interface{}, key string, required bool) (float64, error) {
	raw, ok := cmd[key]
	if !ok {
		if required {
			return 0, errors.Errorf("%s must be set and a number", key)
		}
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, errors.Errorf("%s value must be a number", key)
	}
}

// boolArg reads an optional boolean, false when missing.
func boolArg(cmd map[string]interface{}, key string) (bool, error) {
	raw, ok := cmd[key]
	if !ok {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, errors.Errorf("%s value must be a boolean", key)
	}
	return v, nil
}

// poseArg reads x, y and an optional angle in degrees.
func poseArg(cmd map[string]interface{}) (geometry.Pose, error) {
	p, err := pointArg(cmd)
	if err != nil {
		return geometry.Pose{}, err
	}
	angle, err := floatArg(cmd, "angle", false)
	if err != nil {
		return geometry.Pose{}, err
	}
	return geometry.Pose{X: p.X, Y: p.Y, Angle: rdkutils.DegToRad(angle)}, nil
}

// settingsArg applies every key present in cmd on top of s.
func settingsArg(cmd map[string]interface{}, s motion.Settings) (motion.Settings, error) {
	numbers := []struct {
		key   string
		apply func(motion.Settings, float64) motion.Settings
	}{
		{"speed", motion.Settings.WithSpeed},
		{"turn_speed", motion.Settings.WithTurnSpeed},
		{"tolerance", motion.Settings.WithTolerance},
		{"angle_tolerance", func(s motion.Settings, v float64) motion.Settings {
			return s.WithAngleTolerance(rdkutils.DegToRad(v))
		}},
		{"max_motor_speed", motion.Settings.WithMaxMotorSpeed},
		{"strafe_distance", motion.Settings.WithStrafeDistance},
		{"timeout_ms", func(s motion.Settings, v float64) motion.Settings {
			return s.WithTimeout(time.Duration(v * float64(time.Millisecond)))
		}},
	}
	for _, n := range numbers {
		if _, ok := cmd[n.key]; !ok {
			continue
		}
		v, err := floatArg(cmd, n.key, true)
		if err != nil {
			return motion.Settings{}, err
		}
		s = n.apply(s, v)
	}
	if _, ok := cmd["stop_at_end"]; ok {
		stop, err := boolArg(cmd, "stop_at_end")
		if err != nil {
			return motion.Settings{}, err
		}
		s = s.WithStopAtEnd(stop)
	}
	return s, s.Validate()
}
