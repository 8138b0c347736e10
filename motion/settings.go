package motion

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	rdkutils "go.viam.com/rdk/utils"
)

// Mode is what the controller is doing.
type Mode int

// Controller modes.
const (
	ModeIdle Mode = iota
	ModeDrivingToPoint
	ModeTurning
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeDrivingToPoint:
		return "driving_to_point"
	case ModeTurning:
		return "turning"
	default:
		return "unknown"
	}
}

// Outcome is how a move ended.
type Outcome int

// Move outcomes.
const (
	OutcomeNone Outcome = iota
	OutcomeSettled
	OutcomeTimedOut
	OutcomeStuck
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSettled:
		return "settled"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeStuck:
		return "stuck"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Settings are the per-move parameters captured when a move starts.
type Settings struct {
	// Speed scales all three axes, TurnSpeed additionally scales rotation.
	Speed     float64 `json:"speed"`
	TurnSpeed float64 `json:"turn_speed"`
	// Tolerance is the accepted distance error when driving to a point.
	Tolerance float64 `json:"tolerance"`
	// AngleTolerance is the accepted heading error when turning, in radians.
	AngleTolerance float64 `json:"angle_tolerance"`
	StopAtEnd      bool    `json:"stop_at_end"`
	// MaxMotorSpeed caps wheel speed as a fraction of the maximum.
	MaxMotorSpeed float64 `json:"max_motor_speed"`
	// StrafeDistance is the distance to the target under which the final
	// approach uses the heading-line errors.
	StrafeDistance float64       `json:"strafe_distance"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		Speed:          1,
		TurnSpeed:      1,
		Tolerance:      1.5,
		AngleTolerance: rdkutils.DegToRad(3.5),
		StopAtEnd:      true,
		MaxMotorSpeed:  1,
		StrafeDistance: 3,
		Timeout:        5 * time.Second,
	}
}

// WithSpeed returns a copy with the given speed multiplier.
func (s Settings) WithSpeed(speed float64) Settings {
	s.Speed = speed
	return s
}

// WithTurnSpeed returns a copy with the given turn speed multiplier.
func (s Settings) WithTurnSpeed(turnSpeed float64) Settings {
	s.TurnSpeed = turnSpeed
	return s
}

// WithTolerance returns a copy with the given distance tolerance.
func (s Settings) WithTolerance(tolerance float64) Settings {
	s.Tolerance = tolerance
	return s
}

// WithAngleTolerance returns a copy with the given angle tolerance in radians.
func (s Settings) WithAngleTolerance(tolerance float64) Settings {
	s.AngleTolerance = tolerance
	return s
}

// WithStopAtEnd returns a copy that does or does not stop the wheels at the
// end of the move.
func (s Settings) WithStopAtEnd(stop bool) Settings {
	s.StopAtEnd = stop
	return s
}

// WithMaxMotorSpeed returns a copy with the wheel speed cap, clamped to [0, 1].
func (s Settings) WithMaxMotorSpeed(fraction float64) Settings {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	s.MaxMotorSpeed = fraction
	return s
}

// WithStrafeDistance returns a copy with the final approach distance.
func (s Settings) WithStrafeDistance(distance float64) Settings {
	s.StrafeDistance = distance
	return s
}

// WithTimeout returns a copy with the given timeout.
func (s Settings) WithTimeout(timeout time.Duration) Settings {
	s.Timeout = timeout
	return s
}

// Validate reports the first unusable field.
func (s Settings) Validate() error {
	switch {
	case s.Speed <= 0:
		return errors.Errorf("speed must be positive, got %v", s.Speed)
	case s.TurnSpeed <= 0:
		return errors.Errorf("turn speed must be positive, got %v", s.TurnSpeed)
	case s.Tolerance <= 0:
		return errors.Errorf("tolerance must be positive, got %v", s.Tolerance)
	case s.AngleTolerance <= 0:
		return errors.Errorf("angle tolerance must be positive, got %v", s.AngleTolerance)
	case s.MaxMotorSpeed <= 0 || s.MaxMotorSpeed > 1:
		return errors.Errorf("max motor speed must be in (0, 1], got %v", s.MaxMotorSpeed)
	case s.StrafeDistance < 0:
		return errors.Errorf("strafe distance must not be negative, got %v", s.StrafeDistance)
	case s.Timeout <= 0:
		return errors.Errorf("timeout must be positive, got %v", s.Timeout)
	}
	return nil
}

// Request is one move. It is built when the move starts and never changes.
type Request struct {
	Mode Mode `json:"mode"`
	// Target is used when driving to a point.
	Target r2.Point `json:"target"`
	// Heading is the target angle in radians when turning.
	Heading  float64  `json:"heading"`
	Settings Settings `json:"settings"`
}
