package motion

import (
	"time"

	rdkutils "go.viam.com/rdk/utils"

	"xdrive/odometry"
	"xdrive/pid"
)

// Tuning holds the controller constants that do not change between moves.
type Tuning struct {
	Forward pid.Config `json:"forward"`
	Strafe  pid.Config `json:"strafe"`
	Turn    pid.Config `json:"turn"`

	// Slew rates in output units per second.
	ForwardAccel float64 `json:"forward_accel"`
	ForwardDecel float64 `json:"forward_decel"`
	StrafeAccel  float64 `json:"strafe_accel"`
	StrafeDecel  float64 `json:"strafe_decel"`
	TurnAccel    float64 `json:"turn_accel"`
	TurnDecel    float64 `json:"turn_decel"`

	// MaxSpeed is the top wheel speed in length units per second and
	// MaxAngularSpeed the top chassis rotation in radians per second.
	MaxSpeed        float64 `json:"max_speed"`
	MaxAngularSpeed float64 `json:"max_angular_speed"`
	// MaxWheelRPM converts wheel speed into motor commands.
	MaxWheelRPM float64 `json:"max_wheel_rpm"`

	Tick        time.Duration `json:"tick"`
	SettleDelay time.Duration `json:"settle_delay"`

	StallIncrement  int `json:"stall_increment"`
	StallDecrement  int `json:"stall_decrement"`
	SteadyIncrement int `json:"steady_increment"`
	SteadyDecrement int `json:"steady_decrement"`
	// AbortThreshold ends a move once stall plus steady-state counts exceed it.
	AbortThreshold int `json:"abort_threshold"`

	SteadyDistanceEpsilon float64 `json:"steady_distance_epsilon"`
	SteadyAngleEpsilon    float64 `json:"steady_angle_epsilon"`
	SteadyOutputEpsilon   float64 `json:"steady_output_epsilon"`
}

// DefaultTuning returns the constants tuned for the stock chassis.
func DefaultTuning() Tuning {
	return Tuning{
		Forward: pid.Config{
			Kp: 0.045, Ki: 0.0015, Kd: 0.00275,
			IntegralLimit:    1,
			SettleError:      2,
			SettleDerivative: 8,
			SettleTime:       250 * time.Millisecond,
		},
		Strafe: pid.Config{
			Kp:               0.055,
			IntegralLimit:    1,
			SettleError:      1,
			SettleDerivative: 8,
			SettleTime:       250 * time.Millisecond,
		},
		Turn: pid.Config{
			Kp: 0.6, Kd: 0.0013,
			IntegralLimit:    1,
			SettleError:      rdkutils.DegToRad(5),
			SettleDerivative: rdkutils.DegToRad(30),
			SettleTime:       250 * time.Millisecond,
		},

		ForwardAccel: 5,
		ForwardDecel: 7,
		StrafeAccel:  5,
		StrafeDecel:  7,
		TurnAccel:    5,
		TurnDecel:    7,

		MaxSpeed:        odometry.DefaultMaxSpeed,
		MaxAngularSpeed: odometry.DefaultMaxAngularSpeed,
		MaxWheelRPM:     odometry.DefaultMaxRPM,

		Tick:        10 * time.Millisecond,
		SettleDelay: 20 * time.Millisecond,

		StallIncrement:  1,
		StallDecrement:  5,
		SteadyIncrement: 1,
		SteadyDecrement: 5,
		AbortThreshold:  15,

		SteadyDistanceEpsilon: 0.001,
		SteadyAngleEpsilon:    rdkutils.DegToRad(10) / 100,
		SteadyOutputEpsilon:   0.001,
	}
}
