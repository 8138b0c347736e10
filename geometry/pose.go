// Package geometry holds the planar field-frame types shared by the odometry
// and motion packages.
//
// Field convention: +Y is "up" the field, +X is to the right, and a heading
// of 0 faces +Y. Headings grow clockwise, the same way a compass does.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
)

// Pose is a field-frame position and heading. Angle is in radians and is not
// wrapped; it keeps accumulating across full revolutions.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// BodyVelocity is a body-frame velocity: X is strafe (right positive), Y is
// forward and Angle is the yaw rate (clockwise positive).
type BodyVelocity struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// Point returns the position part of the pose.
func (p Pose) Point() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// Heading returns the unit vector the pose faces.
func (p Pose) Heading() r2.Point {
	return r2.Point{X: math.Sin(p.Angle), Y: math.Cos(p.Angle)}
}

// Rotated returns the pose turned in place by delta radians.
func (p Pose) Rotated(delta float64) Pose {
	return Pose{X: p.X, Y: p.Y, Angle: WrapAngle(p.Angle + delta)}
}

// ClosestPointAsHeading projects target onto the infinite line through the
// pose along its heading.
func (p Pose) ClosestPointAsHeading(target r2.Point) r2.Point {
	heading := p.Heading()
	d := target.Sub(p.Point()).Dot(heading)
	return p.Point().Add(heading.Mul(d))
}

// AngleToAsHeading is the wrapped bearing of target relative to the pose's
// heading. Zero means straight ahead, positive means to the right.
func (p Pose) AngleToAsHeading(target r2.Point) float64 {
	return WrapAngle(math.Atan2(target.X-p.X, target.Y-p.Y) - p.Angle)
}

// Distance is the straight-line distance from the pose to target.
func (p Pose) Distance(target r2.Point) float64 {
	return target.Sub(p.Point()).Norm()
}

// WrapAngle maps any angle to the equivalent angle in (-π, π].
func WrapAngle(angle float64) float64 {
	wrapped := angle - 2*math.Pi*math.Floor((angle+math.Pi)/(2*math.Pi))
	// floor puts exact odd multiples of π at -π; the interval is open there.
	if wrapped <= -math.Pi {
		wrapped += 2 * math.Pi
	}
	return wrapped
}

// WrapAngle90 returns the smallest angle that is either equivalent or
// opposite to angle, so a target behind is treated as a backward approach.
// The result is in (-π/2, π/2].
func WrapAngle90(angle float64) float64 {
	a := WrapAngle(angle)
	if math.Abs(a) > math.Pi/2 {
		a = WrapAngle(a + math.Pi)
	}
	if a == -math.Pi/2 {
		a = math.Pi / 2
	}
	return a
}
