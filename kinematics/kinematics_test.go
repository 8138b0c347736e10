package kinematics

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"xdrive/geometry"
)

var testConfig = Config{HalfLength: 4.5, HalfWidth: 5.5}

func TestRoundTrip(t *testing.T) {
	s := NewSolver(testConfig)
	for _, v := range []geometry.BodyVelocity{
		{},
		{Y: 10},
		{X: -7},
		{Angle: 2},
		{X: 3, Y: -12, Angle: -0.7},
		{X: 54, Y: 54, Angle: 7.6},
	} {
		ws := s.ToWheelSpeeds(v, r2.Point{})
		back, err := s.ToBodyVelocity(ws)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, back.X, test.ShouldAlmostEqual, v.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, v.Y, 1e-9)
		test.That(t, back.Angle, test.ShouldAlmostEqual, v.Angle, 1e-9)
	}
}

func TestWheelDirections(t *testing.T) {
	s := NewSolver(testConfig)

	forward := s.ToWheelSpeeds(geometry.BodyVelocity{Y: math.Sqrt2}, r2.Point{})
	test.That(t, forward.LF, test.ShouldAlmostEqual, 1)
	test.That(t, forward.RF, test.ShouldAlmostEqual, 1)
	test.That(t, forward.LR, test.ShouldAlmostEqual, 1)
	test.That(t, forward.RR, test.ShouldAlmostEqual, 1)

	right := s.ToWheelSpeeds(geometry.BodyVelocity{X: math.Sqrt2}, r2.Point{})
	test.That(t, right.LF, test.ShouldAlmostEqual, 1)
	test.That(t, right.RF, test.ShouldAlmostEqual, -1)
	test.That(t, right.LR, test.ShouldAlmostEqual, -1)
	test.That(t, right.RR, test.ShouldAlmostEqual, 1)

	// clockwise: left side forward, right side backward
	cw := s.ToWheelSpeeds(geometry.BodyVelocity{Angle: 1}, r2.Point{})
	test.That(t, cw.LF, test.ShouldBeGreaterThan, 0)
	test.That(t, cw.LR, test.ShouldBeGreaterThan, 0)
	test.That(t, cw.RF, test.ShouldBeLessThan, 0)
	test.That(t, cw.RR, test.ShouldBeLessThan, 0)
	test.That(t, cw.LF, test.ShouldAlmostEqual, (4.5+5.5)/math.Sqrt2)
}

func TestCenterOfRotation(t *testing.T) {
	s := NewSolver(testConfig)
	centered := s.ToWheelSpeeds(geometry.BodyVelocity{Angle: 1}, r2.Point{})

	// pivoting about the front-left wheel leaves that wheel still
	pivot := r2.Point{X: -5.5, Y: 4.5}
	ws := s.ToWheelSpeeds(geometry.BodyVelocity{Angle: 1}, pivot)
	test.That(t, ws.LF, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, ws.RR, test.ShouldNotAlmostEqual, centered.RR)

	// returning to the center rebuilds the original transform
	again := s.ToWheelSpeeds(geometry.BodyVelocity{Angle: 1}, r2.Point{})
	test.That(t, again, test.ShouldResemble, centered)
}

func TestNormalize(t *testing.T) {
	small := WheelSpeeds{LF: 1, RF: -2, LR: 0.5, RR: 3}
	test.That(t, small.Normalize(3), test.ShouldResemble, small)
	test.That(t, small.Normalize(10), test.ShouldResemble, small)

	big := WheelSpeeds{LF: 10, RF: -20, LR: 5, RR: -40}
	n := big.Normalize(4)
	test.That(t, n.MaxMagnitude(), test.ShouldAlmostEqual, 4)
	test.That(t, n.LF, test.ShouldAlmostEqual, 1)
	test.That(t, n.RF, test.ShouldAlmostEqual, -2)
	test.That(t, n.LR, test.ShouldAlmostEqual, 0.5)
	test.That(t, n.RR, test.ShouldAlmostEqual, -4)

	test.That(t, WheelSpeeds{}.Normalize(1), test.ShouldResemble, WheelSpeeds{})
}
