// Package kinematics converts between chassis velocity and the four wheel
// velocities of an X-pattern drivetrain.
package kinematics

import (
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"xdrive/geometry"
)

// WheelSpeeds holds one velocity per wheel.
type WheelSpeeds struct {
	LF float64 `json:"lf"`
	RF float64 `json:"rf"`
	LR float64 `json:"lr"`
	RR float64 `json:"rr"`
}

// Normalize scales all four speeds down by the same factor so that none
// exceeds max in magnitude. It never scales up.
func (ws WheelSpeeds) Normalize(max float64) WheelSpeeds {
	largest := ws.MaxMagnitude()
	if largest <= max || largest == 0 {
		return ws
	}
	k := max / largest
	return WheelSpeeds{LF: ws.LF * k, RF: ws.RF * k, LR: ws.LR * k, RR: ws.RR * k}
}

// MaxMagnitude returns the largest absolute wheel speed.
func (ws WheelSpeeds) MaxMagnitude() float64 {
	return math.Max(math.Max(math.Abs(ws.LF), math.Abs(ws.RF)), math.Max(math.Abs(ws.LR), math.Abs(ws.RR)))
}

// Scale multiplies every wheel speed by k.
func (ws WheelSpeeds) Scale(k float64) WheelSpeeds {
	return WheelSpeeds{LF: ws.LF * k, RF: ws.RF * k, LR: ws.LR * k, RR: ws.RR * k}
}

// Config is the chassis geometry, measured from the geometric center to the
// wheel contact patches.
type Config struct {
	HalfLength float64 `json:"half_length"`
	HalfWidth  float64 `json:"half_width"`
}

// Solver computes wheel speeds for a given chassis velocity. The transform
// is cached and only rebuilt when the center of rotation changes.
type Solver struct {
	cfg Config

	mu        sync.Mutex
	cor       r2.Point
	transform *mat.Dense
}

// NewSolver returns a solver rotating about the chassis center.
func NewSolver(cfg Config) *Solver {
	s := &Solver{cfg: cfg}
	s.transform = s.buildTransform(r2.Point{})
	return s
}

// Config returns the chassis geometry.
func (s *Solver) Config() Config {
	return s.cfg
}

// buildTransform returns the 4x3 matrix mapping (forward, left, ccw yaw) to
// wheel speeds. Internally x is the front of the robot and y its left side,
// so the field-style center of rotation is rotated into that frame.
func (s *Solver) buildTransform(cor r2.Point) *mat.Dense {
	c := r2.Point{X: cor.Y, Y: -cor.X}
	lf := r2.Point{X: s.cfg.HalfLength, Y: s.cfg.HalfWidth}.Sub(c)
	rf := r2.Point{X: s.cfg.HalfLength, Y: -s.cfg.HalfWidth}.Sub(c)
	lr := r2.Point{X: -s.cfg.HalfLength, Y: s.cfg.HalfWidth}.Sub(c)
	rr := r2.Point{X: -s.cfg.HalfLength, Y: -s.cfg.HalfWidth}.Sub(c)

	m := mat.NewDense(4, 3, []float64{
		1, -1, -(lf.X + lf.Y),
		1, 1, rf.X - rf.Y,
		1, 1, lr.X - lr.Y,
		1, -1, -(rr.X + rr.Y),
	})
	m.Scale(1/math.Sqrt2, m)
	return m
}

func (s *Solver) transformFor(cor r2.Point) *mat.Dense {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cor != s.cor {
		s.transform = s.buildTransform(cor)
		s.cor = cor
	}
	return s.transform
}

// ToWheelSpeeds returns the wheel speeds realizing v when the chassis turns
// about cor, given relative to the chassis center in the body frame (x right,
// y forward). The result is not normalized.
func (s *Solver) ToWheelSpeeds(v geometry.BodyVelocity, cor r2.Point) WheelSpeeds {
	m := s.transformFor(cor)
	in := mat.NewVecDense(3, []float64{v.Y, -v.X, -v.Angle})
	var out mat.VecDense
	out.MulVec(m, in)
	return WheelSpeeds{LF: out.AtVec(0), RF: out.AtVec(1), LR: out.AtVec(2), RR: out.AtVec(3)}
}

// ToBodyVelocity is the forward kinematics for rotation about the chassis
// center: the least-squares chassis velocity producing ws.
func (s *Solver) ToBodyVelocity(ws WheelSpeeds) (geometry.BodyVelocity, error) {
	s.mu.Lock()
	m := s.buildTransform(r2.Point{})
	s.mu.Unlock()

	var v mat.VecDense
	if err := v.SolveVec(m, mat.NewVecDense(4, []float64{ws.LF, ws.RF, ws.LR, ws.RR})); err != nil {
		return geometry.BodyVelocity{}, err
	}
	return geometry.BodyVelocity{X: -v.AtVec(1), Y: v.AtVec(0), Angle: -v.AtVec(2)}, nil
}
