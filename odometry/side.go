package odometry

import (
	"strings"

	"github.com/pkg/errors"
)

// Side is the field side the robot starts on. Blue mirrors the X axis and the
// heading.
type Side int

// Field sides.
const (
	SideRed Side = iota
	SideBlue
)

func (s Side) String() string {
	switch s {
	case SideRed:
		return "red"
	case SideBlue:
		return "blue"
	default:
		return "unknown"
	}
}

func (s Side) sign() float64 {
	if s == SideBlue {
		return -1
	}
	return 1
}

// ParseSide parses "red" or "blue". An empty string is red.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "", "red":
		return SideRed, nil
	case "blue":
		return SideBlue, nil
	default:
		return SideRed, errors.Errorf("unknown field side %q, must be red or blue", s)
	}
}

// SideProvider supplies the field side, read once per estimator tick.
type SideProvider interface {
	Side() Side
}

// StaticSide is a SideProvider that never changes.
type StaticSide Side

// Side returns s.
func (s StaticSide) Side() Side {
	return Side(s)
}
