// Package telemetry keeps the latest readings of the base and forwards
// controller diagnostics to an optional MQTT broker.
package telemetry

import (
	"sync"

	"xdrive/motion"
)

// Keys written by the controller reporter.
const (
	KeyMode          = "mode"
	KeyDistanceError = "distance_error"
	KeyAngleError    = "angle_error"
	KeyForward       = "forward_output"
	KeyStrafe        = "strafe_output"
	KeyTurn          = "turn_output"
	KeyStall         = "stall_count"
	KeySteady        = "steady_count"
	KeyLastOutcome   = "last_outcome"
)

// Store is a concurrent map of the latest value for each key.
type Store struct {
	mu       sync.RWMutex
	values   map[string]interface{}
	defaults map[string]interface{}
}

// NewStore returns a store holding defaults until they are overwritten.
func NewStore(defaults map[string]interface{}) *Store {
	s := &Store{
		values:   make(map[string]interface{}, len(defaults)),
		defaults: make(map[string]interface{}, len(defaults)),
	}
	for k, v := range defaults {
		s.values[k] = v
		s.defaults[k] = v
	}
	return s
}

// Set stores value under key.
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value for key, or nil.
func (s *Store) Get(key string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Float returns the value for key as a float64 if it is numeric.
func (s *Store) Float(key string) (float64, bool) {
	switch v := s.Get(key).(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// All returns a copy of every value.
func (s *Store) All() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Reset restores the defaults and drops every other key.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]interface{}, len(s.defaults))
	for k, v := range s.defaults {
		s.values[k] = v
	}
}

// MoveTick records the latest controller tick.
func (s *Store) MoveTick(r motion.TickReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[KeyMode] = r.Mode.String()
	s.values[KeyDistanceError] = r.DistanceError
	s.values[KeyAngleError] = r.AngleError
	s.values[KeyForward] = r.Forward
	s.values[KeyStrafe] = r.Strafe
	s.values[KeyTurn] = r.Turn
	s.values[KeyStall] = r.Stall
	s.values[KeySteady] = r.Steady
}

// MoveDone records how the last move ended.
func (s *Store) MoveDone(_ motion.Request, outcome motion.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[KeyMode] = motion.ModeIdle.String()
	s.values[KeyLastOutcome] = outcome.String()
}

// Reporters fans controller diagnostics out to every non-nil reporter.
type Reporters []motion.Reporter

// MoveTick forwards r.
func (rs Reporters) MoveTick(r motion.TickReport) {
	for _, rep := range rs {
		if rep != nil {
			rep.MoveTick(r)
		}
	}
}

// MoveDone forwards the outcome.
func (rs Reporters) MoveDone(req motion.Request, outcome motion.Outcome) {
	for _, rep := range rs {
		if rep != nil {
			rep.MoveDone(req, outcome)
		}
	}
}
