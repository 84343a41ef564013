package pivotcalibrators

import (
	"errors"
	"fmt"

	"surgicalnav/pose"
)

// State is the phase of a pivot session.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateSolved     State = "solved"
)

var errNotCollecting = errors.New("pivot session is not collecting samples, start it first")

// Session accumulates relative-pose samples and solves on request. Collecting never ends on its
// own; the caller decides when enough samples have been taken. A Session is not safe for
// concurrent use.
type Session struct {
	calibrator     *Calibrator
	discardOnSolve bool

	state   State
	samples []pose.Transform
	result  *Result
}

// NewSession returns an idle session. With discardOnSolve the samples are dropped after a
// successful solve.
func NewSession(calibrator *Calibrator, discardOnSolve bool) *Session {
	return &Session{calibrator: calibrator, discardOnSolve: discardOnSolve, state: StateIdle}
}

// State returns the current phase.
func (s *Session) State() State {
	return s.state
}

// Start enters Collecting. Samples already held are kept.
func (s *Session) Start() {
	s.state = StateCollecting
}

// Add appends a sample. It fails unless the session is collecting.
func (s *Session) Add(sample pose.Transform) error {
	if s.state != StateCollecting {
		return errNotCollecting
	}
	s.samples = append(s.samples, sample)
	return nil
}

// Pop removes the most recent sample.
func (s *Session) Pop() error {
	if len(s.samples) == 0 {
		return errors.New("no samples to remove")
	}
	s.samples = s.samples[:len(s.samples)-1]
	return nil
}

// Load replaces the samples and enters Collecting.
func (s *Session) Load(samples []pose.Transform) {
	s.samples = append([]pose.Transform(nil), samples...)
	s.state = StateCollecting
}

// Clear drops samples and any result and returns to Idle.
func (s *Session) Clear() {
	s.samples, s.result, s.state = nil, nil, StateIdle
}

// Samples returns a copy of the collected samples.
func (s *Session) Samples() []pose.Transform {
	return append([]pose.Transform(nil), s.samples...)
}

// Len is the number of collected samples.
func (s *Session) Len() int {
	return len(s.samples)
}

// Solve runs the calibration on the collected samples. On failure the session keeps collecting.
func (s *Session) Solve() (Result, error) {
	if s.state == StateIdle {
		return Result{}, errNotCollecting
	}
	res, err := s.calibrator.Solve(s.samples)
	if err != nil {
		return Result{}, fmt.Errorf("pivot solve failed: %w", err)
	}
	s.result = &res
	s.state = StateSolved
	if s.discardOnSolve {
		s.samples = nil
	}
	return res, nil
}

// Result returns the last successful solve.
func (s *Session) Result() (Result, bool) {
	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}
