// Package proctor turns classified frames into warning, correction-window
// and termination verdicts for concurrently proctored exam sessions.
package proctor

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxWarnings is the warning cap before a session is terminated.
	DefaultMaxWarnings = 4
	// DefaultWindowDuration is the correction grace period.
	DefaultWindowDuration = 8 * time.Second
	// DefaultClearFrames is the number of consecutive clean frames that
	// resolve an open correction window.
	DefaultClearFrames = 2
	// DefaultSessionID is used when a frame carries no session id.
	DefaultSessionID = "default"
)

var (
	// ErrSessionNotFound is returned by queries for unknown or reset sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidInput marks a frame that cannot be evaluated.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvariantViolation marks session state the engine refuses to act on.
	ErrInvariantViolation = errors.New("internal invariant violation")
)

// Policy holds the tunable constants of the decision engine.
type Policy struct {
	MaxWarnings    int
	WindowDuration time.Duration
	ClearFrames    int
}

// DefaultPolicy returns the reference proctoring policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxWarnings:    DefaultMaxWarnings,
		WindowDuration: DefaultWindowDuration,
		ClearFrames:    DefaultClearFrames,
	}
}

// Validate rejects policies the engine cannot run with.
func (p Policy) Validate() error {
	if p.MaxWarnings < 1 {
		return fmt.Errorf("max warnings must be >= 1, got %d", p.MaxWarnings)
	}
	if p.WindowDuration <= 0 {
		return fmt.Errorf("correction window must be > 0, got %s", p.WindowDuration)
	}
	if p.ClearFrames < 1 {
		return fmt.Errorf("clear frames must be >= 1, got %d", p.ClearFrames)
	}
	return nil
}
