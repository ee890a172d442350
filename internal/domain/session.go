package domain

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

// State is the coarse lifecycle state of a proctoring session.
type State int

const (
	// StateActiveClean has no open correction window.
	StateActiveClean State = iota
	// StateWindowOpen has an unresolved infraction awaiting self-correction.
	StateWindowOpen
	// StateTerminated absorbs every further frame.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActiveClean:
		return "active_clean"
	case StateWindowOpen:
		return "active_window_open"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType names an entry in the session event log.
type EventType string

const (
	EventCorrectionWindowStarted EventType = "correction_window_started"
	EventCorrectedInTime         EventType = "corrected_in_time"
	EventTerminated              EventType = "terminated"
)

// Event is one append-only audit entry of a session.
type Event struct {
	Type         EventType `json:"event"`
	Infraction   Kind      `json:"infraction,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	WarningCount int       `json:"warning_count"`
	Time         time.Time `json:"time"`
}

// CorrectionRecord records how a correction window ended.
type CorrectionRecord struct {
	Infraction Kind      `json:"infraction"`
	Reason     string    `json:"reason"`
	Corrected  bool      `json:"corrected"`
	Time       time.Time `json:"time"`
}

// CorrectionWindow is the grace period granted for an active infraction.
type CorrectionWindow struct {
	Infraction Kind
	Reason     string
	StartedAt  time.Time
	Duration   time.Duration
	// CleanFrames counts consecutive clean frames seen while the window is open.
	CleanFrames int
}

// SecondsLeft returns the remaining grace period, which may be negative.
func (w *CorrectionWindow) SecondsLeft(now time.Time) float64 {
	return (w.Duration - now.Sub(w.StartedAt)).Seconds()
}

// Expired reports whether the window has run out at now.
func (w *CorrectionWindow) Expired(now time.Time) bool {
	return now.Sub(w.StartedAt) >= w.Duration
}

// Session is the decision state of one proctored exam attempt.
type Session struct {
	ID                string
	WarningCount      int
	ChargedKinds      map[Kind]struct{}
	Terminated        bool
	TerminationReason string
	Window            *CorrectionWindow
	Events            []Event
	History           []CorrectionRecord
	CreatedAt         time.Time
}

// NewSession returns the zero-state session for id.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		ChargedKinds: make(map[Kind]struct{}),
		CreatedAt:    now,
	}
}

// State derives the lifecycle state from the session fields.
func (s *Session) State() State {
	switch {
	case s.Terminated:
		return StateTerminated
	case s.Window != nil:
		return StateWindowOpen
	default:
		return StateActiveClean
	}
}

// ChargeOnce counts a warning for kind unless that kind was already charged.
func (s *Session) ChargeOnce(kind Kind) bool {
	if _, ok := s.ChargedKinds[kind]; ok {
		return false
	}
	s.ChargedKinds[kind] = struct{}{}
	s.WarningCount++
	return true
}

// ChargedKindList returns the charged kinds in stable order.
func (s *Session) ChargedKindList() []string {
	kinds := make([]string, 0, len(s.ChargedKinds))
	for k := range s.ChargedKinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// OpenWindow starts a correction window. It is a no-op if one is already open.
func (s *Session) OpenWindow(kind Kind, reason string, now time.Time, d time.Duration) bool {
	if s.Window != nil {
		return false
	}
	s.Window = &CorrectionWindow{
		Infraction: kind,
		Reason:     reason,
		StartedAt:  now,
		Duration:   d,
	}
	s.appendEvent(Event{
		Type:       EventCorrectionWindowStarted,
		Infraction: kind,
		Reason:     reason,
		Time:       now,
	})
	return true
}

// ClearWindow resolves the open window and records the outcome. When the
// window was not corrected the caller is expected to Terminate.
func (s *Session) ClearWindow(corrected bool, now time.Time) {
	w := s.Window
	if w == nil {
		return
	}
	s.History = append(s.History, CorrectionRecord{
		Infraction: w.Infraction,
		Reason:     w.Reason,
		Corrected:  corrected,
		Time:       now,
	})
	if corrected {
		s.appendEvent(Event{
			Type:       EventCorrectedInTime,
			Infraction: w.Infraction,
			Time:       now,
		})
	}
	s.Window = nil
}

// DiscardWindow drops the open window without recording a resolution.
func (s *Session) DiscardWindow() {
	s.Window = nil
}

// Terminate ends the session. Only the first call has any effect.
func (s *Session) Terminate(reason string, now time.Time) bool {
	if s.Terminated {
		return false
	}
	s.Terminated = true
	s.TerminationReason = reason
	s.Window = nil
	s.appendEvent(Event{
		Type:   EventTerminated,
		Reason: reason,
		Time:   now,
	})
	return true
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.ChargedKinds = maps.Clone(s.ChargedKinds)
	if s.Window != nil {
		w := *s.Window
		c.Window = &w
	}
	c.Events = slices.Clone(s.Events)
	c.History = slices.Clone(s.History)
	return &c
}

func (s *Session) appendEvent(e Event) {
	e.WarningCount = s.WarningCount
	s.Events = append(s.Events, e)
}

// Validate checks the structural invariants the decision engine relies on.
func (s *Session) Validate(maxWarnings int) error {
	var errs []error
	if s.ChargedKinds == nil {
		errs = append(errs, errors.New("charged kinds not initialised"))
	}
	if s.WarningCount < 0 || s.WarningCount > maxWarnings {
		errs = append(errs, fmt.Errorf("warning count %d outside [0, %d]", s.WarningCount, maxWarnings))
	}
	if len(s.ChargedKinds) > s.WarningCount {
		errs = append(errs, fmt.Errorf("%d charged kinds but warning count %d", len(s.ChargedKinds), s.WarningCount))
	}
	if s.Window != nil {
		if !s.Window.Infraction.IsInfraction() {
			errs = append(errs, fmt.Errorf("correction window has no infraction kind (%q)", s.Window.Infraction))
		}
		if s.Terminated {
			errs = append(errs, errors.New("correction window open on terminated session"))
		}
	}
	if s.Terminated && s.TerminationReason == "" {
		errs = append(errs, errors.New("terminated without reason"))
	}
	return errors.Join(errs...)
}
