package proctor

import (
	"maps"
	"time"

	"github.com/ashureev/proctord/internal/domain"
)

// Verdict is the response to one frame.
type Verdict struct {
	Warning           *string        `json:"warning"`
	WarningCount      int            `json:"warning_count"`
	MaxWarnings       int            `json:"max_warnings"`
	CorrectionWindow  *WindowView    `json:"correction_window"`
	Terminated        bool           `json:"terminated"`
	TerminationReason *string        `json:"termination_reason"`
	DebugInfo         map[string]any `json:"debug_info"`
}

// WindowView is the wire form of an open correction window. Times are in
// seconds; StartTime is a Unix timestamp.
type WindowView struct {
	Infraction  domain.Kind `json:"infraction"`
	Reason      string      `json:"reason"`
	StartTime   float64     `json:"start_time"`
	Duration    float64     `json:"duration"`
	SecondsLeft float64     `json:"seconds_left"`
}

// Status is the session-status query result.
type Status struct {
	SessionID          string      `json:"session_id"`
	State              string      `json:"state"`
	WarningCount       int         `json:"warning_count"`
	MaxWarnings        int         `json:"max_warnings"`
	Terminated         bool        `json:"terminated"`
	TerminationReason  *string     `json:"termination_reason"`
	IssuedWarningKinds []string    `json:"issued_warnings"`
	CorrectionWindow   *WindowView `json:"correction_window"`
}

// SessionEvents is the in-memory audit trail of a session.
type SessionEvents struct {
	SessionID         string                    `json:"session_id"`
	Events            []domain.Event            `json:"events"`
	CorrectionHistory []domain.CorrectionRecord `json:"correction_history"`
}

func newWindowView(w *domain.CorrectionWindow, now time.Time) *WindowView {
	if w == nil {
		return nil
	}
	return &WindowView{
		Infraction:  w.Infraction,
		Reason:      w.Reason,
		StartTime:   float64(w.StartedAt.UnixNano()) / 1e9,
		Duration:    w.Duration.Seconds(),
		SecondsLeft: max(0, w.SecondsLeft(now)),
	}
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func render(s *domain.Session, d Decision, now time.Time, p Policy, debug map[string]any) Verdict {
	v := Verdict{
		WarningCount: s.WarningCount,
		MaxWarnings:  p.MaxWarnings,
		DebugInfo:    debug,
	}
	if s.Terminated {
		v.Terminated = true
		v.TerminationReason = stringPtr(s.TerminationReason)
		return v
	}
	v.Warning = stringPtr(d.Warning)
	v.CorrectionWindow = newWindowView(s.Window, now)
	return v
}

func statusOf(s *domain.Session, now time.Time, p Policy) Status {
	return Status{
		SessionID:          s.ID,
		State:              s.State().String(),
		WarningCount:       s.WarningCount,
		MaxWarnings:        p.MaxWarnings,
		Terminated:         s.Terminated,
		TerminationReason:  stringPtr(s.TerminationReason),
		IssuedWarningKinds: s.ChargedKindList(),
		CorrectionWindow:   newWindowView(s.Window, now),
	}
}

func copyDebug(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	maps.Copy(out, in)
	return out
}
