package proctor

import (
	"fmt"
	"time"

	"github.com/ashureev/proctord/internal/domain"
)

// Outcome classifies what a single transition did.
type Outcome string

const (
	OutcomeClean      Outcome = "clean"
	OutcomeWindowOpen Outcome = "window_open"
	OutcomeWarning    Outcome = "warning"
	OutcomeCorrected  Outcome = "corrected"
	OutcomeTerminated Outcome = "terminated"
	OutcomeAbsorbed   Outcome = "absorbed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeFailOpen   Outcome = "fail_open"
)

// Termination causes.
const (
	CauseWindowExpired = "correction_window_expired"
	CauseMaxWarnings   = "max_warnings_exceeded"
)

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome
	// Warning is the infraction reason announced when a window opens.
	Warning string
	// Infraction is the kind that opened a window or caused termination.
	Infraction domain.Kind
	// Charged is true when the transition incremented the warning count.
	Charged bool
	// Cause is set on OutcomeTerminated.
	Cause string
}

// Decide applies one classified frame observed at now to s and reports what
// happened. It mutates s in place and performs no I/O; callers must hold the
// session's lock.
func Decide(s *domain.Session, c domain.Classification, now time.Time, p Policy) Decision {
	if s.Terminated {
		return Decision{Outcome: OutcomeAbsorbed}
	}

	if w := s.Window; w != nil {
		// Expiry wins over whatever the current frame shows.
		if w.Expired(now) {
			reason := w.Reason
			if reason == "" {
				reason = "Infraction"
			}
			kind := w.Infraction
			s.ClearWindow(false, now)
			s.Terminate(fmt.Sprintf("Terminated: %s (correction window expired)", reason), now)
			return Decision{Outcome: OutcomeTerminated, Infraction: kind, Cause: CauseWindowExpired}
		}

		if c.Kind.IsInfraction() {
			w.CleanFrames = 0
			return Decision{Outcome: OutcomeWindowOpen, Infraction: w.Infraction}
		}

		w.CleanFrames++
		if w.CleanFrames < p.ClearFrames {
			return Decision{Outcome: OutcomeWindowOpen, Infraction: w.Infraction}
		}
		kind := w.Infraction
		s.ClearWindow(true, now)
		return Decision{Outcome: OutcomeCorrected, Infraction: kind}
	}

	if !c.Kind.IsInfraction() {
		return Decision{Outcome: OutcomeClean}
	}

	reason := c.ReasonOrDefault()
	if s.WarningCount >= p.MaxWarnings {
		s.Terminate(maxWarningsReason(reason), now)
		return Decision{Outcome: OutcomeTerminated, Infraction: c.Kind, Cause: CauseMaxWarnings}
	}

	charged := s.ChargeOnce(c.Kind)
	s.OpenWindow(c.Kind, reason, now, p.WindowDuration)
	if s.WarningCount >= p.MaxWarnings {
		s.DiscardWindow()
		s.Terminate(maxWarningsReason(reason), now)
		return Decision{Outcome: OutcomeTerminated, Infraction: c.Kind, Charged: charged, Cause: CauseMaxWarnings}
	}

	return Decision{Outcome: OutcomeWarning, Warning: reason, Infraction: c.Kind, Charged: charged}
}

func maxWarningsReason(reason string) string {
	return fmt.Sprintf("Terminated: %s (max warnings exceeded)", reason)
}
