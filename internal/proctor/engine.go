package proctor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/proctord/internal/domain"
)

// Recorder receives decision metrics.
type Recorder interface {
	SessionCreated(ctx context.Context)
	Decision(ctx context.Context, outcome string)
	WarningCharged(ctx context.Context, kind string)
	Terminated(ctx context.Context, cause string)
}

// EventSink receives events appended to a session's log. Record must not block.
type EventSink interface {
	Record(sessionID string, events []domain.Event)
}

// FrameClassifier classifies a raw frame. It is owned by the caller.
type FrameClassifier interface {
	Classify(ctx context.Context, sessionID, image string) (domain.Classification, map[string]any, error)
}

// Frame is one already-classified frame stamped with the server clock.
type Frame struct {
	SessionID      string
	Classification domain.Classification
	DebugInfo      map[string]any
	Now            time.Time
}

// Engine is the per-request decision orchestration over a Store.
type Engine struct {
	store           *Store
	policy          Policy
	now             func() time.Time
	recorder        Recorder
	sink            EventSink
	classifier      FrameClassifier
	classifyTimeout time.Duration
	logger          *slog.Logger
	decide          func(*domain.Session, domain.Classification, time.Time, Policy) Decision
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithEventSink installs an audit sink.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClassifier installs the frame classifier used for image frames.
func WithClassifier(c FrameClassifier, timeout time.Duration) Option {
	return func(e *Engine) {
		e.classifier = c
		e.classifyTimeout = timeout
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a decision engine over store.
func NewEngine(store *Store, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policy:   policy,
		now:      time.Now,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		decide:   Decide,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one decision transition for f. It always returns a verdict.
func (e *Engine) Process(ctx context.Context, f Frame) Verdict {
	id := f.SessionID
	if id == "" {
		id = DefaultSessionID
	}

	var (
		v         Verdict
		d         Decision
		newEvents []domain.Event
		err       error
	)
	// A reset can land between the lookup and the lock; the frame then goes to
	// the session that replaced the deleted one.
	for {
		entry, created := e.store.GetOrCreate(id, f.Now)
		if created {
			e.recorder.SessionCreated(ctx)
			e.logger.Info("Proctoring session created", "session_id", id)
		}
		if entry.Do(func(s *domain.Session) {
			v, d, newEvents, err = e.transition(s, f)
		}) {
			break
		}
	}
	if err != nil {
		e.logger.Error("Decision aborted, failing open",
			"session_id", id,
			"error", err,
		)
		e.recorder.Decision(ctx, string(OutcomeFailOpen))
		return v
	}

	e.observe(ctx, id, d, v)
	if e.sink != nil && len(newEvents) > 0 {
		e.sink.Record(id, newEvents)
	}
	return v
}

func (e *Engine) transition(s *domain.Session, f Frame) (v Verdict, d Decision, events []domain.Event, err error) {
	debug := copyDebug(f.DebugInfo)
	debug["correction_window_active"] = s.Window != nil
	if s.Window != nil {
		debug["current_infraction"] = string(s.Window.Infraction)
	} else {
		debug["current_infraction"] = nil
	}

	if vErr := s.Validate(e.policy.MaxWarnings); vErr != nil {
		return e.failOpen(s, debug), Decision{}, nil, fmt.Errorf("%w: %w", ErrInvariantViolation, vErr)
	}

	// Decide may have partly mutated s before a panic; put it back.
	snapshot := s.Clone()
	defer func() {
		if r := recover(); r != nil {
			*s = *snapshot
			v = e.failOpen(s, debug)
			err = fmt.Errorf("%w: panic in transition: %v", ErrInvariantViolation, r)
		}
	}()

	before := len(s.Events)
	d = e.decide(s, f.Classification, f.Now, e.policy)
	debug["correction_window_cleared"] = d.Outcome == OutcomeCorrected
	debug["session_state"] = s.State().String()
	if n := len(s.Events) - before; n > 0 {
		events = make([]domain.Event, n)
		copy(events, s.Events[before:])
	}
	return render(s, d, f.Now, e.policy, debug), d, events, nil
}

func (e *Engine) failOpen(s *domain.Session, debug map[string]any) Verdict {
	return Verdict{
		WarningCount: min(max(s.WarningCount, 0), e.policy.MaxWarnings),
		MaxWarnings:  e.policy.MaxWarnings,
		DebugInfo:    debug,
	}
}

func (e *Engine) observe(ctx context.Context, id string, d Decision, v Verdict) {
	e.recorder.Decision(ctx, string(d.Outcome))
	if d.Charged {
		e.recorder.WarningCharged(ctx, string(d.Infraction))
	}
	switch d.Outcome {
	case OutcomeWarning:
		e.logger.Info("Correction window opened",
			"session_id", id,
			"infraction", d.Infraction,
			"charged", d.Charged,
			"warning_count", v.WarningCount,
		)
	case OutcomeCorrected:
		e.logger.Info("Infraction corrected in time", "session_id", id, "infraction", d.Infraction)
	case OutcomeTerminated:
		e.recorder.Terminated(ctx, d.Cause)
		e.logger.Warn("Proctoring session terminated",
			"session_id", id,
			"cause", d.Cause,
			"infraction", d.Infraction,
			"warning_count", v.WarningCount,
		)
	}
}

// Reject answers a frame that could not be evaluated without touching
// session state. A terminated session still reports its termination.
func (e *Engine) Reject(ctx context.Context, sessionID, warning string, debug map[string]any) Verdict {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	v := Verdict{
		Warning:     stringPtr(warning),
		MaxWarnings: e.policy.MaxWarnings,
		DebugInfo:   copyDebug(debug),
	}
	if entry, err := e.store.Get(sessionID); err == nil {
		entry.Do(func(s *domain.Session) {
			v.WarningCount = s.WarningCount
			if s.Terminated {
				v.Warning = nil
				v.Terminated = true
				v.TerminationReason = stringPtr(s.TerminationReason)
			}
		})
	}
	e.recorder.Decision(ctx, string(OutcomeRejected))
	e.logger.Debug("Frame rejected", "session_id", sessionID, "reason", warning)
	return v
}

// Status returns the status of a live session.
func (e *Engine) Status(id string) (Status, error) {
	entry, err := e.store.Get(id)
	if err != nil {
		return Status{}, err
	}
	var st Status
	now := e.now()
	if !entry.Do(func(s *domain.Session) {
		st = statusOf(s, now, e.policy)
	}) {
		return Status{}, ErrSessionNotFound
	}
	return st, nil
}

// Events returns a copy of the session's event log and correction history.
func (e *Engine) Events(id string) (SessionEvents, error) {
	entry, err := e.store.Get(id)
	if err != nil {
		return SessionEvents{}, err
	}
	out := SessionEvents{SessionID: id}
	if !entry.Do(func(s *domain.Session) {
		out.Events = append([]domain.Event{}, s.Events...)
		out.CorrectionHistory = append([]domain.CorrectionRecord{}, s.History...)
	}) {
		return SessionEvents{}, ErrSessionNotFound
	}
	return out, nil
}

// Reset forgets a session. It is idempotent.
func (e *Engine) Reset(id string) bool {
	existed := e.store.Delete(id)
	if existed {
		e.logger.Info("Proctoring session reset", "session_id", id)
	}
	return existed
}

type nopRecorder struct{}

func (nopRecorder) SessionCreated(context.Context)         {}
func (nopRecorder) Decision(context.Context, string)       {}
func (nopRecorder) WarningCharged(context.Context, string) {}
func (nopRecorder) Terminated(context.Context, string)     {}
