package proctor

import (
	"context"
	"errors"

	"github.com/ashureev/proctord/internal/domain"
)

// Warnings returned for frames that cannot be evaluated.
const (
	WarnNoData         = "No data received."
	WarnNoImage        = "No image data received."
	WarnBadClass       = "Invalid classification."
	WarnClassifierDown = "Frame classification unavailable."
)

// ClassificationInput is a pre-classified frame as sent by a client.
type ClassificationInput struct {
	Kind   string  `json:"kind"`
	Reason *string `json:"reason"`
}

// FrameInput is a decoded frame request. Exactly one of Classification or
// Image is expected; Classification wins when both are present.
type FrameInput struct {
	SessionID      string               `json:"session_id"`
	Image          string               `json:"image,omitempty"`
	Classification *ClassificationInput `json:"classification,omitempty"`
	DebugInfo      map[string]any       `json:"debug_info,omitempty"`
}

// Evaluate classifies in if needed and runs the decision transition.
func (e *Engine) Evaluate(ctx context.Context, in FrameInput) Verdict {
	c, debug, err := e.classify(ctx, in)
	if err != nil {
		return e.Reject(ctx, in.SessionID, rejectMessage(err), in.DebugInfo)
	}
	debug["infraction_type"] = string(c.Kind)
	debug["infraction_reason"] = c.ReasonOrDefault()
	return e.Process(ctx, Frame{
		SessionID:      in.SessionID,
		Classification: c,
		DebugInfo:      debug,
		Now:            e.now(),
	})
}

type rejection struct {
	msg string
	err error
}

func (r *rejection) Error() string { return r.msg + ": " + r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

func reject(msg string, err error) error {
	return &rejection{msg: msg, err: err}
}

func rejectMessage(err error) string {
	var r *rejection
	if errors.As(err, &r) {
		return r.msg
	}
	return WarnClassifierDown
}

func (e *Engine) classify(ctx context.Context, in FrameInput) (domain.Classification, map[string]any, error) {
	debug := copyDebug(in.DebugInfo)

	if in.Classification != nil {
		kind, ok := domain.ParseKind(in.Classification.Kind)
		if !ok {
			return domain.Classification{}, nil, reject(WarnBadClass, ErrInvalidInput)
		}
		c := domain.Classification{Kind: kind}
		if in.Classification.Reason != nil {
			c.Reason = *in.Classification.Reason
		}
		return c, debug, nil
	}

	if in.Image == "" {
		return domain.Classification{}, nil, reject(WarnNoImage, ErrInvalidInput)
	}
	if e.classifier == nil {
		return domain.Classification{}, nil, reject(WarnClassifierDown, errors.New("no classifier configured"))
	}

	cctx := ctx
	if e.classifyTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.classifyTimeout)
		defer cancel()
	}
	c, extra, err := e.classifier.Classify(cctx, in.SessionID, in.Image)
	if err != nil {
		e.logger.Warn("Frame classification failed", "session_id", in.SessionID, "error", err)
		return domain.Classification{}, nil, reject(WarnClassifierDown, err)
	}
	for k, v := range extra {
		debug[k] = v
	}
	return c, debug, nil
}
