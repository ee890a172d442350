// Package domain holds the proctoring session model shared across layers.
package domain

import "strings"

// Kind is the per-frame classification produced by the frame classifier.
type Kind string

const (
	// KindNone means the frame shows exactly one frontal face.
	KindNone Kind = "none"
	// KindNoFace means no face was found in the frame.
	KindNoFace Kind = "no_face"
	// KindMultipleFaces means more than one person is visible.
	KindMultipleFaces Kind = "multiple_faces"
	// KindProfileFace means the face is turned away from the camera.
	KindProfileFace Kind = "profile_face"
)

var defaultReasons = map[Kind]string{
	KindNoFace:        "No face detected.",
	KindMultipleFaces: "Multiple people detected!",
	KindProfileFace:   "Please face the camera directly.",
}

// ParseKind maps a wire value to a Kind. An empty value is treated as none.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", KindNone:
		return KindNone, true
	case KindNoFace, KindMultipleFaces, KindProfileFace:
		return k, true
	default:
		return "", false
	}
}

// IsInfraction reports whether the kind is a rule violation.
func (k Kind) IsInfraction() bool {
	_, ok := defaultReasons[k]
	return ok
}

// Classification is one classified frame.
type Classification struct {
	Kind   Kind
	Reason string
}

// ReasonOrDefault returns the classifier's reason, or the stock text for the kind.
func (c Classification) ReasonOrDefault() string {
	if r := strings.TrimSpace(c.Reason); r != "" {
		return r
	}
	return defaultReasons[c.Kind]
}
