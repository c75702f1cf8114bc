package moderation

import "context"

// Verdict is the ternary result of an advisory classification.
type Verdict int

const (
	// Unavailable means no verdict could be obtained.
	Unavailable Verdict = iota
	// Valid means the classifier accepted the text.
	Valid
	// Invalid means the classifier rejected the text.
	Invalid
)

// String returns the string representation of Verdict.
func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unavailable"
	}
}

// Classifier judges free text. Implementations never return an error:
// any failure is reported as Unavailable.
type Classifier interface {
	Classify(ctx context.Context, text string) Verdict
}

// Noop is a Classifier that is always Unavailable.
type Noop struct{}

// Classify implements Classifier.
func (Noop) Classify(context.Context, string) Verdict { return Unavailable }

// Static is a Classifier that always returns its own value. Useful in tests
// and for operators that want to pin the gate.
type Static Verdict

// Classify implements Classifier.
func (s Static) Classify(context.Context, string) Verdict { return Verdict(s) }
