package models

// ScreeningAction tells the orchestrator what to do with a flagged reply.
type ScreeningAction string

const (
	// ScreeningAllow delivers the reply unchanged.
	ScreeningAllow ScreeningAction = "allow"

	// ScreeningBlock withholds the reply; the user sees a fixed notice.
	ScreeningBlock ScreeningAction = "block"

	// ScreeningReplace delivers the configured substitute text instead of
	// the reply.
	ScreeningReplace ScreeningAction = "replace"

	// ScreeningEscalate withholds the reply and forwards it to a human
	// reviewer.
	ScreeningEscalate ScreeningAction = "escalate"
)

// ScreeningVerdict is the outcome of evaluating one assistant reply.
type ScreeningVerdict struct {
	// Flagged reports whether the screener found anything actionable.
	// When false the remaining fields are ignored.
	Flagged bool `json:"flagged"`

	// Action says how the orchestrator should deliver (or not deliver)
	// the reply.
	Action ScreeningAction `json:"action"`

	// Reason is a short human-readable explanation for logs and review.
	Reason string `json:"reason,omitempty"`

	// Replacement is the substitute text, set when Action is replace.
	Replacement string `json:"replacement,omitempty"`
}
