package model

// Method identifies which strategy produced a classification.
type Method string

const (
	MethodModel     Method = "model"
	MethodRuleBased Method = "rule_based"
)

// ClassificationResult is the outcome of one classification attempt.
// It is created once per attempt and never mutated; a message may
// accumulate several results over time as it is reclassified.
type ClassificationResult struct {
	// Category is the assigned bucket.
	Category Category `json:"category"`

	// Confidence is the classifier's certainty in [0, 1].
	Confidence float64 `json:"confidence"`

	// Method records which strategy produced the result. A model
	// failure that fell back to rules reports MethodRuleBased.
	Method Method `json:"method"`

	// MatchedSignals is the ordered rationale: keyword hits and sender
	// matches for the rule strategy, the model's reasoning lines for
	// the model strategy. Kept for audit.
	MatchedSignals []string `json:"matched_signals,omitempty"`
}
