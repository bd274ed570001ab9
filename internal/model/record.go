package model

import "time"

// RecordStatus is the lifecycle state of a tracking record.
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusApplied  RecordStatus = "applied"
	StatusSkipped  RecordStatus = "skipped"
	StatusReverted RecordStatus = "reverted"
)

// IsTerminal reports whether the status permits no further transition
// other than an explicit revert of an applied record.
func (s RecordStatus) IsTerminal() bool {
	return s == StatusApplied || s == StatusSkipped || s == StatusReverted
}

// TrackingRecord is one row of the durable decision history: what was
// decided for a (message, mode) pair and what became of it. At most
// one record exists per (MessageID, Mode); reprocessing updates the
// row rather than inserting a duplicate.
type TrackingRecord struct {
	// ID is the record's own identifier.
	ID string `json:"id"`

	// MessageID is the mail system's message identifier.
	MessageID string `json:"message_id"`

	// Mode is the pipeline driver that produced this record.
	Mode ProcessingMode `json:"mode"`

	// Category and Confidence echo the classification that led here.
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`

	// Method records whether the model or the rule fallback decided.
	Method Method `json:"method"`

	// ActionKind and ActionTarget describe the decided action. The
	// target is kept so a revert knows what to undo. ReplacesLabel is
	// the stale category label a reclassification move removed; a
	// revert must put it back.
	ActionKind    ActionKind `json:"action_kind"`
	ActionTarget  string     `json:"action_target,omitempty"`
	ReplacesLabel string     `json:"replaces_label,omitempty"`

	// Status is the record lifecycle state.
	Status RecordStatus `json:"status"`

	// Reason explains a Skipped status (dispatch error, denied
	// confirmation) or tags a Reverted record with its successor.
	Reason string `json:"reason,omitempty"`

	// BatchID groups records created by one batch invocation for undo.
	BatchID string `json:"batch_id,omitempty"`

	// Sender and Subject are denormalized for statistics and review
	// summaries without refetching mail.
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`

	// ProcessedAt is when the record was created; UpdatedAt tracks the
	// last status transition.
	ProcessedAt time.Time `json:"processed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feedback is a user correction of a classification, kept so accuracy
// can be measured over time.
type Feedback struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Predicted Category  `json:"predicted"`
	Actual    Category  `json:"actual"`
	Confidence float64  `json:"confidence"`
	CreatedAt time.Time `json:"created_at"`
}
