package model

import "time"

// Category is the classification bucket assigned to a message.
type Category string

const (
	CategoryImportant   Category = "important"
	CategoryPromotional Category = "promotional"
	CategorySocial      Category = "social"
	CategoryJunk        Category = "junk"
)

// Categories lists every known category in tie-break priority order.
// When rule scores tie, the earlier category wins: junk outranks
// important so a coincidental "urgent" keyword never masks spam triage.
var Categories = []Category{
	CategoryJunk,
	CategoryImportant,
	CategorySocial,
	CategoryPromotional,
}

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryImportant, CategoryPromotional, CategorySocial, CategoryJunk:
		return true
	}
	return false
}

// ProcessingMode identifies which pipeline driver produced a record.
type ProcessingMode string

const (
	ModeListener  ProcessingMode = "listener"
	ModeBatch     ProcessingMode = "batch"
	ModeJunkSweep ProcessingMode = "junk_sweep"
)

// MaxBodySummaryLen bounds the body excerpt carried on a Message.
const MaxBodySummaryLen = 1000

// Message is the immutable view of one inbound email as consumed by
// the pipeline. The ID is the mail system's stable identifier; the
// pipeline never mutates a Message.
type Message struct {
	// ID is the opaque identifier assigned by the mail system.
	ID string `json:"id"`

	// Sender is the raw From header value.
	Sender string `json:"sender"`

	// Subject is the message subject line.
	Subject string `json:"subject"`

	// BodySummary is a plain-text excerpt of the body, truncated to
	// MaxBodySummaryLen.
	BodySummary string `json:"body_summary"`

	// ReceivedAt is when the mail system received the message.
	ReceivedAt time.Time `json:"received_at"`

	// ExistingLabels holds the labels already applied to the message,
	// including any of this agent's own category labels.
	ExistingLabels []string `json:"existing_labels,omitempty"`
}

// HasLabel reports whether the message already carries the given label.
func (m Message) HasLabel(label string) bool {
	for _, l := range m.ExistingLabels {
		if l == label {
			return true
		}
	}
	return false
}

// TruncateBody returns body cut to MaxBodySummaryLen.
func TruncateBody(body string) string {
	if len(body) > MaxBodySummaryLen {
		return body[:MaxBodySummaryLen]
	}
	return body
}
