package model

// ActionKind enumerates the durable actions the agent can take on a
// message.
type ActionKind string

const (
	ActionLabel           ActionKind = "label"
	ActionMove            ActionKind = "move"
	ActionNotify          ActionKind = "notify"
	ActionFlagForDeletion ActionKind = "flag_for_deletion"
	ActionNoOp            ActionKind = "noop"
)

// Well-known label targets used by the decision gate.
const (
	LabelPromotions = "Promotions"
	LabelSocial     = "Social"
	LabelJunkReview = "JUNK_REVIEW"
)

// CategoryLabel returns the label this agent applies for a category,
// or "" for categories that keep the message unlabeled in the inbox.
func CategoryLabel(c Category) string {
	switch c {
	case CategoryPromotional:
		return LabelPromotions
	case CategorySocial:
		return LabelSocial
	case CategoryJunk:
		return LabelJunkReview
	}
	return ""
}

// LabelCategory is the inverse of CategoryLabel for the agent's own
// labels; ok is false for labels the agent does not manage.
func LabelCategory(label string) (Category, bool) {
	switch label {
	case LabelPromotions:
		return CategoryPromotional, true
	case LabelSocial:
		return CategorySocial, true
	case LabelJunkReview:
		return CategoryJunk, true
	}
	return "", false
}

// NotificationHint carries presentation hints for Notify actions.
// High-confidence important mail asks for a persistent notification
// with sound.
type NotificationHint struct {
	Persist bool `json:"persist"`
	Sound   bool `json:"sound"`
}

// Action is the concrete outcome decided for a classification result.
// It is a stateless value derived deterministically from the result
// and the active policy.
type Action struct {
	// Kind selects the operation.
	Kind ActionKind `json:"kind"`

	// Target is the label or folder the action applies to. Empty for
	// Notify and NoOp.
	Target string `json:"target,omitempty"`

	// ReplacesLabel names a stale category label this action removes,
	// set only for reclassification moves.
	ReplacesLabel string `json:"replaces_label,omitempty"`

	// RequiresConfirmation is true exactly for destructive actions;
	// the dispatcher must hold them until a confirmation arrives.
	RequiresConfirmation bool `json:"requires_confirmation"`

	// Notification carries hints for Notify actions.
	Notification NotificationHint `json:"notification"`
}

// Terminal reports whether the action has an observable side effect.
// NoOp actions are recorded for audit but never dispatched.
func (a Action) Terminal() bool {
	return a.Kind != ActionNoOp
}
