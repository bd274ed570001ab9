// Package decide maps a classification result to a concrete action
// under the active policy. Everything here is pure and total.
package decide

import (
	"github.com/nhle/email-agent/internal/model"
)

// Decide returns the action for result under policy.
//
// Confidence below the category's low threshold yields NoOp: the
// message is left untouched and the record exists for audit only.
// Destructive actions always require confirmation regardless of
// confidence. Important mail at or above the high threshold carries a
// persist+sound notification hint.
func Decide(result model.ClassificationResult, policy model.PolicyConfig) model.Action {
	cp := policy.ForCategory(result.Category)

	if result.Confidence < cp.Low {
		return model.Action{Kind: model.ActionNoOp}
	}

	switch result.Category {
	case model.CategoryImportant:
		action := model.Action{Kind: model.ActionNotify}
		if result.Confidence >= cp.High {
			action.Notification = model.NotificationHint{Persist: true, Sound: true}
		}
		return action

	case model.CategoryPromotional:
		return model.Action{Kind: model.ActionLabel, Target: model.LabelPromotions}

	case model.CategorySocial:
		return model.Action{Kind: model.ActionLabel, Target: model.LabelSocial}

	case model.CategoryJunk:
		return model.Action{
			Kind:                 model.ActionFlagForDeletion,
			Target:               model.LabelJunkReview,
			RequiresConfirmation: true,
		}
	}

	return model.Action{Kind: model.ActionNoOp}
}

// Reconcile adjusts a decided action when the message already carries
// one of the agent's own category labels for a different category. The
// stale label is replaced with a Move rather than stacking labels, so
// at most one current category label exists per message. NoOp
// decisions are never upgraded.
func Reconcile(msg model.Message, decided model.Action, newCategory model.Category) model.Action {
	if decided.Kind == model.ActionNoOp {
		return decided
	}

	stale := staleLabel(msg, newCategory)
	if stale == "" {
		return decided
	}

	move := model.Action{
		Kind:          model.ActionMove,
		Target:        model.CategoryLabel(newCategory),
		ReplacesLabel: stale,
		Notification:  decided.Notification,
	}
	// Moving into junk review is still the entry to deletion, so the
	// confirmation requirement survives reclassification.
	if newCategory == model.CategoryJunk {
		move.RequiresConfirmation = decided.RequiresConfirmation
	}
	return move
}

// staleLabel returns the first agent-owned label on msg belonging to a
// category other than newCategory, or "".
func staleLabel(msg model.Message, newCategory model.Category) string {
	for _, label := range msg.ExistingLabels {
		cat, ok := model.LabelCategory(label)
		if ok && cat != newCategory {
			return label
		}
	}
	return ""
}
