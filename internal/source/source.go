// Package source defines the contracts between the pipeline and the
// mail system: where messages come from and how decided actions are
// applied back.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/email-agent/internal/model"
)

// AuthError indicates that authentication has failed or expired for a
// mail provider.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// InWindow reports whether ts falls inside the inclusive batch window
// [start, end]. Backend searches are coarser than a millisecond, so
// every implementation over-fetches and enforces the exact boundary
// with this check: a message stamped at the window end is in, one
// millisecond later is out.
func InWindow(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

// MailSource supplies messages for the three pipeline modes. Each
// implementation owns its cursor format; the pipeline treats cursors
// as opaque strings persisted in the store.
type MailSource interface {
	// Provider identifies the backend ("gmail", "imap"), used as the
	// cursor key.
	Provider() string

	// FetchNew returns messages that arrived after the given cursor in
	// arrival order, along with the advanced cursor. An empty cursor
	// means "start from recent mail".
	FetchNew(ctx context.Context, cursor string, max int) ([]model.Message, string, error)

	// FetchInWindow returns messages received within [start, end].
	FetchInWindow(ctx context.Context, start, end time.Time, max int) ([]model.Message, error)

	// FetchByLabel returns messages currently carrying the label.
	FetchByLabel(ctx context.Context, label string, max int) ([]model.Message, error)
}

// ActionDispatcher performs the external side effect of a decided
// action. Apply must be idempotent: applying the same action to the
// same message twice is safe.
type ActionDispatcher interface {
	Apply(ctx context.Context, msg model.Message, action model.Action) error

	// Restore undoes a previously applied action as part of a revert:
	// labels are removed, moved messages return to the inbox, trashed
	// messages are untrashed.
	Restore(ctx context.Context, messageID string, action model.Action) error
}

// ConfirmationChannel surfaces a pending destructive action to a
// human. The answer arrives out of band through the pipeline's
// Confirm entry point.
type ConfirmationChannel interface {
	RequestConfirmation(ctx context.Context, recordID, summary string) error
}
