// Package store persists the agent's decision history. Every
// classification attempt that reaches the dispatch step leaves exactly
// one tracking record, which is what makes the pipeline idempotent,
// auditable, and undoable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/email-agent/internal/model"
)

var (
	// ErrDuplicateActiveRecord is the idempotency guard: an Applied
	// record with the same terminal action already exists for the
	// message. Callers treat it as "already handled, skip dispatch".
	ErrDuplicateActiveRecord = errors.New("duplicate active record")

	// ErrInvalidTransition indicates a status transition on a record
	// that is already terminal. It is a broken-invariant condition,
	// not an expected runtime error.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotApplied is returned by Revert when the record is not in
	// Applied status.
	ErrNotApplied = errors.New("record is not applied")

	// ErrNotFound is returned when no record matches the given id.
	ErrNotFound = errors.New("record not found")
)

// Statistics aggregates tracking records since a point in time.
type Statistics struct {
	Since      time.Time                    `json:"since"`
	Total      int                          `json:"total"`
	ByCategory map[model.Category]int       `json:"by_category"`
	ByAction   map[model.ActionKind]int     `json:"by_action"`
	ByStatus   map[model.RecordStatus]int   `json:"by_status"`
}

// Accuracy summarizes user feedback against predicted categories.
type Accuracy struct {
	Total   int     `json:"total"`
	Correct int     `json:"correct"`
	Rate    float64 `json:"rate"`
}

// Store is the persistence contract for tracking records, listener
// cursors, and classification feedback. Implementations must be safe
// for concurrent callers on independent message ids and must serialize
// operations touching the same message id.
type Store interface {
	// Seen reports whether the (messageID, mode) pair already has a
	// live record, so the orchestrator can skip classification
	// entirely. Reverted records do not count: an undone message is
	// eligible for reprocessing.
	Seen(ctx context.Context, messageID string, mode model.ProcessingMode) (bool, error)

	// RecordPending creates the Pending record for a decided action
	// and returns its id. It fails with ErrDuplicateActiveRecord when
	// an Applied record with the same action kind already exists for
	// the message. A superseded Applied record of a different action
	// kind (reclassification) is transitioned to Reverted and tagged
	// with the new record's id; its Pending predecessor, if any, is
	// reused in place.
	RecordPending(ctx context.Context, rec model.TrackingRecord) (string, error)

	// MarkApplied and MarkSkipped are the terminal transitions out of
	// Pending. Both fail with ErrInvalidTransition if the record is
	// already terminal.
	MarkApplied(ctx context.Context, recordID string) error
	MarkSkipped(ctx context.Context, recordID, reason string) error

	// Revert transitions Applied to Reverted and returns the record as
	// it was, so the caller can undo the external side effect. Fails
	// with ErrNotApplied otherwise.
	Revert(ctx context.Context, recordID string) (*model.TrackingRecord, error)

	// GetRecord fetches one record by id.
	GetRecord(ctx context.Context, recordID string) (*model.TrackingRecord, error)

	// RecordsByBatch returns every record created under one batch id,
	// newest first. Used for grouped undo.
	RecordsByBatch(ctx context.Context, batchID string) ([]model.TrackingRecord, error)

	// PendingConfirmations lists records whose action awaits an
	// explicit confirmation, oldest first.
	PendingConfirmations(ctx context.Context) ([]model.TrackingRecord, error)

	// ReapStalePending skips every Pending record older than grace.
	// Run at startup so a crash between record and dispatch cannot
	// strand records. Returns the number reaped.
	ReapStalePending(ctx context.Context, grace time.Duration) (int, error)

	// Statistics aggregates records processed at or after since.
	Statistics(ctx context.Context, since time.Time) (*Statistics, error)

	// Cleanup deletes terminal records and feedback older than the
	// retention period. The core exposes it but never schedules it.
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)

	// GetCursor and SetCursor persist per-source listener positions so
	// listen mode resumes where it stopped.
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error

	// SaveFeedback records a user correction; Accuracy summarizes all
	// feedback so far.
	SaveFeedback(ctx context.Context, fb model.Feedback) error
	Accuracy(ctx context.Context) (*Accuracy, error)

	Close() error
}
