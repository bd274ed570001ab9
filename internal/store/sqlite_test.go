package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/store"
	"github.com/nhle/email-agent/tests/testutil"
)

func pendingRecord(messageID string, mode model.ProcessingMode) model.TrackingRecord {
	return model.TrackingRecord{
		MessageID:    messageID,
		Mode:         mode,
		Category:     model.CategoryPromotional,
		Confidence:   0.7,
		Method:       model.MethodRuleBased,
		ActionKind:   model.ActionLabel,
		ActionTarget: model.LabelPromotions,
		Sender:       "shop@example.com",
		Subject:      "Sale this weekend",
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "m1", rec.MessageID)

	require.NoError(t, s.MarkApplied(ctx, id))

	rec, err = s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApplied, rec.Status)
}

func TestTransitionOnTerminalRecordFails(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, id))

	err = s.MarkSkipped(ctx, id, "too late")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.MarkApplied(ctx, id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestDuplicateActiveRecordGuard(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, id))

	// The same action applied once must not acquire a second record,
	// even from a different mode.
	_, err = s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	assert.ErrorIs(t, err, store.ErrDuplicateActiveRecord)

	_, err = s.RecordPending(ctx, pendingRecord("m1", model.ModeListener))
	assert.ErrorIs(t, err, store.ErrDuplicateActiveRecord)
}

func TestRecordPendingReusesCrashedAttempt(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)

	// A retry of a never-dispatched pending attempt reuses the row
	// instead of violating the one-live-record rule.
	again := pendingRecord("m1", model.ModeBatch)
	again.Category = model.CategorySocial
	again.ActionTarget = model.LabelSocial

	second, err := s.RecordPending(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec, err := s.GetRecord(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.CategorySocial, rec.Category)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestReclassificationSupersedesAppliedRecord(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, first))

	// Same message, different action kind: the old applied record is
	// kept as history, tagged with its successor.
	junk := pendingRecord("m1", model.ModeBatch)
	junk.Category = model.CategoryJunk
	junk.ActionKind = model.ActionFlagForDeletion
	junk.ActionTarget = model.LabelJunkReview

	second, err := s.RecordPending(ctx, junk)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	old, err := s.GetRecord(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReverted, old.Status)
	assert.Contains(t, old.Reason, second)
}

func TestRevertRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	id, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, id))

	prior, err := s.Revert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApplied, prior.Status)
	assert.Equal(t, model.LabelPromotions, prior.ActionTarget)

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReverted, rec.Status)

	// A second revert has nothing applied to undo.
	_, err = s.Revert(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotApplied)

	// The reverted message is eligible for reprocessing.
	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSeenSemantics(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.False(t, seen)

	id, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)

	seen, err = s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.True(t, seen, "pending records count as seen")

	// A different mode is an independent dedupe key.
	seen, err = s.Seen(ctx, "m1", model.ModeListener)
	require.NoError(t, err)
	assert.False(t, seen)

	// A dispatch failure is retryable: skipped does not count.
	require.NoError(t, s.MarkSkipped(ctx, id, "gmail: 503"))
	seen, err = s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.False(t, seen)

	// A denied confirmation is a final user decision: it does count.
	id, err = s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkSkipped(ctx, id, store.ReasonDenied))
	seen, err = s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPendingConfirmationsOldestFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	older := pendingRecord("m1", model.ModeJunkSweep)
	older.ActionKind = model.ActionFlagForDeletion
	older.ProcessedAt = time.Now().UTC().Add(-time.Hour)
	olderID, err := s.RecordPending(ctx, older)
	require.NoError(t, err)

	newer := pendingRecord("m2", model.ModeJunkSweep)
	newer.ActionKind = model.ActionFlagForDeletion
	newerID, err := s.RecordPending(ctx, newer)
	require.NoError(t, err)

	// A plain pending label is not a confirmation candidate.
	_, err = s.RecordPending(ctx, pendingRecord("m3", model.ModeJunkSweep))
	require.NoError(t, err)

	recs, err := s.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, olderID, recs[0].ID)
	assert.Equal(t, newerID, recs[1].ID)
}

func TestReapStalePending(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	stale := pendingRecord("m1", model.ModeBatch)
	stale.ProcessedAt = time.Now().UTC().Add(-2 * time.Hour)
	staleID, err := s.RecordPending(ctx, stale)
	require.NoError(t, err)

	freshID, err := s.RecordPending(ctx, pendingRecord("m2", model.ModeBatch))
	require.NoError(t, err)

	n, err := s.ReapStalePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.GetRecord(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, rec.Status)
	assert.Equal(t, store.ReasonStale, rec.Reason)

	rec, err = s.GetRecord(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestReapStalePendingSparesConfirmationHolds(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	// An aged deletion hold is waiting on the user, not orphaned by a
	// crash; the reaper must leave it alone.
	held := pendingRecord("m1", model.ModeJunkSweep)
	held.ActionKind = model.ActionFlagForDeletion
	held.ProcessedAt = time.Now().UTC().Add(-48 * time.Hour)
	heldID, err := s.RecordPending(ctx, held)
	require.NoError(t, err)

	orphan := pendingRecord("m2", model.ModeBatch)
	orphan.ProcessedAt = time.Now().UTC().Add(-48 * time.Hour)
	_, err = s.RecordPending(ctx, orphan)
	require.NoError(t, err)

	n, err := s.ReapStalePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := s.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, heldID, recs[0].ID)
}

func TestReplacesLabelPersists(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	rec := pendingRecord("m1", model.ModeBatch)
	rec.ActionKind = model.ActionMove
	rec.ReplacesLabel = model.LabelSocial

	id, err := s.RecordPending(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.LabelSocial, got.ReplacesLabel)
}

func TestRecordsByBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for _, msgID := range []string{"m1", "m2"} {
		rec := pendingRecord(msgID, model.ModeBatch)
		rec.BatchID = "batch-a"
		_, err := s.RecordPending(ctx, rec)
		require.NoError(t, err)
	}
	other := pendingRecord("m3", model.ModeBatch)
	other.BatchID = "batch-b"
	_, err := s.RecordPending(ctx, other)
	require.NoError(t, err)

	recs, err := s.RecordsByBatch(ctx, "batch-a")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestStatistics(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	promo, err := s.RecordPending(ctx, pendingRecord("m1", model.ModeBatch))
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, promo))

	junk := pendingRecord("m2", model.ModeBatch)
	junk.Category = model.CategoryJunk
	junk.ActionKind = model.ActionFlagForDeletion
	_, err = s.RecordPending(ctx, junk)
	require.NoError(t, err)

	stats, err := s.Statistics(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByCategory[model.CategoryPromotional])
	assert.Equal(t, 1, stats.ByCategory[model.CategoryJunk])
	assert.Equal(t, 1, stats.ByStatus[model.StatusApplied])
	assert.Equal(t, 1, stats.ByStatus[model.StatusPending])
	assert.Equal(t, 1, stats.ByAction[model.ActionFlagForDeletion])

	// A window starting in the future sees nothing.
	empty, err := s.Statistics(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestCursors(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	value, err := s.GetCursor(ctx, "listener:gmail")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, s.SetCursor(ctx, "listener:gmail", "1724140800"))
	require.NoError(t, s.SetCursor(ctx, "listener:gmail", "1724141000"))

	value, err = s.GetCursor(ctx, "listener:gmail")
	require.NoError(t, err)
	assert.Equal(t, "1724141000", value)
}

func TestFeedbackAccuracy(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	acc, err := s.Accuracy(ctx)
	require.NoError(t, err)
	assert.Zero(t, acc.Total)

	require.NoError(t, s.SaveFeedback(ctx, model.Feedback{
		MessageID: "m1",
		Predicted: model.CategoryJunk,
		Actual:    model.CategoryJunk,
	}))
	require.NoError(t, s.SaveFeedback(ctx, model.Feedback{
		MessageID: "m2",
		Predicted: model.CategoryJunk,
		Actual:    model.CategoryImportant,
	}))

	acc, err = s.Accuracy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acc.Total)
	assert.Equal(t, 1, acc.Correct)
	assert.InDelta(t, 0.5, acc.Rate, 1e-9)
}

func TestGetRecordNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
