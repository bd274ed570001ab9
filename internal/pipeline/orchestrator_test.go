package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/email-agent/internal/classify"
	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/pipeline"
	"github.com/nhle/email-agent/internal/store"
	"github.com/nhle/email-agent/tests/testutil"
)

// fakeMailbox implements the mail source and dispatcher contracts in
// memory and records every applied action.
type fakeMailbox struct {
	mu       sync.Mutex
	inbox    []model.Message
	flagged  []model.Message
	applied  []model.Action
	restored []model.Action
	applyErr error
}

func (f *fakeMailbox) Provider() string { return "fake" }

func (f *fakeMailbox) FetchNew(
	ctx context.Context, cursor string, max int,
) ([]model.Message, string, error) {
	return f.inbox, "next", nil
}

func (f *fakeMailbox) FetchInWindow(
	ctx context.Context, start, end time.Time, max int,
) ([]model.Message, error) {
	var out []model.Message
	for _, msg := range f.inbox {
		if !msg.ReceivedAt.Before(start) && !msg.ReceivedAt.After(end) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchByLabel(
	ctx context.Context, label string, max int,
) ([]model.Message, error) {
	if label == model.LabelJunkReview {
		return f.flagged, nil
	}
	return nil, nil
}

func (f *fakeMailbox) Apply(
	ctx context.Context, msg model.Message, action model.Action,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, action)
	return nil
}

func (f *fakeMailbox) Restore(
	ctx context.Context, messageID string, action model.Action,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, action)
	return nil
}

func (f *fakeMailbox) appliedKinds() []model.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]model.ActionKind, len(f.applied))
	for i, a := range f.applied {
		kinds[i] = a.Kind
	}
	return kinds
}

func newOrchestrator(
	t *testing.T, box *fakeMailbox,
) (*pipeline.Orchestrator, *store.SQLiteStore) {
	t.Helper()

	s := testutil.NewTestStore(t)
	policy := model.DefaultPolicy()
	classifier := classify.New(nil, policy, time.Second, nil)
	cfg := model.PipelineConfig{
		ChunkSize:       10,
		MaxPerRun:       100,
		PendingGraceSec: 3600,
	}

	return pipeline.New(
		s, classifier, box, box, nil, nil, policy, cfg, 1, nil,
	), s
}

func promoMessage(id string) model.Message {
	return model.Message{
		ID:          id,
		Sender:      "shop@example.com",
		Subject:     "Huge sale, extra discount this weekend",
		BodySummary: "Use this coupon before the deal ends. Unsubscribe below.",
		ReceivedAt:  time.Now().UTC(),
	}
}

func junkMessage(id string) model.Message {
	return model.Message{
		ID:          id,
		Sender:      "scam@example.com",
		Subject:     "Lottery winner: claim your prize",
		BodySummary: "Send a wire transfer to receive free money. Act now.",
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestProcessMessageAppliesLabel(t *testing.T) {
	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	outcome, err := orch.ProcessMessage(ctx, promoMessage("m1"), model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeApplied, outcome)

	require.Len(t, box.applied, 1)
	assert.Equal(t, model.ActionLabel, box.applied[0].Kind)
	assert.Equal(t, model.LabelPromotions, box.applied[0].Target)

	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestProcessMessageIsIdempotent(t *testing.T) {
	box := &fakeMailbox{}
	orch, _ := newOrchestrator(t, box)
	ctx := context.Background()

	msg := promoMessage("m1")

	first, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeApplied, first)

	second, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAlreadySeen, second)

	// The side effect ran exactly once.
	assert.Len(t, box.applied, 1)
}

func TestProcessMessageDispatchFailureIsRetryable(t *testing.T) {
	box := &fakeMailbox{applyErr: errors.New("backend unavailable")}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	msg := promoMessage("m1")

	outcome, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSkipped, outcome)

	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.False(t, seen, "a dispatch failure must not block the next run")

	// The backend recovers; the next run applies the action.
	box.applyErr = nil
	outcome, err = orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeApplied, outcome)
}

func TestProcessMessageLowConfidenceLeavesAuditRecordOnly(t *testing.T) {
	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	// No policy keyword matches: Important at zero confidence, below
	// every gate.
	msg := model.Message{
		ID:      "m1",
		Sender:  "colleague@example.com",
		Subject: "lunch tomorrow?",
	}

	outcome, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeApplied, outcome)
	assert.Empty(t, box.applied, "sub-threshold decisions touch nothing")

	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.True(t, seen, "the audit record still dedupes")
}

func TestJunkHeldUntilConfirmed(t *testing.T) {
	box := &fakeMailbox{}
	orch, _ := newOrchestrator(t, box)
	ctx := context.Background()

	outcome, err := orch.ProcessMessage(ctx, junkMessage("m1"), model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeHeldPending, outcome)

	// Only the review flag was applied; nothing destructive yet.
	assert.Equal(t, []model.ActionKind{model.ActionLabel}, box.appliedKinds())

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ActionFlagForDeletion, pending[0].ActionKind)

	require.NoError(t, orch.Confirm(ctx, pending[0].ID, true))

	kinds := box.appliedKinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, model.ActionFlagForDeletion, kinds[1])

	pending, err = orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJunkDeniedIsFinal(t *testing.T) {
	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	_, err := orch.ProcessMessage(ctx, junkMessage("m1"), model.ModeBatch, "")
	require.NoError(t, err)

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, orch.Confirm(ctx, pending[0].ID, false))

	rec, err := s.GetRecord(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, rec.Status)
	assert.Equal(t, store.ReasonDenied, rec.Reason)

	// The review flag comes back off.
	require.Len(t, box.restored, 1)
	assert.Equal(t, model.LabelJunkReview, box.restored[0].Target)

	// A denial is a user decision, not a retryable failure.
	seen, err := s.Seen(ctx, "m1", model.ModeBatch)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestHeldDeletionSurvivesLaterRuns(t *testing.T) {
	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	// A deletion hold from two days ago is still waiting on the user.
	held := model.TrackingRecord{
		MessageID:    "m1",
		Mode:         model.ModeJunkSweep,
		Category:     model.CategoryJunk,
		Confidence:   0.9,
		Method:       model.MethodRuleBased,
		ActionKind:   model.ActionFlagForDeletion,
		ActionTarget: model.LabelJunkReview,
		Sender:       "scam@example.com",
		Subject:      "Lottery winner: claim your prize",
		ProcessedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	heldID, err := s.RecordPending(ctx, held)
	require.NoError(t, err)

	// A later batch run reaps crash leftovers at startup; the hold is
	// not one of them.
	now := time.Now().UTC()
	_, err = orch.BatchWindow(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, heldID, pending[0].ID)

	require.NoError(t, orch.Confirm(ctx, heldID, true))
	assert.Equal(t, []model.ActionKind{model.ActionFlagForDeletion}, box.appliedKinds())
}

func TestReclassifiedJunkHoldIsConfirmable(t *testing.T) {
	// Junk that already wears a category label is reclassified with a
	// Move, but the confirmation gate works the same way.
	msg := junkMessage("m1")
	msg.ExistingLabels = []string{model.LabelPromotions}

	box := &fakeMailbox{}
	orch, _ := newOrchestrator(t, box)
	ctx := context.Background()

	outcome, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeHeldPending, outcome)

	// The flagging step replaces the stale label in one move.
	require.Len(t, box.applied, 1)
	assert.Equal(t, model.ActionMove, box.applied[0].Kind)
	assert.Equal(t, model.LabelJunkReview, box.applied[0].Target)
	assert.Equal(t, model.LabelPromotions, box.applied[0].ReplacesLabel)

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ActionFlagForDeletion, pending[0].ActionKind)
	assert.Equal(t, model.LabelPromotions, pending[0].ReplacesLabel)

	require.NoError(t, orch.Confirm(ctx, pending[0].ID, true))

	kinds := box.appliedKinds()
	require.Len(t, kinds, 2)
	assert.Equal(t, model.ActionFlagForDeletion, kinds[1])
}

func TestReclassifiedJunkDeniedRestoresReplacedLabel(t *testing.T) {
	msg := junkMessage("m1")
	msg.ExistingLabels = []string{model.LabelPromotions}

	box := &fakeMailbox{}
	orch, _ := newOrchestrator(t, box)
	ctx := context.Background()

	_, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "")
	require.NoError(t, err)

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, orch.Confirm(ctx, pending[0].ID, false))

	// Denial puts the message back where the hold found it.
	require.Len(t, box.restored, 1)
	assert.Equal(t, model.ActionMove, box.restored[0].Kind)
	assert.Equal(t, model.LabelJunkReview, box.restored[0].Target)
	assert.Equal(t, model.LabelPromotions, box.restored[0].ReplacesLabel)
}

func TestConfirmRejectsNonPendingRecord(t *testing.T) {
	box := &fakeMailbox{}
	orch, _ := newOrchestrator(t, box)
	ctx := context.Background()

	_, err := orch.ProcessMessage(ctx, promoMessage("m1"), model.ModeBatch, "")
	require.NoError(t, err)

	pending, err := orch.PendingConfirmations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUndoRestoresMessage(t *testing.T) {
	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	msg := promoMessage("m1")
	_, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "undo-batch")
	require.NoError(t, err)

	all, err := s.RecordsByBatch(ctx, "undo-batch")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, orch.Undo(ctx, all[0].ID))

	require.Len(t, box.restored, 1)
	assert.Equal(t, model.ActionLabel, box.restored[0].Kind)
	assert.Equal(t, model.LabelPromotions, box.restored[0].Target)

	seen, err := s.Seen(ctx, msg.ID, model.ModeBatch)
	require.NoError(t, err)
	assert.False(t, seen, "an undone message is eligible again")
}

func TestUndoMoveReattachesReplacedLabel(t *testing.T) {
	// A reclassified message was moved off its old label; undo hands
	// the dispatcher that label back, not a bare inbox restore.
	msg := promoMessage("m1")
	msg.ExistingLabels = []string{model.LabelSocial}

	box := &fakeMailbox{}
	orch, s := newOrchestrator(t, box)
	ctx := context.Background()

	outcome, err := orch.ProcessMessage(ctx, msg, model.ModeBatch, "undo-batch")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeApplied, outcome)

	all, err := s.RecordsByBatch(ctx, "undo-batch")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, orch.Undo(ctx, all[0].ID))

	require.Len(t, box.restored, 1)
	assert.Equal(t, model.ActionMove, box.restored[0].Kind)
	assert.Equal(t, model.LabelPromotions, box.restored[0].Target)
	assert.Equal(t, model.LabelSocial, box.restored[0].ReplacesLabel)
}

func TestBatchWindowIsolatesDuplicates(t *testing.T) {
	now := time.Now().UTC()
	box := &fakeMailbox{inbox: []model.Message{
		promoMessage("m1"),
		junkMessage("m2"),
		promoMessage("m1"),
	}}
	box.inbox[0].ReceivedAt = now.Add(-30 * time.Minute)
	box.inbox[1].ReceivedAt = now.Add(-20 * time.Minute)
	box.inbox[2].ReceivedAt = now.Add(-10 * time.Minute)

	orch, _ := newOrchestrator(t, box)

	summary, err := orch.BatchWindow(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.NotEmpty(t, summary.BatchID)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Held)
	assert.Equal(t, 1, summary.Seen, "the duplicate is detected, not reapplied")
}

func TestBatchWindowExcludesMessagesOutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	inWindow := promoMessage("m1")
	inWindow.ReceivedAt = now.Add(-30 * time.Minute)
	outside := promoMessage("m2")
	outside.ReceivedAt = now.Add(-2 * time.Hour)

	box := &fakeMailbox{inbox: []model.Message{inWindow, outside}}
	orch, _ := newOrchestrator(t, box)

	summary, err := orch.BatchWindow(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
}

func TestJunkSweepHoldsEverythingPending(t *testing.T) {
	flagged := junkMessage("m1")
	flagged.ExistingLabels = []string{model.LabelJunkReview}

	box := &fakeMailbox{flagged: []model.Message{flagged}}
	orch, _ := newOrchestrator(t, box)

	summary, err := orch.JunkSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Held)

	// The message already carries the review flag, so no re-flagging.
	assert.Empty(t, box.applied)
}
