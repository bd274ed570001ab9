// Package pipeline drives classification end to end. The Orchestrator
// owns the per-message sequence (dedupe, classify, decide, record,
// dispatch) and the three trigger modes built on it: a polling
// listener, an on-demand batch window, and the junk sweep.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/email-agent/internal/classify"
	"github.com/nhle/email-agent/internal/decide"
	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/notify"
	"github.com/nhle/email-agent/internal/source"
	"github.com/nhle/email-agent/internal/store"
)

// Outcome summarizes what happened to one message.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeHeldPending Outcome = "held_pending"
	OutcomeAlreadySeen Outcome = "already_seen"
	OutcomeFailed      Outcome = "failed"
)

// RunSummary aggregates one mode invocation.
type RunSummary struct {
	BatchID   string
	Processed int
	Applied   int
	Skipped   int
	Held      int
	Seen      int
	Failed    int
}

func (s *RunSummary) count(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeApplied:
		s.Applied++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeHeldPending:
		s.Held++
	case OutcomeAlreadySeen:
		s.Seen++
	case OutcomeFailed:
		s.Failed++
	}
}

// Orchestrator wires the classifier, decision gate, tracking store,
// and mail source into the processing modes.
type Orchestrator struct {
	store         store.Store
	classifier    *classify.Classifier
	source        source.MailSource
	dispatcher    source.ActionDispatcher
	notifier      notify.Notifier
	confirmations source.ConfirmationChannel
	policy        model.PolicyConfig
	cfg           model.PipelineConfig
	logger        *zap.Logger

	// concurrency bounds parallel classification within one chunk.
	concurrency int
}

// New creates an Orchestrator. A nil notifier or confirmation channel
// is replaced by a no-op.
func New(
	st store.Store,
	classifier *classify.Classifier,
	src source.MailSource,
	dispatcher source.ActionDispatcher,
	notifier notify.Notifier,
	confirmations source.ConfirmationChannel,
	policy model.PolicyConfig,
	cfg model.PipelineConfig,
	concurrency int,
	logger *zap.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if confirmations == nil {
		confirmations = nopConfirmations{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		store:         st,
		classifier:    classifier,
		source:        src,
		dispatcher:    dispatcher,
		notifier:      notifier,
		confirmations: confirmations,
		policy:        policy,
		cfg:           cfg,
		logger:        logger,
		concurrency:   concurrency,
	}
}

type nopConfirmations struct{}

func (nopConfirmations) RequestConfirmation(context.Context, string, string) error {
	return nil
}

// Listen polls the mail source for new messages until ctx is
// cancelled. The cursor is persisted after each poll, so a restarted
// listener resumes where it stopped.
func (o *Orchestrator) Listen(ctx context.Context) error {
	if _, err := o.reapStale(ctx); err != nil {
		return err
	}

	interval := time.Duration(o.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	cursorKey := "listener:" + o.source.Provider()

	o.logger.Info("listener started",
		zap.String("provider", o.source.Provider()),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := o.pollOnce(ctx, cursorKey); err != nil {
			if source.IsAuthError(err) {
				return err
			}
			o.logger.Warn("poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			o.logger.Info("listener stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context, cursorKey string) error {
	cursor, err := o.store.GetCursor(ctx, cursorKey)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	msgs, next, err := o.source.FetchNew(ctx, cursor, o.cfg.MaxPerRun)
	if err != nil {
		return fmt.Errorf("fetching new messages: %w", err)
	}

	summary := &RunSummary{}
	o.processChunked(ctx, msgs, model.ModeListener, "", summary)

	if next != cursor {
		if err := o.store.SetCursor(ctx, cursorKey, next); err != nil {
			return fmt.Errorf("saving cursor: %w", err)
		}
	}

	if summary.Processed > 0 {
		o.logger.Info("poll complete",
			zap.Int("processed", summary.Processed),
			zap.Int("applied", summary.Applied),
			zap.Int("held", summary.Held))
	}
	return nil
}

// BatchWindow classifies every message received within [start, end].
// The end bound is inclusive to the millisecond. Failures on single
// messages are isolated; the run continues and the summary reports
// them.
func (o *Orchestrator) BatchWindow(
	ctx context.Context, start, end time.Time,
) (*RunSummary, error) {
	if _, err := o.reapStale(ctx); err != nil {
		return nil, err
	}

	msgs, err := o.source.FetchInWindow(ctx, start, end, o.cfg.MaxPerRun)
	if err != nil {
		return nil, fmt.Errorf("fetching window: %w", err)
	}

	summary := &RunSummary{BatchID: uuid.New().String()}
	o.logger.Info("batch window started",
		zap.String("batchId", summary.BatchID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("messages", len(msgs)))

	o.processChunked(ctx, msgs, model.ModeBatch, summary.BatchID, summary)

	o.logger.Info("batch window complete",
		zap.String("batchId", summary.BatchID),
		zap.Int("processed", summary.Processed),
		zap.Int("applied", summary.Applied),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// JunkSweep re-examines messages already flagged for junk review.
// Deletion actions are held pending until Confirm approves them.
func (o *Orchestrator) JunkSweep(ctx context.Context) (*RunSummary, error) {
	if _, err := o.reapStale(ctx); err != nil {
		return nil, err
	}

	msgs, err := o.source.FetchByLabel(ctx, model.LabelJunkReview, o.cfg.MaxPerRun)
	if err != nil {
		return nil, fmt.Errorf("fetching junk review messages: %w", err)
	}

	summary := &RunSummary{}
	o.processChunked(ctx, msgs, model.ModeJunkSweep, "", summary)

	if summary.Held > 0 {
		if err := o.notifier.NotifyJunkFound(ctx, summary.Held); err != nil {
			o.logger.Warn("junk notification failed", zap.Error(err))
		}
	}
	return summary, nil
}

// processChunked walks msgs in chunks, classifying each chunk with
// bounded parallelism. Store writes stay serialized per message id by
// the store itself.
func (o *Orchestrator) processChunked(
	ctx context.Context,
	msgs []model.Message,
	mode model.ProcessingMode,
	batchID string,
	summary *RunSummary,
) {
	chunkSize := o.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(msgs)
	}

	for from := 0; from < len(msgs); from += chunkSize {
		to := from + chunkSize
		if to > len(msgs) {
			to = len(msgs)
		}

		outcomes := make([]Outcome, to-from)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency)

		for i, msg := range msgs[from:to] {
			g.Go(func() error {
				outcome, err := o.ProcessMessage(gctx, msg, mode, batchID)
				if err != nil {
					o.logger.Warn("message processing failed",
						zap.String("messageId", msg.ID),
						zap.Error(err))
					outcome = OutcomeFailed
				}
				outcomes[i] = outcome
				return nil
			})
		}
		_ = g.Wait()

		for _, outcome := range outcomes {
			summary.count(outcome)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// ProcessMessage runs the per-message sequence: dedupe, classify,
// decide, record pending, dispatch, mark terminal. The tracking record
// is durably Pending before any side effect runs.
func (o *Orchestrator) ProcessMessage(
	ctx context.Context,
	msg model.Message,
	mode model.ProcessingMode,
	batchID string,
) (Outcome, error) {
	seen, err := o.store.Seen(ctx, msg.ID, mode)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("dedupe check: %w", err)
	}
	if seen {
		return OutcomeAlreadySeen, nil
	}

	result := o.classifier.Classify(ctx, msg)
	action := decide.Reconcile(msg, decide.Decide(result, o.policy), result.Category)

	rec := model.TrackingRecord{
		MessageID:     msg.ID,
		Mode:          mode,
		Category:      result.Category,
		Confidence:    result.Confidence,
		Method:        result.Method,
		ActionKind:    action.Kind,
		ActionTarget:  action.Target,
		ReplacesLabel: action.ReplacesLabel,
		BatchID:       batchID,
		Sender:        msg.Sender,
		Subject:       msg.Subject,
	}
	// A hold is always recorded as the deletion it is waiting to
	// perform, whatever shape the flagging step takes, so the
	// confirmation queries find it.
	if action.RequiresConfirmation {
		rec.ActionKind = model.ActionFlagForDeletion
	}

	recordID, err := o.store.RecordPending(ctx, rec)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateActiveRecord) {
			o.logger.Debug("action already applied, skipping dispatch",
				zap.String("messageId", msg.ID))
			return OutcomeAlreadySeen, nil
		}
		return OutcomeFailed, fmt.Errorf("recording decision: %w", err)
	}

	o.logger.Debug("decided",
		zap.String("messageId", msg.ID),
		zap.String("category", string(result.Category)),
		zap.Float64("confidence", result.Confidence),
		zap.String("method", string(result.Method)),
		zap.String("action", string(action.Kind)))

	if !action.Terminal() {
		// Sub-threshold decisions leave an audit record and nothing else.
		if err := o.store.MarkApplied(ctx, recordID); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}

	if action.RequiresConfirmation {
		return o.holdForConfirmation(ctx, msg, action, recordID)
	}

	return o.dispatch(ctx, msg, action, recordID)
}

// holdForConfirmation flags the message for review and leaves the
// record Pending until Confirm resolves it. The review label is
// applied best effort; the confirmation gate does not depend on it.
func (o *Orchestrator) holdForConfirmation(
	ctx context.Context,
	msg model.Message,
	action model.Action,
	recordID string,
) (Outcome, error) {
	flag := action
	if flag.Kind == model.ActionFlagForDeletion {
		flag = model.Action{Kind: model.ActionLabel, Target: model.LabelJunkReview}
	}
	if !msg.HasLabel(model.LabelJunkReview) {
		if err := o.dispatcher.Apply(ctx, msg, flag); err != nil {
			o.logger.Warn("could not flag message for review",
				zap.String("messageId", msg.ID),
				zap.Error(err))
		}
	}

	summary := fmt.Sprintf("%s: %s", msg.Sender, msg.Subject)
	if err := o.confirmations.RequestConfirmation(ctx, recordID, summary); err != nil {
		o.logger.Warn("confirmation request failed",
			zap.String("recordId", recordID),
			zap.Error(err))
	}
	return OutcomeHeldPending, nil
}

// dispatch applies the action and records the terminal status. A
// dispatch failure marks the record Skipped with the error reason; the
// next scheduled run may retry the message.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	msg model.Message,
	action model.Action,
	recordID string,
) (Outcome, error) {
	var dispatchErr error
	if action.Kind == model.ActionNotify {
		dispatchErr = o.notifier.NotifyImportant(ctx, msg, action.Notification)
	} else {
		dispatchErr = o.dispatcher.Apply(ctx, msg, action)
	}

	if dispatchErr != nil {
		if err := o.store.MarkSkipped(ctx, recordID, dispatchErr.Error()); err != nil {
			return OutcomeFailed, err
		}
		o.logger.Warn("dispatch failed",
			zap.String("messageId", msg.ID),
			zap.String("action", string(action.Kind)),
			zap.Error(dispatchErr))
		return OutcomeSkipped, nil
	}

	if err := o.store.MarkApplied(ctx, recordID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

// PendingConfirmations lists records awaiting a confirm decision.
func (o *Orchestrator) PendingConfirmations(ctx context.Context) ([]model.TrackingRecord, error) {
	return o.store.PendingConfirmations(ctx)
}

// Confirm resolves a held deletion. Approval dispatches the deletion
// and marks the record Applied; denial marks it Skipped and removes
// the review flag.
func (o *Orchestrator) Confirm(ctx context.Context, recordID string, approve bool) error {
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusPending || rec.ActionKind != model.ActionFlagForDeletion {
		return fmt.Errorf("record %s is not awaiting confirmation", recordID)
	}

	msg := model.Message{ID: rec.MessageID, Sender: rec.Sender, Subject: rec.Subject}

	if !approve {
		if err := o.store.MarkSkipped(ctx, recordID, store.ReasonDenied); err != nil {
			return err
		}
		// Take the review flag back off. A reclassification hold also
		// gets its replaced label back.
		unflag := model.Action{Kind: model.ActionLabel, Target: model.LabelJunkReview}
		if rec.ReplacesLabel != "" {
			unflag = model.Action{
				Kind:          model.ActionMove,
				Target:        model.LabelJunkReview,
				ReplacesLabel: rec.ReplacesLabel,
			}
		}
		if err := o.dispatcher.Restore(ctx, rec.MessageID, unflag); err != nil {
			o.logger.Warn("could not remove review flag",
				zap.String("messageId", rec.MessageID),
				zap.Error(err))
		}
		o.logger.Info("deletion denied", zap.String("recordId", recordID))
		return nil
	}

	action := model.Action{
		Kind:   model.ActionFlagForDeletion,
		Target: rec.ActionTarget,
	}
	if err := o.dispatcher.Apply(ctx, msg, action); err != nil {
		if markErr := o.store.MarkSkipped(ctx, recordID, err.Error()); markErr != nil {
			return markErr
		}
		return fmt.Errorf("dispatching confirmed deletion: %w", err)
	}

	if err := o.store.MarkApplied(ctx, recordID); err != nil {
		return err
	}
	o.logger.Info("deletion confirmed", zap.String("recordId", recordID))
	return nil
}

// Undo reverts one applied record and restores the message's prior
// state at the mail source.
func (o *Orchestrator) Undo(ctx context.Context, recordID string) error {
	rec, err := o.store.Revert(ctx, recordID)
	if err != nil {
		return err
	}

	action := model.Action{
		Kind:          rec.ActionKind,
		Target:        rec.ActionTarget,
		ReplacesLabel: rec.ReplacesLabel,
	}
	if err := o.dispatcher.Restore(ctx, rec.MessageID, action); err != nil {
		return fmt.Errorf("restoring message %s: %w", rec.MessageID, err)
	}

	o.logger.Info("action undone",
		zap.String("recordId", recordID),
		zap.String("messageId", rec.MessageID))
	return nil
}

// UndoBatch reverts every applied record of one batch run. Records in
// other states are left alone. Returns how many were reverted.
func (o *Orchestrator) UndoBatch(ctx context.Context, batchID string) (int, error) {
	recs, err := o.store.RecordsByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, rec := range recs {
		if rec.Status != model.StatusApplied {
			continue
		}
		if err := o.Undo(ctx, rec.ID); err != nil {
			o.logger.Warn("batch undo failed for record",
				zap.String("recordId", rec.ID),
				zap.Error(err))
			continue
		}
		reverted++
	}
	return reverted, nil
}

// reapStale skips Pending records left behind by an earlier crash.
func (o *Orchestrator) reapStale(ctx context.Context) (int, error) {
	grace := time.Duration(o.cfg.PendingGraceSec) * time.Second
	if grace <= 0 {
		grace = time.Hour
	}

	n, err := o.store.ReapStalePending(ctx, grace)
	if err != nil {
		return 0, fmt.Errorf("reaping stale pending records: %w", err)
	}
	if n > 0 {
		o.logger.Info("reaped stale pending records", zap.Int("count", n))
	}
	return n, nil
}
