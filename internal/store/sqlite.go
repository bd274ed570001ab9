package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/email-agent/internal/model"
)

// Skip reasons written by the store itself.
const (
	ReasonDenied       = "confirmation denied"
	ReasonStale        = "stale pending reaped"
	reasonSupersededBy = "superseded by "
)

// SQLiteStore implements the Store interface using a local SQLite
// database. SQLite serializes writes; the keyed lock layer on top of
// it guarantees that the read-decide-write sequences inside each
// operation do not interleave for the same message id.
type SQLiteStore struct {
	db    *sqlx.DB
	locks *messageLocks
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, locks: newMessageLocks()}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Seen reports whether a live record exists for (messageID, mode).
// Pending and Applied records count, as do denied confirmations;
// Skipped dispatch failures do not, so the next run can retry them.
func (s *SQLiteStore) Seen(
	ctx context.Context,
	messageID string,
	mode model.ProcessingMode,
) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM records
		WHERE message_id = ? AND mode = ?
		  AND (status IN ('pending', 'applied')
		       OR (status = 'skipped' AND reason = ?))`,
		messageID, string(mode), ReasonDenied,
	)
	if err != nil {
		return false, fmt.Errorf("checking dedupe key for %s/%s: %w", messageID, mode, err)
	}
	return count > 0, nil
}

// RecordPending creates (or reuses) the Pending record for a decided
// action. See the Store contract for the duplicate and supersede
// semantics.
func (s *SQLiteStore) RecordPending(
	ctx context.Context,
	rec model.TrackingRecord,
) (string, error) {
	unlock := s.locks.lock(rec.MessageID)
	defer unlock()

	// Idempotency guard: the same terminal action must not apply twice.
	var appliedCount int
	err := s.db.GetContext(ctx, &appliedCount, `
		SELECT COUNT(*) FROM records
		WHERE message_id = ? AND action_kind = ? AND status = 'applied'`,
		rec.MessageID, string(rec.ActionKind),
	)
	if err != nil {
		return "", fmt.Errorf("checking applied records for %s: %w", rec.MessageID, err)
	}
	if appliedCount > 0 {
		return "", fmt.Errorf(
			"message %s already has applied %s record: %w",
			rec.MessageID, rec.ActionKind, ErrDuplicateActiveRecord,
		)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = now
	}
	rec.Status = model.StatusPending
	rec.UpdatedAt = now

	// Find the live record for this (message, mode), if any.
	var existing struct {
		ID     string `db:"id"`
		Status string `db:"status"`
	}
	err = s.db.GetContext(ctx, &existing, `
		SELECT id, status FROM records
		WHERE message_id = ? AND mode = ? AND status IN ('pending', 'applied')`,
		rec.MessageID, string(rec.Mode),
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Nothing live; insert below.
	case err != nil:
		return "", fmt.Errorf("checking active record for %s: %w", rec.MessageID, err)
	case existing.Status == string(model.StatusPending):
		// A crashed or retried attempt: reuse the row in place.
		_, err = s.db.ExecContext(ctx, `
			UPDATE records SET
				category = ?, confidence = ?, method = ?,
				action_kind = ?, action_target = ?, replaces_label = ?,
				status = 'pending', reason = '', batch_id = ?,
				sender = ?, subject = ?, processed_at = ?, updated_at = ?
			WHERE id = ?`,
			string(rec.Category), rec.Confidence, string(rec.Method),
			string(rec.ActionKind), rec.ActionTarget, rec.ReplacesLabel,
			rec.BatchID,
			rec.Sender, rec.Subject, rec.ProcessedAt, rec.UpdatedAt,
			existing.ID,
		)
		if err != nil {
			return "", fmt.Errorf("reusing pending record %s: %w", existing.ID, err)
		}
		return existing.ID, nil
	default:
		// Applied with a different action kind: a reclassification.
		// The old record is reverted and tagged with its successor so
		// the history keeps both states.
		_, err = s.db.ExecContext(ctx, `
			UPDATE records SET status = 'reverted', reason = ?, updated_at = ?
			WHERE id = ?`,
			reasonSupersededBy+rec.ID, now, existing.ID,
		)
		if err != nil {
			return "", fmt.Errorf("superseding record %s: %w", existing.ID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, message_id, mode, category, confidence, method,
			action_kind, action_target, replaces_label,
			status, reason, batch_id,
			sender, subject, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', '', ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, string(rec.Mode),
		string(rec.Category), rec.Confidence, string(rec.Method),
		string(rec.ActionKind), rec.ActionTarget, rec.ReplacesLabel,
		rec.BatchID,
		rec.Sender, rec.Subject, rec.ProcessedAt, rec.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting pending record for %s: %w", rec.MessageID, err)
	}

	return rec.ID, nil
}

// MarkApplied transitions a Pending record to Applied.
func (s *SQLiteStore) MarkApplied(ctx context.Context, recordID string) error {
	return s.transition(ctx, recordID, model.StatusApplied, "")
}

// MarkSkipped transitions a Pending record to Skipped with a reason.
func (s *SQLiteStore) MarkSkipped(ctx context.Context, recordID, reason string) error {
	return s.transition(ctx, recordID, model.StatusSkipped, reason)
}

// transition performs a Pending -> terminal move under the message lock.
func (s *SQLiteStore) transition(
	ctx context.Context,
	recordID string,
	to model.RecordStatus,
	reason string,
) error {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(rec.MessageID)
	defer unlock()

	// Re-read under the lock; a concurrent worker may have won.
	var status string
	if err := s.db.GetContext(ctx, &status,
		"SELECT status FROM records WHERE id = ?", recordID,
	); err != nil {
		return fmt.Errorf("reading record %s: %w", recordID, err)
	}
	if model.RecordStatus(status).IsTerminal() {
		return fmt.Errorf(
			"record %s is %s, cannot transition to %s: %w",
			recordID, status, to, ErrInvalidTransition,
		)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE records SET status = ?, reason = ?, updated_at = ? WHERE id = ?",
		string(to), reason, time.Now().UTC(), recordID,
	)
	if err != nil {
		return fmt.Errorf("transitioning record %s to %s: %w", recordID, to, err)
	}
	return nil
}

// Revert transitions an Applied record to Reverted and returns the
// record as it was, so the caller can undo the external side effect.
func (s *SQLiteStore) Revert(
	ctx context.Context,
	recordID string,
) (*model.TrackingRecord, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(rec.MessageID)
	defer unlock()

	rec, err = s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusApplied {
		return nil, fmt.Errorf(
			"record %s is %s: %w", recordID, rec.Status, ErrNotApplied,
		)
	}

	prior := *rec

	_, err = s.db.ExecContext(ctx,
		"UPDATE records SET status = 'reverted', updated_at = ? WHERE id = ?",
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("reverting record %s: %w", recordID, err)
	}

	return &prior, nil
}

// GetRecord fetches one record by id.
func (s *SQLiteStore) GetRecord(
	ctx context.Context,
	recordID string,
) (*model.TrackingRecord, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM records WHERE id = ?", recordID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", recordID, err)
	}
	return &rec, nil
}

// RecordsByBatch returns every record in one batch, newest first.
func (s *SQLiteStore) RecordsByBatch(
	ctx context.Context,
	batchID string,
) ([]model.TrackingRecord, error) {
	return s.queryRecords(ctx,
		"SELECT * FROM records WHERE batch_id = ? ORDER BY processed_at DESC",
		batchID,
	)
}

// PendingConfirmations lists flag-for-deletion records still awaiting
// a confirmation signal, oldest first. The table survives restarts,
// which the junk-sweep confirmation flow requires.
func (s *SQLiteStore) PendingConfirmations(
	ctx context.Context,
) ([]model.TrackingRecord, error) {
	return s.queryRecords(ctx, `
		SELECT * FROM records
		WHERE status = 'pending' AND action_kind = ?
		ORDER BY processed_at ASC`,
		string(model.ActionFlagForDeletion),
	)
}

// ReapStalePending skips Pending records older than grace. A record
// orphaned by a crash or shutdown must not sit in Pending forever.
// Confirmation holds are not orphans: a flag-for-deletion record stays
// Pending until the user answers, however long that takes.
func (s *SQLiteStore) ReapStalePending(
	ctx context.Context,
	grace time.Duration,
) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET status = 'skipped', reason = ?, updated_at = ?
		WHERE status = 'pending' AND action_kind != ? AND processed_at < ?`,
		ReasonStale, time.Now().UTC(),
		string(model.ActionFlagForDeletion), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reaping stale pending records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reaped records: %w", err)
	}
	return int(n), nil
}

// Statistics aggregates records processed at or after since.
func (s *SQLiteStore) Statistics(
	ctx context.Context,
	since time.Time,
) (*Statistics, error) {
	stats := &Statistics{
		Since:      since,
		ByCategory: make(map[model.Category]int),
		ByAction:   make(map[model.ActionKind]int),
		ByStatus:   make(map[model.RecordStatus]int),
	}

	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	queries := []struct {
		sql  string
		into func(key string, count int)
	}{
		{
			"SELECT category AS key, COUNT(*) AS count FROM records WHERE processed_at >= ? GROUP BY category",
			func(k string, c int) { stats.ByCategory[model.Category(k)] = c },
		},
		{
			"SELECT action_kind AS key, COUNT(*) AS count FROM records WHERE processed_at >= ? GROUP BY action_kind",
			func(k string, c int) { stats.ByAction[model.ActionKind(k)] = c },
		},
		{
			"SELECT status AS key, COUNT(*) AS count FROM records WHERE processed_at >= ? GROUP BY status",
			func(k string, c int) { stats.ByStatus[model.RecordStatus(k)] = c },
		},
	}

	for _, q := range queries {
		var rows []countRow
		if err := s.db.SelectContext(ctx, &rows, q.sql, since.UTC()); err != nil {
			return nil, fmt.Errorf("aggregating statistics: %w", err)
		}
		for _, r := range rows {
			q.into(r.Key, r.Count)
		}
	}

	if err := s.db.GetContext(ctx, &stats.Total,
		"SELECT COUNT(*) FROM records WHERE processed_at >= ?", since.UTC(),
	); err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}

	return stats, nil
}

// Cleanup deletes terminal records and feedback older than retention.
// Pending records are never deleted here; the reaper owns those.
func (s *SQLiteStore) Cleanup(
	ctx context.Context,
	retention time.Duration,
) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE processed_at < ? AND status != 'pending'",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned records: %w", err)
	}

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM feedback WHERE created_at < ?", cutoff,
	)
	if err != nil {
		return deleted, fmt.Errorf("cleaning up feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return deleted, fmt.Errorf("counting cleaned feedback: %w", err)
	}

	return deleted + n, nil
}

// GetCursor returns the stored cursor value for key, or "" if none.
func (s *SQLiteStore) GetCursor(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM cursors WHERE key = ?", key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting cursor %q: %w", key, err)
	}
	return value, nil
}

// SetCursor stores the cursor value for key.
func (s *SQLiteStore) SetCursor(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cursors (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting cursor %q: %w", key, err)
	}
	return nil
}

// SaveFeedback records a user correction of a classification.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb model.Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, message_id, predicted, actual, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.MessageID, string(fb.Predicted), string(fb.Actual),
		fb.Confidence, fb.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving feedback for %s: %w", fb.MessageID, err)
	}
	return nil
}

// Accuracy summarizes feedback: how often the predicted category
// matched the user's correction.
func (s *SQLiteStore) Accuracy(ctx context.Context) (*Accuracy, error) {
	acc := &Accuracy{}

	if err := s.db.GetContext(ctx, &acc.Total,
		"SELECT COUNT(*) FROM feedback",
	); err != nil {
		return nil, fmt.Errorf("counting feedback: %w", err)
	}
	if acc.Total == 0 {
		return acc, nil
	}

	if err := s.db.GetContext(ctx, &acc.Correct,
		"SELECT COUNT(*) FROM feedback WHERE predicted = actual",
	); err != nil {
		return nil, fmt.Errorf("counting correct feedback: %w", err)
	}

	acc.Rate = float64(acc.Correct) / float64(acc.Total)
	return acc, nil
}

// queryRecords runs a query returning record rows.
func (s *SQLiteStore) queryRecords(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]model.TrackingRecord, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []model.TrackingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// rowScanner is satisfied by both sqlx.Row and sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans one records row.
func scanRecord(row rowScanner) (model.TrackingRecord, error) {
	var (
		rec         model.TrackingRecord
		mode        string
		category    string
		method      string
		actionKind  string
		status      string
		processedAt time.Time
		updatedAt   time.Time
	)

	err := row.Scan(
		&rec.ID, &rec.MessageID, &mode, &category, &rec.Confidence, &method,
		&actionKind, &rec.ActionTarget, &rec.ReplacesLabel,
		&status, &rec.Reason, &rec.BatchID,
		&rec.Sender, &rec.Subject, &processedAt, &updatedAt,
	)
	if err != nil {
		return model.TrackingRecord{}, err
	}

	rec.Mode = model.ProcessingMode(mode)
	rec.Category = model.Category(category)
	rec.Method = model.Method(method)
	rec.ActionKind = model.ActionKind(actionKind)
	rec.Status = model.RecordStatus(status)
	rec.ProcessedAt = processedAt
	rec.UpdatedAt = updatedAt

	return rec, nil
}
