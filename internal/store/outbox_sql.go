package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
)

// Compile-time checks that the SQL stores implement OutboxRepo and DedupRepo.
var (
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ DedupRepo  = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
	_ DedupRepo  = (*PostgresStore)(nil)
)

const outboxColumns = `id, patient_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func scanOutboxMessage(r rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt, createdAt, updatedAt dbTime
	err := r.Scan(
		&m.ID, &m.PatientID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return m, err
	}
	m.CreatedAt, m.UpdatedAt = createdAt.Time, updatedAt.Time
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = nextAttemptAt.ptr()
	m.LockedAt = lockedAt.ptr()
	return m, nil
}

func (s *sqlStore) EnqueueOutboxMessage(ctx context.Context, patientID, kind, payloadJSON, dedupeKey string) (string, bool, error) {
	id := util.NewID(util.PrefixOutbox)
	now := ts(time.Now())

	res, err := s.exec(ctx, s.db,
		`INSERT INTO outbox_messages (id, patient_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?) ON CONFLICT DO NOTHING`,
		id, patientID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", false, fmt.Errorf("enqueue outbox rows affected: %w", err)
	} else if n == 0 {
		var existingID string
		if err := s.queryRow(ctx, s.db, `SELECT id FROM outbox_messages WHERE dedupe_key = ?`, dedupeKey).Scan(&existingID); err != nil {
			return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		s.log.Debug("sqlStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
		return existingID, false, nil
	}
	s.log.Debug("sqlStore.EnqueueOutboxMessage", "id", id, "patientID", patientID, "kind", kind)
	return id, true, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = ts(now)
	rows, err := s.query(ctx, s.db,
		`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
		 WHERE id IN (SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		              ORDER BY created_at ASC LIMIT ?`+s.skipLocked()+`)
		 RETURNING `+outboxColumns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages
		 SET status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		     attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		maxOutboxAttempts, errMsg, ts(nextAttemptAt), ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		ts(time.Now()), ts(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.log.Info("sqlStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) ListOutboxMessages(ctx context.Context, patientID string) ([]OutboxMessage, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE patient_id = ? ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.queryRow(ctx, s.db, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, patientID string) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`INSERT INTO inbound_dedup (message_id, patient_id, received_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		messageID, patientID, ts(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	// Recorded earlier but never processed: the earlier attempt failed.
	var processed sql.NullTime
	err = s.queryRow(ctx, s.db, `SELECT processed_at FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("record inbound lookup: %w", err)
	}
	return !processed.Valid, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		ts(time.Now()), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
