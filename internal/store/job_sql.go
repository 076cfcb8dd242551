package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
)

// Compile-time checks that the SQL stores implement JobRepo.
var (
	_ JobRepo = (*SQLiteStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var runAt, lockedAt, createdAt, updatedAt dbTime
	err := r.Scan(
		&j.ID, &j.Kind, &runAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return j, err
	}
	j.RunAt, j.CreatedAt, j.UpdatedAt = runAt.Time, createdAt.Time, updatedAt.Time
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = lockedAt.ptr()
	return j, nil
}

func (s *sqlStore) insertJob(ctx context.Context, q querier, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, bool, error) {
	id := util.NewID(util.PrefixJob)
	now := ts(time.Now())
	res, err := s.exec(ctx, q,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, 3, ?, ?, ?) ON CONFLICT DO NOTHING`,
		id, kind, ts(runAt), payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue job failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("enqueue job rows affected: %w", err)
	}
	return id, n > 0, nil
}

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id, inserted, err := s.insertJob(ctx, s.db, kind, runAt, payloadJSON, dedupeKey)
	if err != nil {
		return "", err
	}
	if !inserted {
		existing, err := s.GetQueuedJobByDedupeKey(ctx, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("dedupe lookup failed: %w", err)
		}
		s.log.Debug("sqlStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing.ID)
		return existing.ID, nil
	}
	s.log.Debug("sqlStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ReplaceJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if dedupeKey != "" {
			if _, err := s.exec(ctx, tx,
				`UPDATE jobs SET status = 'canceled', updated_at = ? WHERE dedupe_key = ? AND status = 'queued'`,
				ts(time.Now()), dedupeKey,
			); err != nil {
				return fmt.Errorf("cancel queued job: %w", err)
			}
		}
		var err error
		id, _, err = s.insertJob(ctx, tx, kind, runAt, payloadJSON, dedupeKey)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("replace job %s: %w", dedupeKey, err)
	}
	s.log.Debug("sqlStore.ReplaceJob", "id", id, "dedupeKey", dedupeKey, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = ts(now)
	rows, err := s.query(ctx, s.db,
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
		 WHERE id IN (SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`+s.skipLocked()+`)
		 RETURNING `+jobColumns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := ts(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		err := s.queryRow(ctx, tx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, now, id,
			)
		} else {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, ts(nextRunAt), now, id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		ts(time.Now()), ts(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.log.Info("sqlStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *sqlStore) GetQueuedJobByDedupeKey(ctx context.Context, dedupeKey string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE dedupe_key = ? AND status = 'queued'`, dedupeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queued job %s: %w", dedupeKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queued job failed: %w", err)
	}
	return &j, nil
}
