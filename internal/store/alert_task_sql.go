package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Compile-time checks that the SQL stores implement AlertRepo and TaskRepo.
var (
	_ AlertRepo = (*SQLiteStore)(nil)
	_ TaskRepo  = (*SQLiteStore)(nil)
	_ AlertRepo = (*PostgresStore)(nil)
	_ TaskRepo  = (*PostgresStore)(nil)
)

const alertColumns = `id, patient_id, type, level, status, title, description, source, created_at, resolved_at, resolved_by, resolution_note`

func scanAlert(r rowScanner) (models.Alert, error) {
	var a models.Alert
	var resolvedAt sql.NullTime
	var resolvedBy, note sql.NullString
	err := r.Scan(&a.ID, &a.PatientID, &a.Type, &a.Level, &a.Status, &a.Title, &a.Description, &a.Source,
		&a.CreatedAt, &resolvedAt, &resolvedBy, &note)
	a.ResolvedAt = timePtr(resolvedAt)
	a.ResolvedBy = resolvedBy.String
	a.ResolutionNote = note.String
	return a, err
}

func (s *sqlStore) CreateAlertUnlessOpen(ctx context.Context, a models.Alert, since time.Time) (models.Alert, bool, error) {
	if a.ID == "" {
		a.ID = util.NewID(util.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = models.AlertOpen
	}
	var (
		result  = a
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// READ COMMITTED lets two transactions both miss the open alert, so
		// Postgres serializes creators per (patient, type). SQLite already
		// serializes writers.
		if s.dialect == dialectPostgres {
			if _, err := s.exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtext(?))`, "alert:"+a.PatientID+":"+a.Type); err != nil {
				return fmt.Errorf("lock alert key: %w", err)
			}
		}
		existing, err := scanAlert(s.queryRow(ctx, tx,
			`SELECT `+alertColumns+` FROM alerts WHERE patient_id = ? AND type = ? AND status = 'OPEN' AND created_at >= ?
			 ORDER BY created_at DESC LIMIT 1`,
			a.PatientID, a.Type, ts(since)))
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find open alert: %w", err)
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.PatientID, a.Type, a.Level, a.Status, a.Title, a.Description, a.Source,
			ts(a.CreatedAt), nullTime(a.ResolvedAt), nilIfEmpty(a.ResolvedBy), nilIfEmpty(a.ResolutionNote),
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return a, false, fmt.Errorf("create alert for %s: %w", a.PatientID, err)
	}
	return result, created, nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, s.db, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, patientID string) ([]models.Alert, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+alertColumns+` FROM alerts WHERE patient_id = ? ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) ResolveAlert(ctx context.Context, id, by, note string, at time.Time) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE alerts SET status = 'RESOLVED', resolved_at = ?, resolved_by = ?, resolution_note = ?
		 WHERE id = ? AND status <> 'RESOLVED'`,
		ts(at), by, nilIfEmpty(note), id,
	)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if err := affectedOrConflict(res); err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	return nil
}

const taskColumns = `id, patient_id, alert_id, type, status, priority, source, title, description, dedupe_key, created_at, resolved_at, resolved_by`

func scanTask(r rowScanner) (models.Task, error) {
	var t models.Task
	var alertID, dedupeKey, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := r.Scan(&t.ID, &t.PatientID, &alertID, &t.Type, &t.Status, &t.Priority, &t.Source, &t.Title,
		&t.Description, &dedupeKey, &t.CreatedAt, &resolvedAt, &resolvedBy)
	t.AlertID = alertID.String
	t.DedupeKey = dedupeKey.String
	t.ResolvedBy = resolvedBy.String
	t.ResolvedAt = timePtr(resolvedAt)
	return t, err
}

func (s *sqlStore) CreateTask(ctx context.Context, t models.Task) (bool, error) {
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTask)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = models.TaskOpen
	}
	// The partial unique index on active dedupe keys turns duplicates into no-ops.
	res, err := s.exec(ctx, s.db,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		t.ID, t.PatientID, nilIfEmpty(t.AlertID), t.Type, t.Status, t.Priority, t.Source, t.Title,
		t.Description, nilIfEmpty(t.DedupeKey), ts(t.CreatedAt), nullTime(t.ResolvedAt), nilIfEmpty(t.ResolvedBy),
	)
	if err != nil {
		return false, fmt.Errorf("create task for %s: %w", t.PatientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create task rows affected: %w", err)
	}
	if n == 0 {
		s.log.Debug("sqlStore.CreateTask: dedupe hit", "dedupeKey", t.DedupeKey)
	}
	return n > 0, nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *sqlStore) GetActiveTaskByDedupeKey(ctx context.Context, key string) (*models.Task, error) {
	t, err := scanTask(s.queryRow(ctx, s.db,
		`SELECT `+taskColumns+` FROM tasks WHERE dedupe_key = ? AND status IN ('OPEN', 'IN_PROGRESS')`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active task %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active task %s: %w", key, err)
	}
	return &t, nil
}

func (s *sqlStore) listTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListTasks(ctx context.Context, patientID string) ([]models.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE patient_id = ? ORDER BY created_at, id`, patientID)
}

func (s *sqlStore) ListOpenTasks(ctx context.Context, patientID string) ([]models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE patient_id = ? AND status IN ('OPEN', 'IN_PROGRESS') ORDER BY created_at, id`, patientID)
}

func (s *sqlStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, by string, at time.Time) error {
	var resolvedAt *time.Time
	if status == models.TaskDone {
		resolvedAt = &at
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE tasks SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ? AND status <> 'DONE'`,
		status, nullTime(resolvedAt), nilIfEmpty(by), id,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if err := affectedOrConflict(res); err != nil {
		return fmt.Errorf("update task %s to %s: %w", id, status, err)
	}
	return nil
}
