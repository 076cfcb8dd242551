package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Compile-time checks that the SQL stores implement the program repositories.
var (
	_ PatientRepo  = (*SQLiteStore)(nil)
	_ TemplateRepo = (*SQLiteStore)(nil)
	_ InstanceRepo = (*SQLiteStore)(nil)
	_ PatientRepo  = (*PostgresStore)(nil)
	_ TemplateRepo = (*PostgresStore)(nil)
	_ InstanceRepo = (*PostgresStore)(nil)
)

func (s *sqlStore) SavePatient(ctx context.Context, p models.Patient) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO patients (id, name, phone, timezone, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone = excluded.phone, timezone = excluded.timezone`,
		p.ID, p.Name, p.Phone, p.Timezone, ts(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save patient %s: %w", p.ID, err)
	}
	return nil
}

const patientColumns = `id, name, phone, timezone, created_at`

func scanPatient(row *sql.Row) (*models.Patient, error) {
	var p models.Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.Timezone, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	p, err := scanPatient(s.queryRow(ctx, s.db, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return p, nil
}

func (s *sqlStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	p, err := scanPatient(s.queryRow(ctx, s.db, `SELECT `+patientColumns+` FROM patients WHERE phone = ?`, phone))
	if err != nil {
		return nil, fmt.Errorf("get patient by phone: %w", err)
	}
	return p, nil
}

func (s *sqlStore) CreateTemplateVersion(ctx context.Context, t models.ProgramTemplate) (models.ProgramTemplate, error) {
	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return t, fmt.Errorf("marshal template schedule: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := s.queryRow(ctx, tx, `SELECT COALESCE(MAX(version), 0) FROM program_templates WHERE id = ?`, t.ID).Scan(&current); err != nil {
			return fmt.Errorf("read template version: %w", err)
		}
		t.Version = current + 1
		t.CreatedAt = time.Now()
		_, err := s.exec(ctx, tx,
			`INSERT INTO program_templates (id, version, name, duration_days, schedule_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Version, t.Name, t.DurationDays, string(scheduleJSON), ts(t.CreatedAt),
		)
		return err
	})
	if err != nil {
		return t, fmt.Errorf("create template %s: %w", t.ID, err)
	}
	s.log.Debug("sqlStore.CreateTemplateVersion", "templateID", t.ID, "version", t.Version)
	return t, nil
}

func scanTemplate(row *sql.Row) (*models.ProgramTemplate, error) {
	var t models.ProgramTemplate
	var scheduleJSON string
	if err := row.Scan(&t.ID, &t.Version, &t.Name, &t.DurationDays, &scheduleJSON, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("%w: stored schedule: %v", models.ErrInvalidTemplate, err)
	}
	return &t, nil
}

const templateColumns = `id, version, name, duration_days, schedule_json, created_at`

func (s *sqlStore) GetTemplate(ctx context.Context, id string, version int) (*models.ProgramTemplate, error) {
	t, err := scanTemplate(s.queryRow(ctx, s.db,
		`SELECT `+templateColumns+` FROM program_templates WHERE id = ? AND version = ?`, id, version))
	if err != nil {
		return nil, fmt.Errorf("get template %s v%d: %w", id, version, err)
	}
	return t, nil
}

func (s *sqlStore) GetLatestTemplate(ctx context.Context, id string) (*models.ProgramTemplate, error) {
	t, err := scanTemplate(s.queryRow(ctx, s.db,
		`SELECT `+templateColumns+` FROM program_templates WHERE id = ? ORDER BY version DESC LIMIT 1`, id))
	if err != nil {
		return nil, fmt.Errorf("get latest template %s: %w", id, err)
	}
	return t, nil
}

const instanceColumns = `id, patient_id, template_id, template_version, start_date, timezone, status, current_day, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (models.ProgramInstance, error) {
	var p models.ProgramInstance
	err := r.Scan(&p.ID, &p.PatientID, &p.TemplateID, &p.TemplateVersion, &p.StartDate, &p.Timezone,
		&p.Status, &p.CurrentDay, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *sqlStore) CreateInstance(ctx context.Context, inst models.ProgramInstance) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	res, err := s.exec(ctx, s.db,
		`INSERT INTO program_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		inst.ID, inst.PatientID, inst.TemplateID, inst.TemplateVersion, ts(inst.StartDate), inst.Timezone,
		inst.Status, inst.CurrentDay, ts(inst.CreatedAt), ts(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create instance %s: %w", inst.ID, err)
	}
	if err := affectedOrConflict(res); err != nil {
		return fmt.Errorf("create instance for patient %s: %w", inst.PatientID, err)
	}
	return nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*models.ProgramInstance, error) {
	p, err := scanInstance(s.queryRow(ctx, s.db, `SELECT `+instanceColumns+` FROM program_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) listInstances(ctx context.Context, query string, args ...any) ([]models.ProgramInstance, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProgramInstance
	for rows.Next() {
		p, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListInstancesByStatus(ctx context.Context, status models.InstanceStatus) ([]models.ProgramInstance, error) {
	out, err := s.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM program_instances WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s instances: %w", status, err)
	}
	return out, nil
}

func (s *sqlStore) GetRunningInstanceForPatient(ctx context.Context, patientID string) (*models.ProgramInstance, error) {
	out, err := s.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM program_instances WHERE patient_id = ? AND status IN ('ACTIVE', 'PAUSED') LIMIT 1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("get running instance for %s: %w", patientID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("running instance for %s: %w", patientID, ErrNotFound)
	}
	return &out[0], nil
}

func (s *sqlStore) UpdateInstanceStatus(ctx context.Context, id string, from, to models.InstanceStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: instance %s -> %s", models.ErrInvalidTransition, from, to)
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE program_instances SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, ts(time.Now()), id, from,
	)
	if err != nil {
		return fmt.Errorf("update instance %s status: %w", id, err)
	}
	if err := affectedOrConflict(res); err != nil {
		return fmt.Errorf("update instance %s %s -> %s: %w", id, from, to, err)
	}
	return nil
}

func (s *sqlStore) UpdateCurrentDay(ctx context.Context, id string, day int) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE program_instances SET current_day = ?, updated_at = ? WHERE id = ? AND current_day <> ?`,
		day, ts(time.Now()), id, day,
	)
	if err != nil {
		return fmt.Errorf("update instance %s current day: %w", id, err)
	}
	return nil
}
