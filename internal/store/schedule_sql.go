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

// Compile-time checks that the SQL stores implement ScheduleItemRepo and ObservationRepo.
var (
	_ ScheduleItemRepo = (*SQLiteStore)(nil)
	_ ObservationRepo  = (*SQLiteStore)(nil)
	_ ScheduleItemRepo = (*PostgresStore)(nil)
	_ ObservationRepo  = (*PostgresStore)(nil)
)

const scheduleItemColumns = `instance_id, day, activity_type, slot, patient_id, scheduled_at, status, sent_at, resolved_at, updated_at`

func scanScheduleItem(r rowScanner) (models.ScheduleItem, error) {
	var it models.ScheduleItem
	var sentAt, resolvedAt sql.NullTime
	err := r.Scan(&it.InstanceID, &it.Day, &it.ActivityType, &it.Slot, &it.PatientID, &it.ScheduledAt,
		&it.Status, &sentAt, &resolvedAt, &it.UpdatedAt)
	it.SentAt = timePtr(sentAt)
	it.ResolvedAt = timePtr(resolvedAt)
	return it, err
}

func (s *sqlStore) EnsureScheduleItem(ctx context.Context, item models.ScheduleItem) (models.ScheduleItem, error) {
	if item.Status == "" {
		item.Status = models.ItemPending
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO schedule_items (`+scheduleItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		item.InstanceID, item.Day, item.ActivityType, item.Slot, item.PatientID, ts(item.ScheduledAt),
		item.Status, nullTime(item.SentAt), nullTime(item.ResolvedAt), ts(time.Now()),
	)
	if err != nil {
		return item, fmt.Errorf("ensure schedule item %s: %w", item.ScheduleItemKey, err)
	}
	stored, err := s.GetScheduleItem(ctx, item.ScheduleItemKey)
	if err != nil {
		return item, err
	}
	return *stored, nil
}

func (s *sqlStore) TransitionScheduleItem(ctx context.Context, key models.ScheduleItemKey, from, to models.ScheduleItemStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: schedule item %s -> %s", models.ErrInvalidTransition, from, to)
	}
	var sentAt, resolvedAt *time.Time
	if to == models.ItemSent {
		sentAt = &at
	}
	if to.IsTerminal() {
		resolvedAt = &at
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE schedule_items SET status = ?, sent_at = COALESCE(?, sent_at), resolved_at = COALESCE(?, resolved_at), updated_at = ?
		 WHERE instance_id = ? AND day = ? AND activity_type = ? AND slot = ? AND status = ?
		   AND EXISTS (SELECT 1 FROM program_instances pi WHERE pi.id = schedule_items.instance_id AND pi.status = 'ACTIVE')`,
		to, nullTime(sentAt), nullTime(resolvedAt), ts(time.Now()),
		key.InstanceID, key.Day, key.ActivityType, key.Slot, from,
	)
	if err != nil {
		return fmt.Errorf("transition schedule item %s: %w", key, err)
	}
	if err := affectedOrConflict(res); err != nil {
		return fmt.Errorf("transition schedule item %s %s -> %s: %w", key, from, to, err)
	}
	return nil
}

func (s *sqlStore) GetScheduleItem(ctx context.Context, key models.ScheduleItemKey) (*models.ScheduleItem, error) {
	it, err := scanScheduleItem(s.queryRow(ctx, s.db,
		`SELECT `+scheduleItemColumns+` FROM schedule_items WHERE instance_id = ? AND day = ? AND activity_type = ? AND slot = ?`,
		key.InstanceID, key.Day, key.ActivityType, key.Slot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule item %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule item %s: %w", key, err)
	}
	return &it, nil
}

func (s *sqlStore) ListScheduleItems(ctx context.Context, instanceID string, day int) ([]models.ScheduleItem, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+scheduleItemColumns+` FROM schedule_items WHERE instance_id = ? AND day = ? ORDER BY scheduled_at, slot`,
		instanceID, day)
	if err != nil {
		return nil, fmt.Errorf("list schedule items: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduleItem
	for rows.Next() {
		it, err := scanScheduleItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddObservation(ctx context.Context, o models.Observation) error {
	if o.ID == "" {
		o.ID = util.NewID(util.PrefixObservation)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	var number, text, boolean any
	if o.Value.Number != nil {
		number = *o.Value.Number
	}
	if o.Value.Text != nil {
		text = *o.Value.Text
	}
	if o.Value.Bool != nil {
		boolean = *o.Value.Bool
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO observations (id, patient_id, program_instance_id, activity_type, value_number, value_text, value_bool, unit, media_url, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.PatientID, nilIfEmpty(o.ProgramInstanceID), o.ActivityType, number, text, boolean,
		nilIfEmpty(o.Unit), nilIfEmpty(o.MediaURL), o.Source, ts(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("add observation for %s: %w", o.PatientID, err)
	}
	return nil
}

func (s *sqlStore) CountObservationsByType(ctx context.Context, patientID string, from, to time.Time) (map[models.ActivityType]int, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT activity_type, COUNT(*) FROM observations
		 WHERE patient_id = ? AND created_at >= ? AND created_at < ? GROUP BY activity_type`,
		patientID, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("count observations: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ActivityType]int)
	for rows.Next() {
		var t models.ActivityType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan observation count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) ListObservations(ctx context.Context, patientID string, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, patient_id, program_instance_id, activity_type, value_number, value_text, value_bool, unit, media_url, source, created_at
		 FROM observations WHERE patient_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at, id`,
		patientID, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var instanceID, text, unit, mediaURL sql.NullString
		var number sql.NullFloat64
		var boolean sql.NullBool
		if err := rows.Scan(&o.ID, &o.PatientID, &instanceID, &o.ActivityType, &number, &text, &boolean,
			&unit, &mediaURL, &o.Source, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.ProgramInstanceID = instanceID.String
		o.Unit = unit.String
		o.MediaURL = mediaURL.String
		if number.Valid {
			o.Value.Number = &number.Float64
		}
		if text.Valid {
			o.Value.Text = &text.String
		}
		if boolean.Valid {
			o.Value.Bool = &boolean.Bool
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
