package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Compile-time checks that the SQL stores implement AnalysisRepo, FragmentRepo and ReceiptRepo.
var (
	_ AnalysisRepo = (*SQLiteStore)(nil)
	_ FragmentRepo = (*SQLiteStore)(nil)
	_ ReceiptRepo  = (*SQLiteStore)(nil)
	_ AnalysisRepo = (*PostgresStore)(nil)
	_ FragmentRepo = (*PostgresStore)(nil)
	_ ReceiptRepo  = (*PostgresStore)(nil)
)

const batchColumns = `id, patient_id, text, fragment_count, status, attempts, last_error, created_at, updated_at`

func scanBatch(r rowScanner) (models.AnalysisBatch, error) {
	var b models.AnalysisBatch
	var lastError sql.NullString
	err := r.Scan(&b.ID, &b.PatientID, &b.Text, &b.FragmentCount, &b.Status, &b.Attempts, &lastError, &b.CreatedAt, &b.UpdatedAt)
	b.LastError = lastError.String
	return b, err
}

func (s *sqlStore) CreateBatch(ctx context.Context, b models.AnalysisBatch) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.Status == "" {
		b.Status = models.BatchPending
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO analysis_batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PatientID, b.Text, b.FragmentCount, b.Status, b.Attempts, nilIfEmpty(b.LastError), ts(b.CreatedAt), ts(now),
	)
	if err != nil {
		return fmt.Errorf("create batch for %s: %w", b.PatientID, err)
	}
	return nil
}

func (s *sqlStore) GetBatch(ctx context.Context, id string) (*models.AnalysisBatch, error) {
	b, err := scanBatch(s.queryRow(ctx, s.db, `SELECT `+batchColumns+` FROM analysis_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *sqlStore) ListPendingBatches(ctx context.Context, patientID string) ([]models.AnalysisBatch, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+batchColumns+` FROM analysis_batches WHERE patient_id = ? AND status = 'PENDING' ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list pending batches: %w", err)
	}
	defer rows.Close()

	var out []models.AnalysisBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListPatientsWithPendingBatches(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT DISTINCT patient_id FROM analysis_batches WHERE status = 'PENDING' AND updated_at < ? ORDER BY patient_id`, ts(updatedBefore))
	if err != nil {
		return nil, fmt.Errorf("list patients with pending batches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateBatch(ctx context.Context, id string, status models.BatchStatus, attempts int, lastError string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE analysis_batches SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, attempts, nilIfEmpty(lastError), ts(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) SaveAnalysisRecord(ctx context.Context, r models.AnalysisRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO analysis_records (batch_id, patient_id, result_json, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (batch_id) DO UPDATE SET result_json = excluded.result_json`,
		r.BatchID, r.PatientID, r.ResultJSON, ts(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save analysis record %s: %w", r.BatchID, err)
	}
	return nil
}

func (s *sqlStore) ListRecentAnalysisRecords(ctx context.Context, patientID string, limit int) ([]models.AnalysisRecord, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT batch_id, patient_id, result_json, created_at FROM analysis_records
		 WHERE patient_id = ? ORDER BY created_at DESC LIMIT ?`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list analysis records: %w", err)
	}
	defer rows.Close()

	var out []models.AnalysisRecord
	for rows.Next() {
		var r models.AnalysisRecord
		if err := rows.Scan(&r.BatchID, &r.PatientID, &r.ResultJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendFragment(ctx context.Context, f models.MessageFragment) (int64, error) {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	var seq int64
	err := s.queryRow(ctx, s.db,
		`INSERT INTO message_fragments (patient_id, text, external_id, received_at) VALUES (?, ?, ?, ?) RETURNING seq`,
		f.PatientID, f.Text, nilIfEmpty(f.ExternalID), ts(f.ReceivedAt),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append fragment for %s: %w", f.PatientID, err)
	}
	return seq, nil
}

func (s *sqlStore) FlushFragments(ctx context.Context, patientID string) ([]models.MessageFragment, error) {
	// One DELETE ... RETURNING statement: a fragment inserted concurrently is
	// either returned here or left for the next flush.
	rows, err := s.query(ctx, s.db,
		`DELETE FROM message_fragments WHERE patient_id = ? RETURNING seq, patient_id, text, external_id, received_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("flush fragments for %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []models.MessageFragment
	for rows.Next() {
		var f models.MessageFragment
		var externalID sql.NullString
		var receivedAt dbTime
		if err := rows.Scan(&f.Seq, &f.PatientID, &f.Text, &externalID, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.ExternalID = externalID.String
		f.ReceivedAt = receivedAt.Time
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flush fragments iteration: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *sqlStore) RestoreFragments(ctx context.Context, frags []models.MessageFragment) error {
	if len(frags) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range frags {
			if f.Seq <= 0 {
				return fmt.Errorf("restore fragment for %s: missing seq", f.PatientID)
			}
			_, err := s.exec(ctx, tx,
				`INSERT INTO message_fragments (seq, patient_id, text, external_id, received_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (seq) DO NOTHING`,
				f.Seq, f.PatientID, f.Text, nilIfEmpty(f.ExternalID), ts(f.ReceivedAt),
			)
			if err != nil {
				return fmt.Errorf("restore fragment %d for %s: %w", f.Seq, f.PatientID, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) CountFragments(ctx context.Context, patientID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM message_fragments WHERE patient_id = ?`, patientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}

func (s *sqlStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *sqlStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.query(ctx, s.db, `SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
