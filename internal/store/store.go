// Package store provides storage backends for CarePipe.
//
// The repository interfaces below are implemented by SQLiteStore and
// PostgresStore (sharing one SQL code path) and by InMemoryStore for tests and
// single-process runs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write finds the record in an
	// unexpected state. Callers treat it as "someone else already did it".
	ErrConflict = errors.New("conflict")
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN    string
	Logger *logger.Logger
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithLogger sets the logger used by the store.
func WithLogger(l *logger.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// PatientRepo stores patient contact profiles.
type PatientRepo interface {
	SavePatient(ctx context.Context, p models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
}

// TemplateRepo stores immutable, versioned program templates.
type TemplateRepo interface {
	// CreateTemplateVersion stores t as the next version of t.ID and returns it
	// with Version and CreatedAt set.
	CreateTemplateVersion(ctx context.Context, t models.ProgramTemplate) (models.ProgramTemplate, error)
	GetTemplate(ctx context.Context, id string, version int) (*models.ProgramTemplate, error)
	GetLatestTemplate(ctx context.Context, id string) (*models.ProgramTemplate, error)
}

// InstanceRepo stores program instances.
type InstanceRepo interface {
	// CreateInstance returns ErrConflict when the patient already has an
	// ACTIVE or PAUSED instance.
	CreateInstance(ctx context.Context, inst models.ProgramInstance) error
	GetInstance(ctx context.Context, id string) (*models.ProgramInstance, error)
	ListInstancesByStatus(ctx context.Context, status models.InstanceStatus) ([]models.ProgramInstance, error)
	// GetRunningInstanceForPatient returns the patient's ACTIVE or PAUSED instance.
	GetRunningInstanceForPatient(ctx context.Context, patientID string) (*models.ProgramInstance, error)
	// UpdateInstanceStatus moves an instance from one status to another and
	// returns ErrConflict if it is no longer in from.
	UpdateInstanceStatus(ctx context.Context, id string, from, to models.InstanceStatus) error
	UpdateCurrentDay(ctx context.Context, id string, day int) error
}

// ScheduleItemRepo stores materialized schedule items.
type ScheduleItemRepo interface {
	// EnsureScheduleItem inserts item if no row exists for its key and returns
	// the stored row.
	EnsureScheduleItem(ctx context.Context, item models.ScheduleItem) (models.ScheduleItem, error)
	// TransitionScheduleItem moves an item from one status to another only if
	// it is still in from and its instance is still ACTIVE. Otherwise it
	// returns ErrConflict.
	TransitionScheduleItem(ctx context.Context, key models.ScheduleItemKey, from, to models.ScheduleItemStatus, at time.Time) error
	GetScheduleItem(ctx context.Context, key models.ScheduleItemKey) (*models.ScheduleItem, error)
	ListScheduleItems(ctx context.Context, instanceID string, day int) ([]models.ScheduleItem, error)
}

// ObservationRepo stores append-only observations.
type ObservationRepo interface {
	// AddObservation appends o. A second insert with the same ID is a no-op.
	AddObservation(ctx context.Context, o models.Observation) error
	CountObservationsByType(ctx context.Context, patientID string, from, to time.Time) (map[models.ActivityType]int, error)
	ListObservations(ctx context.Context, patientID string, from, to time.Time) ([]models.Observation, error)
}

// AlertRepo stores operator alerts.
type AlertRepo interface {
	// CreateAlertUnlessOpen inserts a unless an OPEN alert of the same patient
	// and type was created at or after since. It returns the stored or the
	// existing alert and whether a new one was created.
	CreateAlertUnlessOpen(ctx context.Context, a models.Alert, since time.Time) (models.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, patientID string) ([]models.Alert, error)
	// ResolveAlert returns ErrConflict if the alert is already resolved.
	ResolveAlert(ctx context.Context, id, by, note string, at time.Time) error
}

// TaskRepo stores operator tasks.
type TaskRepo interface {
	// CreateTask inserts t unless an OPEN or IN_PROGRESS task with the same
	// non-empty dedupe key exists; created reports which happened.
	CreateTask(ctx context.Context, t models.Task) (created bool, err error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetActiveTaskByDedupeKey(ctx context.Context, key string) (*models.Task, error)
	ListTasks(ctx context.Context, patientID string) ([]models.Task, error)
	ListOpenTasks(ctx context.Context, patientID string) ([]models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, by string, at time.Time) error
}

// AnalysisRepo stores flushed buffers and analysis audit records.
type AnalysisRepo interface {
	CreateBatch(ctx context.Context, b models.AnalysisBatch) error
	GetBatch(ctx context.Context, id string) (*models.AnalysisBatch, error)
	ListPendingBatches(ctx context.Context, patientID string) ([]models.AnalysisBatch, error)
	// ListPatientsWithPendingBatches returns patients owning PENDING batches last
	// touched before updatedBefore (crash recovery).
	ListPatientsWithPendingBatches(ctx context.Context, updatedBefore time.Time) ([]string, error)
	UpdateBatch(ctx context.Context, id string, status models.BatchStatus, attempts int, lastError string) error
	// SaveAnalysisRecord upserts the record for its batch.
	SaveAnalysisRecord(ctx context.Context, r models.AnalysisRecord) error
	ListRecentAnalysisRecords(ctx context.Context, patientID string, limit int) ([]models.AnalysisRecord, error)
}

// FragmentRepo is the SQL-backed message buffer.
type FragmentRepo interface {
	AppendFragment(ctx context.Context, f models.MessageFragment) (int64, error)
	// FlushFragments removes and returns all fragments of a patient in one
	// statement, ordered by arrival.
	FlushFragments(ctx context.Context, patientID string) ([]models.MessageFragment, error)
	CountFragments(ctx context.Context, patientID string) (int, error)
	// RestoreFragments reinserts flushed fragments under their original seq,
	// so they sort ahead of anything appended after the flush.
	RestoreFragments(ctx context.Context, frags []models.MessageFragment) error
}

// ReceiptRepo stores delivery receipts.
type ReceiptRepo interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context) ([]models.Receipt, error)
}

// Store is the full repository surface implemented by every backend.
type Store interface {
	PatientRepo
	TemplateRepo
	InstanceRepo
	ScheduleItemRepo
	ObservationRepo
	AlertRepo
	TaskRepo
	AnalysisRepo
	ReceiptRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Backend is implemented by the SQL stores, which also carry the durable job
// queue and the message buffer.
type Backend interface {
	Store
	JobRepo
	FragmentRepo
	Ping(ctx context.Context) error
}
