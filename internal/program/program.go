// Package program manages program templates, patient program instances and
// the operator actions on alerts and tasks.
package program

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/schedule"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// ErrAlreadyEnrolled is returned by Assign when the patient already runs a program.
var ErrAlreadyEnrolled = errors.New("patient already has a running program")

// Store is the repository surface the service needs.
type Store interface {
	store.PatientRepo
	store.TemplateRepo
	store.InstanceRepo
	store.AlertRepo
	store.TaskRepo
}

// Service performs program lifecycle changes.
type Service struct {
	st         Store
	defaultLoc *time.Location
	log        *logger.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultLocation sets the zone used when neither the request nor the
// patient names one.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.defaultLoc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{st: st, defaultLoc: time.UTC, log: logger.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublishTemplate validates raw template JSON and stores it as a new version.
func (s *Service) PublishTemplate(ctx context.Context, data []byte) (models.ProgramTemplate, error) {
	t, err := schedule.ParseTemplate(data)
	if err != nil {
		return models.ProgramTemplate{}, err
	}
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTemplate)
	}
	stored, err := s.st.CreateTemplateVersion(ctx, *t)
	if err != nil {
		return models.ProgramTemplate{}, fmt.Errorf("store template %s: %w", t.ID, err)
	}
	s.log.Info("Service.PublishTemplate: stored", "template_id", stored.ID, "version", stored.Version)
	return stored, nil
}

// AssignRequest describes a new enrollment.
type AssignRequest struct {
	PatientID  string
	TemplateID string
	// Version pins a template version; zero selects the latest.
	Version int
	// StartDate is any instant on the patient's day 1; zero means today.
	StartDate time.Time
	// Timezone overrides the patient's zone.
	Timezone string
}

// Assign enrolls a patient in a template version. The instance stays pinned to
// that version for its lifetime.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (models.ProgramInstance, error) {
	patient, err := s.st.GetPatient(ctx, req.PatientID)
	if err != nil {
		return models.ProgramInstance{}, fmt.Errorf("assign: %w", err)
	}

	var tpl *models.ProgramTemplate
	if req.Version > 0 {
		tpl, err = s.st.GetTemplate(ctx, req.TemplateID, req.Version)
	} else {
		tpl, err = s.st.GetLatestTemplate(ctx, req.TemplateID)
	}
	if err != nil {
		return models.ProgramInstance{}, fmt.Errorf("assign: %w", err)
	}
	if err := schedule.ValidateTemplate(tpl); err != nil {
		return models.ProgramInstance{}, fmt.Errorf("assign template %s v%d: %w", tpl.ID, tpl.Version, err)
	}

	tz := req.Timezone
	if tz == "" {
		tz = patient.Timezone
	}
	if tz == "" {
		tz = s.defaultLoc.String()
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return models.ProgramInstance{}, fmt.Errorf("assign: %w: %q", models.ErrInvalidTimezone, tz)
	}

	start := req.StartDate
	if start.IsZero() {
		start = s.now()
	}
	y, m, d := start.In(loc).Date()
	now := s.now()
	inst := models.ProgramInstance{
		ID:              util.NewID(util.PrefixInstance),
		PatientID:       patient.ID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		StartDate:       time.Date(y, m, d, 0, 0, 0, 0, loc).UTC(),
		Timezone:        loc.String(),
		Status:          models.InstanceActive,
		CurrentDay:      schedule.CurrentDay(start, now, loc),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.st.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.ProgramInstance{}, fmt.Errorf("assign %s: %w", patient.ID, ErrAlreadyEnrolled)
		}
		return models.ProgramInstance{}, fmt.Errorf("assign %s: %w", patient.ID, err)
	}
	s.log.Info("Service.Assign: enrolled", "patient_id", patient.ID, "instance_id", inst.ID,
		"template_id", tpl.ID, "version", tpl.Version, "timezone", inst.Timezone)
	return inst, nil
}

// Pause stops reminders for an ACTIVE instance.
func (s *Service) Pause(ctx context.Context, instanceID string) error {
	return s.transition(ctx, instanceID, models.InstancePaused)
}

// Resume reactivates a PAUSED instance. Program days keep counting from the
// original start date.
func (s *Service) Resume(ctx context.Context, instanceID string) error {
	return s.transition(ctx, instanceID, models.InstanceActive)
}

// Complete finishes a running instance.
func (s *Service) Complete(ctx context.Context, instanceID string) error {
	return s.transition(ctx, instanceID, models.InstanceCompleted)
}

// Cancel abandons a running instance.
func (s *Service) Cancel(ctx context.Context, instanceID string) error {
	return s.transition(ctx, instanceID, models.InstanceCancelled)
}

func (s *Service) transition(ctx context.Context, instanceID string, to models.InstanceStatus) error {
	inst, err := s.st.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(to) {
		return fmt.Errorf("instance %s %s -> %s: %w", instanceID, inst.Status, to, models.ErrInvalidTransition)
	}
	if err := s.st.UpdateInstanceStatus(ctx, instanceID, inst.Status, to); err != nil {
		return err
	}
	s.log.Info("Service.transition: instance status changed", "instance_id", instanceID, "from", inst.Status, "to", to)
	return nil
}

// ResolveAlert closes an alert and the RISK_ALERT task opened for it.
func (s *Service) ResolveAlert(ctx context.Context, alertID, by, note string) error {
	now := s.now()
	if err := s.st.ResolveAlert(ctx, alertID, by, note, now); err != nil {
		return err
	}
	task, err := s.st.GetActiveTaskByDedupeKey(ctx, models.AlertTaskDedupeKey(alertID))
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("alert %s resolved, task lookup failed: %w", alertID, err)
	default:
		if err := s.st.UpdateTaskStatus(ctx, task.ID, models.TaskDone, by, now); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("alert %s resolved, closing task %s: %w", alertID, task.ID, err)
		}
	}
	s.log.Info("Service.ResolveAlert: resolved", "alert_id", alertID, "by", by)
	return nil
}

// SetTaskStatus moves a task through OPEN -> IN_PROGRESS -> DONE.
func (s *Service) SetTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, by string) error {
	switch status {
	case models.TaskOpen, models.TaskInProgress, models.TaskDone:
	default:
		return fmt.Errorf("task status %q: %w", status, models.ErrInvalidTransition)
	}
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskDone {
		return fmt.Errorf("task %s is already done: %w", taskID, models.ErrInvalidTransition)
	}
	if err := s.st.UpdateTaskStatus(ctx, taskID, status, by, s.now()); err != nil {
		return err
	}
	s.log.Debug("Service.SetTaskStatus: updated", "task_id", taskID, "status", status, "by", by)
	return nil
}
