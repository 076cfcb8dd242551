// Package dispatch applies the side effects of analyses and reminder sweeps:
// observations, alerts, tasks, outbound messages and audit records.
//
// Every operation is safe to repeat for the same batch or schedule item.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/schedule"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// DefaultAlertCooldown suppresses a second OPEN alert of the same type.
const DefaultAlertCooldown = 6 * time.Hour

// Store is the repository surface the dispatcher writes to.
type Store interface {
	store.PatientRepo
	store.InstanceRepo
	store.ObservationRepo
	store.AlertRepo
	store.TaskRepo
	store.AnalysisRepo
	store.OutboxRepo
}

// Sender delivers a text message synchronously.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Dispatcher is the only component that creates side effects.
type Dispatcher struct {
	st        Store
	sender    Sender
	checker   *schedule.Checker
	cooldown  time.Duration
	defaultTZ *time.Location
	log       *logger.Logger
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAlertCooldown sets the alert cool-down window.
func WithAlertCooldown(window time.Duration) Option {
	return func(d *Dispatcher) {
		if window > 0 {
			d.cooldown = window
		}
	}
}

// WithDefaultLocation sets the zone used for patients without a program or timezone.
func WithDefaultLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.defaultTZ = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher. sender may be nil when no reminders are sent.
func New(st Store, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		st:        st,
		sender:    sender,
		checker:   schedule.NewChecker(st),
		cooldown:  DefaultAlertCooldown,
		defaultTZ: time.UTC,
		log:       logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch applies an analysis result. Observations, the alert, the reply and
// the audit record are attempted independently; the joined error reports the
// branches that failed.
func (d *Dispatcher) Dispatch(ctx context.Context, batch models.AnalysisBatch, result models.AnalysisResult) error {
	var errs []error
	if result.CheckInSatisfied {
		if err := d.recordObservations(ctx, batch, result.ExtractedObservations); err != nil {
			errs = append(errs, err)
		}
	}
	if result.RiskLevel.IsElevated() || result.HandoffRequired {
		if err := d.raiseRiskAlert(ctx, batch, result); err != nil {
			errs = append(errs, err)
		}
	}
	if result.ShouldReply && !result.HandoffRequired && result.SuggestedReply != "" {
		if err := d.enqueueReply(ctx, batch, result.SuggestedReply); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.saveRecord(ctx, batch, result); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// today returns the patient's running instance (nil without one) and the
// [from, to) window of the patient's current local day.
func (d *Dispatcher) today(ctx context.Context, patientID string) (*models.ProgramInstance, time.Time, time.Time, error) {
	now := d.now()
	inst, err := d.st.GetRunningInstanceForPatient(ctx, patientID)
	switch {
	case err == nil:
		loc, err := inst.Location()
		if err != nil {
			return nil, time.Time{}, time.Time{}, err
		}
		day := schedule.CurrentDay(inst.StartDate, now, loc)
		from, to := schedule.DayWindow(inst.StartDate, loc, day)
		return inst, from, to, nil
	case errors.Is(err, store.ErrNotFound):
		loc := d.patientLocation(ctx, patientID)
		from, to := schedule.DayWindow(now, loc, 1)
		return nil, from, to, nil
	default:
		return nil, time.Time{}, time.Time{}, fmt.Errorf("load running instance of %s: %w", patientID, err)
	}
}

func (d *Dispatcher) patientLocation(ctx context.Context, patientID string) *time.Location {
	p, err := d.st.GetPatient(ctx, patientID)
	if err != nil || p.Timezone == "" {
		return d.defaultTZ
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		d.log.Warn("Dispatcher.patientLocation: bad patient timezone", "patientID", patientID, "timezone", p.Timezone)
		return d.defaultTZ
	}
	return loc
}

func (d *Dispatcher) recordObservations(ctx context.Context, batch models.AnalysisBatch, extracted []models.ExtractedObservation) error {
	if len(extracted) == 0 {
		return nil
	}
	inst, from, to, err := d.today(ctx, batch.PatientID)
	if err != nil {
		return fmt.Errorf("observations for batch %s: %w", batch.ID, err)
	}
	done, err := d.checker.ForWindow(ctx, batch.PatientID, from, to)
	if err != nil {
		return fmt.Errorf("observations for batch %s: %w", batch.ID, err)
	}

	var errs []error
	for i, x := range extracted {
		if done.Has(x.ActivityType) {
			d.log.Debug("Dispatcher.recordObservations: already satisfied today",
				"patientID", batch.PatientID, "activity", x.ActivityType)
			continue
		}
		obs := models.Observation{
			ID:           util.StableID(util.PrefixObservation, batch.ID+":"+strconv.Itoa(i)),
			PatientID:    batch.PatientID,
			ActivityType: x.ActivityType,
			Value:        x.Value,
			Unit:         x.Unit,
			Source:       models.ObservationFromAI,
			CreatedAt:    d.now(),
		}
		if inst != nil {
			obs.ProgramInstanceID = inst.ID
		}
		if err := d.st.AddObservation(ctx, obs); err != nil {
			errs = append(errs, err)
			continue
		}
		done[x.ActivityType]++
		d.log.Info("Dispatcher.recordObservations: observation recorded",
			"patientID", batch.PatientID, "batchID", batch.ID, "activity", x.ActivityType)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) raiseRiskAlert(ctx context.Context, batch models.AnalysisBatch, result models.AnalysisResult) error {
	level := result.RiskLevel.AlertLevel()
	alertType := models.AlertTypeRisk
	title := fmt.Sprintf("%s risk reported by patient", result.RiskLevel)
	if result.HandoffRequired {
		alertType = models.AlertTypeHandoff
		title = "Patient needs a care-team member"
		if !result.RiskLevel.IsElevated() {
			level = models.AlertHigh
		}
	}

	now := d.now()
	alert, created, err := d.openAlert(ctx, models.Alert{
		ID:          util.StableID(util.PrefixAlert, "analysis:"+batch.ID),
		PatientID:   batch.PatientID,
		Type:        alertType,
		Level:       level,
		Status:      models.AlertOpen,
		Title:       title,
		Description: result.Summary,
		Source:      models.SourceAI,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("alert for batch %s: %w", batch.ID, err)
	}
	if !created {
		d.log.Info("Dispatcher.raiseRiskAlert: open alert within cool-down",
			"patientID", batch.PatientID, "alertID", alert.ID, "type", alertType)
		return nil
	}

	priority := models.PriorityHigh
	if level == models.AlertMedium || level == models.AlertLow {
		priority = models.PriorityMedium
	}
	_, err = d.st.CreateTask(ctx, models.Task{
		ID:          util.StableID(util.PrefixTask, "alert:"+alert.ID),
		PatientID:   batch.PatientID,
		AlertID:     alert.ID,
		Type:        models.TaskRiskAlert,
		Status:      models.TaskOpen,
		Priority:    priority,
		Source:      models.SourceAI,
		Title:       title,
		Description: result.Summary,
		DedupeKey:   models.AlertTaskDedupeKey(alert.ID),
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("risk task for alert %s: %w", alert.ID, err)
	}
	d.log.Warn("Dispatcher.raiseRiskAlert: alert raised",
		"patientID", batch.PatientID, "alertID", alert.ID, "level", level, "type", alertType)
	return nil
}

// openAlert stores a unless an OPEN alert of its type was raised within the
// cool-down. An alert already stored under a.ID (a retried batch) counts as
// created so that its task is still ensured. Otherwise created is false and the
// returned alert is the one suppressing a.
func (d *Dispatcher) openAlert(ctx context.Context, a models.Alert) (models.Alert, bool, error) {
	existing, err := d.st.GetAlert(ctx, a.ID)
	if err == nil {
		return *existing, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Alert{}, false, err
	}
	return d.st.CreateAlertUnlessOpen(ctx, a, a.CreatedAt.Add(-d.cooldown))
}

// ReplyDedupeKey is the outbox dedupe key of the reply to a batch.
func ReplyDedupeKey(batchID string) string { return "reply:" + batchID }

func (d *Dispatcher) enqueueReply(ctx context.Context, batch models.AnalysisBatch, body string) error {
	p, err := d.st.GetPatient(ctx, batch.PatientID)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Warn("Dispatcher.enqueueReply: unknown patient, reply dropped", "patientID", batch.PatientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reply for batch %s: %w", batch.ID, err)
	}
	payload, err := json.Marshal(store.OutboxPayload{To: p.Phone, Body: body})
	if err != nil {
		return fmt.Errorf("reply for batch %s: %w", batch.ID, err)
	}
	id, created, err := d.st.EnqueueOutboxMessage(ctx, batch.PatientID, store.OutboxKindReply, string(payload), ReplyDedupeKey(batch.ID))
	if err != nil {
		return fmt.Errorf("reply for batch %s: %w", batch.ID, err)
	}
	if created {
		d.log.Info("Dispatcher.enqueueReply: reply queued", "patientID", batch.PatientID, "outboxID", id)
	}
	return nil
}

func (d *Dispatcher) saveRecord(ctx context.Context, batch models.AnalysisBatch, result models.AnalysisResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode analysis of batch %s: %w", batch.ID, err)
	}
	if err := d.st.SaveAnalysisRecord(ctx, models.AnalysisRecord{
		BatchID:    batch.ID,
		PatientID:  batch.PatientID,
		ResultJSON: string(raw),
		CreatedAt:  d.now(),
	}); err != nil {
		return fmt.Errorf("save analysis of batch %s: %w", batch.ID, err)
	}
	return nil
}

// DispatchFailure raises the ANALYSIS_FAILED alert and a FOLLOW_UP task that
// carries the text the analysis could not process.
func (d *Dispatcher) DispatchFailure(ctx context.Context, batch models.AnalysisBatch, cause error) error {
	now := d.now()
	alert, _, err := d.openAlert(ctx, models.Alert{
		ID:          util.StableID(util.PrefixAlert, "failed:"+batch.ID),
		PatientID:   batch.PatientID,
		Type:        models.AlertTypeAnalysisFailed,
		Level:       models.AlertMedium,
		Status:      models.AlertOpen,
		Title:       "Automatic analysis failed",
		Description: fmt.Sprintf("Batch %s could not be analyzed after %d attempts: %v", batch.ID, batch.Attempts, cause),
		Source:      models.SourceSystem,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failure alert for batch %s: %w", batch.ID, err)
	}
	_, err = d.st.CreateTask(ctx, models.Task{
		ID:          util.StableID(util.PrefixTask, "failed:"+batch.ID),
		PatientID:   batch.PatientID,
		AlertID:     alert.ID,
		Type:        models.TaskFollowUp,
		Status:      models.TaskOpen,
		Priority:    models.PriorityMedium,
		Source:      models.SourceSystem,
		Title:       "Review patient messages manually",
		Description: batch.Text,
		DedupeKey:   "analysis_failed:" + batch.ID,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("follow-up task for batch %s: %w", batch.ID, err)
	}
	d.log.Warn("Dispatcher.DispatchFailure: manual review requested", "patientID", batch.PatientID, "batchID", batch.ID)
	return nil
}

// OpenMissedCheckin opens the MISSED_CHECKIN task of an item. created is false
// when an active task for the item already exists.
func (d *Dispatcher) OpenMissedCheckin(ctx context.Context, item models.ScheduleItem, activity models.Activity) (bool, error) {
	key := models.MissedCheckinDedupeKey(item.ScheduleItemKey)
	created, err := d.st.CreateTask(ctx, models.Task{
		ID:          util.NewID(util.PrefixTask),
		PatientID:   item.PatientID,
		Type:        models.TaskMissedCheckin,
		Status:      models.TaskOpen,
		Priority:    models.PriorityMedium,
		Source:      models.SourceSystem,
		Title:       fmt.Sprintf("Missed %s check-in (day %d, %s)", item.ActivityType, item.Day, item.Slot),
		Description: activity.Question,
		DedupeKey:   key,
		CreatedAt:   d.now(),
	})
	if err != nil {
		return false, fmt.Errorf("missed check-in task %s: %w", key, err)
	}
	if created {
		d.log.Info("Dispatcher.OpenMissedCheckin: task opened", "patientID", item.PatientID, "item", item.ScheduleItemKey.String())
	}
	return created, nil
}

// SendReminder delivers an activity's question to the patient.
func (d *Dispatcher) SendReminder(ctx context.Context, inst models.ProgramInstance, activity models.Activity) error {
	if d.sender == nil {
		return errors.New("no message sender configured")
	}
	p, err := d.st.GetPatient(ctx, inst.PatientID)
	if err != nil {
		return fmt.Errorf("reminder for %s: %w", inst.PatientID, err)
	}
	if err := d.sender.SendMessage(ctx, p.Phone, activity.Question); err != nil {
		return fmt.Errorf("reminder for %s: %w", inst.PatientID, err)
	}
	return nil
}
