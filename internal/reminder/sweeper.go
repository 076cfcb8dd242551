// Package reminder runs the periodic reminder and escalation sweep over active
// program instances, and the daily rollover that closes past days.
//
// Schedule items move PENDING -> SENT -> {SATISFIED | MISSED}. Every
// transition is a conditional write that only succeeds while the item is in
// the expected state and its instance is ACTIVE, so overlapping sweeps and
// concurrent pauses never double-send or resurrect an item.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/lock"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/schedule"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Defaults for the sweeper.
const (
	DefaultEscalationThreshold = 2 * time.Hour
	DefaultConcurrency         = 4
	// rolloverLookbackDays bounds how many past days a rollover revisits.
	rolloverLookbackDays = 7
	instanceLockTTL      = 2 * time.Minute
)

// Store is the repository surface the sweeper reads and transitions.
type Store interface {
	store.InstanceRepo
	store.TemplateRepo
	store.ScheduleItemRepo
	store.ObservationRepo
}

// Effects performs the sweep's side effects. *dispatch.Dispatcher implements it.
type Effects interface {
	SendReminder(ctx context.Context, inst models.ProgramInstance, activity models.Activity) error
	OpenMissedCheckin(ctx context.Context, item models.ScheduleItem, activity models.Activity) (bool, error)
}

// SweepReport counts what one sweep or rollover did.
type SweepReport struct {
	Instances   int
	Locked      int
	Sent        int
	Satisfied   int
	Missed      int
	TasksOpened int
	Completed   int
	Failures    int
}

func (r *SweepReport) add(o SweepReport) {
	r.Instances += o.Instances
	r.Locked += o.Locked
	r.Sent += o.Sent
	r.Satisfied += o.Satisfied
	r.Missed += o.Missed
	r.TasksOpened += o.TasksOpened
	r.Completed += o.Completed
	r.Failures += o.Failures
}

// Sweeper evaluates active instances against their templates.
type Sweeper struct {
	st          Store
	fx          Effects
	locker      lock.Locker
	checker     *schedule.Checker
	escalation  time.Duration
	concurrency int
	log         *logger.Logger
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithEscalationThreshold sets how long a SENT item may stay unanswered.
func WithEscalationThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.escalation = d
		}
	}
}

// WithConcurrency sets how many instances are processed in parallel.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper wires a sweeper.
func NewSweeper(st Store, fx Effects, locker lock.Locker, opts ...Option) *Sweeper {
	s := &Sweeper{
		st:          st,
		fx:          fx,
		locker:      locker,
		checker:     schedule.NewChecker(st),
		escalation:  DefaultEscalationThreshold,
		concurrency: DefaultConcurrency,
		log:         logger.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep processes today's due activities of every ACTIVE instance.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	return s.forEachActive(ctx, "Sweep", s.sweepInstance)
}

// Rollover finalizes the non-terminal items of past days of every ACTIVE
// instance and completes instances past their duration.
func (s *Sweeper) Rollover(ctx context.Context) (SweepReport, error) {
	return s.forEachActive(ctx, "Rollover", s.rolloverInstance)
}

type instanceFunc func(ctx context.Context, inst models.ProgramInstance, now time.Time, rep *SweepReport) error

func (s *Sweeper) forEachActive(ctx context.Context, op string, fn instanceFunc) (SweepReport, error) {
	var total SweepReport
	instances, err := s.st.ListInstancesByStatus(ctx, models.InstanceActive)
	if err != nil {
		return total, fmt.Errorf("list active instances: %w", err)
	}
	now := s.now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inst := range instances {
		g.Go(func() error {
			rep := s.underLock(gctx, inst, now, fn)
			mu.Lock()
			total.add(rep)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("Sweeper."+op+": done",
		"instances", total.Instances, "locked", total.Locked, "sent", total.Sent,
		"satisfied", total.Satisfied, "missed", total.Missed, "tasks", total.TasksOpened,
		"completed", total.Completed, "failures", total.Failures)
	return total, ctx.Err()
}

// underLock runs fn for one instance. Errors are logged and counted so one
// instance never aborts the others.
func (s *Sweeper) underLock(ctx context.Context, inst models.ProgramInstance, now time.Time, fn instanceFunc) SweepReport {
	var rep SweepReport
	release, ok, err := s.locker.TryAcquire(ctx, lock.InstanceKey(inst.ID), instanceLockTTL)
	if err != nil {
		s.log.Error("Sweeper.underLock: lock failed", "instanceID", inst.ID, "error", err)
		rep.Failures++
		return rep
	}
	if !ok {
		s.log.Debug("Sweeper.underLock: instance busy, skipping", "instanceID", inst.ID)
		rep.Locked++
		return rep
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("Sweeper.underLock: release failed", "instanceID", inst.ID, "error", err)
		}
	}()

	// The listed row may be stale by the time the lock is held.
	fresh, err := s.st.GetInstance(ctx, inst.ID)
	if err != nil {
		s.log.Error("Sweeper.underLock: reload instance failed", "instanceID", inst.ID, "error", err)
		rep.Failures++
		return rep
	}
	if fresh.Status != models.InstanceActive {
		return rep
	}
	rep.Instances++
	if err := fn(ctx, *fresh, now, &rep); err != nil {
		s.log.Error("Sweeper.underLock: instance failed", "instanceID", inst.ID, "patientID", inst.PatientID, "error", err)
		rep.Failures++
	}
	return rep
}

// prepared is an instance with its template and local calendar position.
type prepared struct {
	inst models.ProgramInstance
	tpl  *models.ProgramTemplate
	loc  *time.Location
	day  int
}

func (s *Sweeper) prepare(ctx context.Context, inst models.ProgramInstance, now time.Time) (prepared, error) {
	loc, err := inst.Location()
	if err != nil {
		return prepared{}, err
	}
	tpl, err := s.st.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return prepared{}, fmt.Errorf("template %s v%d: %w", inst.TemplateID, inst.TemplateVersion, err)
	}
	day := schedule.CurrentDay(inst.StartDate, now, loc)
	if day != inst.CurrentDay {
		if err := s.st.UpdateCurrentDay(ctx, inst.ID, day); err != nil {
			s.log.Warn("Sweeper.prepare: current day cache not updated", "instanceID", inst.ID, "error", err)
		}
	}
	return prepared{inst: inst, tpl: tpl, loc: loc, day: day}, nil
}

func (s *Sweeper) sweepInstance(ctx context.Context, inst models.ProgramInstance, now time.Time, rep *SweepReport) error {
	p, err := s.prepare(ctx, inst, now)
	if err != nil {
		return err
	}
	if p.day > p.tpl.DurationDays {
		return s.finish(ctx, p, now, rep)
	}

	due, err := s.calendar(ctx, p, p.day)
	if err != nil {
		return err
	}
	done, err := s.checker.ForDay(ctx, inst.PatientID, inst.StartDate, p.loc, p.day)
	if err != nil {
		return err
	}
	for _, d := range due {
		if d.ScheduledAt.After(now) {
			continue
		}
		item, err := s.ensureItem(ctx, inst, d)
		if err != nil {
			rep.Failures++
			s.log.Error("Sweeper.sweepInstance: ensure item failed", "instanceID", inst.ID, "error", err)
			continue
		}
		s.advance(ctx, p, item, d, done, now, rep)
	}
	return nil
}

// advance moves one due item at most one step.
func (s *Sweeper) advance(ctx context.Context, p prepared, item models.ScheduleItem, d schedule.DueActivity, done schedule.Fulfillment, now time.Time, rep *SweepReport) {
	switch {
	case item.Status.IsTerminal():
		return

	case done.Satisfies(d):
		if s.transition(ctx, item, models.ItemSatisfied, now, rep) {
			rep.Satisfied++
		}

	case item.Status == models.ItemPending:
		if err := s.fx.SendReminder(ctx, p.inst, d.Activity); err != nil {
			// Left PENDING; the next tick retries.
			rep.Failures++
			s.log.Warn("Sweeper.advance: reminder failed", "item", item.ScheduleItemKey.String(), "error", err)
			return
		}
		if s.transition(ctx, item, models.ItemSent, now, rep) {
			rep.Sent++
		}

	case item.Status == models.ItemSent && now.Sub(item.ScheduledAt) > s.escalation:
		s.miss(ctx, item, d.Activity, now, rep)
	}
}

// miss opens the MISSED_CHECKIN task of a required activity and closes the item.
// The item stays open when the task cannot be created, so the next tick retries.
func (s *Sweeper) miss(ctx context.Context, item models.ScheduleItem, activity models.Activity, now time.Time, rep *SweepReport) {
	if activity.Required {
		created, err := s.fx.OpenMissedCheckin(ctx, item, activity)
		if err != nil {
			rep.Failures++
			s.log.Error("Sweeper.miss: task not opened", "item", item.ScheduleItemKey.String(), "error", err)
			return
		}
		if created {
			rep.TasksOpened++
		}
	}
	if s.transition(ctx, item, models.ItemMissed, now, rep) {
		rep.Missed++
	}
}

// transition reports whether this call moved the item. A conflict means
// another actor already moved it or the instance left ACTIVE.
func (s *Sweeper) transition(ctx context.Context, item models.ScheduleItem, to models.ScheduleItemStatus, now time.Time, rep *SweepReport) bool {
	err := s.st.TransitionScheduleItem(ctx, item.ScheduleItemKey, item.Status, to, now)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrConflict):
		s.log.Debug("Sweeper.transition: already moved", "item", item.ScheduleItemKey.String(), "to", to)
		return false
	default:
		rep.Failures++
		s.log.Error("Sweeper.transition: failed", "item", item.ScheduleItemKey.String(), "to", to, "error", err)
		return false
	}
}

func (s *Sweeper) calendar(ctx context.Context, p prepared, day int) ([]schedule.DueActivity, error) {
	due, skipped := schedule.Calendar(p.tpl, p.inst.StartDate, p.loc, day)
	for _, sk := range skipped {
		s.log.Warn("Sweeper.calendar: activity skipped",
			"instanceID", p.inst.ID, "day", day, "activity", sk.Activity.Type, "error", sk.Err)
	}
	return due, ctx.Err()
}

func (s *Sweeper) ensureItem(ctx context.Context, inst models.ProgramInstance, d schedule.DueActivity) (models.ScheduleItem, error) {
	return s.st.EnsureScheduleItem(ctx, models.ScheduleItem{
		ScheduleItemKey: d.Key(inst.ID),
		PatientID:       inst.PatientID,
		ScheduledAt:     d.ScheduledAt,
		Status:          models.ItemPending,
	})
}

func (s *Sweeper) rolloverInstance(ctx context.Context, inst models.ProgramInstance, now time.Time, rep *SweepReport) error {
	p, err := s.prepare(ctx, inst, now)
	if err != nil {
		return err
	}
	if p.day > p.tpl.DurationDays {
		return s.finish(ctx, p, now, rep)
	}
	return s.finalizeBefore(ctx, p, p.day, now, rep)
}

// finish finalizes the remaining days and completes the instance.
func (s *Sweeper) finish(ctx context.Context, p prepared, now time.Time, rep *SweepReport) error {
	if err := s.finalizeBefore(ctx, p, p.tpl.DurationDays+1, now, rep); err != nil {
		return err
	}
	err := s.st.UpdateInstanceStatus(ctx, p.inst.ID, models.InstanceActive, models.InstanceCompleted)
	switch {
	case err == nil:
		rep.Completed++
		s.log.Info("Sweeper.finish: program completed", "instanceID", p.inst.ID, "patientID", p.inst.PatientID)
		return nil
	case errors.Is(err, store.ErrConflict):
		return nil
	default:
		return fmt.Errorf("complete instance %s: %w", p.inst.ID, err)
	}
}

// finalizeBefore closes every non-terminal item of the days before untilDay.
func (s *Sweeper) finalizeBefore(ctx context.Context, p prepared, untilDay int, now time.Time, rep *SweepReport) error {
	from := untilDay - rolloverLookbackDays
	if from < 1 {
		from = 1
	}
	for day := from; day < untilDay; day++ {
		due, err := s.calendar(ctx, p, day)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			continue
		}
		done, err := s.checker.ForDay(ctx, p.inst.PatientID, p.inst.StartDate, p.loc, day)
		if err != nil {
			return err
		}
		for _, d := range due {
			item, err := s.ensureItem(ctx, p.inst, d)
			if err != nil {
				rep.Failures++
				s.log.Error("Sweeper.finalizeBefore: ensure item failed", "instanceID", p.inst.ID, "day", day, "error", err)
				continue
			}
			switch {
			case item.Status.IsTerminal():
			case done.Satisfies(d):
				if s.transition(ctx, item, models.ItemSatisfied, now, rep) {
					rep.Satisfied++
				}
			default:
				s.miss(ctx, item, d.Activity, now, rep)
			}
		}
	}
	return nil
}
