package debounce

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/buffer"
	"github.com/BTreeMap/CarePipe/internal/lock"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultWindow is the quiet period after the last fragment before analysis runs.
const DefaultWindow = 10 * time.Second

const intakeLockTTL = 10 * time.Second

// Intake appends inbound text to a patient's buffer and pushes the patient's
// analysis back by the debounce window.
type Intake struct {
	buf    buffer.Buffer
	sched  Scheduler
	locker lock.Locker
	window time.Duration
	log    *logger.Logger
}

// NewIntake wires an Intake. A non-positive window falls back to DefaultWindow.
func NewIntake(buf buffer.Buffer, sched Scheduler, locker lock.Locker, window time.Duration, log *logger.Logger) *Intake {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Intake{buf: buf, sched: sched, locker: locker, window: window, log: log}
}

// Submit buffers f and reschedules the patient's analysis. Append and
// reschedule happen under the patient's intake lock.
func (i *Intake) Submit(ctx context.Context, f models.MessageFragment) error {
	release, err := i.locker.Acquire(ctx, lock.IntakeKey(f.PatientID), intakeLockTTL)
	if err != nil {
		return fmt.Errorf("intake lock %s: %w", f.PatientID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			i.log.Warn("Intake.Submit: release failed", "patientID", f.PatientID, "error", err)
		}
	}()

	if err := i.buf.Append(ctx, f); err != nil {
		return fmt.Errorf("buffer fragment for %s: %w", f.PatientID, err)
	}
	if err := i.sched.ScheduleDelayed(ctx, f.PatientID, f.PatientID, i.window); err != nil {
		return fmt.Errorf("reschedule analysis for %s: %w", f.PatientID, err)
	}
	i.log.Debug("Intake.Submit: fragment buffered", "patientID", f.PatientID, "window", i.window)
	return nil
}
