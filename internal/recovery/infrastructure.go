package recovery

import (
	"context"
	"time"

	"github.com/BTreeMap/CarePipe/internal/debounce"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// DefaultBatchStaleness is how long a PENDING batch must be untouched before
// recovery reschedules it.
const DefaultBatchStaleness = 2 * time.Minute

// StaleJobs requeues durable jobs left running by a crashed process.
func StaleJobs(runner *store.JobRunner) Recoverable {
	return Func{ComponentName: "jobs", Fn: runner.RecoverStaleJobs}
}

// StaleOutbox requeues outbox messages left in sending state.
func StaleOutbox(sender *store.OutboxSender) Recoverable {
	return Func{ComponentName: "outbox", Fn: sender.RecoverStaleMessages}
}

// PendingBatches schedules an immediate analysis run for every patient that
// owns a PENDING batch older than staleness.
type PendingBatches struct {
	Repo      store.AnalysisRepo
	Scheduler debounce.Scheduler
	Staleness time.Duration
	Log       *logger.Logger
	Now       func() time.Time
}

func (p PendingBatches) Name() string { return "analysis_batches" }

func (p PendingBatches) RecoverState(ctx context.Context) error {
	now, staleness, log := time.Now, p.Staleness, p.Log
	if p.Now != nil {
		now = p.Now
	}
	if staleness <= 0 {
		staleness = DefaultBatchStaleness
	}
	if log == nil {
		log = logger.NewNop()
	}

	patients, err := p.Repo.ListPatientsWithPendingBatches(ctx, now().Add(-staleness))
	if err != nil {
		return err
	}
	for _, pid := range patients {
		if err := p.Scheduler.ScheduleDelayed(ctx, pid, pid, 0); err != nil {
			return err
		}
	}
	if len(patients) > 0 {
		log.Info("PendingBatches.RecoverState: rescheduled analysis", "patients", len(patients))
	}
	return nil
}
