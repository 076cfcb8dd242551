package debounce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/store"
)

// jobPayload is the JSON stored in the job row.
type jobPayload struct {
	Key     string `json:"key"`
	Payload string `json:"payload"`
}

// JobScheduler implements Scheduler on the durable job table.
type JobScheduler struct {
	repo store.JobRepo
	kind string
	now  func() time.Time
}

// JobSchedulerOption configures a JobScheduler.
type JobSchedulerOption func(*JobScheduler)

// WithClock overrides time.Now when computing run_at.
func WithClock(now func() time.Time) JobSchedulerOption {
	return func(s *JobScheduler) { s.now = now }
}

// NewJobScheduler schedules jobs of the given kind.
func NewJobScheduler(repo store.JobRepo, kind string, opts ...JobSchedulerOption) *JobScheduler {
	s := &JobScheduler{repo: repo, kind: kind, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DedupeKey is the job dedupe key used for a debounce key.
func DedupeKey(key string) string { return "debounce:" + key }

// ScheduleDelayed cancels the queued job for key and enqueues a new one in one transaction.
func (s *JobScheduler) ScheduleDelayed(ctx context.Context, key, payload string, delay time.Duration) error {
	raw, err := json.Marshal(jobPayload{Key: key, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal debounce payload: %w", err)
	}
	if _, err := s.repo.ReplaceJob(ctx, s.kind, s.now().Add(delay), string(raw), DedupeKey(key)); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// JobHandler adapts h to the JobRunner.
func (s *JobScheduler) JobHandler(h Handler) store.JobHandler {
	return func(ctx context.Context, job store.Job) error {
		var p jobPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decode debounce payload of job %s: %w", job.ID, err)
		}
		return h(ctx, p.Key, p.Payload)
	}
}
