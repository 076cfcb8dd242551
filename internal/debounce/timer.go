package debounce

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// Defaults for TimerScheduler.
const (
	DefaultTimerConcurrency = 5
	DefaultTimerRetries     = 3
)

// timerEntry tracks information about a scheduled call.
type timerEntry struct {
	timer       *time.Timer
	generation  uint64
	payload     string
	attempt     int
	scheduledAt time.Time
	expiresAt   time.Time
}

// TimerInfo describes a pending call.
type TimerInfo struct {
	Key         string
	ScheduledAt time.Time
	ExpiresAt   time.Time
	Remaining   time.Duration
}

// TimerScheduler implements Scheduler with in-process timers.
type TimerScheduler struct {
	ctx     context.Context
	handler Handler
	log     *logger.Logger
	sem     *semaphore.Weighted
	retries int
	backoff func(attempt int) time.Duration

	mu         sync.Mutex
	timers     map[string]*timerEntry
	generation uint64
	stopped    bool
	wg         sync.WaitGroup
}

// TimerOption configures a TimerScheduler.
type TimerOption func(*TimerScheduler)

// WithTimerConcurrency bounds how many handlers run at once.
func WithTimerConcurrency(n int) TimerOption {
	return func(t *TimerScheduler) {
		if n > 0 {
			t.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimerRetry reschedules a failed handler up to retries times, waiting
// backoff(attempt) before attempt+1.
func WithTimerRetry(retries int, backoff func(attempt int) time.Duration) TimerOption {
	return func(t *TimerScheduler) {
		if retries >= 0 {
			t.retries = retries
		}
		if backoff != nil {
			t.backoff = backoff
		}
	}
}

// NewTimerScheduler creates a TimerScheduler whose handlers run with ctx.
func NewTimerScheduler(ctx context.Context, handler Handler, log *logger.Logger, opts ...TimerOption) *TimerScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	t := &TimerScheduler{
		ctx:     ctx,
		handler: handler,
		log:     log,
		sem:     semaphore.NewWeighted(DefaultTimerConcurrency),
		retries: DefaultTimerRetries,
		backoff: func(attempt int) time.Duration { return time.Duration(attempt) * 5 * time.Second },
		timers:  make(map[string]*timerEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ScheduleDelayed cancels the pending call for key, if any, and schedules a new one.
func (t *TimerScheduler) ScheduleDelayed(_ context.Context, key, payload string, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
		t.log.Debug("TimerScheduler.ScheduleDelayed: replaced pending call", "key", key)
	}
	t.schedule(key, payload, delay, 0)
	return nil
}

// schedule registers a timer for key. t.mu must be held.
func (t *TimerScheduler) schedule(key, payload string, delay time.Duration, attempt int) {
	t.generation++
	gen := t.generation
	now := time.Now()
	entry := &timerEntry{
		generation:  gen,
		payload:     payload,
		attempt:     attempt,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() { t.fire(key, gen) })
	t.timers[key] = entry
}

func (t *TimerScheduler) fire(key string, gen uint64) {
	t.mu.Lock()
	entry, ok := t.timers[key]
	// A replaced timer may already be running when Stop is called; the
	// generation check makes it a no-op.
	if !ok || entry.generation != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	if err := t.sem.Acquire(t.ctx, 1); err != nil {
		return
	}
	t.log.Debug("TimerScheduler.fire: executing", "key", key, "attempt", entry.attempt+1)
	err := t.handler(t.ctx, key, entry.payload)
	t.sem.Release(1)
	if err == nil {
		return
	}
	t.log.Error("TimerScheduler.fire: handler failed", "key", key, "attempt", entry.attempt+1, "error", err)
	t.retry(key, entry)
}

// retry reschedules a failed call unless a newer event already did.
func (t *TimerScheduler) retry(key string, failed *timerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.ctx.Err() != nil {
		return
	}
	if _, pending := t.timers[key]; pending {
		return
	}
	next := failed.attempt + 1
	if next > t.retries {
		t.log.Error("TimerScheduler.retry: giving up", "key", key, "attempts", next)
		return
	}
	t.schedule(key, failed.payload, t.backoff(next), next)
}

// Cancel drops the pending call for key.
func (t *TimerScheduler) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
		delete(t.timers, key)
	}
}

// Stop cancels all pending calls and waits for running handlers.
func (t *TimerScheduler) Stop() {
	t.mu.Lock()
	t.stopped = true
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	n := len(t.timers)
	t.timers = make(map[string]*timerEntry)
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Info("TimerScheduler.Stop: stopped all timers", "dropped", n)
}

// ListActive returns the pending calls ordered by expiry.
func (t *TimerScheduler) ListActive() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]TimerInfo, 0, len(t.timers))
	for key, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, TimerInfo{Key: key, ScheduledAt: entry.scheduledAt, ExpiresAt: entry.expiresAt, Remaining: remaining})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
