// Package scheduler triggers periodic work (the reminder sweep and the daily
// rollover) from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// Default expressions.
const (
	DefaultSweepSpec    = "*/15 * * * *"
	DefaultRolloverSpec = "5 0 * * *"
)

// Task is a unit of scheduled work.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logger.Logger
	timeout time.Duration
}

// Option configures the scheduler.
type Option func(*config)

type config struct {
	loc     *time.Location
	log     *logger.Logger
	timeout time.Duration
}

// WithLocation evaluates expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(c *config) { c.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithTaskTimeout bounds each run of a task.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := config{loc: time.Local, log: logger.NewNop(), timeout: 10 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	cl := cronLogger{log: cfg.log}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, log: cfg.log, timeout: cfg.timeout}
}

// Validate reports whether expr parses as a schedule.
func Validate(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules task under name using the provided cron expression.
// A run that is still going when the next one is due is skipped.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			s.log.Error("Scheduler.run: job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		s.log.Debug("Scheduler.run: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Info("Scheduler.AddJob: scheduled", "job", name, "spec", expr)
	return nil
}

// Stop stops the cron scheduler, cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
