package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/buffer"
	"github.com/BTreeMap/CarePipe/internal/lock"
	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Defaults for the worker.
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 30 * time.Second
	patientLockTTL     = 5 * time.Minute
)

// Dispatcher applies analysis outcomes. Both methods must be idempotent per batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch models.AnalysisBatch, result models.AnalysisResult) error
	DispatchFailure(ctx context.Context, batch models.AnalysisBatch, cause error) error
}

// Worker runs the analysis of one patient's buffer.
type Worker struct {
	buf        buffer.Buffer
	batches    store.AnalysisRepo
	analyzer   Analyzer
	contexts   ContextBuilder
	dispatcher Dispatcher
	locker     lock.Locker
	log        *logger.Logger

	maxAttempts int
	timeout     time.Duration
	backoff     func(attempt int) time.Duration
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxAttempts sets how many times one batch is analyzed before giving up.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithTimeout bounds a single analysis call.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithBackoff sets the delay before retry attempt+1.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(w *Worker) { w.backoff = f }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// ExponentialBackoff returns base·2^(attempt-1).
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base * time.Duration(1<<uint(attempt-1))
	}
}

// NewWorker wires a worker.
func NewWorker(buf buffer.Buffer, batches store.AnalysisRepo, analyzer Analyzer, contexts ContextBuilder, dispatcher Dispatcher, locker lock.Locker, opts ...Option) *Worker {
	w := &Worker{
		buf:         buf,
		batches:     batches,
		analyzer:    analyzer,
		contexts:    contexts,
		dispatcher:  dispatcher,
		locker:      locker,
		log:         logger.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultTimeout,
		backoff:     ExponentialBackoff(time.Second),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is the debounce handler; key is the patient ID.
func (w *Worker) Handle(ctx context.Context, key, _ string) error {
	return w.Process(ctx, key)
}

// Process analyzes the patient's leftover PENDING batches, then flushes and
// analyzes the buffer. An empty buffer is a no-op. Per-batch analysis failures
// are handled through the dispatcher; the returned error covers storage and
// dispatch failures, which leave the batch PENDING for a later run.
func (w *Worker) Process(ctx context.Context, patientID string) error {
	release, err := w.locker.Acquire(ctx, lock.PatientKey(patientID), patientLockTTL)
	if err != nil {
		return fmt.Errorf("patient lock %s: %w", patientID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.log.Warn("Worker.Process: release failed", "patientID", patientID, "error", err)
		}
	}()

	pending, err := w.batches.ListPendingBatches(ctx, patientID)
	if err != nil {
		return fmt.Errorf("list pending batches of %s: %w", patientID, err)
	}
	var errs []error
	for _, b := range pending {
		w.log.Info("Worker.Process: resuming pending batch", "patientID", patientID, "batchID", b.ID, "attempts", b.Attempts)
		if err := w.processBatch(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}

	batch, ok, err := w.flush(ctx, patientID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if ok {
		if err := w.processBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush drains the buffer into a new PENDING batch.
func (w *Worker) flush(ctx context.Context, patientID string) (models.AnalysisBatch, bool, error) {
	frags, err := w.buf.Flush(ctx, patientID)
	if err != nil {
		return models.AnalysisBatch{}, false, fmt.Errorf("flush buffer of %s: %w", patientID, err)
	}
	if len(frags) == 0 {
		w.log.Debug("Worker.flush: buffer empty", "patientID", patientID)
		return models.AnalysisBatch{}, false, nil
	}

	now := w.now()
	batch := models.AnalysisBatch{
		ID:            util.NewID(util.PrefixBatch),
		PatientID:     patientID,
		Text:          buffer.Join(frags),
		FragmentCount: len(frags),
		Status:        models.BatchPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.batches.CreateBatch(ctx, batch); err != nil {
		// Put the fragments back ahead of anything that arrived meanwhile.
		// The returned error makes the caller run this patient again.
		if rerr := w.buf.Restore(context.WithoutCancel(ctx), patientID, frags); rerr != nil {
			w.log.Error("Worker.flush: restore fragments failed",
				"patientID", patientID, "fragments", len(frags), "text", batch.Text, "error", rerr)
		}
		return models.AnalysisBatch{}, false, fmt.Errorf("persist batch of %s: %w", patientID, err)
	}
	w.log.Info("Worker.flush: batch created", "patientID", patientID, "batchID", batch.ID, "fragments", batch.FragmentCount)
	return batch, true, nil
}

// processBatch analyzes and dispatches one batch. Attempts are counted across
// runs: a batch resumed after a dispatch failure continues from its stored
// count, and once maxAttempts is used up it is escalated and marked FAILED.
func (w *Worker) processBatch(ctx context.Context, batch models.AnalysisBatch) error {
	pc, err := w.contexts.Build(ctx, batch.PatientID)
	if err != nil {
		w.log.Warn("Worker.processBatch: context incomplete", "patientID", batch.PatientID, "error", err)
		pc.PatientID = batch.PatientID
	}

	attempts := batch.Attempts
	var lastErr error
	if batch.LastError != "" {
		lastErr = errors.New(batch.LastError)
	}
	for attempts < w.maxAttempts {
		attempts++
		result, err := w.analyzeOnce(ctx, batch.Text, pc)
		if err == nil {
			err = w.dispatcher.Dispatch(ctx, batch, result)
			if err == nil {
				w.record(ctx, batch.ID, models.BatchDone, attempts, nil)
				w.log.Info("Worker.processBatch: batch analyzed",
					"patientID", batch.PatientID, "batchID", batch.ID, "attempts", attempts, "risk", result.RiskLevel)
				return nil
			}
			lastErr = fmt.Errorf("dispatch: %w", err)
			w.record(ctx, batch.ID, models.BatchPending, attempts, lastErr)
			if ctx.Err() != nil || attempts < w.maxAttempts {
				return fmt.Errorf("dispatch batch %s: %w", batch.ID, err)
			}
			break
		}

		lastErr = err
		w.record(ctx, batch.ID, models.BatchPending, attempts, err)
		if ctx.Err() != nil {
			return fmt.Errorf("analyze batch %s: %w", batch.ID, ctx.Err())
		}
		w.log.Warn("Worker.processBatch: analysis attempt failed",
			"patientID", batch.PatientID, "batchID", batch.ID, "attempt", attempts, "error", err)

		if attempts < w.maxAttempts {
			if err := sleep(ctx, w.backoff(attempts)); err != nil {
				return fmt.Errorf("analyze batch %s: %w", batch.ID, err)
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no attempts left after %d", attempts)
	}

	batch.Attempts = attempts
	batch.LastError = lastErr.Error()
	if err := w.dispatcher.DispatchFailure(ctx, batch, lastErr); err != nil {
		return fmt.Errorf("report failed batch %s: %w", batch.ID, err)
	}
	w.record(ctx, batch.ID, models.BatchFailed, attempts, lastErr)
	w.log.Error("Worker.processBatch: analysis gave up",
		"patientID", batch.PatientID, "batchID", batch.ID, "attempts", attempts, "error", lastErr)
	return nil
}

func (w *Worker) analyzeOnce(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	result, err := w.analyzer.Analyze(callCtx, text, pc)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	if err := result.Validate(); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	return result, nil
}

func (w *Worker) record(ctx context.Context, id string, status models.BatchStatus, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := w.batches.UpdateBatch(context.WithoutCancel(ctx), id, status, attempts, msg); err != nil {
		w.log.Error("Worker.record: update batch failed", "batchID", id, "status", status, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
