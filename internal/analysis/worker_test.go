package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/buffer"
	"github.com/BTreeMap/CarePipe/internal/debounce"
	"github.com/BTreeMap/CarePipe/internal/lock"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, text string, pc PatientContext) (models.AnalysisResult, error) {
	args := m.Called(ctx, text, pc)
	return args.Get(0).(models.AnalysisResult), args.Error(1)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	results  map[string]models.AnalysisResult
	failures map[string]models.AnalysisBatch
	err      error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{results: map[string]models.AnalysisResult{}, failures: map[string]models.AnalysisBatch{}}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, b models.AnalysisBatch, r models.AnalysisResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.results[b.ID] = r
	return nil
}

func (d *fakeDispatcher) DispatchFailure(_ context.Context, b models.AnalysisBatch, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[b.ID] = b
	return nil
}

type emptyContexts struct{}

func (emptyContexts) Build(_ context.Context, patientID string) (PatientContext, error) {
	return PatientContext{PatientID: patientID}, nil
}

var lowRisk = models.AnalysisResult{Sentiment: "neutral", RiskLevel: models.RiskLow, Summary: "ok"}

type fixture struct {
	st       *store.InMemoryStore
	buf      *buffer.MemoryBuffer
	analyzer *mockAnalyzer
	disp     *fakeDispatcher
	worker   *Worker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		st:       store.NewInMemoryStore(),
		buf:      buffer.NewMemoryBuffer(),
		analyzer: &mockAnalyzer{},
		disp:     newFakeDispatcher(),
	}
	opts = append([]Option{WithBackoff(func(int) time.Duration { return 0 })}, opts...)
	f.worker = NewWorker(f.buf, f.st, f.analyzer, emptyContexts{}, f.disp, lock.NewMemoryLocker(), opts...)
	return f
}

func (f *fixture) append(t *testing.T, texts ...string) {
	t.Helper()
	for _, text := range texts {
		require.NoError(t, f.buf.Append(context.Background(), models.MessageFragment{PatientID: "pat_1", Text: text}))
	}
}

func TestWorker_EmptyBufferIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorker_AnalyzesJoinedTextAndMarksDone(t *testing.T) {
	f := newFixture(t)
	f.append(t, "Привет", "как дела", "вес 80")
	f.analyzer.On("Analyze", mock.Anything, "Привет\nкак дела\nвес 80", mock.Anything).Return(lowRisk, nil).Once()

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))

	f.analyzer.AssertExpectations(t)
	require.Len(t, f.disp.results, 1)
	for id := range f.disp.results {
		b, err := f.st.GetBatch(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchDone, b.Status)
		assert.Equal(t, 3, b.FragmentCount)
		assert.Equal(t, 1, b.Attempts)
	}
	n, err := f.buf.Len(context.Background(), "pat_1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.append(t, "hi")
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(models.AnalysisResult{}, errors.New("upstream 503")).Twice()
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(lowRisk, nil).Once()

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))

	f.analyzer.AssertNumberOfCalls(t, "Analyze", 3)
	require.Len(t, f.disp.results, 1)
	for id := range f.disp.results {
		b, err := f.st.GetBatch(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchDone, b.Status)
		assert.Equal(t, 3, b.Attempts)
		assert.Empty(t, b.LastError)
	}
}

func TestWorker_MalformedResultIsRetried(t *testing.T) {
	f := newFixture(t)
	f.append(t, "hi")
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(models.AnalysisResult{RiskLevel: "SEVERE"}, nil).Once()
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(lowRisk, nil).Once()

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	f.analyzer.AssertNumberOfCalls(t, "Analyze", 2)
	assert.Len(t, f.disp.results, 1)
}

func TestWorker_ExhaustedRetriesEscalateAndKeepText(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(3))
	f.append(t, "I feel dizzy", "and weak")
	f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(models.AnalysisResult{}, errors.New("boom"))

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))

	f.analyzer.AssertNumberOfCalls(t, "Analyze", 3)
	assert.Empty(t, f.disp.results)
	require.Len(t, f.disp.failures, 1)
	for id, failed := range f.disp.failures {
		assert.Equal(t, "I feel dizzy\nand weak", failed.Text)
		assert.Equal(t, 3, failed.Attempts)
		b, err := f.st.GetBatch(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchFailed, b.Status)
		assert.Equal(t, "boom", b.LastError)
	}
}

func TestWorker_TimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, WithTimeout(20*time.Millisecond))
	f.append(t, "hi")
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(models.AnalysisResult{}, context.DeadlineExceeded).Once()
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(lowRisk, nil).Once()

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	f.analyzer.AssertNumberOfCalls(t, "Analyze", 2)
	assert.Len(t, f.disp.results, 1)
}

func TestWorker_DispatchErrorLeavesBatchPending(t *testing.T) {
	f := newFixture(t)
	f.disp.err = errors.New("store down")
	f.append(t, "hi")
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).Return(lowRisk, nil)

	err := f.worker.Process(context.Background(), "pat_1")
	require.Error(t, err)

	pending, err := f.st.ListPendingBatches(context.Background(), "pat_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hi", pending[0].Text)

	// The next run resumes the batch even though the buffer is empty.
	f.disp.err = nil
	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	pending, err = f.st.ListPendingBatches(context.Background(), "pat_1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, f.disp.results, 1)
}

func TestWorker_CancelledContextKeepsBatchPending(t *testing.T) {
	f := newFixture(t)
	f.append(t, "hi")
	ctx, cancel := context.WithCancel(context.Background())
	f.analyzer.On("Analyze", mock.Anything, "hi", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(models.AnalysisResult{}, context.Canceled).Once()

	err := f.worker.Process(ctx, "pat_1")
	require.ErrorIs(t, err, context.Canceled)

	pending, err := f.st.ListPendingBatches(context.Background(), "pat_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, f.disp.failures)
}

func TestWorker_DispatchFailuresExhaustAttemptsAcrossRuns(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(3))
	f.disp.err = errors.New("store down")
	f.append(t, "I feel dizzy")
	f.analyzer.On("Analyze", mock.Anything, "I feel dizzy", mock.Anything).Return(lowRisk, nil)

	for i := 0; i < 2; i++ {
		require.Error(t, f.worker.Process(context.Background(), "pat_1"), "run %d", i+1)
	}
	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.worker.Process(context.Background(), "pat_1"))
	}

	f.analyzer.AssertNumberOfCalls(t, "Analyze", 3)
	pending, err := f.st.ListPendingBatches(context.Background(), "pat_1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, f.disp.failures, 1)
	for id, failed := range f.disp.failures {
		assert.Equal(t, 3, failed.Attempts)
		assert.Equal(t, "I feel dizzy", failed.Text)
		b, err := f.st.GetBatch(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchFailed, b.Status)
		assert.Contains(t, b.LastError, "store down")
	}
}

func TestWorker_ResumedExhaustedBatchEscalatesWithoutAnalysis(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(2))
	require.NoError(t, f.st.CreateBatch(context.Background(), models.AnalysisBatch{
		ID: "batch_old", PatientID: "pat_1", Text: "chest pain", FragmentCount: 1,
		Status: models.BatchPending, Attempts: 2, LastError: "upstream 503",
	}))

	require.NoError(t, f.worker.Process(context.Background(), "pat_1"))

	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything)
	require.Contains(t, f.disp.failures, "batch_old")
	b, err := f.st.GetBatch(context.Background(), "batch_old")
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, b.Status)
	assert.Equal(t, "upstream 503", b.LastError)
}

// failingBatches rejects CreateBatch while err is set.
type failingBatches struct {
	*store.InMemoryStore
	err error
}

func (b *failingBatches) CreateBatch(ctx context.Context, batch models.AnalysisBatch) error {
	if b.err != nil {
		return b.err
	}
	return b.InMemoryStore.CreateBatch(ctx, batch)
}

func TestWorker_BatchPersistFailureRestoresBufferInOrder(t *testing.T) {
	buf := buffer.NewMemoryBuffer()
	batches := &failingBatches{InMemoryStore: store.NewInMemoryStore(), err: errors.New("disk full")}
	analyzer := &mockAnalyzer{}
	disp := newFakeDispatcher()
	w := NewWorker(buf, batches, analyzer, emptyContexts{}, disp, lock.NewMemoryLocker())

	ctx := context.Background()
	for _, text := range []string{"first", "second"} {
		require.NoError(t, buf.Append(ctx, models.MessageFragment{PatientID: "pat_1", Text: text}))
	}
	require.Error(t, w.Process(ctx, "pat_1"))
	analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, buf.Append(ctx, models.MessageFragment{PatientID: "pat_1", Text: "third"}))
	batches.err = nil
	analyzer.On("Analyze", mock.Anything, "first\nsecond\nthird", mock.Anything).Return(lowRisk, nil).Once()

	require.NoError(t, w.Process(ctx, "pat_1"))
	analyzer.AssertExpectations(t)
	assert.Len(t, disp.results, 1)
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestDebouncedAnalysis_ThreeFragmentsOneCall(t *testing.T) {
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "e2e.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	t0 := time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := &mutableClock{now: t0}
	buf := buffer.NewStoreBuffer(s)
	locker := lock.NewMemoryLocker()
	sched := debounce.NewJobScheduler(s, store.JobKindAnalyzeBuffer, debounce.WithClock(clock.Now))
	intake := debounce.NewIntake(buf, sched, locker, 10*time.Second, nil)

	analyzer := &mockAnalyzer{}
	analyzer.On("Analyze", mock.Anything, "Привет\nкак дела\nвес 80", mock.Anything).Return(lowRisk, nil).Once()
	disp := newFakeDispatcher()
	worker := NewWorker(buf, s, analyzer, NewStoreContextBuilder(s), disp, locker, WithClock(clock.Now))

	runner := store.NewJobRunner(s, time.Second, store.WithJobClock(clock.Now))
	runner.RegisterHandler(store.JobKindAnalyzeBuffer, sched.JobHandler(worker.Handle))

	ctx := context.Background()
	for i, text := range []string{"Привет", "как дела", "вес 80"} {
		clock.Set(t0.Add(time.Duration(2*i) * time.Second))
		require.NoError(t, intake.Submit(ctx, models.MessageFragment{PatientID: "pat_1", Text: text, ReceivedAt: clock.Now()}))
		assert.Zero(t, runner.Poll(ctx))
	}

	clock.Set(t0.Add(13 * time.Second))
	assert.Zero(t, runner.Poll(ctx), "fired before the window after the last fragment elapsed")

	clock.Set(t0.Add(14 * time.Second))
	assert.Equal(t, 1, runner.Poll(ctx))

	clock.Set(t0.Add(time.Minute))
	assert.Zero(t, runner.Poll(ctx))

	analyzer.AssertExpectations(t)
	analyzer.AssertNumberOfCalls(t, "Analyze", 1)
	assert.Len(t, disp.results, 1)
}
