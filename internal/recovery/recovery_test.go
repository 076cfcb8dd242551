package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type recordingScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingScheduler) ScheduleDelayed(_ context.Context, key, payload string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, key+"@"+delay.String())
	return nil
}

func TestManagerRunsAllComponents(t *testing.T) {
	var order []string
	m := NewManager(nil)
	m.Register(Func{ComponentName: "a", Fn: func(context.Context) error { order = append(order, "a"); return nil }})
	m.Register(Func{ComponentName: "b", Fn: func(context.Context) error { order = append(order, "b"); return errors.New("boom") }})
	m.Register(Func{ComponentName: "c", Fn: func(context.Context) error { order = append(order, "c"); return nil }})

	err := m.RecoverAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors out of 3")
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManagerNoComponents(t *testing.T) {
	assert.NoError(t, NewManager(nil).RecoverAll(context.Background()))
}

func TestPendingBatchesReschedulesStalePatients(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateBatch(ctx, models.AnalysisBatch{
		ID: "batch_1", PatientID: "pat_1", Text: "вес 80", FragmentCount: 1, Status: models.BatchPending,
	}))
	require.NoError(t, st.CreateBatch(ctx, models.AnalysisBatch{
		ID: "batch_2", PatientID: "pat_2", Text: "ok", FragmentCount: 1, Status: models.BatchDone,
	}))

	sched := &recordingScheduler{}
	r := PendingBatches{
		Repo:      st,
		Scheduler: sched,
		Staleness: time.Minute,
		Now:       func() time.Time { return time.Now().Add(time.Hour) },
	}
	require.NoError(t, r.RecoverState(ctx))
	assert.Equal(t, []string{"pat_1@0s"}, sched.calls)

	// Fresh batches are left to the worker that is still processing them.
	sched.calls = nil
	r.Now = time.Now
	require.NoError(t, r.RecoverState(ctx))
	assert.Empty(t, sched.calls)
}

func TestPendingBatchesSchedulerError(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.CreateBatch(ctx, models.AnalysisBatch{ID: "batch_1", PatientID: "pat_1", Status: models.BatchPending}))

	r := PendingBatches{
		Repo:      st,
		Scheduler: &recordingScheduler{err: errors.New("queue down")},
		Now:       func() time.Time { return time.Now().Add(time.Hour) },
	}
	assert.Error(t, r.RecoverState(ctx))
}

func TestStaleOutboxRequeues(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	_, _, err := st.EnqueueOutboxMessage(ctx, "pat_1", store.OutboxKindReply, `{"to":"+79990000001","body":"hi"}`, "reply:batch_1")
	require.NoError(t, err)
	claimed, err := st.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sender := store.NewOutboxSender(st, func(context.Context, store.OutboxMessage) error { return nil }, time.Second, nil)
	rec := StaleOutbox(sender)
	assert.Equal(t, "outbox", rec.Name())

	// Nothing is stale yet, so the message stays claimed.
	require.NoError(t, rec.RecoverState(ctx))
	msgs, err := st.ListOutboxMessages(ctx, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, store.OutboxStatusSending, msgs[0].Status)
}
