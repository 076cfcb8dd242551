package program

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

const templateJSON = `{
  "id": "tpl_weight",
  "name": "Weight program",
  "duration_days": 14,
  "schedule": [
    {"day": 1, "activities": [
      {"slot": "MORNING", "time": "08:00", "type": "WEIGHT", "question": "Please log your weight", "required": true}
    ]}
  ]
}`

var fixedNow = time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.SeedPatient(t, st, "pat_1", "+79990000001")
	svc := NewService(st, WithClock(testutil.NewClock(fixedNow).Now))
	_, err := svc.PublishTemplate(context.Background(), []byte(templateJSON))
	require.NoError(t, err)
	return svc, st
}

func TestPublishTemplateCreatesVersions(t *testing.T) {
	svc, _ := newTestService(t)
	second, err := svc.PublishTemplate(context.Background(), []byte(templateJSON))
	require.NoError(t, err)
	assert.Equal(t, "tpl_weight", second.ID)
	assert.Equal(t, 2, second.Version)
}

func TestPublishTemplateRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.PublishTemplate(context.Background(), []byte(`{"name":"x","duration_days":0}`))
	assert.ErrorIs(t, err, models.ErrInvalidTemplate)
}

func TestAssign(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inst, err := svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight", StartDate: start})
	require.NoError(t, err)

	assert.Equal(t, models.InstanceActive, inst.Status)
	assert.Equal(t, 1, inst.TemplateVersion)
	assert.Equal(t, "Asia/Yekaterinburg", inst.Timezone)
	assert.Equal(t, 3, inst.CurrentDay)
	// Local midnight of June 1st in UTC+5.
	assert.Equal(t, time.Date(2025, 5, 31, 19, 0, 0, 0, time.UTC), inst.StartDate)

	stored, err := st.GetRunningInstanceForPatient(ctx, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, stored.ID)
}

func TestAssignPinsVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.PublishTemplate(ctx, []byte(templateJSON))
	require.NoError(t, err)

	inst, err := svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, inst.TemplateVersion)
}

func TestAssignErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Assign(ctx, AssignRequest{PatientID: "pat_missing", TemplateID: "tpl_weight"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight", Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, models.ErrInvalidTimezone)

	_, err = svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight"})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight"})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestLifecycleTransitions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	inst, err := svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight"})
	require.NoError(t, err)

	require.NoError(t, svc.Pause(ctx, inst.ID))
	assert.ErrorIs(t, svc.Pause(ctx, inst.ID), models.ErrInvalidTransition)
	require.NoError(t, svc.Resume(ctx, inst.ID))
	require.NoError(t, svc.Complete(ctx, inst.ID))

	assert.ErrorIs(t, svc.Resume(ctx, inst.ID), models.ErrInvalidTransition)
	assert.ErrorIs(t, svc.Cancel(ctx, inst.ID), models.ErrInvalidTransition)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, got.Status)

	// A finished program frees the patient for a new enrollment.
	next, err := svc.Assign(ctx, AssignRequest{PatientID: "pat_1", TemplateID: "tpl_weight"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, next.ID))
}

func TestResolveAlertClosesLinkedTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	alert, created, err := st.CreateAlertUnlessOpen(ctx, models.Alert{
		ID: "al_1", PatientID: "pat_1", Type: models.AlertTypeRisk, Level: models.AlertHigh,
		Status: models.AlertOpen, Source: models.SourceAI, CreatedAt: fixedNow,
	}, fixedNow.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	_, err = st.CreateTask(ctx, models.Task{
		ID: "task_1", PatientID: "pat_1", AlertID: alert.ID, Type: models.TaskRiskAlert,
		DedupeKey: models.AlertTaskDedupeKey(alert.ID),
	})
	require.NoError(t, err)

	require.NoError(t, svc.ResolveAlert(ctx, alert.ID, "dr.smith", "called the patient"))

	got, err := st.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.Status)
	assert.Equal(t, "dr.smith", got.ResolvedBy)
	assert.Equal(t, "called the patient", got.ResolutionNote)

	task, err := st.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, task.Status)

	assert.ErrorIs(t, svc.ResolveAlert(ctx, alert.ID, "dr.smith", ""), store.ErrConflict)
}

func TestSetTaskStatus(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	_, err := st.CreateTask(ctx, models.Task{ID: "task_1", PatientID: "pat_1", Type: models.TaskFollowUp})
	require.NoError(t, err)

	require.NoError(t, svc.SetTaskStatus(ctx, "task_1", models.TaskInProgress, "nurse"))
	require.NoError(t, svc.SetTaskStatus(ctx, "task_1", models.TaskDone, "nurse"))

	task, err := st.GetTask(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, task.Status)
	assert.Equal(t, "nurse", task.ResolvedBy)
	require.NotNil(t, task.ResolvedAt)

	assert.ErrorIs(t, svc.SetTaskStatus(ctx, "task_1", models.TaskOpen, "nurse"), models.ErrInvalidTransition)
	assert.ErrorIs(t, svc.SetTaskStatus(ctx, "task_1", "ARCHIVED", "nurse"), models.ErrInvalidTransition)
	assert.ErrorIs(t, svc.SetTaskStatus(ctx, "task_missing", models.TaskDone, "nurse"), store.ErrNotFound)
}
