package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

type fakeCompleter struct {
	out        string
	err        error
	userPrompt string
}

func (c *fakeCompleter) GenerateJSON(_ context.Context, _, user string) (string, error) {
	c.userPrompt = user
	return c.out, c.err
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult(`{"sentiment":"negative","riskLevel":"HIGH","summary":"chest pain","shouldReply":false,
		"handoffRequired":true,"checkInSatisfied":true,
		"extractedObservations":[{"activityType":"WEIGHT","value":{"number":80},"unit":"kg"}]}`)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, r.RiskLevel)
	assert.True(t, r.HandoffRequired)
	require.Len(t, r.ExtractedObservations, 1)
	assert.Equal(t, 80.0, *r.ExtractedObservations[0].Value.Number)

	for name, raw := range map[string]string{
		"not json":     "sorry, I cannot",
		"bad risk":     `{"riskLevel":"SEVERE"}`,
		"bad activity": `{"riskLevel":"LOW","extractedObservations":[{"activityType":"SLEEP"}]}`,
		"missing risk": `{"summary":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResult(raw)
			assert.ErrorIs(t, err, ErrMalformedResult)
		})
	}
}

func TestLLMAnalyzer_PromptCarriesContextAndText(t *testing.T) {
	c := &fakeCompleter{out: `{"sentiment":"neutral","riskLevel":"LOW","summary":"fine"}`}
	a := NewLLMAnalyzer(c, nil)

	res, err := a.Analyze(context.Background(), "вес 80", PatientContext{
		PatientID:    "pat_1",
		Name:         "Ivan",
		ProgramName:  "Weight loss",
		ProgramDay:   3,
		DurationDays: 14,
		Today:        []ActivityState{{Type: models.ActivityWeight, Slot: models.SlotMorning, Time: "08:00", Question: "Your weight?", Status: models.ItemSent}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Summary)
	assert.Contains(t, c.userPrompt, "day 3 of 14")
	assert.Contains(t, c.userPrompt, "08:00 MORNING WEIGHT (SENT)")
	assert.True(t, strings.HasSuffix(c.userPrompt, "вес 80"))
}

func TestLLMAnalyzer_Errors(t *testing.T) {
	_, err := NewLLMAnalyzer(&fakeCompleter{err: errors.New("rate limited")}, nil).Analyze(context.Background(), "x", PatientContext{})
	assert.ErrorContains(t, err, "rate limited")

	_, err = NewLLMAnalyzer(&fakeCompleter{out: "{}"}, nil).Analyze(context.Background(), "x", PatientContext{})
	assert.ErrorIs(t, err, ErrMalformedResult)
}

func TestStoreContextBuilder_Build(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	require.NoError(t, st.SavePatient(ctx, models.Patient{ID: "pat_1", Name: "Ivan", Phone: "+79990000001", Timezone: "Asia/Yekaterinburg"}))
	tpl, err := st.CreateTemplateVersion(ctx, models.ProgramTemplate{
		ID: "tpl_weight", Name: "Weight loss", DurationDays: 7,
		Schedule: []models.TemplateDay{{Day: 2, Activities: []models.Activity{
			{Slot: models.SlotEvening, Time: "20:00", Type: models.ActivityMood, Question: "Mood?", Required: true},
			{Slot: models.SlotMorning, Time: "08:00", Type: models.ActivityWeight, Question: "Weight?", Required: true},
		}}},
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("Asia/Yekaterinburg")
	require.NoError(t, err)
	start := time.Date(2025, 6, 1, 0, 1, 0, 0, loc)
	inst := models.ProgramInstance{ID: "pi_1", PatientID: "pat_1", TemplateID: tpl.ID, TemplateVersion: tpl.Version,
		StartDate: start, Timezone: "Asia/Yekaterinburg", Status: models.InstanceActive}
	require.NoError(t, st.CreateInstance(ctx, inst))
	_, err = st.EnsureScheduleItem(ctx, models.ScheduleItem{
		ScheduleItemKey: models.ScheduleItemKey{InstanceID: "pi_1", Day: 2, ActivityType: models.ActivityWeight, Slot: models.SlotMorning},
		PatientID:       "pat_1", ScheduledAt: start.Add(24 * time.Hour), Status: models.ItemSent,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, models.Task{ID: "task_1", PatientID: "pat_1", Type: models.TaskFollowUp, Title: "Call patient"})
	require.NoError(t, err)
	require.NoError(t, st.SaveAnalysisRecord(ctx, models.AnalysisRecord{BatchID: "batch_1", PatientID: "pat_1",
		ResultJSON: `{"riskLevel":"LOW","summary":"Reported weight 81"}`}))

	b := NewStoreContextBuilder(st)
	b.now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, loc) }
	pc, err := b.Build(ctx, "pat_1")
	require.NoError(t, err)

	assert.Equal(t, "Ivan", pc.Name)
	assert.Equal(t, "Weight loss", pc.ProgramName)
	assert.Equal(t, 2, pc.ProgramDay)
	require.Len(t, pc.Today, 2)
	assert.Equal(t, models.ActivityWeight, pc.Today[0].Type)
	assert.Equal(t, models.ItemSent, pc.Today[0].Status)
	assert.Equal(t, models.ItemPending, pc.Today[1].Status)
	assert.Equal(t, []string{"FOLLOW_UP: Call patient"}, pc.OpenTasks)
	assert.Equal(t, []string{"Reported weight 81"}, pc.RecentSummaries)
}

func TestStoreContextBuilder_UnknownPatient(t *testing.T) {
	pc, err := NewStoreContextBuilder(store.NewInMemoryStore()).Build(context.Background(), "pat_x")
	require.NoError(t, err)
	assert.Equal(t, "pat_x", pc.PatientID)
	assert.Empty(t, pc.ProgramName)
	assert.Contains(t, pc.Render(), "none active")
}
