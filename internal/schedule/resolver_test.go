package schedule

import (
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTemplate() *models.ProgramTemplate {
	return &models.ProgramTemplate{
		ID:           "tpl_1",
		Version:      1,
		Name:         "Weight loss",
		DurationDays: 14,
		Schedule: []models.TemplateDay{
			{Day: 1, Activities: []models.Activity{
				{Slot: models.SlotEvening, Time: "20:00", Type: models.ActivityWeight, Question: "Evening weight?", Required: false},
				{Slot: models.SlotMorning, Time: "08:00", Type: models.ActivityWeight, Question: "Morning weight?", Required: true},
				{Slot: models.SlotMorning, Time: "08:00", Type: models.ActivityMood, Question: "Mood?", Required: true},
				{Slot: models.SlotAfternoon, Time: "13:30", Type: models.ActivityMeals, Question: "Lunch photo?", Required: true},
			}},
			{Day: 3, Activities: []models.Activity{
				{Slot: models.SlotMorning, Time: "09:00", Type: models.ActivitySteps, Question: "Steps?", Required: true},
			}},
		},
	}
}

func TestActivitiesForDayOrdersByTimeThenSlot(t *testing.T) {
	acts := ActivitiesForDay(sampleTemplate(), 1)
	require.Len(t, acts, 4)
	assert.Equal(t, "08:00", acts[0].Time)
	assert.Equal(t, "08:00", acts[1].Time)
	assert.Equal(t, "13:30", acts[2].Time)
	assert.Equal(t, models.ActivityWeight, acts[3].Type)
}

func TestActivitiesForDayDoesNotMutateTemplate(t *testing.T) {
	tpl := sampleTemplate()
	_ = ActivitiesForDay(tpl, 1)
	assert.Equal(t, "20:00", tpl.Schedule[0].Activities[0].Time)
}

func TestActivitiesForUndefinedDay(t *testing.T) {
	tpl := sampleTemplate()
	assert.Empty(t, ActivitiesForDay(tpl, 2))
	assert.NotNil(t, ActivitiesForDay(tpl, 2))
	assert.Empty(t, ActivitiesForDay(tpl, 0))
	assert.Empty(t, ActivitiesForDay(nil, 1))
}

func TestProperty_DaysBeyondScheduleAreEmpty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("days after the last defined day resolve to no activities", prop.ForAll(
		func(definedDays, extra int) bool {
			tpl := &models.ProgramTemplate{Name: "gen", DurationDays: definedDays}
			for d := 1; d <= definedDays; d++ {
				tpl.Schedule = append(tpl.Schedule, models.TemplateDay{Day: d, Activities: []models.Activity{
					{Slot: models.SlotMorning, Time: "08:00", Type: models.ActivityMood, Question: "?"},
				}})
			}
			acts := ActivitiesForDay(tpl, definedDays+extra)
			return acts != nil && len(acts) == 0
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestCalendarAssignsOrdinalsAndTimes(t *testing.T) {
	loc := mustLoad(t, "Asia/Yekaterinburg")
	start := time.Date(2024, 1, 1, 0, 1, 0, 0, loc)

	due, skipped := Calendar(sampleTemplate(), start, loc, 1)
	require.Empty(t, skipped)
	require.Len(t, due, 4)

	assert.Equal(t, models.ActivityWeight, due[0].Type)
	assert.Equal(t, 1, due[0].Ordinal)
	assert.True(t, due[0].ScheduledAt.Equal(time.Date(2024, 1, 1, 8, 0, 0, 0, loc)))
	assert.Equal(t, 2, due[3].Ordinal)
	assert.Equal(t, models.ScheduleItemKey{InstanceID: "pi_1", Day: 1, ActivityType: models.ActivityWeight, Slot: models.SlotEvening}, due[3].Key("pi_1"))
}

func TestCalendarSkipsMalformedActivities(t *testing.T) {
	tpl := sampleTemplate()
	tpl.Schedule[1].Activities = append(tpl.Schedule[1].Activities,
		models.Activity{Slot: models.SlotEvening, Time: "25:99", Type: models.ActivityMood, Question: "?"})

	due, skipped := Calendar(tpl, base, time.UTC, 3)
	assert.Len(t, due, 1)
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0].Err, models.ErrInvalidActivityTime)
}
