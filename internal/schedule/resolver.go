package schedule

import (
	"sort"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ActivitiesForDay returns the activities of a program day ordered by local time,
// then slot. A day the template does not define yields an empty list.
func ActivitiesForDay(t *models.ProgramTemplate, day int) []models.Activity {
	if t == nil {
		return nil
	}
	for _, d := range t.Schedule {
		if d.Day != day {
			continue
		}
		acts := make([]models.Activity, len(d.Activities))
		copy(acts, d.Activities)
		sort.SliceStable(acts, func(i, j int) bool {
			mi, _ := acts[i].ClockMinutes()
			mj, _ := acts[j].ClockMinutes()
			if mi != mj {
				return mi < mj
			}
			return acts[i].Slot.Less(acts[j].Slot)
		})
		return acts
	}
	return []models.Activity{}
}

// DueActivity is an activity placed on the calendar of a specific instance day.
type DueActivity struct {
	models.Activity
	Day         int
	ScheduledAt time.Time
	// Ordinal is the 1-based position of this activity among same-type
	// activities of the day.
	Ordinal int
}

// Key returns the schedule item key for the activity on instance.
func (d DueActivity) Key(instanceID string) models.ScheduleItemKey {
	return models.ScheduleItemKey{InstanceID: instanceID, Day: d.Day, ActivityType: d.Type, Slot: d.Slot}
}

// SkippedActivity is an activity whose rules could not be placed on the calendar.
type SkippedActivity struct {
	Activity models.Activity
	Err      error
}

// Calendar places the activities of day on the instance's local calendar.
// Activities with unparsable times are returned in skipped rather than failing
// the whole day.
func Calendar(t *models.ProgramTemplate, start time.Time, loc *time.Location, day int) (due []DueActivity, skipped []SkippedActivity) {
	ordinals := make(map[models.ActivityType]int)
	for _, a := range ActivitiesForDay(t, day) {
		minutes, err := a.ClockMinutes()
		if err != nil {
			skipped = append(skipped, SkippedActivity{Activity: a, Err: err})
			continue
		}
		ordinals[a.Type]++
		due = append(due, DueActivity{
			Activity:    a,
			Day:         day,
			ScheduledAt: LocalTime(start, loc, day, minutes),
			Ordinal:     ordinals[a.Type],
		})
	}
	return due, skipped
}
