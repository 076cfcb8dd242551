package schedule

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testZones = []interface{}{
	"Asia/Yekaterinburg", "Europe/Moscow", "America/New_York", "Europe/London",
	"Australia/Lord_Howe", "Pacific/Kiritimati", "America/Santiago", "UTC",
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// base is 2024-01-01T00:00:00Z; generated instants are offsets from it.
var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestProperty_CurrentDayMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("currentDay never decreases as now advances", prop.ForAll(
		func(zone string, startOffset, nowOffset, step int64) bool {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return false
			}
			start := base.Add(time.Duration(startOffset) * time.Minute)
			now := base.Add(time.Duration(nowOffset) * time.Minute)
			later := now.Add(time.Duration(step) * time.Minute)
			return CurrentDay(start, later, loc) >= CurrentDay(start, now, loc)
		},
		gen.OneConstOf(testZones...),
		gen.Int64Range(0, 60*24*400),
		gen.Int64Range(-60*24*10, 60*24*400),
		gen.Int64Range(0, 60*24*3),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_CurrentDayIndependentOfRepresentation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same instants in different zones give the same day", prop.ForAll(
		func(zone, reprZone string, startOffset, nowOffset int64) bool {
			loc, err1 := time.LoadLocation(zone)
			repr, err2 := time.LoadLocation(reprZone)
			if err1 != nil || err2 != nil {
				return false
			}
			start := base.Add(time.Duration(startOffset) * time.Minute)
			now := base.Add(time.Duration(nowOffset) * time.Minute)
			return CurrentDay(start, now, loc) == CurrentDay(start.In(repr), now.In(repr), loc) &&
				CurrentDay(start, now, loc) == CurrentDay(start.UTC(), now.UTC(), loc)
		},
		gen.OneConstOf(testZones...),
		gen.OneConstOf(testZones...),
		gen.Int64Range(0, 60*24*400),
		gen.Int64Range(0, 60*24*400),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_CurrentDayFlooredAtOne(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("now before start is day 1", prop.ForAll(
		func(zone string, before int64) bool {
			loc, _ := time.LoadLocation(zone)
			start := base.Add(30 * 24 * time.Hour)
			return CurrentDay(start, start.Add(-time.Duration(before)*time.Minute), loc) == 1
		},
		gen.OneConstOf(testZones...),
		gen.Int64Range(0, 60*24*30),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestCurrentDayUsesLocalCalendarNotUTC(t *testing.T) {
	loc := mustLoad(t, "Asia/Yekaterinburg")
	// 00:01 local on Jan 1 is still Dec 31 in UTC.
	start := time.Date(2024, 1, 1, 0, 1, 0, 0, loc)
	now := time.Date(2024, 1, 1, 8, 5, 0, 0, loc)

	assert.Equal(t, 1, CurrentDay(start, now, loc))
	assert.Equal(t, 2, CurrentDay(start, time.Date(2024, 1, 2, 0, 0, 0, 0, loc), loc))
	assert.Equal(t, 1, CurrentDay(start, time.Date(2024, 1, 1, 23, 59, 0, 0, loc), loc))
}

func TestCurrentDayAcrossDST(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	// Spring forward on 2024-03-10, fall back on 2024-11-03.
	start := time.Date(2024, 3, 9, 23, 30, 0, 0, loc)

	assert.Equal(t, 2, CurrentDay(start, time.Date(2024, 3, 10, 23, 30, 0, 0, loc), loc))
	assert.Equal(t, 3, CurrentDay(start, time.Date(2024, 3, 11, 0, 15, 0, 0, loc), loc))

	fall := time.Date(2024, 11, 2, 0, 30, 0, 0, loc)
	assert.Equal(t, 2, CurrentDay(fall, time.Date(2024, 11, 3, 23, 59, 0, 0, loc), loc))
}

func TestCurrentDayHasNoUpperClamp(t *testing.T) {
	loc := mustLoad(t, "UTC")
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, loc)
	assert.Equal(t, 31, CurrentDay(start, start.AddDate(0, 0, 30), loc))
}

func TestDayWindow(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	start := time.Date(2024, 3, 9, 15, 0, 0, 0, loc)

	from, to := DayWindow(start, loc, 2)
	assert.True(t, from.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, loc)))
	assert.True(t, to.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, loc)))
	assert.Equal(t, 23*time.Hour, to.Sub(from))

	from, to = DayWindow(start, loc, 1)
	assert.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestMinutesSinceMidnightAndLocalTime(t *testing.T) {
	loc := mustLoad(t, "Asia/Yekaterinburg")
	now := time.Date(2024, 5, 1, 3, 5, 0, 0, time.UTC) // 08:05 local

	assert.Equal(t, 8*60+5, MinutesSinceMidnight(now, loc))

	start := time.Date(2024, 4, 30, 0, 1, 0, 0, loc)
	at := LocalTime(start, loc, 2, 8*60)
	assert.True(t, at.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, loc)))
}
