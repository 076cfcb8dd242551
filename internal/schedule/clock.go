// Package schedule turns program templates into a day-indexed activity calendar.
//
// All day arithmetic is done on local calendar dates in the patient's IANA zone.
// Nothing here performs I/O except the fulfillment checker, which queries
// observations through a repository.
package schedule

import "time"

// civilDay returns the local calendar date of t in loc as UTC midnight, so that
// the difference between two civil days is always a whole number of 24h periods.
func civilDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns localDate(b) - localDate(a) in calendar days.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	return int(civilDay(b, loc).Sub(civilDay(a, loc)) / (24 * time.Hour))
}

// CurrentDay returns the 1-based program day of now for an instance started at
// start. It is floored at 1 and has no upper bound; a value beyond the
// template's duration means the program is over.
func CurrentDay(start, now time.Time, loc *time.Location) int {
	day := DaysBetween(start, now, loc) + 1
	if day < 1 {
		return 1
	}
	return day
}

// MinutesSinceMidnight returns the local wall-clock minutes of t.
func MinutesSinceMidnight(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*60 + local.Minute()
}

// LocalTime returns the instant of a wall-clock time on a program day. Times
// falling into a DST gap are normalized forward by time.Date.
func LocalTime(start time.Time, loc *time.Location, day, minutes int) time.Time {
	y, m, d := start.In(loc).Date()
	return time.Date(y, m, d+day-1, minutes/60, minutes%60, 0, 0, loc)
}

// DayWindow returns [local midnight of day, next local midnight). The window is
// 23 or 25 hours long on DST transition days.
func DayWindow(start time.Time, loc *time.Location, day int) (from, to time.Time) {
	return LocalTime(start, loc, day, 0), LocalTime(start, loc, day+1, 0)
}
