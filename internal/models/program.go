package models

import (
	"fmt"
	"time"
)

// Slot is the part of the day an activity belongs to.
type Slot string

const (
	SlotMorning   Slot = "MORNING"
	SlotAfternoon Slot = "AFTERNOON"
	SlotEvening   Slot = "EVENING"
)

// IsValidSlot checks if the given slot is supported.
func IsValidSlot(s Slot) bool {
	switch s {
	case SlotMorning, SlotAfternoon, SlotEvening:
		return true
	default:
		return false
	}
}

// slotOrder is used to break ties between activities scheduled at the same time.
func (s Slot) order() int {
	switch s {
	case SlotMorning:
		return 0
	case SlotAfternoon:
		return 1
	case SlotEvening:
		return 2
	default:
		return 3
	}
}

// Less reports whether s sorts before other.
func (s Slot) Less(other Slot) bool {
	return s.order() < other.order()
}

// ActivityType is the kind of observation an activity asks for.
type ActivityType string

const (
	ActivityWeight        ActivityType = "WEIGHT"
	ActivityMood          ActivityType = "MOOD"
	ActivityMeals         ActivityType = "MEALS"
	ActivityDietAdherence ActivityType = "DIET_ADHERENCE"
	ActivitySteps         ActivityType = "STEPS"
	ActivityVisit         ActivityType = "VISIT"
	ActivityCustom        ActivityType = "CUSTOM"
	ActivityText          ActivityType = "TEXT"
	ActivityPhoto         ActivityType = "PHOTO"
)

// IsValidActivityType checks if the given activity type is supported.
func IsValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityWeight, ActivityMood, ActivityMeals, ActivityDietAdherence, ActivitySteps,
		ActivityVisit, ActivityCustom, ActivityText, ActivityPhoto:
		return true
	default:
		return false
	}
}

// Activity is a single scheduled prompt within a program day.
type Activity struct {
	Slot     Slot         `json:"slot"`
	Time     string       `json:"time"` // "HH:MM", patient local time
	Type     ActivityType `json:"type"`
	Question string       `json:"question"`
	Required bool         `json:"required"`
}

// ClockMinutes returns the activity time as minutes since local midnight.
func (a Activity) ClockMinutes() (int, error) {
	t, err := time.Parse("15:04", a.Time)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidActivityTime, a.Time)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// TemplateDay lists the activities of one program day.
type TemplateDay struct {
	Day        int        `json:"day"`
	Activities []Activity `json:"activities"`
}

// ProgramTemplate is a versioned program definition. A stored version is immutable;
// updating a template creates a new version.
type ProgramTemplate struct {
	ID           string        `json:"id"`
	Version      int           `json:"version"`
	Name         string        `json:"name"`
	DurationDays int           `json:"duration_days"`
	Schedule     []TemplateDay `json:"schedule"`
	CreatedAt    time.Time     `json:"created_at"`
}

// InstanceStatus is the lifecycle status of a program instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "ACTIVE"
	InstancePaused    InstanceStatus = "PAUSED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// instanceTransitions lists the allowed status changes.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceActive: {InstancePaused, InstanceCompleted, InstanceCancelled},
	InstancePaused: {InstanceActive, InstanceCompleted, InstanceCancelled},
}

// CanTransitionTo reports whether an instance in status s may move to next.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ProgramInstance is one patient's run of a program template.
type ProgramInstance struct {
	ID              string         `json:"id"`
	PatientID       string         `json:"patient_id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	StartDate       time.Time      `json:"start_date"`
	Timezone        string         `json:"timezone"`
	Status          InstanceStatus `json:"status"`
	CurrentDay      int            `json:"current_day"` // cache, recomputed by every sweep
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Location loads the instance's IANA time zone.
func (p ProgramInstance) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return nil, fmt.Errorf("%w: instance %s has no timezone", ErrInvalidTimezone, p.ID)
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, p.Timezone, err)
	}
	return loc, nil
}
