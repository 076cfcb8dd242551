package models

import (
	"fmt"
	"time"
)

// ScheduleItemStatus is the reminder state of one activity on one program day.
type ScheduleItemStatus string

const (
	ItemPending   ScheduleItemStatus = "PENDING"
	ItemSent      ScheduleItemStatus = "SENT"
	ItemSatisfied ScheduleItemStatus = "SATISFIED"
	ItemMissed    ScheduleItemStatus = "MISSED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ScheduleItemStatus) IsTerminal() bool {
	return s == ItemSatisfied || s == ItemMissed
}

// CanTransitionTo reports whether PENDING -> SENT -> {SATISFIED | MISSED} allows
// moving from s to next. PENDING may also close directly.
func (s ScheduleItemStatus) CanTransitionTo(next ScheduleItemStatus) bool {
	switch s {
	case ItemPending:
		return next == ItemSent || next == ItemSatisfied || next == ItemMissed
	case ItemSent:
		return next == ItemSatisfied || next == ItemMissed
	default:
		return false
	}
}

// ScheduleItemKey identifies a materialized due item.
type ScheduleItemKey struct {
	InstanceID   string       `json:"instance_id"`
	Day          int          `json:"day"`
	ActivityType ActivityType `json:"activity_type"`
	Slot         Slot         `json:"slot"`
}

// String renders the key for logs and dedupe keys.
func (k ScheduleItemKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", k.InstanceID, k.Day, k.ActivityType, k.Slot)
}

// ScheduleItem is the derived due-item of an activity on a program day.
type ScheduleItem struct {
	ScheduleItemKey
	PatientID   string             `json:"patient_id"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Status      ScheduleItemStatus `json:"status"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
