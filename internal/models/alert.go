package models

import "time"

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertLow      AlertLevel = "LOW"
	AlertMedium   AlertLevel = "MEDIUM"
	AlertHigh     AlertLevel = "HIGH"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertStatus is the operator workflow state of an alert.
type AlertStatus string

const (
	AlertOpen       AlertStatus = "OPEN"
	AlertInProgress AlertStatus = "IN_PROGRESS"
	AlertResolved   AlertStatus = "RESOLVED"
)

// Alert types raised by the core.
const (
	AlertTypeRisk           = "RISK"
	AlertTypeHandoff        = "HANDOFF"
	AlertTypeAnalysisFailed = "ANALYSIS_FAILED"
)

// Alert sources.
const (
	SourceSystem = "SYSTEM"
	SourceAI     = "AI"
	SourceManual = "MANUAL"
)

// Alert is an operator-visible notification about a patient.
type Alert struct {
	ID             string      `json:"id"`
	PatientID      string      `json:"patient_id"`
	Type           string      `json:"type"`
	Level          AlertLevel  `json:"level"`
	Status         AlertStatus `json:"status"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Source         string      `json:"source"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
	ResolutionNote string      `json:"resolution_note,omitempty"`
}

// TaskType is the kind of work item.
type TaskType string

const (
	TaskRiskAlert     TaskType = "RISK_ALERT"
	TaskMissedCheckin TaskType = "MISSED_CHECKIN"
	TaskFollowUp      TaskType = "FOLLOW_UP"
	TaskCustom        TaskType = "CUSTOM"
)

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "OPEN"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
)

// IsActive reports whether a task still counts against dedupe keys.
func (s TaskStatus) IsActive() bool {
	return s == TaskOpen || s == TaskInProgress
}

// TaskPriority orders tasks for operators.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

// Task is an actionable work item for an operator. At most one active task may
// exist per non-empty DedupeKey.
type Task struct {
	ID          string       `json:"id"`
	PatientID   string       `json:"patient_id"`
	AlertID     string       `json:"alert_id,omitempty"`
	Type        TaskType     `json:"type"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Source      string       `json:"source"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	DedupeKey   string       `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy  string       `json:"resolved_by,omitempty"`
}

// MissedCheckinDedupeKey is the dedupe key of the MISSED_CHECKIN task for an item.
func MissedCheckinDedupeKey(k ScheduleItemKey) string {
	return "missed:" + k.String()
}

// AlertTaskDedupeKey is the dedupe key of the RISK_ALERT task opened for an alert.
func AlertTaskDedupeKey(alertID string) string {
	return "alert:" + alertID
}
