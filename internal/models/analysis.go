package models

import (
	"fmt"
	"time"
)

// RiskLevel is the analysis function's risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// IsValidRiskLevel checks if the given risk level is supported.
func IsValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// IsElevated reports whether the risk level requires an alert.
func (r RiskLevel) IsElevated() bool {
	return r == RiskHigh || r == RiskCritical
}

// AlertLevel maps a risk level onto an alert level.
func (r RiskLevel) AlertLevel() AlertLevel {
	switch r {
	case RiskCritical:
		return AlertCritical
	case RiskHigh:
		return AlertHigh
	case RiskMedium:
		return AlertMedium
	default:
		return AlertLow
	}
}

// ExtractedObservation is a check-in value the analysis function found in the text.
type ExtractedObservation struct {
	ActivityType ActivityType     `json:"activityType"`
	Value        ObservationValue `json:"value"`
	Unit         string           `json:"unit,omitempty"`
}

// AnalysisResult is the structured output of the analysis function.
type AnalysisResult struct {
	Sentiment             string                 `json:"sentiment"`
	RiskLevel             RiskLevel              `json:"riskLevel"`
	Summary               string                 `json:"summary"`
	ShouldReply           bool                   `json:"shouldReply"`
	SuggestedReply        string                 `json:"suggestedReply,omitempty"`
	HandoffRequired       bool                   `json:"handoffRequired"`
	CheckInSatisfied      bool                   `json:"checkInSatisfied"`
	ExtractedObservations []ExtractedObservation `json:"extractedObservations,omitempty"`
}

// Validate checks the enum fields of an analysis result.
func (r AnalysisResult) Validate() error {
	if !IsValidRiskLevel(r.RiskLevel) {
		return fmt.Errorf("%w: %q", ErrInvalidRiskLevel, r.RiskLevel)
	}
	for i, obs := range r.ExtractedObservations {
		if !IsValidActivityType(obs.ActivityType) {
			return fmt.Errorf("extracted observation %d: %w: %q", i, ErrInvalidActivityType, obs.ActivityType)
		}
	}
	return nil
}

// MessageFragment is one raw inbound text fragment waiting in a patient's buffer.
type MessageFragment struct {
	PatientID  string    `json:"patient_id"`
	Text       string    `json:"text"`
	ExternalID string    `json:"external_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        int64     `json:"seq"`
}

// BatchStatus is the processing state of a flushed buffer.
type BatchStatus string

const (
	BatchPending BatchStatus = "PENDING"
	BatchDone    BatchStatus = "DONE"
	BatchFailed  BatchStatus = "FAILED"
)

// AnalysisBatch is the durable copy of a flushed buffer. It keeps cleared fragments
// available for retries and for operator review after permanent failure.
type AnalysisBatch struct {
	ID            string      `json:"id"`
	PatientID     string      `json:"patient_id"`
	Text          string      `json:"text"`
	FragmentCount int         `json:"fragment_count"`
	Status        BatchStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// AnalysisRecord is the audit row of one analysis, stored regardless of the
// side effects taken.
type AnalysisRecord struct {
	BatchID    string    `json:"batch_id"`
	PatientID  string    `json:"patient_id"`
	ResultJSON string    `json:"result_json"`
	CreatedAt  time.Time `json:"created_at"`
}
