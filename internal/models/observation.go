package models

import "time"

// ObservationSource records who created an observation.
type ObservationSource string

const (
	ObservationFromPatient       ObservationSource = "PATIENT"
	ObservationFromTranscription ObservationSource = "TRANSCRIPTION"
	ObservationFromAI            ObservationSource = "AI"
)

// ObservationValue holds exactly one of a number, text or boolean.
type ObservationValue struct {
	Number *float64 `json:"number,omitempty"`
	Text   *string  `json:"text,omitempty"`
	Bool   *bool    `json:"bool,omitempty"`
}

// Observation is a recorded patient response to an activity (a check-in).
// Observations are append-only.
type Observation struct {
	ID                string            `json:"id"`
	PatientID         string            `json:"patient_id"`
	ProgramInstanceID string            `json:"program_instance_id,omitempty"`
	ActivityType      ActivityType      `json:"activity_type"`
	Value             ObservationValue  `json:"value"`
	Unit              string            `json:"unit,omitempty"`
	MediaURL          string            `json:"media_url,omitempty"`
	Source            ObservationSource `json:"source"`
	CreatedAt         time.Time         `json:"created_at"`
}
