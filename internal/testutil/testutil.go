// Package testutil provides common fixtures and helpers for CarePipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// DefaultZone is the patient zone used by fixtures.
const DefaultZone = "Asia/Yekaterinburg"

// Clock is a settable time source for components that take a now func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock reading t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MustLoadLocation loads an IANA zone or fails the test.
func MustLoadLocation(t testing.TB, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

// WeightTemplate returns a template with a required morning weigh-in on
// every day and an optional evening mood check on day 1.
func WeightTemplate(id string, days int) models.ProgramTemplate {
	t := models.ProgramTemplate{ID: id, Name: "Weight program", DurationDays: days}
	for d := 1; d <= days; d++ {
		day := models.TemplateDay{Day: d, Activities: []models.Activity{
			{Slot: models.SlotMorning, Time: "08:00", Type: models.ActivityWeight, Question: "Please log your weight", Required: true},
		}}
		if d == 1 {
			day.Activities = append(day.Activities, models.Activity{
				Slot: models.SlotEvening, Time: "21:00", Type: models.ActivityMood, Question: "How was your day?",
			})
		}
		t.Schedule = append(t.Schedule, day)
	}
	return t
}

// SeedPatient stores a patient or fails the test.
func SeedPatient(t testing.TB, st store.PatientRepo, id, phone string) models.Patient {
	t.Helper()
	p := models.Patient{ID: id, Name: "Test " + id, Phone: phone, Timezone: DefaultZone}
	if err := st.SavePatient(context.Background(), p); err != nil {
		t.Fatalf("failed to seed patient %s: %v", id, err)
	}
	return p
}

// SeedTemplate stores tpl as a new version or fails the test.
func SeedTemplate(t testing.TB, st store.TemplateRepo, tpl models.ProgramTemplate) models.ProgramTemplate {
	t.Helper()
	stored, err := st.CreateTemplateVersion(context.Background(), tpl)
	if err != nil {
		t.Fatalf("failed to seed template %s: %v", tpl.ID, err)
	}
	return stored
}

// SeedInstance stores an ACTIVE instance of tpl started at start or fails the test.
func SeedInstance(t testing.TB, st store.InstanceRepo, id, patientID string, tpl models.ProgramTemplate, start time.Time) models.ProgramInstance {
	t.Helper()
	inst := models.ProgramInstance{
		ID:              id,
		PatientID:       patientID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		StartDate:       start,
		Timezone:        DefaultZone,
		Status:          models.InstanceActive,
		CurrentDay:      1,
	}
	if err := st.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("failed to seed instance %s: %v", id, err)
	}
	return inst
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
