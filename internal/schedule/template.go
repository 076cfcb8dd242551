package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ParseTemplate decodes a JSON program template and validates it. Unknown
// fields are rejected so that typos in rule blobs fail at assignment time.
func ParseTemplate(data []byte) (*models.ProgramTemplate, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t models.ProgramTemplate
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidTemplate, err)
	}
	if err := ValidateTemplate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateTemplate checks a template's schedule rules.
func ValidateTemplate(t *models.ProgramTemplate) error {
	if t == nil {
		return fmt.Errorf("%w: nil template", models.ErrInvalidTemplate)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidTemplate)
	}
	if t.DurationDays < 1 {
		return fmt.Errorf("%w: durationDays must be at least 1, got %d", models.ErrInvalidTemplate, t.DurationDays)
	}

	seenDays := make(map[int]bool, len(t.Schedule))
	for _, d := range t.Schedule {
		if d.Day < 1 || d.Day > t.DurationDays {
			return fmt.Errorf("%w: day %d outside 1..%d", models.ErrInvalidTemplate, d.Day, t.DurationDays)
		}
		if seenDays[d.Day] {
			return fmt.Errorf("%w: day %d defined twice", models.ErrInvalidTemplate, d.Day)
		}
		seenDays[d.Day] = true

		type slotKey struct {
			typ  models.ActivityType
			slot models.Slot
		}
		seen := make(map[slotKey]bool, len(d.Activities))
		for i, a := range d.Activities {
			if err := validateActivity(a); err != nil {
				return fmt.Errorf("%w: day %d activity %d: %v", models.ErrInvalidTemplate, d.Day, i, err)
			}
			k := slotKey{a.Type, a.Slot}
			if seen[k] {
				return fmt.Errorf("%w: day %d has two %s activities in %s", models.ErrInvalidTemplate, d.Day, a.Type, a.Slot)
			}
			seen[k] = true
		}
	}
	return nil
}

func validateActivity(a models.Activity) error {
	if !models.IsValidSlot(a.Slot) {
		return fmt.Errorf("%w: %q", models.ErrInvalidSlot, a.Slot)
	}
	if !models.IsValidActivityType(a.Type) {
		return fmt.Errorf("%w: %q", models.ErrInvalidActivityType, a.Type)
	}
	if _, err := a.ClockMinutes(); err != nil {
		return err
	}
	if a.Question == "" {
		return fmt.Errorf("question is required")
	}
	return nil
}
