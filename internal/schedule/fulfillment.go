package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ObservationCounter counts a patient's observations per activity type in
// [from, to) with a single query.
type ObservationCounter interface {
	CountObservationsByType(ctx context.Context, patientID string, from, to time.Time) (map[models.ActivityType]int, error)
}

// Fulfillment holds observation counts per activity type for one local day.
type Fulfillment map[models.ActivityType]int

// Has reports whether any observation of type t exists.
func (f Fulfillment) Has(t models.ActivityType) bool {
	return f[t] > 0
}

// Satisfies reports whether the due activity has a matching observation. The
// k-th same-type activity of a day needs k observations of that type.
func (f Fulfillment) Satisfies(d DueActivity) bool {
	ordinal := d.Ordinal
	if ordinal < 1 {
		ordinal = 1
	}
	return f[d.Type] >= ordinal
}

// Checker answers whether activities of a day have been fulfilled.
type Checker struct {
	obs ObservationCounter
}

// NewChecker creates a fulfillment checker backed by obs.
func NewChecker(obs ObservationCounter) *Checker {
	return &Checker{obs: obs}
}

// ForDay returns observation counts inside the local-day window of an instance day.
func (c *Checker) ForDay(ctx context.Context, patientID string, start time.Time, loc *time.Location, day int) (Fulfillment, error) {
	from, to := DayWindow(start, loc, day)
	return c.ForWindow(ctx, patientID, from, to)
}

// ForWindow returns observation counts inside [from, to).
func (c *Checker) ForWindow(ctx context.Context, patientID string, from, to time.Time) (Fulfillment, error) {
	counts, err := c.obs.CountObservationsByType(ctx, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count observations for %s: %w", patientID, err)
	}
	if counts == nil {
		counts = map[models.ActivityType]int{}
	}
	return Fulfillment(counts), nil
}
