// Package buffer holds inbound message fragments per patient until the
// debounce window closes. Flush is a single atomic read-and-clear in every
// implementation: a fragment is returned by exactly one flush.
package buffer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Buffer is the per-patient message buffer.
type Buffer interface {
	// Append adds a fragment at the tail of the patient's buffer.
	Append(ctx context.Context, f models.MessageFragment) error
	// Flush atomically removes and returns the patient's fragments in arrival order.
	Flush(ctx context.Context, patientID string) ([]models.MessageFragment, error)
	// Len returns the number of buffered fragments for the patient.
	Len(ctx context.Context, patientID string) (int, error)
	// Restore puts fragments returned by Flush back ahead of anything
	// appended since, keeping their order.
	Restore(ctx context.Context, patientID string, frags []models.MessageFragment) error
}

func validate(f models.MessageFragment) (models.MessageFragment, error) {
	if strings.TrimSpace(f.Text) == "" {
		return f, models.ErrEmptyMessageFragment
	}
	if f.PatientID == "" {
		return f, fmt.Errorf("fragment has no patient id")
	}
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	return f, nil
}

// Join concatenates fragment texts with newlines, the form handed to analysis.
func Join(frags []models.MessageFragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Text)
	}
	return strings.Join(parts, "\n")
}
