package buffer

import (
	"context"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// MemoryBuffer is an in-process Buffer for tests and single-process runs.
type MemoryBuffer struct {
	mu    sync.Mutex
	seq   int64
	frags map[string][]models.MessageFragment
}

// NewMemoryBuffer creates an empty buffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{frags: make(map[string][]models.MessageFragment)}
}

func (b *MemoryBuffer) Append(_ context.Context, f models.MessageFragment) error {
	f, err := validate(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	f.Seq = b.seq
	b.frags[f.PatientID] = append(b.frags[f.PatientID], f)
	return nil
}

func (b *MemoryBuffer) Flush(_ context.Context, patientID string) ([]models.MessageFragment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frags[patientID]
	delete(b.frags, patientID)
	return out, nil
}

func (b *MemoryBuffer) Restore(_ context.Context, patientID string, frags []models.MessageFragment) error {
	if len(frags) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make([]models.MessageFragment, 0, len(frags)+len(b.frags[patientID]))
	restored = append(restored, frags...)
	b.frags[patientID] = append(restored, b.frags[patientID]...)
	return nil
}

func (b *MemoryBuffer) Len(_ context.Context, patientID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frags[patientID]), nil
}
