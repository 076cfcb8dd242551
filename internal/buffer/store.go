package buffer

import (
	"context"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// StoreBuffer keeps fragments in the SQL message_fragments table.
type StoreBuffer struct {
	repo store.FragmentRepo
}

// NewStoreBuffer wraps a FragmentRepo.
func NewStoreBuffer(repo store.FragmentRepo) *StoreBuffer {
	return &StoreBuffer{repo: repo}
}

func (b *StoreBuffer) Append(ctx context.Context, f models.MessageFragment) error {
	f, err := validate(f)
	if err != nil {
		return err
	}
	_, err = b.repo.AppendFragment(ctx, f)
	return err
}

func (b *StoreBuffer) Flush(ctx context.Context, patientID string) ([]models.MessageFragment, error) {
	return b.repo.FlushFragments(ctx, patientID)
}

func (b *StoreBuffer) Restore(ctx context.Context, _ string, frags []models.MessageFragment) error {
	return b.repo.RestoreFragments(ctx, frags)
}

func (b *StoreBuffer) Len(ctx context.Context, patientID string) (int, error) {
	return b.repo.CountFragments(ctx, patientID)
}
