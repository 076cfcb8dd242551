package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countCall struct {
	patientID string
	from, to  time.Time
}

type fakeCounter struct {
	counts map[models.ActivityType]int
	err    error
	calls  []countCall
}

func (f *fakeCounter) CountObservationsByType(_ context.Context, patientID string, from, to time.Time) (map[models.ActivityType]int, error) {
	f.calls = append(f.calls, countCall{patientID, from, to})
	return f.counts, f.err
}

func TestCheckerForDayQueriesLocalWindowOnce(t *testing.T) {
	loc := mustLoad(t, "Asia/Yekaterinburg")
	start := time.Date(2024, 1, 1, 0, 1, 0, 0, loc)
	counter := &fakeCounter{counts: map[models.ActivityType]int{models.ActivityWeight: 1}}

	f, err := NewChecker(counter).ForDay(context.Background(), "pat_1", start, loc, 2)
	require.NoError(t, err)
	require.Len(t, counter.calls, 1)
	assert.True(t, counter.calls[0].from.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, loc)))
	assert.True(t, counter.calls[0].to.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, loc)))

	assert.True(t, f.Has(models.ActivityWeight))
	assert.False(t, f.Has(models.ActivityMood))
}

func TestFulfillmentSatisfiesByOrdinal(t *testing.T) {
	f := Fulfillment{models.ActivityWeight: 1}
	first := DueActivity{Activity: models.Activity{Type: models.ActivityWeight}, Ordinal: 1}
	second := DueActivity{Activity: models.Activity{Type: models.ActivityWeight}, Ordinal: 2}

	assert.True(t, f.Satisfies(first))
	assert.False(t, f.Satisfies(second))

	f[models.ActivityWeight] = 2
	assert.True(t, f.Satisfies(second))
}

func TestCheckerWrapsErrors(t *testing.T) {
	counter := &fakeCounter{err: errors.New("db down")}
	_, err := NewChecker(counter).ForWindow(context.Background(), "pat_1", base, base.Add(time.Hour))
	assert.ErrorContains(t, err, "db down")
}

func TestCheckerNilCountsIsEmpty(t *testing.T) {
	f, err := NewChecker(&fakeCounter{}).ForWindow(context.Background(), "pat_1", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, f.Has(models.ActivityMood))
}
