package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/schedule"
	"github.com/BTreeMap/CarePipe/internal/store"
)

func TestClock(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(base)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(base.Add(90 * time.Second)) {
		t.Errorf("Now() = %v after Advance", got)
	}
	c.Set(base)
	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v after Set", got)
	}
}

func TestWeightTemplateIsValid(t *testing.T) {
	tpl := WeightTemplate("tpl_weight", 3)
	if err := schedule.ValidateTemplate(&tpl); err != nil {
		t.Fatalf("fixture template is invalid: %v", err)
	}
	if len(tpl.Schedule) != 3 || len(tpl.Schedule[0].Activities) != 2 {
		t.Errorf("unexpected schedule %+v", tpl.Schedule)
	}
}

func TestSeedHelpers(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	loc := MustLoadLocation(t, DefaultZone)

	SeedPatient(t, st, "pat_1", "+79990000001")
	tpl := SeedTemplate(t, st, WeightTemplate("tpl_weight", 3))
	if tpl.Version != 1 {
		t.Errorf("expected version 1, got %d", tpl.Version)
	}
	inst := SeedInstance(t, st, "pi_1", "pat_1", tpl, time.Date(2025, 6, 1, 0, 0, 0, 0, loc))

	got, err := st.GetRunningInstanceForPatient(ctx, "pat_1")
	if err != nil {
		t.Fatalf("GetRunningInstanceForPatient: %v", err)
	}
	if got.ID != inst.ID || got.Status != models.InstanceActive {
		t.Errorf("unexpected instance %+v", got)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]int{"day": 2})
	if string(data) != `{"day":2}` {
		t.Errorf("unexpected JSON %s", data)
	}
}
