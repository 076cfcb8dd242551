package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/schedule"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// PatientContext is what the analysis function knows about the sender.
type PatientContext struct {
	PatientID       string
	Name            string
	Timezone        string
	ProgramName     string
	ProgramDay      int
	DurationDays    int
	Today           []ActivityState
	OpenTasks       []string
	RecentSummaries []string
}

// ActivityState is one of today's activities and its schedule item status.
type ActivityState struct {
	Type     models.ActivityType
	Slot     models.Slot
	Time     string
	Question string
	Status   models.ScheduleItemStatus
}

// Render formats the context as prompt text.
func (pc PatientContext) Render() string {
	var b strings.Builder
	if pc.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", pc.Name)
	}
	if pc.ProgramName != "" {
		fmt.Fprintf(&b, "Program: %s, day %d of %d\n", pc.ProgramName, pc.ProgramDay, pc.DurationDays)
	} else {
		b.WriteString("Program: none active\n")
	}
	if len(pc.Today) > 0 {
		b.WriteString("Today's activities:\n")
		for _, a := range pc.Today {
			fmt.Fprintf(&b, "- %s %s %s (%s): %s\n", a.Time, a.Slot, a.Type, a.Status, a.Question)
		}
	}
	if len(pc.OpenTasks) > 0 {
		b.WriteString("Open care-team tasks:\n")
		for _, t := range pc.OpenTasks {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	if len(pc.RecentSummaries) > 0 {
		b.WriteString("Recent analyses:\n")
		for _, s := range pc.RecentSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}

// ContextBuilder assembles the PatientContext for an analysis.
type ContextBuilder interface {
	Build(ctx context.Context, patientID string) (PatientContext, error)
}

// ContextStore is the read surface StoreContextBuilder needs.
type ContextStore interface {
	store.PatientRepo
	store.InstanceRepo
	store.TemplateRepo
	store.ScheduleItemRepo
	store.TaskRepo
	store.AnalysisRepo
}

// recentSummaryLimit bounds the analysis history included in the prompt.
const recentSummaryLimit = 5

// StoreContextBuilder builds contexts from the repositories.
type StoreContextBuilder struct {
	st  ContextStore
	now func() time.Time
}

// NewStoreContextBuilder creates a builder over st.
func NewStoreContextBuilder(st ContextStore) *StoreContextBuilder {
	return &StoreContextBuilder{st: st, now: time.Now}
}

// Build collects profile, running program day, open tasks and recent summaries.
func (b *StoreContextBuilder) Build(ctx context.Context, patientID string) (PatientContext, error) {
	pc := PatientContext{PatientID: patientID}

	p, err := b.st.GetPatient(ctx, patientID)
	switch {
	case err == nil:
		pc.Name, pc.Timezone = p.Name, p.Timezone
	case !errors.Is(err, store.ErrNotFound):
		return pc, fmt.Errorf("load patient %s: %w", patientID, err)
	}

	if err := b.addProgram(ctx, &pc); err != nil {
		return pc, err
	}

	tasks, err := b.st.ListOpenTasks(ctx, patientID)
	if err != nil {
		return pc, fmt.Errorf("list open tasks of %s: %w", patientID, err)
	}
	for _, t := range tasks {
		pc.OpenTasks = append(pc.OpenTasks, fmt.Sprintf("%s: %s", t.Type, t.Title))
	}

	records, err := b.st.ListRecentAnalysisRecords(ctx, patientID, recentSummaryLimit)
	if err != nil {
		return pc, fmt.Errorf("list analyses of %s: %w", patientID, err)
	}
	for _, r := range records {
		res, err := ParseResult(r.ResultJSON)
		if err != nil || res.Summary == "" {
			continue
		}
		pc.RecentSummaries = append(pc.RecentSummaries, res.Summary)
	}
	return pc, nil
}

func (b *StoreContextBuilder) addProgram(ctx context.Context, pc *PatientContext) error {
	inst, err := b.st.GetRunningInstanceForPatient(ctx, pc.PatientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load running instance of %s: %w", pc.PatientID, err)
	}
	tpl, err := b.st.GetTemplate(ctx, inst.TemplateID, inst.TemplateVersion)
	if err != nil {
		return fmt.Errorf("load template %s v%d: %w", inst.TemplateID, inst.TemplateVersion, err)
	}
	loc, err := inst.Location()
	if err != nil {
		return err
	}

	day := schedule.CurrentDay(inst.StartDate, b.now(), loc)
	pc.ProgramName = tpl.Name
	pc.ProgramDay = day
	pc.DurationDays = tpl.DurationDays
	if pc.Timezone == "" {
		pc.Timezone = inst.Timezone
	}

	items, err := b.st.ListScheduleItems(ctx, inst.ID, day)
	if err != nil {
		return fmt.Errorf("list schedule items of %s day %d: %w", inst.ID, day, err)
	}
	status := make(map[models.ScheduleItemKey]models.ScheduleItemStatus, len(items))
	for _, it := range items {
		status[it.ScheduleItemKey] = it.Status
	}
	for _, a := range schedule.ActivitiesForDay(tpl, day) {
		key := models.ScheduleItemKey{InstanceID: inst.ID, Day: day, ActivityType: a.Type, Slot: a.Slot}
		st, ok := status[key]
		if !ok {
			st = models.ItemPending
		}
		pc.Today = append(pc.Today, ActivityState{Type: a.Type, Slot: a.Slot, Time: a.Time, Question: a.Question, Status: st})
	}
	return nil
}
