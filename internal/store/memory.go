package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a process-local Store for tests and single-process runs.
// It applies the same conditional-write rules as the SQL stores.
type InMemoryStore struct {
	mu           sync.Mutex
	receipts     []models.Receipt
	patients     map[string]models.Patient
	templates    map[string][]models.ProgramTemplate // by id, index = version-1
	instances    map[string]models.ProgramInstance
	items        map[models.ScheduleItemKey]models.ScheduleItem
	observations []models.Observation
	alerts       []models.Alert
	tasks        []models.Task
	batches      map[string]models.AnalysisBatch
	records      map[string]models.AnalysisRecord
	outbox       []OutboxMessage
	dedup        map[string]DedupRecord
	now          func() time.Time
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:  make(map[string]models.Patient),
		templates: make(map[string][]models.ProgramTemplate),
		instances: make(map[string]models.ProgramInstance),
		items:     make(map[models.ScheduleItemKey]models.ScheduleItem),
		batches:   make(map[string]models.AnalysisBatch),
		records:   make(map[string]models.AnalysisRecord),
		dedup:     make(map[string]DedupRecord),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) AddReceipt(_ context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(_ context.Context) ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) SavePatient(_ context.Context, p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.patients {
		if id != p.ID && other.Phone == p.Phone {
			return fmt.Errorf("save patient %s: phone in use: %w", p.ID, ErrConflict)
		}
	}
	if existing, ok := s.patients[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("get patient %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *InMemoryStore) GetPatientByPhone(_ context.Context, phone string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.Phone == phone {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("get patient by phone: %w", ErrNotFound)
}

func (s *InMemoryStore) CreateTemplateVersion(_ context.Context, t models.ProgramTemplate) (models.ProgramTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Version = len(s.templates[t.ID]) + 1
	t.CreatedAt = s.now()
	t.Schedule = append([]models.TemplateDay(nil), t.Schedule...)
	s.templates[t.ID] = append(s.templates[t.ID], t)
	return t, nil
}

func (s *InMemoryStore) GetTemplate(_ context.Context, id string, version int) (*models.ProgramTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.templates[id]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("template %s v%d: %w", id, version, ErrNotFound)
	}
	t := versions[version-1]
	return &t, nil
}

func (s *InMemoryStore) GetLatestTemplate(_ context.Context, id string) (*models.ProgramTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.templates[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	t := versions[len(versions)-1]
	return &t, nil
}

func isRunning(st models.InstanceStatus) bool {
	return st == models.InstanceActive || st == models.InstancePaused
}

func (s *InMemoryStore) CreateInstance(_ context.Context, inst models.ProgramInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("create instance %s: %w", inst.ID, ErrConflict)
	}
	for _, other := range s.instances {
		if other.PatientID == inst.PatientID && isRunning(other.Status) && isRunning(inst.Status) {
			return fmt.Errorf("patient %s already has instance %s: %w", inst.PatientID, other.ID, ErrConflict)
		}
	}
	now := s.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return &inst, nil
}

func (s *InMemoryStore) ListInstancesByStatus(_ context.Context, status models.InstanceStatus) ([]models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramInstance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetRunningInstanceForPatient(_ context.Context, patientID string) (*models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.PatientID == patientID && isRunning(inst.Status) {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("running instance for %s: %w", patientID, ErrNotFound)
}

func (s *InMemoryStore) UpdateInstanceStatus(_ context.Context, id string, from, to models.InstanceStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("instance %s %s -> %s: %w", id, from, to, models.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if inst.Status != from {
		return fmt.Errorf("instance %s is %s, not %s: %w", id, inst.Status, from, ErrConflict)
	}
	inst.Status = to
	inst.UpdatedAt = s.now()
	s.instances[id] = inst
	return nil
}

func (s *InMemoryStore) UpdateCurrentDay(_ context.Context, id string, day int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	inst.CurrentDay = day
	inst.UpdatedAt = s.now()
	s.instances[id] = inst
	return nil
}

func (s *InMemoryStore) EnsureScheduleItem(_ context.Context, item models.ScheduleItem) (models.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[item.ScheduleItemKey]; ok {
		return existing, nil
	}
	if item.Status == "" {
		item.Status = models.ItemPending
	}
	item.UpdatedAt = s.now()
	s.items[item.ScheduleItemKey] = item
	return item, nil
}

func (s *InMemoryStore) TransitionScheduleItem(_ context.Context, key models.ScheduleItemKey, from, to models.ScheduleItemStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("item %s %s -> %s: %w", key, from, to, models.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	inst, ok := s.instances[key.InstanceID]
	if item.Status != from || !ok || inst.Status != models.InstanceActive {
		return fmt.Errorf("transition item %s %s -> %s: %w", key, from, to, ErrConflict)
	}
	item.Status = to
	if to == models.ItemSent && item.SentAt == nil {
		item.SentAt = &at
	}
	if to.IsTerminal() && item.ResolvedAt == nil {
		item.ResolvedAt = &at
	}
	item.UpdatedAt = s.now()
	s.items[key] = item
	return nil
}

func (s *InMemoryStore) GetScheduleItem(_ context.Context, key models.ScheduleItemKey) (*models.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	return &item, nil
}

func (s *InMemoryStore) ListScheduleItems(_ context.Context, instanceID string, day int) ([]models.ScheduleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduleItem
	for k, item := range s.items {
		if k.InstanceID == instanceID && k.Day == day {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].Slot.Less(out[j].Slot)
	})
	return out, nil
}

func (s *InMemoryStore) AddObservation(_ context.Context, o models.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = util.NewID(util.PrefixObservation)
	}
	for _, existing := range s.observations {
		if existing.ID == o.ID {
			return nil
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.observations = append(s.observations, o)
	return nil
}

func (s *InMemoryStore) CountObservationsByType(_ context.Context, patientID string, from, to time.Time) (map[models.ActivityType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.ActivityType]int)
	for _, o := range s.observations {
		if o.PatientID == patientID && !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			counts[o.ActivityType]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) ListObservations(_ context.Context, patientID string, from, to time.Time) ([]models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Observation
	for _, o := range s.observations {
		if o.PatientID == patientID && !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateAlertUnlessOpen(_ context.Context, a models.Alert, since time.Time) (models.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.alerts) - 1; i >= 0; i-- {
		existing := s.alerts[i]
		if existing.PatientID == a.PatientID && existing.Type == a.Type &&
			existing.Status == models.AlertOpen && !existing.CreatedAt.Before(since) {
			return existing, false, nil
		}
	}
	if a.ID == "" {
		a.ID = util.NewID(util.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Status == "" {
		a.Status = models.AlertOpen
	}
	s.alerts = append(s.alerts, a)
	return a, true, nil
}

func (s *InMemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
}

func (s *InMemoryStore) ListAlerts(_ context.Context, patientID string) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ResolveAlert(_ context.Context, id, by, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		if s.alerts[i].Status == models.AlertResolved {
			return fmt.Errorf("resolve alert %s: %w", id, ErrConflict)
		}
		s.alerts[i].Status = models.AlertResolved
		s.alerts[i].ResolvedAt = &at
		s.alerts[i].ResolvedBy = by
		s.alerts[i].ResolutionNote = note
		return nil
	}
	return fmt.Errorf("resolve alert %s: %w", id, ErrConflict)
}

func (s *InMemoryStore) CreateTask(_ context.Context, t models.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTask)
	}
	if t.Status == "" {
		t.Status = models.TaskOpen
	}
	for _, existing := range s.tasks {
		if existing.ID == t.ID {
			return false, nil
		}
	}
	if t.DedupeKey != "" {
		for _, existing := range s.tasks {
			if existing.DedupeKey == t.DedupeKey && existing.Status.IsActive() {
				return false, nil
			}
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	s.tasks = append(s.tasks, t)
	return true, nil
}

func (s *InMemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (s *InMemoryStore) GetActiveTaskByDedupeKey(_ context.Context, key string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.DedupeKey == key && t.Status.IsActive() {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("active task %s: %w", key, ErrNotFound)
}

func (s *InMemoryStore) ListTasks(_ context.Context, patientID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.PatientID == patientID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListOpenTasks(_ context.Context, patientID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.PatientID == patientID && t.Status.IsActive() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID != id {
			continue
		}
		if s.tasks[i].Status == models.TaskDone {
			return fmt.Errorf("update task %s to %s: %w", id, status, ErrConflict)
		}
		s.tasks[i].Status = status
		s.tasks[i].ResolvedBy = by
		if status == models.TaskDone {
			s.tasks[i].ResolvedAt = &at
		}
		return nil
	}
	return fmt.Errorf("update task %s to %s: %w", id, status, ErrConflict)
}

func (s *InMemoryStore) CreateBatch(_ context.Context, b models.AnalysisBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("create batch %s: %w", b.ID, ErrConflict)
	}
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.Status == "" {
		b.Status = models.BatchPending
	}
	b.UpdatedAt = now
	s.batches[b.ID] = b
	return nil
}

func (s *InMemoryStore) GetBatch(_ context.Context, id string) (*models.AnalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (s *InMemoryStore) ListPendingBatches(_ context.Context, patientID string) ([]models.AnalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalysisBatch
	for _, b := range s.batches {
		if b.PatientID == patientID && b.Status == models.BatchPending {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListPatientsWithPendingBatches(_ context.Context, updatedBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, b := range s.batches {
		if b.Status == models.BatchPending && b.UpdatedAt.Before(updatedBefore) && !seen[b.PatientID] {
			seen[b.PatientID] = true
			out = append(out, b.PatientID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) UpdateBatch(_ context.Context, id string, status models.BatchStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b.Status = status
	b.Attempts = attempts
	b.LastError = lastError
	b.UpdatedAt = s.now()
	s.batches[id] = b
	return nil
}

func (s *InMemoryStore) SaveAnalysisRecord(_ context.Context, r models.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.BatchID]; ok {
		existing.ResultJSON = r.ResultJSON
		s.records[r.BatchID] = existing
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.records[r.BatchID] = r
	return nil
}

func (s *InMemoryStore) ListRecentAnalysisRecords(_ context.Context, patientID string, limit int) ([]models.AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalysisRecord
	for _, r := range s.records {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, patientID, kind, payloadJSON, dedupeKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey {
				return m.ID, false, nil
			}
		}
	}
	now := s.now()
	m := OutboxMessage{
		ID:          util.NewID(util.PrefixOutbox),
		PatientID:   patientID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, true, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for i := range s.outbox {
		if len(out) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("outbox message %s: %w", id, ErrNotFound)
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts++
		m.Status = OutboxStatusQueued
		if m.Attempts >= maxOutboxAttempts {
			m.Status = OutboxStatusFailed
		}
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOutboxMessages(_ context.Context, patientID string) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.PatientID == patientID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		return rec.ProcessedAt == nil, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, PatientID: patientID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}
