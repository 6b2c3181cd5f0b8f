package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/internal/repository"
)

type progressStoreStub struct {
	mu        sync.Mutex
	states    map[string]*models.ProgressState
	updates   int
	gets      int
	getErr    error
	updateErr error
}

func newProgressStoreStub(states ...*models.ProgressState) *progressStoreStub {
	stub := &progressStoreStub{states: make(map[string]*models.ProgressState)}
	for _, state := range states {
		stub.states[state.AssignmentID] = state.Clone()
	}
	return stub
}

func (s *progressStoreStub) Create(_ context.Context, state *models.ProgressState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.states[state.AssignmentID]; exists {
		return repository.ErrProgressExists
	}
	s.states[state.AssignmentID] = state.Clone()
	return nil
}

func (s *progressStoreStub) Get(_ context.Context, assignmentID string) (*models.ProgressState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	state, ok := s.states[assignmentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return state.Clone(), nil
}

func (s *progressStoreStub) Update(_ context.Context, state *models.ProgressState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	stored, ok := s.states[state.AssignmentID]
	if !ok || stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	s.states[state.AssignmentID] = state.Clone()
	s.updates++
	return nil
}

func (s *progressStoreStub) snapshot(assignmentID string) *models.ProgressState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[assignmentID].Clone()
}

func (s *progressStoreStub) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *progressStoreStub) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type marksRegistryStub struct {
	mu      sync.Mutex
	records map[string]models.AssignmentMarks
	cleared []string
}

func newMarksRegistryStub() *marksRegistryStub {
	return &marksRegistryStub{records: make(map[string]models.AssignmentMarks)}
}

func (s *marksRegistryStub) Get(_ context.Context, assignmentID string) (*models.AssignmentMarks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[assignmentID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *marksRegistryStub) Record(_ context.Context, marks *models.AssignmentMarks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[marks.AssignmentID] = *marks
	return nil
}

func (s *marksRegistryStub) Clear(_ context.Context, assignmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, assignmentID)
	s.cleared = append(s.cleared, assignmentID)
	return nil
}

func (s *marksRegistryStub) set(assignmentID string, category models.MarksCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[assignmentID] = models.AssignmentMarks{AssignmentID: assignmentID, Category: category, RecordedBy: "grader"}
}

type freelancerRegistryStub struct {
	mu          sync.Mutex
	active      map[string][]string
	unassigned  []string
	unassignErr error
}

func newFreelancerRegistryStub() *freelancerRegistryStub {
	return &freelancerRegistryStub{active: make(map[string][]string)}
}

func (s *freelancerRegistryStub) Assign(_ context.Context, assignmentID, freelancerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.active[assignmentID] {
		if existing == freelancerID {
			return nil
		}
	}
	s.active[assignmentID] = append(s.active[assignmentID], freelancerID)
	return nil
}

func (s *freelancerRegistryStub) ListActive(_ context.Context, assignmentID string) ([]models.AssignmentFreelancer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make([]models.AssignmentFreelancer, 0, len(s.active[assignmentID]))
	for _, id := range s.active[assignmentID] {
		links = append(links, models.AssignmentFreelancer{AssignmentID: assignmentID, FreelancerID: id})
	}
	return links, nil
}

func (s *freelancerRegistryStub) Unassign(_ context.Context, assignmentID, freelancerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unassignErr != nil {
		return s.unassignErr
	}
	remaining := s.active[assignmentID][:0]
	for _, id := range s.active[assignmentID] {
		if id != freelancerID {
			remaining = append(remaining, id)
		}
	}
	s.active[assignmentID] = remaining
	s.unassigned = append(s.unassigned, freelancerID)
	return nil
}

func (s *freelancerRegistryStub) activeFor(assignmentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active[assignmentID]...)
}

// txStub restores the registries to their state at the start of a failed unit of work.
type txStub struct {
	marks       *marksRegistryStub
	freelancers *freelancerRegistryStub
	commits     int
	rollbacks   int
}

func (t *txStub) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	marks := t.marks.copyRecords()
	active := t.freelancers.copyActive()
	if err := fn(ctx); err != nil {
		t.marks.restore(marks)
		t.freelancers.restore(active)
		t.rollbacks++
		return err
	}
	t.commits++
	return nil
}

func (s *marksRegistryStub) copyRecords() map[string]models.AssignmentMarks {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.AssignmentMarks, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *marksRegistryStub) restore(records map[string]models.AssignmentMarks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func (s *freelancerRegistryStub) copyActive() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.active))
	for k, v := range s.active {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (s *freelancerRegistryStub) restore(active map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

type activityRecorder struct {
	mu     sync.Mutex
	events []models.TransitionEvent
}

func (r *activityRecorder) Emit(_ context.Context, event models.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *activityRecorder) kinds() []models.TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TransitionKind, len(r.events))
	for i, event := range r.events {
		out[i] = event.Kind
	}
	return out
}

type memoryProjectionCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deleted []string
	setErr  error
}

func newMemoryProjectionCache() *memoryProjectionCache {
	return &memoryProjectionCache{entries: make(map[string][]byte)}
}

func (c *memoryProjectionCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *memoryProjectionCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memoryProjectionCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
		c.deleted = append(c.deleted, key)
	}
	return nil
}

// stepClock returns a clock moving one minute forward on every call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}
}

// stateAt builds a state that reached stage with every earlier stage stamped.
func stateAt(assignmentID string, stage models.Stage, start time.Time) *models.ProgressState {
	state := models.NewProgressState(assignmentID, start)
	for s := models.StageUnderProcess; s <= stage; s++ {
		state.Reach(s, start.Add(time.Duration(s)*time.Hour))
	}
	return state
}
