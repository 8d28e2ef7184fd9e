// Package inmem provides an in-memory TaskStore and Catalog. It backs unit
// tests and local development where no MongoDB is available.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veplatform/control-plane/store"
)

// Store is a mutex-protected in-memory implementation of store.TaskStore and
// store.Catalog.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]store.Task
	plans    map[string]store.Plan
	comments map[string][]store.Comment // task id -> ordered comments
	hired    map[string]store.HiredAgent
	catalog  map[string]store.MarketplaceAgent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]store.Task),
		plans:    make(map[string]store.Plan),
		comments: make(map[string][]store.Comment),
		hired:    make(map[string]store.HiredAgent),
		catalog:  make(map[string]store.MarketplaceAgent),
	}
}

var _ store.TaskStore = (*Store)(nil)
var _ store.Catalog = (*Store)(nil)

// InsertTask stores a new task. The id must be unique.
func (s *Store) InsertTask(_ context.Context, t store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask returns the task by id.
func (s *Store) GetTask(_ context.Context, id string) (store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return cloneTask(t), nil
}

// UpdateTask applies a partial update. Terminal statuses are one-way: once a
// task is completed, failed, or cancelled its status no longer changes.
func (s *Store) UpdateTask(_ context.Context, id string, upd store.TaskUpdate) (store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	if upd.Status != nil && !t.Status.Terminal() {
		t.Status = *upd.Status
		if t.Status == store.TaskCompleted && t.CompletedAt == nil {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	}
	if upd.Phase != nil {
		t.Phase = *upd.Phase
	}
	if upd.AssignedTo != nil {
		t.AssignedTo = *upd.AssignedTo
	}
	if len(upd.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = cloneTask(t)
	return cloneTask(t), nil
}

// AppendComment appends a comment to the task's log.
func (s *Store) AppendComment(_ context.Context, c store.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.comments[c.TaskID] = append(s.comments[c.TaskID], c)
	return nil
}

// ListComments returns the task's comments in append order.
func (s *Store) ListComments(_ context.Context, taskID string) ([]store.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Comment, len(s.comments[taskID]))
	copy(out, s.comments[taskID])
	return out, nil
}

// InsertPlan stores a new plan and returns it with an assigned id.
func (s *Store) InsertPlan(_ context.Context, p store.Plan) (store.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = store.PlanDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.plans[p.ID] = p
	return p, nil
}

// GetPlan returns the plan by id.
func (s *Store) GetPlan(_ context.Context, id string) (store.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return store.Plan{}, store.ErrNotFound
	}
	return p, nil
}

// SetPlanStatus transitions the plan lifecycle.
func (s *Store) SetPlanStatus(_ context.Context, id string, status store.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	s.plans[id] = p
	return nil
}

// ListHiredAgents returns the tenant's hired agents sorted by seniority then
// persona name.
func (s *Store) ListHiredAgents(_ context.Context, customerID string) ([]store.HiredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.HiredAgent
	for _, a := range s.hired {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := store.SeniorityRank(out[i].Seniority), store.SeniorityRank(out[j].Seniority)
		if ri != rj {
			return ri < rj
		}
		return out[i].PersonaName < out[j].PersonaName
	})
	return out, nil
}

// InsertHiredAgent records a hire.
func (s *Store) InsertHiredAgent(_ context.Context, a store.HiredAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		return fmt.Errorf("hired agent id is required")
	}
	if a.HiredAt.IsZero() {
		a.HiredAt = time.Now().UTC()
	}
	s.hired[a.ID] = a
	return nil
}

// DeleteHiredAgent removes a hire within the tenant scope and returns the
// removed record.
func (s *Store) DeleteHiredAgent(_ context.Context, customerID, id string) (store.HiredAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.hired[id]
	if !ok || a.CustomerID != customerID {
		return store.HiredAgent{}, store.ErrNotFound
	}
	delete(s.hired, id)
	return a, nil
}

// PutAgent registers a marketplace agent in the catalog.
func (s *Store) PutAgent(a store.MarketplaceAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[a.AgentType] = a
}

// GetAgent returns a catalog entry.
func (s *Store) GetAgent(_ context.Context, agentType string) (store.MarketplaceAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.catalog[agentType]
	if !ok {
		return store.MarketplaceAgent{}, store.ErrNotFound
	}
	return a, nil
}

// ListAgents returns the catalog sorted by agent type.
func (s *Store) ListAgents(_ context.Context) ([]store.MarketplaceAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.MarketplaceAgent, 0, len(s.catalog))
	for _, a := range s.catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out, nil
}

func cloneTask(t store.Task) store.Task {
	out := t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}
