// Package mem implements planstore.Store in memory. Used by tests and by
// callers that do not need persistence across restarts.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/overseer/pkg/domain"
	"github.com/nstogner/overseer/pkg/planstore"
)

// Store implements planstore.Store with an in-memory map.
type Store struct {
	mu    sync.RWMutex
	plans map[string]*domain.Plan
}

var _ planstore.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{plans: make(map[string]*domain.Plan)}
}

func (s *Store) Create(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return fmt.Errorf("plan already exists: %s", plan.ID)
	}
	plan.Normalize()
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	s.plans[plan.ID] = clone(plan)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", planstore.ErrNotFound, id)
	}
	return clone(plan), nil
}

func (s *Store) List(ctx context.Context) ([]domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, *clone(plan))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Update(ctx context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return fmt.Errorf("%w: %s", planstore.ErrNotFound, plan.ID)
	}
	plan.Normalize()
	plan.UpdatedAt = time.Now().UTC()
	s.plans[plan.ID] = clone(plan)
	return nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, planID string, stepIndex int, status domain.StepStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", planstore.ErrNotFound, planID)
	}
	if stepIndex < 0 || stepIndex >= len(plan.Steps) {
		return fmt.Errorf("%w: %s step %d", planstore.ErrNotFound, planID, stepIndex)
	}
	plan.Normalize()
	plan.StepStatuses[stepIndex] = status
	plan.StepNotes[stepIndex] = note
	plan.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("%w: %s", planstore.ErrNotFound, id)
	}
	delete(s.plans, id)
	return nil
}

func clone(p *domain.Plan) *domain.Plan {
	out := *p
	out.Steps = append([]string{}, p.Steps...)
	out.StepStatuses = append([]domain.StepStatus{}, p.StepStatuses...)
	out.StepNotes = append([]string{}, p.StepNotes...)
	return &out
}
