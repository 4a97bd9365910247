package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

type resourceRepo struct {
	mu      sync.RWMutex
	records map[string]*memory.Resource
	guard   dimensionGuard
}

func cloneResource(r *memory.Resource) *memory.Resource {
	out := *r
	out.Embedding = cloneVector(r.Embedding)
	out.Scope = r.Scope.Clone()
	return &out
}

func (s *resourceRepo) Create(_ context.Context, r *memory.Resource) error {
	if r.ID == "" {
		return memory.E(memory.KindInvalidInput, "resource id is required")
	}
	if err := s.guard.check(r.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return memory.Ef(memory.KindInvalidInput, "resource %q already exists", r.ID)
	}
	now := touch(r.CreatedAt)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.records[r.ID] = cloneResource(r)
	return nil
}

func (s *resourceRepo) Get(_ context.Context, id string, scope memory.Scope) (*memory.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || !r.Scope.Equal(scope) {
		return nil, repository.ErrNotFound
	}
	return cloneResource(r), nil
}

func (s *resourceRepo) List(_ context.Context, where memory.Filter) ([]*memory.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Resource
	for _, r := range s.records {
		if where.Matches(r.Scope) {
			out = append(out, cloneResource(r))
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

func (s *resourceRepo) Update(_ context.Context, r *memory.Resource) error {
	if err := s.guard.check(r.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[r.ID]
	if !ok || !prev.Scope.Equal(r.Scope) {
		return repository.ErrNotFound
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = touch(prev.UpdatedAt)
	s.records[r.ID] = cloneResource(r)
	return nil
}

func (s *resourceRepo) Delete(_ context.Context, id string, scope memory.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || !r.Scope.Equal(scope) {
		return repository.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *resourceRepo) SimilaritySearch(_ context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []scored
	for id, r := range s.records {
		if len(r.Embedding) == 0 || !where.Matches(r.Scope) {
			continue
		}
		candidates = append(candidates, scored{id: id, updated: r.UpdatedAt, score: repository.Cosine(embedding, r.Embedding)})
	}
	out := make([]repository.ScoredResource, 0, k)
	for _, c := range topK(candidates, k) {
		out = append(out, repository.ScoredResource{Resource: cloneResource(s.records[c.id]), Score: c.score})
	}
	return out, nil
}
