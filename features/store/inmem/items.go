package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

type itemRepo struct {
	mu      sync.RWMutex
	records map[string]*memory.MemoryItem
	guard   dimensionGuard
}

func cloneItem(it *memory.MemoryItem) *memory.MemoryItem {
	out := *it
	out.Embedding = cloneVector(it.Embedding)
	out.Scope = it.Scope.Clone()
	return &out
}

func (s *itemRepo) Create(_ context.Context, it *memory.MemoryItem) error {
	if it.ID == "" {
		return memory.E(memory.KindInvalidInput, "item id is required")
	}
	if err := s.guard.check(it.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[it.ID]; exists {
		return memory.Ef(memory.KindInvalidInput, "item %q already exists", it.ID)
	}
	now := touch(it.CreatedAt)
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	s.records[it.ID] = cloneItem(it)
	return nil
}

func (s *itemRepo) Get(_ context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.records[id]
	if !ok || !it.Scope.Equal(scope) {
		return nil, repository.ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *itemRepo) List(_ context.Context, where memory.Filter) ([]*memory.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.MemoryItem
	for _, it := range s.records {
		if where.Matches(it.Scope) {
			out = append(out, cloneItem(it))
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

func (s *itemRepo) Update(_ context.Context, it *memory.MemoryItem) error {
	if err := s.guard.check(it.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[it.ID]
	if !ok || !prev.Scope.Equal(it.Scope) {
		return repository.ErrNotFound
	}
	it.CreatedAt = prev.CreatedAt
	it.UpdatedAt = touch(prev.UpdatedAt)
	s.records[it.ID] = cloneItem(it)
	return nil
}

func (s *itemRepo) Delete(_ context.Context, id string, scope memory.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.records[id]
	if !ok || !it.Scope.Equal(scope) {
		return repository.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *itemRepo) SimilaritySearch(_ context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []scored
	for id, it := range s.records {
		if len(it.Embedding) == 0 || !where.Matches(it.Scope) {
			continue
		}
		candidates = append(candidates, scored{id: id, updated: it.UpdatedAt, score: repository.Cosine(embedding, it.Embedding)})
	}
	out := make([]repository.ScoredItem, 0, k)
	for _, c := range topK(candidates, k) {
		out = append(out, repository.ScoredItem{Item: cloneItem(s.records[c.id]), Score: c.score})
	}
	return out, nil
}

// exists reports whether an item with the given id lives in the scope.
// Used by the edge repository for referential checks.
func (s *itemRepo) exists(id string, scope memory.Scope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.records[id]
	return ok && it.Scope.Equal(scope)
}
