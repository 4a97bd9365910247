package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

type edgeRepo struct {
	mu      sync.RWMutex
	records map[string]*memory.CategoryItem

	items      *itemRepo
	categories *categoryRepo
}

func cloneEdge(e *memory.CategoryItem) *memory.CategoryItem {
	out := *e
	out.Scope = e.Scope.Clone()
	return &out
}

func (s *edgeRepo) Create(_ context.Context, e *memory.CategoryItem) error {
	if e.ID == "" {
		return memory.E(memory.KindInvalidInput, "edge id is required")
	}
	// Both endpoints must exist in the edge's scope before the edge commits.
	if !s.items.exists(e.ItemID, e.Scope) {
		return memory.Ef(memory.KindInvalidInput, "edge item %q not found in scope", e.ItemID)
	}
	if !s.categories.exists(e.CategoryID, e.Scope) {
		return memory.Ef(memory.KindInvalidInput, "edge category %q not found in scope", e.CategoryID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[e.ID]; exists {
		return memory.Ef(memory.KindInvalidInput, "edge %q already exists", e.ID)
	}
	now := touch(e.CreatedAt)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	s.records[e.ID] = cloneEdge(e)
	return nil
}

func (s *edgeRepo) Get(_ context.Context, id string, scope memory.Scope) (*memory.CategoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok || !e.Scope.Equal(scope) {
		return nil, repository.ErrNotFound
	}
	return cloneEdge(e), nil
}

func (s *edgeRepo) List(_ context.Context, where memory.Filter) ([]*memory.CategoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.CategoryItem
	for _, e := range s.records {
		if where.Matches(e.Scope) {
			out = append(out, cloneEdge(e))
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *edgeRepo) ListByItem(_ context.Context, itemID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.CategoryItem
	for _, e := range s.records {
		if e.ItemID == itemID && e.Scope.Equal(scope) {
			out = append(out, cloneEdge(e))
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *edgeRepo) ListByCategory(_ context.Context, categoryID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.CategoryItem
	for _, e := range s.records {
		if e.CategoryID == categoryID && e.Scope.Equal(scope) {
			out = append(out, cloneEdge(e))
		}
	}
	sortEdges(out)
	return out, nil
}

func (s *edgeRepo) Delete(_ context.Context, id string, scope memory.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok || !e.Scope.Equal(scope) {
		return repository.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *edgeRepo) DeleteByItem(_ context.Context, itemID string, scope memory.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.records {
		if e.ItemID == itemID && e.Scope.Equal(scope) {
			delete(s.records, id)
		}
	}
	return nil
}

func sortEdges(edges []*memory.CategoryItem) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
}
