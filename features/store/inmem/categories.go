package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

type categoryRepo struct {
	mu      sync.RWMutex
	records map[string]*memory.MemoryCategory
	// names indexes scope key + normalized name -> category id, enforcing
	// per-scope uniqueness.
	names map[string]string
	guard dimensionGuard
}

func cloneCategory(c *memory.MemoryCategory) *memory.MemoryCategory {
	out := *c
	out.Embedding = cloneVector(c.Embedding)
	out.Scope = c.Scope.Clone()
	return &out
}

func nameKey(scope memory.Scope, name string) string {
	return scope.Key() + "\x00" + memory.NormalizeCategoryName(name)
}

func (s *categoryRepo) Create(_ context.Context, c *memory.MemoryCategory) error {
	if c.ID == "" {
		return memory.E(memory.KindInvalidInput, "category id is required")
	}
	if memory.NormalizeCategoryName(c.Name) == "" {
		return memory.E(memory.KindInvalidInput, "category name is required")
	}
	if err := s.guard.check(c.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[c.ID]; exists {
		return memory.Ef(memory.KindInvalidInput, "category %q already exists", c.ID)
	}
	key := nameKey(c.Scope, c.Name)
	if other, taken := s.names[key]; taken {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope as %q", c.Name, other)
	}
	now := touch(c.CreatedAt)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.records[c.ID] = cloneCategory(c)
	s.names[key] = c.ID
	return nil
}

func (s *categoryRepo) Get(_ context.Context, id string, scope memory.Scope) (*memory.MemoryCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[id]
	if !ok || !c.Scope.Equal(scope) {
		return nil, repository.ErrNotFound
	}
	return cloneCategory(c), nil
}

func (s *categoryRepo) GetByName(_ context.Context, normalizedName string, scope memory.Scope) (*memory.MemoryCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[scope.Key()+"\x00"+normalizedName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCategory(s.records[id]), nil
}

func (s *categoryRepo) List(_ context.Context, where memory.Filter) ([]*memory.MemoryCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.MemoryCategory
	for _, c := range s.records {
		if where.Matches(c.Scope) {
			out = append(out, cloneCategory(c))
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

func (s *categoryRepo) Update(_ context.Context, c *memory.MemoryCategory) error {
	if err := s.guard.check(c.Embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[c.ID]
	if !ok || !prev.Scope.Equal(c.Scope) {
		return repository.ErrNotFound
	}
	newKey := nameKey(c.Scope, c.Name)
	oldKey := nameKey(prev.Scope, prev.Name)
	if newKey != oldKey {
		if other, taken := s.names[newKey]; taken && other != c.ID {
			return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope as %q", c.Name, other)
		}
		delete(s.names, oldKey)
		s.names[newKey] = c.ID
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = touch(prev.UpdatedAt)
	s.records[c.ID] = cloneCategory(c)
	return nil
}

func (s *categoryRepo) Delete(_ context.Context, id string, scope memory.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[id]
	if !ok || !c.Scope.Equal(scope) {
		return repository.ErrNotFound
	}
	delete(s.names, nameKey(c.Scope, c.Name))
	delete(s.records, id)
	return nil
}

func (s *categoryRepo) SimilaritySearch(_ context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []scored
	for id, c := range s.records {
		if len(c.Embedding) == 0 || !where.Matches(c.Scope) {
			continue
		}
		candidates = append(candidates, scored{id: id, updated: c.UpdatedAt, score: repository.Cosine(embedding, c.Embedding)})
	}
	out := make([]repository.ScoredCategory, 0, k)
	for _, c := range topK(candidates, k) {
		out = append(out, repository.ScoredCategory{Category: cloneCategory(s.records[c.id]), Score: c.score})
	}
	return out, nil
}

func (s *categoryRepo) exists(id string, scope memory.Scope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[id]
	return ok && c.Scope.Equal(scope)
}
