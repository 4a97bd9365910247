// Package inmem provides the in-memory storage provider: process-local maps
// with brute-force cosine similarity. It is the reference implementation of
// the repository protocol and the default backend for tests and local
// development; nothing is persisted across restarts.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// Provider implements repository.Provider with four mutex-guarded maps.
// All operations defensively copy records so callers can never mutate
// stored state.
type Provider struct {
	resources  *resourceRepo
	items      *itemRepo
	categories *categoryRepo
	edges      *edgeRepo
}

// New returns an empty in-memory provider.
func New() *Provider {
	p := &Provider{
		resources:  &resourceRepo{records: make(map[string]*memory.Resource)},
		items:      &itemRepo{records: make(map[string]*memory.MemoryItem)},
		categories: &categoryRepo{records: make(map[string]*memory.MemoryCategory), names: make(map[string]string)},
	}
	p.edges = &edgeRepo{records: make(map[string]*memory.CategoryItem), items: p.items, categories: p.categories}
	return p
}

// Resources returns the resource repository.
func (p *Provider) Resources() repository.ResourceRepository { return p.resources }

// Items returns the item repository.
func (p *Provider) Items() repository.ItemRepository { return p.items }

// Categories returns the category repository.
func (p *Provider) Categories() repository.CategoryRepository { return p.categories }

// Edges returns the edge repository.
func (p *Provider) Edges() repository.EdgeRepository { return p.edges }

// Ping always succeeds.
func (*Provider) Ping(context.Context) error { return nil }

// Close is a no-op.
func (*Provider) Close(context.Context) error { return nil }

// touch advances UpdatedAt monotonically: wall clock when it moved forward,
// otherwise one nanosecond past the previous value.
func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// scored is the common shape sorted by every similarity search: score desc,
// then recency desc, then id for determinism.
type scored struct {
	id      string
	updated time.Time
	score   float64
}

func sortScored(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		if !s[i].updated.Equal(s[j].updated) {
			return s[i].updated.After(s[j].updated)
		}
		return s[i].id < s[j].id
	})
}

func topK(s []scored, k int) []scored {
	sortScored(s)
	if k > 0 && len(s) > k {
		s = s[:k]
	}
	return s
}

// dimensionGuard fixes the embedding dimension on first write.
type dimensionGuard struct {
	mu  sync.Mutex
	dim int
}

func (g *dimensionGuard) check(embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dim == 0 {
		g.dim = len(embedding)
		return nil
	}
	if g.dim != len(embedding) {
		return memory.Ef(memory.KindInvalidInput,
			"embedding dimension %d does not match repository dimension %d", len(embedding), g.dim)
	}
	return nil
}
