// Package repository defines the storage protocol implemented by every
// backend provider (in-memory, sqlite, postgres, mongo). All reads filter by
// scope and all writes require one; similarity search is cosine-based and
// returns scored records ordered best-first.
package repository

import (
	"context"
	"errors"

	"goa.design/recall/runtime/memory"
)

// ErrNotFound is returned by Get/Update/Delete when no record matches the
// id within the given scope.
var ErrNotFound = errors.New("record not found")

type (
	// ScoredResource pairs a resource with its similarity score.
	ScoredResource struct {
		Resource *memory.Resource
		Score    float64
	}

	// ScoredItem pairs a memory item with its similarity score.
	ScoredItem struct {
		Item  *memory.MemoryItem
		Score float64
	}

	// ScoredCategory pairs a category with its similarity score.
	ScoredCategory struct {
		Category *memory.MemoryCategory
		Score    float64
	}
)

// ResourceRepository persists ingested artifacts.
type ResourceRepository interface {
	Create(ctx context.Context, r *memory.Resource) error
	Get(ctx context.Context, id string, scope memory.Scope) (*memory.Resource, error)
	List(ctx context.Context, where memory.Filter) ([]*memory.Resource, error)
	Update(ctx context.Context, r *memory.Resource) error
	Delete(ctx context.Context, id string, scope memory.Scope) error
	SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]ScoredResource, error)
}

// ItemRepository persists extracted memory items.
type ItemRepository interface {
	Create(ctx context.Context, item *memory.MemoryItem) error
	Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error)
	List(ctx context.Context, where memory.Filter) ([]*memory.MemoryItem, error)
	Update(ctx context.Context, item *memory.MemoryItem) error
	Delete(ctx context.Context, id string, scope memory.Scope) error
	SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]ScoredItem, error)
}

// CategoryRepository persists categories. GetByName resolves by normalized
// name within a scope; providers enforce normalized-name uniqueness per
// scope.
type CategoryRepository interface {
	Create(ctx context.Context, c *memory.MemoryCategory) error
	Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryCategory, error)
	GetByName(ctx context.Context, normalizedName string, scope memory.Scope) (*memory.MemoryCategory, error)
	List(ctx context.Context, where memory.Filter) ([]*memory.MemoryCategory, error)
	Update(ctx context.Context, c *memory.MemoryCategory) error
	Delete(ctx context.Context, id string, scope memory.Scope) error
	SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]ScoredCategory, error)
}

// EdgeRepository persists item-category edges. DeleteByItem implements the
// item deletion cascade.
type EdgeRepository interface {
	Create(ctx context.Context, e *memory.CategoryItem) error
	Get(ctx context.Context, id string, scope memory.Scope) (*memory.CategoryItem, error)
	List(ctx context.Context, where memory.Filter) ([]*memory.CategoryItem, error)
	ListByItem(ctx context.Context, itemID string, scope memory.Scope) ([]*memory.CategoryItem, error)
	ListByCategory(ctx context.Context, categoryID string, scope memory.Scope) ([]*memory.CategoryItem, error)
	Delete(ctx context.Context, id string, scope memory.Scope) error
	DeleteByItem(ctx context.Context, itemID string, scope memory.Scope) error
}

// Provider bundles the four repositories for one backend.
type Provider interface {
	Resources() ResourceRepository
	Items() ItemRepository
	Categories() CategoryRepository
	Edges() EdgeRepository

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend connections.
	Close(ctx context.Context) error
}
