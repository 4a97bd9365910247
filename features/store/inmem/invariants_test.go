package inmem

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// Scope round-trip: a record read back in its own scope carries the same
// scope tuple, and any other scope sees nothing.
func TestScopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("read in own scope returns record, other scope returns nothing", prop.ForAll(
		func(user, other, summary string) bool {
			if user == other {
				return true
			}
			p := New()
			ctx := context.Background()
			scope := memory.Scope{"user_id": user}
			it := &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "event", Summary: summary, Scope: scope}
			if err := p.Items().Create(ctx, it); err != nil {
				return false
			}
			got, err := p.Items().Get(ctx, it.ID, scope)
			if err != nil || !got.Scope.Equal(scope) {
				return false
			}
			_, err = p.Items().Get(ctx, it.ID, memory.Scope{"user_id": other})
			return err == repository.ErrNotFound
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Unique category name: two categories whose names normalize equal cannot
// coexist in one scope; the second create always fails.
func TestUniqueCategoryNameProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("normalized duplicate in same scope is rejected", prop.ForAll(
		func(name string, upper bool) bool {
			if memory.NormalizeCategoryName(name) == "" {
				return true
			}
			p := New()
			ctx := context.Background()
			scope := memory.Scope{"user_id": "alice"}
			first := &memory.MemoryCategory{ID: uuid.NewString(), Name: name, Scope: scope}
			if err := p.Categories().Create(ctx, first); err != nil {
				return false
			}
			variant := "  " + name + " "
			if upper {
				variant = strings.ToUpper(name)
			}
			dup := &memory.MemoryCategory{ID: uuid.NewString(), Name: variant, Scope: scope}
			err := p.Categories().Create(ctx, dup)
			return memory.IsKind(err, memory.KindInvalidInput)
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Embedding dimension: once a dimension is fixed, writes with any other
// dimension are rejected and same-dimension writes succeed.
func TestEmbeddingDimensionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mixed dimensions reject, equal dimensions accept", prop.ForAll(
		func(dim, otherDim int) bool {
			if dim == otherDim {
				return true
			}
			p := New()
			ctx := context.Background()
			scope := memory.Scope{"user_id": "alice"}
			mk := func(n int) *memory.MemoryItem {
				return &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "event", Summary: "s", Embedding: make([]float32, n), Scope: scope}
			}
			if err := p.Items().Create(ctx, mk(dim)); err != nil {
				return false
			}
			if err := p.Items().Create(ctx, mk(dim)); err != nil {
				return false
			}
			err := p.Items().Create(ctx, mk(otherDim))
			return memory.IsKind(err, memory.KindInvalidInput)
		},
		gen.IntRange(1, 64),
		gen.IntRange(65, 128),
	))

	properties.TestingRun(t)
}
