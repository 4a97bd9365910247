package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

var (
	alice = memory.Scope{"user_id": "alice"}
	bob   = memory.Scope{"user_id": "bob"}
)

func openTest(t *testing.T) *Provider {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "recall.db")
	p, err := Open(context.Background(), Options{DSN: dsn, ScopeFields: []string{"user_id"}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func newItem(scope memory.Scope, summary string, embedding []float32) *memory.MemoryItem {
	return &memory.MemoryItem{
		ID:         uuid.NewString(),
		MemoryType: "profile",
		Summary:    summary,
		Embedding:  embedding,
		Scope:      scope,
	}
}

func TestOpenRequiresDSNAndScope(t *testing.T) {
	_, err := Open(context.Background(), Options{ScopeFields: []string{"user_id"}})
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
	_, err = Open(context.Background(), Options{DSN: "file:x.db"})
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}

func TestValidateModeRejectsEmptyDatabase(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "empty.db")
	_, err := Open(context.Background(), Options{DSN: dsn, ScopeFields: []string{"user_id"}, DDLMode: DDLValidate})
	require.True(t, memory.IsKind(err, memory.KindBackendUnavailable))
}

func TestItemCRUDRoundTrip(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	it := newItem(alice, "Alice likes hiking", []float32{1, 0})
	require.NoError(t, p.Items().Create(ctx, it))

	got, err := p.Items().Get(ctx, it.ID, alice)
	require.NoError(t, err)
	require.Equal(t, "Alice likes hiking", got.Summary)
	require.Equal(t, []float32{1, 0}, got.Embedding)
	require.True(t, got.Scope.Equal(alice))

	// Reads with another scope see nothing.
	_, err = p.Items().Get(ctx, it.ID, bob)
	require.ErrorIs(t, err, repository.ErrNotFound)

	got.Summary = "Alice likes climbing"
	got.Hits = 3
	require.NoError(t, p.Items().Update(ctx, got))
	updated, err := p.Items().Get(ctx, it.ID, alice)
	require.NoError(t, err)
	require.Equal(t, "Alice likes climbing", updated.Summary)
	require.Equal(t, 3, updated.Hits)
	require.True(t, updated.UpdatedAt.After(updated.CreatedAt))

	require.NoError(t, p.Items().Delete(ctx, it.ID, alice))
	_, err = p.Items().Get(ctx, it.ID, alice)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdatedAtMonotonic(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	it := newItem(alice, "v1", nil)
	require.NoError(t, p.Items().Create(ctx, it))
	prev := it.UpdatedAt
	for i := 0; i < 5; i++ {
		cur, err := p.Items().Get(ctx, it.ID, alice)
		require.NoError(t, err)
		require.NoError(t, p.Items().Update(ctx, cur))
		after, err := p.Items().Get(ctx, it.ID, alice)
		require.NoError(t, err)
		require.True(t, after.UpdatedAt.After(prev), "updated_at must increase")
		prev = after.UpdatedAt
	}
}

func TestListFiltersByScope(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	require.NoError(t, p.Items().Create(ctx, newItem(alice, "a", nil)))
	require.NoError(t, p.Items().Create(ctx, newItem(alice, "b", nil)))
	require.NoError(t, p.Items().Create(ctx, newItem(bob, "c", nil)))

	got, err := p.Items().List(ctx, memory.Filter{"user_id": {"alice"}})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = p.Items().List(ctx, memory.Filter{"user_id": {"alice", "bob"}})
	require.NoError(t, err)
	require.Len(t, got, 3)

	_, err = p.Items().List(ctx, memory.Filter{"tenant": {"x"}})
	require.True(t, memory.IsKind(err, memory.KindInvalidFilter))
}

func TestSimilaritySearchOrdering(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	far := newItem(alice, "far", []float32{0, 1})
	near := newItem(alice, "near", []float32{1, 0.1})
	exact := newItem(alice, "exact", []float32{1, 0})
	other := newItem(bob, "other scope", []float32{1, 0})
	for _, it := range []*memory.MemoryItem{far, near, exact, other} {
		require.NoError(t, p.Items().Create(ctx, it))
	}

	got, err := p.Items().SimilaritySearch(ctx, []float32{1, 0}, 2, memory.ScopeFilter(alice))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "exact", got[0].Item.Summary)
	require.Equal(t, "near", got[1].Item.Summary)
	require.Greater(t, got[0].Score, got[1].Score)
}

func TestCategoryNameUniquePerScope(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	first := &memory.MemoryCategory{ID: uuid.NewString(), Name: "Personal Info", Scope: alice}
	require.NoError(t, p.Categories().Create(ctx, first))

	dup := &memory.MemoryCategory{ID: uuid.NewString(), Name: "  personal   INFO ", Scope: alice}
	err := p.Categories().Create(ctx, dup)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))

	// Same normalized name in another scope is fine.
	require.NoError(t, p.Categories().Create(ctx, &memory.MemoryCategory{ID: uuid.NewString(), Name: "personal info", Scope: bob}))

	got, err := p.Categories().GetByName(ctx, "personal info", alice)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
}

func TestCategoryRenameCollision(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	a := &memory.MemoryCategory{ID: uuid.NewString(), Name: "activities", Scope: alice}
	b := &memory.MemoryCategory{ID: uuid.NewString(), Name: "preferences", Scope: alice}
	require.NoError(t, p.Categories().Create(ctx, a))
	require.NoError(t, p.Categories().Create(ctx, b))

	b.Name = "Activities"
	err := p.Categories().Update(ctx, b)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}

func TestEdgeReferentialChecksAndCascade(t *testing.T) {
	p := openTest(t)
	ctx := context.Background()
	it := newItem(alice, "i", nil)
	cat := &memory.MemoryCategory{ID: uuid.NewString(), Name: "activities", Scope: alice}
	require.NoError(t, p.Items().Create(ctx, it))
	require.NoError(t, p.Categories().Create(ctx, cat))

	ok := &memory.CategoryItem{ID: uuid.NewString(), ItemID: it.ID, CategoryID: cat.ID, Scope: alice}
	require.NoError(t, p.Edges().Create(ctx, ok))

	cross := &memory.CategoryItem{ID: uuid.NewString(), ItemID: it.ID, CategoryID: cat.ID, Scope: bob}
	err := p.Edges().Create(ctx, cross)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))

	edges, err := p.Edges().ListByItem(ctx, it.ID, alice)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	require.NoError(t, p.Edges().DeleteByItem(ctx, it.ID, alice))
	edges, err = p.Edges().ListByItem(ctx, it.ID, alice)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestDimensionGuardSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "recall.db")
	p, err := Open(ctx, Options{DSN: dsn, ScopeFields: []string{"user_id"}})
	require.NoError(t, err)
	require.NoError(t, p.Items().Create(ctx, newItem(alice, "a", []float32{1, 2, 3})))
	require.NoError(t, p.Close(ctx))

	p, err = Open(ctx, Options{DSN: dsn, ScopeFields: []string{"user_id"}, DDLMode: DDLValidate})
	require.NoError(t, err)
	defer p.Close(ctx)
	err = p.Items().Create(ctx, newItem(alice, "b", []float32{1, 2}))
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
	require.NoError(t, p.Items().Create(ctx, newItem(alice, "c", []float32{4, 5, 6})))
}
