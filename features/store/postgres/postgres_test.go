package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// Integration tests spin up a pgvector container and are opt-in. Set
// RECALL_POSTGRES_TESTS=1 to run them.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("RECALL_POSTGRES_TESTS") == "" {
		t.Skip("set RECALL_POSTGRES_TESTS=1 to run postgres integration tests")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "recall",
				"POSTGRES_DB":       "recall",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:recall@%s:%s/recall?sslmode=disable", host, port.Port())
}

var alice = memory.Scope{"user_id": "alice"}

func TestVectorSearchPushdown(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	p, err := Open(ctx, Options{DSN: dsn, ScopeFields: []string{"user_id"}, Dimensions: 3})
	require.NoError(t, err)
	defer p.Close(ctx)
	require.True(t, p.VectorMode())

	mk := func(summary string, emb []float32) *memory.MemoryItem {
		return &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "event", Summary: summary, Embedding: emb, Scope: alice}
	}
	require.NoError(t, p.Items().Create(ctx, mk("exact", []float32{1, 0, 0})))
	require.NoError(t, p.Items().Create(ctx, mk("near", []float32{1, 0.2, 0})))
	require.NoError(t, p.Items().Create(ctx, mk("far", []float32{0, 0, 1})))
	other := &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "event", Summary: "other scope", Embedding: []float32{1, 0, 0}, Scope: memory.Scope{"user_id": "bob"}}
	require.NoError(t, p.Items().Create(ctx, other))

	got, err := p.Items().SimilaritySearch(ctx, []float32{1, 0, 0}, 2, memory.ScopeFilter(alice))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "exact", got[0].Item.Summary)
	require.Equal(t, "near", got[1].Item.Summary)
	require.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestPostgresCRUDAndUniqueName(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	p, err := Open(ctx, Options{DSN: dsn, ScopeFields: []string{"user_id"}, Dimensions: 3})
	require.NoError(t, err)
	defer p.Close(ctx)

	it := &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "profile", Summary: "v1", Scope: alice}
	require.NoError(t, p.Items().Create(ctx, it))
	got, err := p.Items().Get(ctx, it.ID, alice)
	require.NoError(t, err)
	got.Summary = "v2"
	require.NoError(t, p.Items().Update(ctx, got))
	after, err := p.Items().Get(ctx, it.ID, alice)
	require.NoError(t, err)
	require.Equal(t, "v2", after.Summary)
	require.True(t, after.UpdatedAt.After(after.CreatedAt))

	_, err = p.Items().Get(ctx, it.ID, memory.Scope{"user_id": "bob"})
	require.ErrorIs(t, err, repository.ErrNotFound)

	first := &memory.MemoryCategory{ID: uuid.NewString(), Name: "Personal Info", Scope: alice}
	require.NoError(t, p.Categories().Create(ctx, first))
	dup := &memory.MemoryCategory{ID: uuid.NewString(), Name: " personal   info", Scope: alice}
	err = p.Categories().Create(ctx, dup)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))

	// Wrong-dimension embeddings are rejected before reaching the database.
	bad := &memory.MemoryItem{ID: uuid.NewString(), MemoryType: "event", Summary: "bad", Embedding: []float32{1, 2}, Scope: alice}
	err = p.Items().Create(ctx, bad)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}
