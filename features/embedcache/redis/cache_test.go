package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/llm"
)

// fakeRedis is an in-memory Cmdable.
type fakeRedis struct {
	data map[string][]byte
	sets int
	gets int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string][]byte{}} }

func (f *fakeRedis) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.gets++
	if raw, ok := f.data[key]; ok {
		return goredis.NewStringResult(string(raw), nil)
	}
	return goredis.NewStringResult("", goredis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *goredis.StatusCmd {
	f.sets++
	f.data[key] = value.([]byte)
	return goredis.NewStatusResult("OK", nil)
}

// countingEmbedder records embed calls.
type countingEmbedder struct {
	llm.Client
	calls  int
	inputs [][]string
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, llm.Usage, error) {
	c.calls++
	c.inputs = append(c.inputs, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, llm.Usage{InputTokens: len(texts)}, nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Next: &countingEmbedder{}})
	require.EqualError(t, err, "redis client is required")
	_, err = New(Options{Redis: newFakeRedis()})
	require.EqualError(t, err, "wrapped client is required")
}

func TestEmbedCachesByContent(t *testing.T) {
	store := newFakeRedis()
	next := &countingEmbedder{}
	c, err := New(Options{Redis: store, Next: next})
	require.NoError(t, err)
	ctx := context.Background()

	vecs, _, err := c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{5}, {4}}, vecs)
	require.Equal(t, 1, next.calls)
	require.Equal(t, 2, store.sets)

	// Second call is fully served from cache.
	vecs, _, err = c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{5}, {4}}, vecs)
	require.Equal(t, 1, next.calls)
}

func TestEmbedForwardsOnlyMisses(t *testing.T) {
	store := newFakeRedis()
	next := &countingEmbedder{}
	c, err := New(Options{Redis: store, Next: next})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = c.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)

	vecs, _, err := c.Embed(ctx, []string{"alpha", "gamma", "delta"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{5}, {5}, {5}}, vecs)
	require.Equal(t, 2, next.calls)
	require.Equal(t, []string{"gamma", "delta"}, next.inputs[1])
}

func TestCorruptEntryFallsThrough(t *testing.T) {
	store := newFakeRedis()
	next := &countingEmbedder{}
	c, err := New(Options{Redis: store, Next: next})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = c.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	for k := range store.data {
		store.data[k] = []byte("not json")
	}

	vecs, _, err := c.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{5}}, vecs)
	require.Equal(t, 2, next.calls)

	// The rewrite stored a valid entry again.
	for _, raw := range store.data {
		var vec []float32
		require.NoError(t, json.Unmarshal(raw, &vec))
	}
}
