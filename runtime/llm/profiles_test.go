package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
)

// countingClient records Embed calls and returns deterministic vectors.
type countingClient struct {
	name  string
	calls atomic.Int64
}

func (c *countingClient) Chat(context.Context, []Message, Options) (string, Usage, error) {
	return "chat:" + c.name, Usage{}, nil
}

func (c *countingClient) Summarize(context.Context, string, string, Options) (string, Usage, error) {
	return "summary:" + c.name, Usage{}, nil
}

func (c *countingClient) Vision(context.Context, string, []string, Options) (string, Usage, error) {
	return "vision:" + c.name, Usage{}, nil
}

func (c *countingClient) Embed(_ context.Context, texts []string) ([][]float32, Usage, error) {
	c.calls.Add(1)
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(len(texts[i])), 1}
	}
	return vecs, Usage{InputTokens: len(texts)}, nil
}

func (c *countingClient) Transcribe(context.Context, string) (string, Usage, error) {
	return "", Usage{}, ErrUnsupported
}

func testProfiles(t *testing.T, profiles map[string]Profile) (*Profiles, map[string]*countingClient) {
	t.Helper()
	built := map[string]*countingClient{}
	table, err := NewProfiles(profiles, func(p Profile) (Client, error) {
		c := &countingClient{name: p.Name}
		built[p.Name] = c
		return c, nil
	})
	require.NoError(t, err)
	return table, built
}

func TestNewProfilesRequiresDefault(t *testing.T) {
	_, err := NewProfiles(map[string]Profile{"fast": {ChatModel: "m"}}, func(Profile) (Client, error) { return nil, nil })
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}

func TestClientCachedPerProfile(t *testing.T) {
	table, built := testProfiles(t, map[string]Profile{
		"default": {ChatModel: "m", EmbedModel: "e"},
	})
	c1, err := table.Client("default")
	require.NoError(t, err)
	c2, err := table.Client("default")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Len(t, built, 1)
}

func TestUnknownProfile(t *testing.T) {
	table, _ := testProfiles(t, map[string]Profile{"default": {ChatModel: "m"}})
	_, err := table.Client("nope")
	require.True(t, memory.IsKind(err, memory.KindUnknownProfile))
}

func TestEmbedClientFallsBackToEmbeddingProfile(t *testing.T) {
	table, _ := testProfiles(t, map[string]Profile{
		"default":   {ChatModel: "m"}, // no embed model
		"embedding": {EmbedModel: "text-embedding-3-small", EmbedBatchSize: 8},
	})
	_, profile, err := table.EmbedClient("default")
	require.NoError(t, err)
	require.Equal(t, "embedding", profile.Name)
	require.Equal(t, 8, profile.BatchSize())
}

func TestEmbedClientWithoutFallbackFails(t *testing.T) {
	table, _ := testProfiles(t, map[string]Profile{"default": {ChatModel: "m"}})
	_, _, err := table.EmbedClient("default")
	require.True(t, memory.IsKind(err, memory.KindUnknownProfile))
}

func TestEmbedBatchesPreservesOrder(t *testing.T) {
	client := &countingClient{name: "batch"}
	texts := make([]string, 37)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i+1, 0) // lengths 1..37
	}
	vectors, usage, err := EmbedBatches(context.Background(), client, texts, 10)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, v := range vectors {
		require.Equal(t, float32(len(texts[i])), v[0], "vector %d out of order", i)
	}
	require.Equal(t, int64(4), client.calls.Load())
	require.Equal(t, len(texts), usage.InputTokens)
}

func TestEmbedBatchesEmptyInput(t *testing.T) {
	client := &countingClient{name: "empty"}
	vectors, _, err := EmbedBatches(context.Background(), client, nil, 10)
	require.NoError(t, err)
	require.Nil(t, vectors)
	require.Zero(t, client.calls.Load())
}
