package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/recall/features/store/inmem"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
	"goa.design/recall/runtime/service"
)

// retrieveScript answers the retrieve pipeline prompts: a JSON rewrite,
// yes/no for routing and sufficiency, and a configurable ranking response.
func retrieveScript(ranking func(user string) (string, error)) func(system, user string) (string, error) {
	return func(system, user string) (string, error) {
		switch {
		case strings.Contains(system, "standalone search query"):
			return `{"rewritten_query":"What are the user's hobbies? hiking and photos","next_step_query":"favorite hiking trails"}`, nil
		case strings.Contains(system, "require recalling stored memories"):
			return "yes", nil
		case strings.Contains(system, "is the context sufficient"):
			return "yes", nil
		case strings.Contains(system, "id|name|summary"):
			if ranking == nil {
				return "[]", nil
			}
			return ranking(user)
		}
		return "", nil
	}
}

func seedRetrieval(t *testing.T, provider *inmem.Provider, scope memory.Scope) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	items := []*memory.MemoryItem{
		{ID: "item-hike", MemoryType: "behavior", Summary: "Enjoys hiking and taking photos on weekends"},
		{ID: "item-engineer", MemoryType: "profile", Summary: "Works as a software engineer"},
		{ID: "item-pasta", MemoryType: "knowledge", Summary: "Loves cooking pasta"},
	}
	for _, item := range items {
		item.Embedding = embedVec(item.Summary)
		item.CreatedAt, item.UpdatedAt = now, now
		item.Scope = scope.Clone()
		require.NoError(t, provider.Items().Create(ctx, item))
	}

	categories := []*memory.MemoryCategory{
		{ID: "cat-hobbies", Name: "Hobbies", Summary: "Hiking and photography on weekends"},
		{ID: "cat-work", Name: "Work", Summary: "Software engineering career"},
	}
	for _, cat := range categories {
		cat.Embedding = embedVec(cat.Name + " " + cat.Summary)
		cat.CreatedAt, cat.UpdatedAt = now, now
		cat.Scope = scope.Clone()
		require.NoError(t, provider.Categories().Create(ctx, cat))
	}

	res := &memory.Resource{
		ID:        "res-chat",
		URL:       "file:///chat.txt",
		Modality:  memory.ModalityConversation,
		Caption:   "A conversation about hobbies, hiking and photos",
		CreatedAt: now,
		UpdatedAt: now,
		Scope:     scope.Clone(),
	}
	res.Embedding = embedVec(res.Caption)
	require.NoError(t, provider.Resources().Create(ctx, res))
}

func TestRetrieveRAG(t *testing.T) {
	client := &fakeClient{chat: retrieveScript(nil)}
	svc, provider := newTestService(t, client, nil)
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	resp, err := svc.Retrieve(context.Background(), service.RetrieveRequest{
		Queries: []service.Query{
			{Role: "user", Text: "Hi!"},
			{Role: "assistant", Text: "Hello, what can I do for you?"},
			{Role: "user", Text: "What do I like doing in my spare time?"},
		},
		Where: memory.Where{"user_id": "alice"},
	})
	require.NoError(t, err)

	require.True(t, resp.NeedsRetrieval)
	require.Equal(t, "What do I like doing in my spare time?", resp.OriginalQuery)
	require.Contains(t, resp.RewrittenQuery, "hobbies")
	require.Equal(t, "favorite hiking trails", resp.NextStepQuery)

	require.NotEmpty(t, resp.Items)
	require.Equal(t, "item-hike", resp.Items[0].Item.ID)
	require.Greater(t, resp.Items[0].Score, 0.0)
	require.LessOrEqual(t, resp.Items[0].Score, 1.0)

	require.NotEmpty(t, resp.Categories)
	require.Equal(t, "cat-hobbies", resp.Categories[0].Category.ID)

	require.Len(t, resp.Resources, 1)
	require.Equal(t, "res-chat", resp.Resources[0].Resource.ID)
}

func TestRetrieveSufficiencyShortCircuit(t *testing.T) {
	client := &fakeClient{chat: retrieveScript(nil)}
	svc, provider := newTestService(t, client, func(c *service.Config) {
		c.Retrieve.SufficiencyCheck = true
		c.Retrieve.Category.TopK = 2
	})
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	resp, err := svc.Retrieve(context.Background(), service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "What are my hobbies?"}},
		Where:   memory.Where{"user_id": "alice"},
	})
	require.NoError(t, err)

	require.True(t, resp.NeedsRetrieval)
	require.Len(t, resp.Categories, 2, "the category section honors its top_k")
	require.Empty(t, resp.Items, "a sufficient category section skips item recall")
	require.Empty(t, resp.Resources, "a sufficient category section skips resource recall")
}

func TestRetrieveLLMRanking(t *testing.T) {
	client := &fakeClient{chat: retrieveScript(func(user string) (string, error) {
		if strings.Contains(user, "item-") {
			return `["item-engineer","item-hike","item-unknown"]`, nil
		}
		return `["cat-work"]`, nil
	})}
	svc, provider := newTestService(t, client, func(c *service.Config) {
		c.Retrieve.Method = service.MethodLLM
	})
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	resp, err := svc.Retrieve(context.Background(), service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "Tell me about my work"}},
		Where:   memory.Where{"user_id": "alice"},
	})
	require.NoError(t, err)

	// Model ordering is preserved and ids outside the candidate set are
	// dropped.
	require.Len(t, resp.Items, 2)
	require.Equal(t, "item-engineer", resp.Items[0].Item.ID)
	require.Equal(t, "item-hike", resp.Items[1].Item.ID)
	require.Zero(t, resp.Items[0].Score)

	require.Len(t, resp.Categories, 1)
	require.Equal(t, "cat-work", resp.Categories[0].Category.ID)
}

func TestRetrieveLLMRankingFallsBackToRAG(t *testing.T) {
	client := &fakeClient{chat: retrieveScript(func(string) (string, error) {
		return "sorry, I cannot rank these", nil
	})}
	svc, provider := newTestService(t, client, func(c *service.Config) {
		c.Retrieve.Method = service.MethodLLM
	})
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	resp, err := svc.Retrieve(context.Background(), service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "What are my hobbies?"}},
		Where:   memory.Where{"user_id": "alice"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Items)
	require.Equal(t, "item-hike", resp.Items[0].Item.ID)
	require.Greater(t, resp.Items[0].Score, 0.0, "the cosine fallback carries scores")
}

func TestRetrieveRoutingDeclines(t *testing.T) {
	client := &fakeClient{chat: func(system, user string) (string, error) {
		if strings.Contains(system, "require recalling stored memories") {
			return "no", nil
		}
		return retrieveScript(nil)(system, user)
	}}
	svc, provider := newTestService(t, client, func(c *service.Config) {
		c.Retrieve.RouteIntention = true
	})
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	resp, err := svc.Retrieve(context.Background(), service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "What is 2+2?"}},
		Where:   memory.Where{"user_id": "alice"},
	})
	require.NoError(t, err)

	require.False(t, resp.NeedsRetrieval)
	require.Empty(t, resp.RewrittenQuery)
	require.Empty(t, resp.Categories)
	require.Empty(t, resp.Items)
	require.Empty(t, resp.Resources)
}

func TestRetrieveIsReadOnlyAndStable(t *testing.T) {
	client := &fakeClient{chat: retrieveScript(nil)}
	svc, provider := newTestService(t, client, nil)
	scope := memory.Scope{"user_id": "alice"}
	seedRetrieval(t, provider, scope)

	req := service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "What are my hobbies?"}},
		Where:   memory.Where{"user_id": "alice"},
	}
	first, err := svc.Retrieve(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Retrieve(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, scoredItemIDs(first.Items), scoredItemIDs(second.Items))
	require.Equal(t, scoredCategoryIDs(first.Categories), scoredCategoryIDs(second.Categories))

	// No hit counters moved: reinforcement is explicit.
	item, err := provider.Items().Get(context.Background(), "item-hike", scope)
	require.NoError(t, err)
	require.Zero(t, item.Hits)
}

func TestRetrieveValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)
	ctx := context.Background()

	_, err := svc.Retrieve(ctx, service.RetrieveRequest{})
	require.True(t, memory.IsKind(err, memory.KindInvalidQuery))

	_, err = svc.Retrieve(ctx, service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "   "}},
	})
	require.True(t, memory.IsKind(err, memory.KindInvalidQuery))

	_, err = svc.Retrieve(ctx, service.RetrieveRequest{
		Queries: []service.Query{{Role: "user", Text: "hello"}},
		Where:   memory.Where{"tenant": "acme"},
	})
	require.True(t, memory.IsKind(err, memory.KindInvalidFilter))
}

func scoredItemIDs(items []repository.ScoredItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Item.ID
	}
	return out
}

func scoredCategoryIDs(cats []repository.ScoredCategory) []string {
	out := make([]string, len(cats))
	for i, cat := range cats {
		out[i] = cat.Category.ID
	}
	return out
}
