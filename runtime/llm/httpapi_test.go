package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientChat(t *testing.T) {
	var gotPath string
	var gotBody httpChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hello back"}}},
			"usage":   map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, APIKey: "sk-test", ChatModel: "local-chat"})
	require.NoError(t, err)
	text, usage, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{MaxTokens: 64})
	require.NoError(t, err)
	require.Equal(t, "hello back", text)
	require.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, usage)
	require.Equal(t, "/chat/completions", gotPath)
	require.Equal(t, "local-chat", gotBody.Model)
	require.Equal(t, 64, gotBody.MaxTokens)
}

func TestHTTPClientEmbedOrderedByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Return data out of order; the client must reorder by index.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{2, 2}},
				{"index": 0, "embedding": []float32{1, 1}},
			},
			"usage": map[string]int{"prompt_tokens": 4},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, ChatModel: "m", EmbedModel: "e"})
	require.NoError(t, err)
	vectors, _, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 1}, {2, 2}}, vectors)
}

func TestHTTPClientEndpointOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPOptions{
		BaseURL:           srv.URL,
		ChatModel:         "m",
		EndpointOverrides: map[string]string{"chat": "/v1/custom/chat"},
	})
	require.NoError(t, err)
	_, _, err = c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	require.Equal(t, "/v1/custom/chat", gotPath)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, ChatModel: "m"})
	require.NoError(t, err)
	_, _, err = c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.ErrorContains(t, err, "503")
}

func TestHTTPClientEmbedWithoutModel(t *testing.T) {
	c, err := NewHTTPClient(HTTPOptions{BaseURL: "http://localhost:0", ChatModel: "m"})
	require.NoError(t, err)
	_, _, err = c.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrUnsupported)
}
