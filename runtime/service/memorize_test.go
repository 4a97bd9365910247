package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/service"
)

const conversationFixture = `user: I spent the weekend hiking near the lake and took lots of photos.
assistant: Sounds fun! Anything else new?
user: I started a new job as a software engineer and I'm planning a trip to Japan.
`

// extractionScript answers the per-type extraction prompts with one
// candidate each, exercising shared category hints across items.
func extractionScript() func(system, user string) (string, error) {
	responses := map[string]string{
		"profile":   `[{"summary":"Works as a software engineer","category_hints":["Work"]}]`,
		"event":     `[{"summary":"Went hiking near the lake last weekend","category_hints":["Hobbies"]}]`,
		"knowledge": `[{"summary":"Is planning a trip to Japan","category_hints":["Travel"]}]`,
		"behavior":  `[{"summary":"Takes photos while hiking","category_hints":["Hobbies"]}]`,
	}
	return func(system, _ string) (string, error) {
		for typ, resp := range responses {
			if strings.Contains(system, "Extract "+typ) {
				return resp, nil
			}
		}
		return "[]", nil
	}
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMemorizeConversation(t *testing.T) {
	client := &fakeClient{chat: extractionScript()}
	svc, provider := newTestService(t, client, nil)
	scope := memory.Scope{"user_id": "alice"}
	path := writeFixture(t, "chat.txt", conversationFixture)

	resp, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL: path,
		Modality:    memory.ModalityConversation,
		Scope:       scope,
	})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Resource.ID)
	require.NotEmpty(t, resp.Resource.Caption)
	require.NotEmpty(t, resp.Resource.LocalPath)
	require.True(t, scope.Equal(resp.Resource.Scope))

	require.Len(t, resp.Items, 4)
	types := make([]string, len(resp.Items))
	for i, item := range resp.Items {
		require.Equal(t, resp.Resource.ID, item.ResourceID)
		require.NotEmpty(t, item.Embedding)
		require.True(t, scope.Equal(item.Scope))
		types[i] = item.MemoryType
	}
	require.ElementsMatch(t, memory.DefaultMemoryTypes, types)

	names := make([]string, len(resp.Categories))
	for i, cat := range resp.Categories {
		require.NotEmpty(t, cat.Summary, "category %s must be summarized", cat.Name)
		names[i] = memory.NormalizeCategoryName(cat.Name)
	}
	require.ElementsMatch(t, []string{"work", "hobbies", "travel"}, names)
	require.Len(t, resp.Relations, 4)

	// The persisted view matches the response.
	hobbies, err := provider.Categories().GetByName(context.Background(), "hobbies", scope)
	require.NoError(t, err)
	members, err := provider.Edges().ListByCategory(context.Background(), hobbies.ID, scope)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestMemorizeScopeIsolation(t *testing.T) {
	client := &fakeClient{chat: extractionScript()}
	svc, _ := newTestService(t, client, nil)
	path := writeFixture(t, "chat.txt", conversationFixture)

	_, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL: path,
		Modality:    memory.ModalityConversation,
		Scope:       memory.Scope{"user_id": "alice"},
	})
	require.NoError(t, err)

	mine, err := svc.ListMemoryItems(context.Background(), memory.Where{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 4)

	theirs, err := svc.ListMemoryItems(context.Background(), memory.Where{"user_id": "bob"})
	require.NoError(t, err)
	require.Empty(t, theirs)
}

func TestMemorizeValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)
	ctx := context.Background()
	scope := memory.Scope{"user_id": "alice"}

	cases := []struct {
		name string
		req  service.MemorizeRequest
	}{
		{"empty url", service.MemorizeRequest{Modality: memory.ModalityDocument, Scope: scope}},
		{"bad modality", service.MemorizeRequest{ResourceURL: "x.txt", Modality: "hologram", Scope: scope}},
		{"missing scope", service.MemorizeRequest{ResourceURL: "x.txt", Modality: memory.ModalityDocument}},
		{"unknown scope field", service.MemorizeRequest{
			ResourceURL: "x.txt", Modality: memory.ModalityDocument,
			Scope: memory.Scope{"user_id": "alice", "tenant": "acme"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Memorize(ctx, tc.req)
			require.Error(t, err)
			require.True(t, memory.IsKind(err, memory.KindInvalidInput))
		})
	}
}

func TestMemorizeUnusableExtraction(t *testing.T) {
	client := &fakeClient{chat: func(_, _ string) (string, error) { return "certainly! here are the memories", nil }}
	svc, _ := newTestService(t, client, nil)
	path := writeFixture(t, "chat.txt", conversationFixture)

	_, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL: path,
		Modality:    memory.ModalityConversation,
		Scope:       memory.Scope{"user_id": "alice"},
	})
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindExtractionFailed))
}

func TestMemorizeAudioWithoutTranscription(t *testing.T) {
	// The default fake client reports transcription as unsupported.
	svc, _ := newTestService(t, &fakeClient{}, nil)
	path := writeFixture(t, "note.wav", "not really audio")

	_, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL: path,
		Modality:    memory.ModalityAudio,
		Scope:       memory.Scope{"user_id": "alice"},
	})
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindSummarizationFailed))
	require.Contains(t, err.Error(), "transcribe")
}

func TestMemorizeSummaryPromptOverride(t *testing.T) {
	var prompts []string
	client := &fakeClient{
		chat: extractionScript(),
		summarize: func(text, prompt string) (string, error) {
			prompts = append(prompts, prompt)
			return "summary: " + strings.SplitN(text, "\n", 2)[0], nil
		},
	}
	svc, _ := newTestService(t, client, nil)
	path := writeFixture(t, "chat.txt", conversationFixture)

	_, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL:   path,
		Modality:      memory.ModalityConversation,
		SummaryPrompt: "Focus on travel plans only.",
		Scope:         memory.Scope{"user_id": "alice"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, prompts)
	require.Equal(t, "Focus on travel plans only.", prompts[0])
}

func TestMemorizeImage(t *testing.T) {
	client := &fakeClient{
		chat: extractionScript(),
		vision: func(_ string, refs []string) (string, error) {
			require.Len(t, refs, 1)
			return "A photo of a mountain trail at sunrise.", nil
		},
	}
	svc, _ := newTestService(t, client, nil)
	path := writeFixture(t, "trail.jpg", "binary-ish")

	resp, err := svc.Memorize(context.Background(), service.MemorizeRequest{
		ResourceURL: path,
		Modality:    memory.ModalityImage,
		Scope:       memory.Scope{"user_id": "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, "A photo of a mountain trail at sunrise.", resp.Resource.Caption)
	require.NotEmpty(t, resp.Resource.Embedding)
}
