package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/recall/features/store/inmem"
	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/retry"
	"goa.design/recall/runtime/service"
)

// embedVocabulary fixes the test embedding space: one dimension per keyword
// stem, counted by substring match. Texts sharing stems land close together
// under cosine similarity.
var embedVocabulary = []string{"hobb", "hik", "photo", "pasta", "engineer", "travel", "music", "outdoor"}

func embedVec(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(embedVocabulary))
	for i, stem := range embedVocabulary {
		vec[i] = float32(strings.Count(lower, stem))
	}
	return vec
}

// fakeClient is a scripted llm.Client. Nil hooks fall back to deterministic
// defaults; Embed always maps text through embedVec.
type fakeClient struct {
	chat       func(system, user string) (string, error)
	summarize  func(text, prompt string) (string, error)
	vision     func(prompt string, refs []string) (string, error)
	transcribe func(ref string) (string, error)

	mu          sync.Mutex
	chatSystems []string
}

func (f *fakeClient) Chat(_ context.Context, msgs []llm.Message, _ llm.Options) (string, llm.Usage, error) {
	var system, user string
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleUser:
			user = m.Content
		}
	}
	f.mu.Lock()
	f.chatSystems = append(f.chatSystems, system)
	f.mu.Unlock()
	if f.chat == nil {
		return "[]", llm.Usage{}, nil
	}
	out, err := f.chat(system, user)
	return out, llm.Usage{}, err
}

func (f *fakeClient) Summarize(_ context.Context, text, prompt string, _ llm.Options) (string, llm.Usage, error) {
	if f.summarize == nil {
		return "summary: " + strings.SplitN(strings.TrimSpace(text), "\n", 2)[0], llm.Usage{}, nil
	}
	out, err := f.summarize(text, prompt)
	return out, llm.Usage{}, err
}

func (f *fakeClient) Vision(_ context.Context, prompt string, refs []string, _ llm.Options) (string, llm.Usage, error) {
	if f.vision == nil {
		return "a photograph", llm.Usage{}, nil
	}
	out, err := f.vision(prompt, refs)
	return out, llm.Usage{}, err
}

func (f *fakeClient) Embed(_ context.Context, texts []string) ([][]float32, llm.Usage, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedVec(t)
	}
	return out, llm.Usage{}, nil
}

func (f *fakeClient) Transcribe(_ context.Context, ref string) (string, llm.Usage, error) {
	if f.transcribe == nil {
		return "", llm.Usage{}, llm.ErrUnsupported
	}
	out, err := f.transcribe(ref)
	return out, llm.Usage{}, err
}

func newTestService(t *testing.T, client llm.Client, mutate func(*service.Config)) (*service.Service, *inmem.Provider) {
	t.Helper()
	cfg := service.DefaultConfig()
	cfg.User.Model = []string{"user_id"}
	cfg.LLMProfiles = map[string]service.ProfileConfig{
		"default": {Provider: "openai", ChatModel: "chat-test", EmbedModel: "embed-test"},
	}
	cfg.Blob.ResourcesDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	provider := inmem.New()
	svc, err := service.New(service.Options{
		Config:   cfg,
		Provider: provider,
		Factory:  func(llm.Profile) (llm.Client, error) { return client, nil },
		Retry:    &retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, provider
}

func TestNewRegistersPipelines(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)
	require.ElementsMatch(t, []string{
		service.PipelineMemorize,
		service.PipelineRetrieveRAG,
		service.PipelineRetrieveLLM,
		service.PipelinePatchCreate,
		service.PipelinePatchUpdate,
		service.PipelinePatchDelete,
		service.PipelineListItems,
		service.PipelineListCategories,
	}, svc.Pipelines())
}

func TestConfigureStepBumpsRevision(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)

	rev, err := svc.PipelineRevision(service.PipelineMemorize)
	require.NoError(t, err)
	require.Equal(t, 1, rev)

	rev, err = svc.ConfigureStep(service.PipelineMemorize, service.StepExtractItems,
		map[string]any{"llm_profile": "default"})
	require.NoError(t, err)
	require.Equal(t, 2, rev)

	_, err = svc.ConfigureStep(service.PipelineMemorize, "no_such_step", map[string]any{"k": "v"})
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindPipelineInvalid))

	rev, err = svc.PipelineRevision(service.PipelineMemorize)
	require.NoError(t, err)
	require.Equal(t, 2, rev, "failed mutation must not advance the revision")
}

func TestRemoveStepRejectsBrokenDependencies(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)

	// extract_items is the sole producer of the candidates key that later
	// steps require, so removing it must be rejected atomically.
	_, err := svc.RemoveStep(service.PipelineMemorize, service.StepExtractItems)
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindPipelineInvalid))

	rev, err := svc.PipelineRevision(service.PipelineMemorize)
	require.NoError(t, err)
	require.Equal(t, 1, rev)
}

func TestInsertStepAfterRuns(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)

	var ran bool
	_, err := svc.InsertStepAfter(service.PipelineListItems, service.StepListItems, pipeline.Step{
		ID:       "audit",
		Requires: []string{"response"},
		Handler: func(_ context.Context, state pipeline.State) (pipeline.State, error) {
			ran = true
			return state, nil
		},
	})
	require.NoError(t, err)

	_, err = svc.ListMemoryItems(context.Background(), memory.Where{"user_id": "alice"})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestRunnerInterceptorsObserveSteps(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, nil)

	var (
		mu    sync.Mutex
		steps []string
	)
	svc.Runner().OnAfter(func(_ context.Context, _ string, step pipeline.Step, _ pipeline.State) {
		mu.Lock()
		steps = append(steps, step.ID)
		mu.Unlock()
	})

	_, err := svc.ListMemoryCategories(context.Background(), memory.Where{"user_id": "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{service.StepListCategories}, steps)
}
