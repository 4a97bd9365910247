// Package service implements the MemoryService façade. Every public
// operation runs a named pipeline through the workflow engine, so operators
// extend behavior by inserting, replacing or reconfiguring steps rather than
// wrapping the service.
package service

import (
	"context"
	"errors"

	"goa.design/recall/runtime/fetch"
	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/repository"
	"goa.design/recall/runtime/retry"
	"goa.design/recall/runtime/telemetry"
)

// Pipeline names. Every public operation maps to exactly one.
const (
	PipelineMemorize       = "memorize"
	PipelineRetrieveRAG    = "retrieve_rag"
	PipelineRetrieveLLM    = "retrieve_llm"
	PipelinePatchCreate    = "patch_create"
	PipelinePatchUpdate    = "patch_update"
	PipelinePatchDelete    = "patch_delete"
	PipelineListItems      = "crud_list_items"
	PipelineListCategories = "crud_list_categories"
)

// State keys shared between steps. Callers seed the initial-input keys;
// steps produce the rest.
const (
	keyScope           = "scope"
	keyResourceURL     = "resource_url"
	keyModality        = "modality"
	keySummaryPrompt   = "summary_prompt"
	keyResource        = "resource"
	keyCaption         = "caption"
	keyCandidates      = "candidates"
	keyItems           = "items"
	keyResources       = "resources"
	keyCategories      = "categories"
	keyRelations       = "relations"
	keyResponse        = "response"
	keyQueries         = "queries"
	keyFilter          = "filter"
	keyNeedsRetrieval  = "needs_retrieval"
	keyOriginalQuery   = "original_query"
	keyRewrittenQuery  = "rewritten_query"
	keyNextStepQuery   = "next_step_query"
	keyQueryEmbedding  = "query_embedding"
	keySufficient      = "sufficient"
	keyItemID          = "item_id"
	keyMemoryType      = "memory_type"
	keyContent         = "content"
	keyCategoryNames   = "category_names"
	keyItem            = "item"
	keyUpdate          = "update"
	keyCategoryUpdates = "category_updates"
)

// Step config keys recognized by the built-in handlers.
const (
	cfgLLMProfile     = "llm_profile"
	cfgChatProfile    = "chat_llm_profile"
	cfgEmbedProfile   = "embed_llm_profile"
	cfgMethod         = "method"
	cfgEnabled        = "enabled"
	cfgRouteIntention = "route_intention"
)

type (
	// FrameExtractor produces representative still frames for video
	// preprocessing. The default hands the video file itself to the vision
	// model; operators inject an ffmpeg-backed implementation for real frame
	// sampling.
	FrameExtractor interface {
		ExtractFrames(ctx context.Context, videoPath string) ([]string, error)
	}

	// Options configures the service. Config, Provider and Factory are
	// required; everything else defaults.
	Options struct {
		Config   Config
		Provider repository.Provider
		// Factory builds LLM clients for the configured profiles.
		Factory llm.Factory
		// Fetcher acquires resources for memorize; defaults to fetch.Local.
		Fetcher fetch.Fetcher
		// Frames samples video frames; defaults to passing the whole file.
		Frames FrameExtractor
		// Retry overrides the upstream retry policy.
		Retry   *retry.Config
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// Service is the memory service façade.
	Service struct {
		cfg      Config
		provider repository.Provider
		fetcher  fetch.Fetcher
		frames   FrameExtractor
		profiles *llm.Profiles
		scope    *memory.ScopeModel
		manager  *pipeline.Manager
		runner   *pipeline.Runner
		locks    *keyedLocks
		retryCfg retry.Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		seeds    map[string]CategorySeed
	}
)

// wholeFile is the default frame extractor: modern vision models accept
// short videos directly.
type wholeFile struct{}

func (wholeFile) ExtractFrames(_ context.Context, videoPath string) ([]string, error) {
	return []string{videoPath}, nil
}

// New builds the service and registers the default pipelines.
func New(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, memory.E(memory.KindInvalidInput, "storage provider is required")
	}
	if opts.Factory == nil {
		return nil, memory.E(memory.KindInvalidInput, "llm client factory is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	scope, err := memory.NewScopeModel(opts.Config.User.Model)
	if err != nil {
		return nil, err
	}
	profiles, err := llm.NewProfiles(opts.Config.profiles(), opts.Factory)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewLocal()
	}
	frames := opts.Frames
	if frames == nil {
		frames = wholeFile{}
	}
	retryCfg := retry.DefaultConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}

	seeds := make(map[string]CategorySeed, len(opts.Config.Memorize.MemoryCategories))
	for _, seed := range opts.Config.Memorize.MemoryCategories {
		norm := memory.NormalizeCategoryName(seed.Name)
		if norm == "" {
			return nil, memory.E(memory.KindInvalidInput, "memorize_config.memory_categories contains an empty name")
		}
		seeds[norm] = seed
	}

	s := &Service{
		cfg:      opts.Config,
		provider: opts.Provider,
		fetcher:  fetcher,
		frames:   frames,
		profiles: profiles,
		scope:    scope,
		manager:  pipeline.NewManager(logger),
		runner:   pipeline.NewRunner(pipeline.RunnerOptions{Logger: logger, Tracer: tracer}),
		locks:    newKeyedLocks(),
		retryCfg: retryCfg,
		logger:   logger,
		metrics:  metrics,
		seeds:    seeds,
	}

	s.runner.OnAfter(func(_ context.Context, name string, step pipeline.Step, _ pipeline.State) {
		s.metrics.IncCounter("recall_pipeline_steps_total", 1, "pipeline", name, "step", step.ID)
	})
	s.runner.OnError(func(_ context.Context, name string, step pipeline.Step, _ pipeline.State, err error) {
		s.metrics.IncCounter("recall_pipeline_step_errors_total", 1,
			"pipeline", name, "step", step.ID, "kind", string(memory.KindOf(err)))
	})

	for _, p := range []pipeline.Pipeline{
		s.memorizePipeline(),
		s.retrievePipeline(PipelineRetrieveRAG, MethodRAG),
		s.retrievePipeline(PipelineRetrieveLLM, MethodLLM),
		s.patchCreatePipeline(),
		s.patchUpdatePipeline(),
		s.patchDeletePipeline(),
		s.listItemsPipeline(),
		s.listCategoriesPipeline(),
	} {
		if err := s.manager.Register(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ScopeModel exposes the configured scope fields.
func (s *Service) ScopeModel() *memory.ScopeModel { return s.scope }

// Runner exposes the pipeline runner so operators can register
// before/after/on-error interceptors.
func (s *Service) Runner() *pipeline.Runner { return s.runner }

// Ping verifies storage connectivity.
func (s *Service) Ping(ctx context.Context) error { return s.provider.Ping(ctx) }

// Close drops the cached LLM clients and releases storage connections.
func (s *Service) Close(ctx context.Context) error {
	s.profiles.Close()
	return s.provider.Close(ctx)
}

// ConfigureStep merges config values into a step of the named pipeline and
// returns the new revision.
func (s *Service) ConfigureStep(name, stepID string, configs map[string]any) (int, error) {
	return s.manager.ConfigureStep(name, stepID, configs)
}

// InsertStepBefore adds a step before the target and returns the new
// revision.
func (s *Service) InsertStepBefore(name, target string, step pipeline.Step) (int, error) {
	return s.manager.InsertStepBefore(name, target, step)
}

// InsertStepAfter adds a step after the target and returns the new revision.
func (s *Service) InsertStepAfter(name, target string, step pipeline.Step) (int, error) {
	return s.manager.InsertStepAfter(name, target, step)
}

// ReplaceStep swaps the target step and returns the new revision.
func (s *Service) ReplaceStep(name, target string, step pipeline.Step) (int, error) {
	return s.manager.ReplaceStep(name, target, step)
}

// RemoveStep deletes the target step and returns the new revision.
func (s *Service) RemoveStep(name, target string) (int, error) {
	return s.manager.RemoveStep(name, target)
}

// Pipelines returns the registered pipeline names.
func (s *Service) Pipelines() []string { return s.manager.Names() }

// PipelineRevision returns the current revision of the named pipeline.
func (s *Service) PipelineRevision(name string) (int, error) {
	return s.manager.Revision(name)
}

// run snapshots the named pipeline and executes it on the given state.
func (s *Service) run(ctx context.Context, name string, state pipeline.State) (pipeline.State, error) {
	p, err := s.manager.Snapshot(name)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, p, state)
}

// profileOr returns name, or the default profile when name is empty.
func profileOr(name string) string {
	if name == "" {
		return llm.DefaultProfile
	}
	return name
}

// chatFor resolves the chat client for a step from its config, preferring
// chat_llm_profile over llm_profile.
func (s *Service) chatFor(step pipeline.Step) (llm.Client, llm.Profile, error) {
	name := step.ConfigString(cfgChatProfile, step.ConfigString(cfgLLMProfile, llm.DefaultProfile))
	p, err := s.profiles.Profile(name)
	if err != nil {
		return nil, llm.Profile{}, err
	}
	c, err := s.profiles.Client(name)
	if err != nil {
		return nil, llm.Profile{}, err
	}
	return c, p, nil
}

// embedFor resolves the embedding client for a step, falling back to the
// "embedding" profile when the resolved profile has no embed model.
func (s *Service) embedFor(step pipeline.Step) (llm.Client, llm.Profile, error) {
	name := step.ConfigString(cfgEmbedProfile, step.ConfigString(cfgLLMProfile, llm.DefaultProfile))
	return s.profiles.EmbedClient(name)
}

// upstream runs fn under the retry policy, tagging untagged failures with
// kind so the policy recognizes them as transient. Cancellation, tagged
// errors and capability gaps pass through untouched.
func (s *Service) upstream(ctx context.Context, kind memory.Kind, msg string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return memory.Wrap(memory.KindCancelled, err, msg)
		}
		if errors.Is(err, llm.ErrUnsupported) || memory.KindOf(err) != "" {
			return err
		}
		return memory.Wrap(kind, err, msg)
	})
}

// wrapBackend tags repository errors that are not already tagged.
func wrapBackend(err error, msg string) error {
	if err == nil {
		return nil
	}
	if memory.KindOf(err) != "" {
		return err
	}
	return memory.Wrap(memory.KindBackendUnavailable, err, msg)
}

// Typed state accessors. A missing or mistyped key means a mutated pipeline
// broke the step contract, so they fail with PipelineInvalid.

func stateScope(state pipeline.State) (memory.Scope, error) {
	scope, ok := state[keyScope].(memory.Scope)
	if !ok || len(scope) == 0 {
		return nil, memory.E(memory.KindPipelineInvalid, "state is missing the scope tuple")
	}
	return scope, nil
}

func stateResource(state pipeline.State) (*memory.Resource, error) {
	res, ok := state[keyResource].(*memory.Resource)
	if !ok || res == nil {
		return nil, memory.E(memory.KindPipelineInvalid, "state is missing the resource record")
	}
	return res, nil
}

func stateItem(state pipeline.State) (*memory.MemoryItem, error) {
	item, ok := state[keyItem].(*memory.MemoryItem)
	if !ok || item == nil {
		return nil, memory.E(memory.KindPipelineInvalid, "state is missing the memory item")
	}
	return item, nil
}

func stateFilter(state pipeline.State) memory.Filter {
	filter, _ := state[keyFilter].(memory.Filter)
	return filter
}

func stateCategories(state pipeline.State) []*memory.MemoryCategory {
	cats, _ := state[keyCategories].([]*memory.MemoryCategory)
	return cats
}
