package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/repository"
)

// Memorize step ids.
const (
	StepIngestResource  = "ingest_resource"
	StepPreprocess      = "preprocess_multimodal"
	StepExtractItems    = "extract_items"
	StepDedupeMerge     = "dedupe_merge"
	StepCategorizeItems = "categorize_items"
	StepPersistIndex    = "persist_index"
	StepBuildResponse   = "build_response"
)

// preprocessChunkRunes bounds one summarization call; longer artifacts are
// summarized chunk by chunk and the partial summaries joined.
const preprocessChunkRunes = 6000

func (s *Service) memorizePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelineMemorize,
		InitialInputs: []string{keyScope, keyResourceURL, keyModality, keySummaryPrompt},
		Steps: []pipeline.Step{
			{
				ID:           StepIngestResource,
				Requires:     []string{keyScope, keyResourceURL, keyModality},
				Produces:     []string{keyResource},
				Capabilities: []string{"io", "db"},
				Handler:      s.ingestResource,
			},
			{
				ID:           StepPreprocess,
				Requires:     []string{keyResource},
				Produces:     []string{keyCaption},
				Capabilities: []string{"llm", "vision"},
				Config:       map[string]any{cfgLLMProfile: profileOr(s.cfg.Memorize.PreprocessLLMProfile)},
				Handler:      s.preprocessMultimodal,
			},
			{
				ID:           StepExtractItems,
				Requires:     []string{keyCaption, keyScope},
				Produces:     []string{keyCandidates},
				Capabilities: []string{"llm"},
				Config:       map[string]any{cfgLLMProfile: profileOr(s.cfg.Memorize.MemoryExtractLLMProfile)},
				Handler:      s.extractItems,
			},
			{
				ID:       StepDedupeMerge,
				Requires: []string{keyCandidates},
				Produces: []string{keyCandidates},
				Handler:  s.dedupeMerge,
			},
			{
				ID:           StepCategorizeItems,
				Requires:     []string{keyCandidates, keyResource},
				Produces:     []string{keyItems, keyCategories, keyRelations},
				Capabilities: []string{"llm", "vector", "db"},
				Config:       map[string]any{cfgLLMProfile: llm.DefaultProfile},
				Handler:      s.categorizeItems,
			},
			{
				ID:           StepPersistIndex,
				Requires:     []string{keyCategories},
				Produces:     []string{keyCategoryUpdates},
				Capabilities: []string{"llm", "db"},
				Config:       map[string]any{cfgLLMProfile: profileOr(s.cfg.Memorize.CategoryUpdateLLMProfile)},
				Handler:      s.persistIndex,
			},
			{
				ID:       StepBuildResponse,
				Requires: []string{keyResource, keyItems},
				Produces: []string{keyResponse},
				Handler:  s.memorizeResponse,
			},
		},
	}
}

// ingestResource fetches the artifact into the blob directory and creates
// the resource record.
func (s *Service) ingestResource(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	rawURL, _ := state.String(keyResourceURL)
	modality, _ := state[keyModality].(memory.Modality)

	id := uuid.NewString()
	destDir := filepath.Join(s.cfg.Blob.ResourcesDir, id)
	var local string
	err = s.upstream(ctx, memory.KindFetchFailed, "fetching resource", func(ctx context.Context) error {
		var ferr error
		local, ferr = s.fetcher.Fetch(ctx, rawURL, destDir)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := &memory.Resource{
		ID:        id,
		URL:       rawURL,
		Modality:  modality,
		LocalPath: local,
		CreatedAt: now,
		UpdatedAt: now,
		Scope:     scope.Clone(),
	}
	if err := s.provider.Resources().Create(ctx, res); err != nil {
		return nil, wrapBackend(err, "persisting resource")
	}
	state[keyResource] = res
	return state, nil
}

// preprocessMultimodal turns the fetched artifact into a text caption.
// Conversations and documents are summarized, audio is transcribed first,
// images and video frames go through the vision model. The caption and its
// embedding are written back onto the resource.
func (s *Service) preprocessMultimodal(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	res, err := stateResource(state)
	if err != nil {
		return nil, err
	}
	step := state.CurrentStep()
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}
	prompt := s.cfg.Memorize.MultimodalPreprocessPrompts[string(res.Modality)]
	if prompt == "" {
		prompt = defaultPreprocessPrompt(res.Modality)
	}
	if custom, ok := state.String(keySummaryPrompt); ok {
		prompt = custom
	}

	var caption string
	switch res.Modality {
	case memory.ModalityConversation, memory.ModalityDocument:
		caption, err = s.summarizeFile(ctx, client, res.LocalPath, prompt)
	case memory.ModalityAudio:
		var transcript string
		err = s.upstream(ctx, memory.KindSummarizationFailed, "transcribing audio", func(ctx context.Context) error {
			var terr error
			transcript, _, terr = client.Transcribe(ctx, res.LocalPath)
			return terr
		})
		if errors.Is(err, llm.ErrUnsupported) {
			err = memory.E(memory.KindSummarizationFailed, "the preprocessing profile cannot transcribe audio")
		}
		if err == nil {
			caption, err = s.summarizeText(ctx, client, transcript, prompt)
		}
	case memory.ModalityImage:
		err = s.upstream(ctx, memory.KindSummarizationFailed, "captioning image", func(ctx context.Context) error {
			var verr error
			caption, _, verr = client.Vision(ctx, prompt, []string{res.LocalPath}, llm.Options{})
			return verr
		})
	case memory.ModalityVideo:
		caption, err = s.captionVideo(ctx, client, res.LocalPath, prompt)
	}
	if err != nil {
		return nil, err
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return nil, memory.E(memory.KindSummarizationFailed, "preprocessing produced an empty caption")
	}

	res.Caption = caption
	if err := s.embedResource(ctx, step, res); err != nil {
		// Resource recall degrades without the embedding; the caption and
		// the item extraction that follows do not.
		s.logger.Warn(ctx, "resource embedding skipped", "resource", res.ID, "err", err)
	}
	if err := s.provider.Resources().Update(ctx, res); err != nil {
		return nil, wrapBackend(err, "updating resource caption")
	}
	state[keyCaption] = caption
	return state, nil
}

func (s *Service) summarizeFile(ctx context.Context, client llm.Client, path, prompt string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", memory.Wrap(memory.KindFetchFailed, err, "reading fetched artifact")
	}
	return s.summarizeText(ctx, client, string(raw), prompt)
}

func (s *Service) summarizeText(ctx context.Context, client llm.Client, text, prompt string) (string, error) {
	chunks := chunkRunes(text, preprocessChunkRunes)
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		var part string
		err := s.upstream(ctx, memory.KindSummarizationFailed, "summarizing artifact", func(ctx context.Context) error {
			var serr error
			part, _, serr = client.Summarize(ctx, chunk, prompt, llm.Options{})
			return serr
		})
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(part))
	}
	return strings.Join(parts, "\n"), nil
}

func (s *Service) captionVideo(ctx context.Context, client llm.Client, path, prompt string) (string, error) {
	frames, err := s.frames.ExtractFrames(ctx, path)
	if err != nil {
		return "", memory.Wrap(memory.KindSummarizationFailed, err, "extracting video frames")
	}
	captions := make([]string, 0, len(frames))
	for _, frame := range frames {
		var caption string
		err := s.upstream(ctx, memory.KindSummarizationFailed, "captioning video frame", func(ctx context.Context) error {
			var verr error
			caption, _, verr = client.Vision(ctx, prompt, []string{frame}, llm.Options{})
			return verr
		})
		if err != nil {
			return "", err
		}
		captions = append(captions, strings.TrimSpace(caption))
	}
	return strings.Join(captions, "\n"), nil
}

func (s *Service) embedResource(ctx context.Context, step pipeline.Step, res *memory.Resource) error {
	client, profile, err := s.embedFor(step)
	if err != nil {
		return err
	}
	var vecs [][]float32
	err = s.upstream(ctx, memory.KindBackendUnavailable, "embedding resource caption", func(ctx context.Context) error {
		var eerr error
		vecs, _, eerr = llm.EmbedBatches(ctx, client, []string{res.Caption}, profile.BatchSize())
		return eerr
	})
	if err != nil {
		return err
	}
	res.Embedding = vecs[0]
	return nil
}

// dedupeMerge is the consolidation extension point. The default passes
// candidates through untouched; operators replace this step to merge
// near-duplicate candidates against existing items in the same scope.
func (s *Service) dedupeMerge(_ context.Context, state pipeline.State) (pipeline.State, error) {
	return state, nil
}

// categorizeItems persists the candidate items with their embeddings,
// resolves category hints to categories (creating missing ones) and links
// items to categories through edges.
func (s *Service) categorizeItems(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	res, err := stateResource(state)
	if err != nil {
		return nil, err
	}
	candidates, _ := state[keyCandidates].([]candidate)
	step := state.CurrentStep()
	embedClient, embedProfile, err := s.embedFor(step)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Summary
	}
	var vecs [][]float32
	err = s.upstream(ctx, memory.KindBackendUnavailable, "embedding item summaries", func(ctx context.Context) error {
		var eerr error
		vecs, _, eerr = llm.EmbedBatches(ctx, embedClient, texts, embedProfile.BatchSize())
		return eerr
	})
	if err != nil {
		return nil, err
	}

	var (
		items      []*memory.MemoryItem
		relations  []*memory.CategoryItem
		categories []*memory.MemoryCategory
		byID       = make(map[string]*memory.MemoryCategory)
	)
	for i, c := range candidates {
		now := time.Now().UTC()
		item := &memory.MemoryItem{
			ID:         uuid.NewString(),
			ResourceID: res.ID,
			MemoryType: c.MemoryType,
			Summary:    c.Summary,
			Embedding:  vecs[i],
			CreatedAt:  now,
			UpdatedAt:  now,
			Scope:      scope.Clone(),
		}
		if err := s.provider.Items().Create(ctx, item); err != nil {
			return nil, wrapBackend(err, "persisting memory item")
		}
		items = append(items, item)

		linked := make(map[string]struct{})
		for _, hint := range c.CategoryHints {
			cat, err := s.resolveCategory(ctx, scope, hint, embedClient, embedProfile, true)
			if err != nil {
				return nil, err
			}
			if cat == nil {
				continue
			}
			if _, dup := linked[cat.ID]; dup {
				continue
			}
			linked[cat.ID] = struct{}{}
			if _, seen := byID[cat.ID]; !seen {
				byID[cat.ID] = cat
				categories = append(categories, cat)
			}
			edge := &memory.CategoryItem{
				ID:         uuid.NewString(),
				ItemID:     item.ID,
				CategoryID: cat.ID,
				CreatedAt:  now,
				UpdatedAt:  now,
				Scope:      scope.Clone(),
			}
			if err := s.provider.Edges().Create(ctx, edge); err != nil {
				return nil, wrapBackend(err, "linking item to category")
			}
			relations = append(relations, edge)
		}
	}

	state[keyItems] = items
	state[keyCategories] = categories
	state[keyRelations] = relations
	return state, nil
}

// resolveCategory maps one hint name to a category in scope, creating it
// when missing. With useThreshold, a near match by embedding above the
// configured assignment threshold reuses the existing category instead of
// creating a close duplicate.
func (s *Service) resolveCategory(ctx context.Context, scope memory.Scope, name string, embedClient llm.Client, embedProfile llm.Profile, useThreshold bool) (*memory.MemoryCategory, error) {
	norm := memory.NormalizeCategoryName(name)
	if norm == "" {
		return nil, nil
	}
	cat, err := s.provider.Categories().GetByName(ctx, norm, scope)
	if err == nil {
		return cat, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, wrapBackend(err, "resolving category name")
	}

	seed, seeded := s.seeds[norm]
	desc := seed.Description
	if !seeded {
		desc = "Memories related to " + norm
	}
	var vecs [][]float32
	err = s.upstream(ctx, memory.KindBackendUnavailable, "embedding category", func(ctx context.Context) error {
		var eerr error
		vecs, _, eerr = llm.EmbedBatches(ctx, embedClient, []string{norm + "\n" + desc}, embedProfile.BatchSize())
		return eerr
	})
	if err != nil {
		return nil, err
	}

	if threshold := s.cfg.Memorize.CategoryAssignThreshold; useThreshold && threshold > 0 && threshold < 1 {
		scored, serr := s.provider.Categories().SimilaritySearch(ctx, vecs[0], 1, memory.ScopeFilter(scope))
		if serr == nil && len(scored) > 0 && scored[0].Score >= threshold {
			return scored[0].Category, nil
		}
	}

	now := time.Now().UTC()
	cat = &memory.MemoryCategory{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: desc,
		Embedding:   vecs[0],
		CreatedAt:   now,
		UpdatedAt:   now,
		Scope:       scope.Clone(),
	}
	if err := s.provider.Categories().Create(ctx, cat); err != nil {
		if memory.IsKind(err, memory.KindInvalidInput) {
			// Lost a create race; the winner's record is authoritative.
			return s.provider.Categories().GetByName(ctx, norm, scope)
		}
		return nil, wrapBackend(err, "creating category")
	}
	return cat, nil
}

// persistIndex recomputes the summary of every category touched by this
// run. Summary failures never fail the pipeline: the item and edge writes
// stand and the category summary is cleared for a later retry.
func (s *Service) persistIndex(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	step := state.CurrentStep()
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}
	cats := stateCategories(state)
	updated := make([]*memory.MemoryCategory, 0, len(cats))
	for _, cat := range cats {
		if err := s.recomputeCategorySummary(ctx, client, cat); err != nil {
			if memory.IsKind(err, memory.KindCancelled) {
				return nil, err
			}
			s.logger.Warn(ctx, "category summary recompute failed",
				"category", cat.ID, "name", cat.Name, "err", err)
		}
		updated = append(updated, cat)
	}
	state[keyCategoryUpdates] = updated
	return state, nil
}

func (s *Service) memorizeResponse(_ context.Context, state pipeline.State) (pipeline.State, error) {
	res, err := stateResource(state)
	if err != nil {
		return nil, err
	}
	items, _ := state[keyItems].([]*memory.MemoryItem)
	relations, _ := state[keyRelations].([]*memory.CategoryItem)
	state[keyResponse] = &MemorizeResponse{
		Resource:   res,
		Items:      items,
		Categories: stateCategories(state),
		Relations:  relations,
	}
	return state, nil
}

// recomputeCategorySummary rebuilds one category summary from its member
// item summaries. Rebuilds for a given (scope, category) run one at a time;
// the category record is reloaded under the lock so the rebuild sees the
// latest membership. On failure the summary is cleared so a later pass
// retries, and cat reflects the persisted state either way.
func (s *Service) recomputeCategorySummary(ctx context.Context, client llm.Client, cat *memory.MemoryCategory) error {
	unlock := s.locks.Lock(cat.Scope.Key() + "|" + cat.ID)
	defer unlock()

	current, err := s.provider.Categories().Get(ctx, cat.ID, cat.Scope)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return wrapBackend(err, "loading category")
	}
	edges, err := s.provider.Edges().ListByCategory(ctx, current.ID, current.Scope)
	if err != nil {
		return wrapBackend(err, "listing category members")
	}

	if len(edges) == 0 {
		current.Summary = ""
		if err := s.provider.Categories().Update(ctx, current); err != nil {
			return wrapBackend(err, "clearing category summary")
		}
		*cat = *current
		return nil
	}

	parts := make([]string, 0, len(edges))
	for _, edge := range edges {
		item, err := s.provider.Items().Get(ctx, edge.ItemID, current.Scope)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return wrapBackend(err, "loading category member")
		}
		parts = append(parts, item.Summary)
	}

	seed := s.seeds[memory.NormalizeCategoryName(current.Name)]
	prompt := seed.SummaryPrompt
	if prompt == "" {
		prompt = s.cfg.Memorize.DefaultCategorySummaryPrompt
	}
	if prompt == "" {
		prompt = defaultCategorySummaryPrompt
	}
	target := seed.TargetLength
	if target <= 0 {
		target = s.cfg.Memorize.DefaultCategorySummaryTargetLength
	}

	var summary string
	err = s.upstream(ctx, memory.KindSummarizationFailed, "summarizing category "+current.Name, func(ctx context.Context) error {
		var serr error
		summary, _, serr = client.Summarize(ctx, strings.Join(parts, "\n"), prompt, llm.Options{})
		return serr
	})
	if err != nil {
		current.Summary = ""
		if uerr := s.provider.Categories().Update(ctx, current); uerr != nil {
			s.logger.Warn(ctx, "clearing failed category summary", "category", current.ID, "err", uerr)
		}
		*cat = *current
		return err
	}

	current.Summary = clipRunes(strings.TrimSpace(summary), target)
	if err := s.provider.Categories().Update(ctx, current); err != nil {
		return wrapBackend(err, "storing category summary")
	}
	*cat = *current
	return nil
}

// chunkRunes splits text into rune-bounded chunks of at most size runes.
func chunkRunes(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// clipRunes truncates text to at most target runes.
func clipRunes(text string, target int) string {
	if target <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= target {
		return text
	}
	return string(runes[:target])
}
