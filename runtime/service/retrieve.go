package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/repository"
)

// Retrieve step ids.
const (
	StepRouteRewrite          = "route_rewrite"
	StepRecallCategories      = "recall_categories"
	StepSufficiencyCategories = "check_sufficiency_categories"
	StepRecallItems           = "recall_items"
	StepSufficiencyItems      = "check_sufficiency_items"
	StepRecallResources       = "recall_resources"
)

const (
	// llmCandidateFactor bounds the candidate set handed to the ranking
	// model, as a multiple of the section's top_k.
	llmCandidateFactor = 20
	// salienceOverfetch widens the cosine fetch so the salience re-rank has
	// room to promote recent or reinforced items.
	salienceOverfetch = 4
	// recencyHalfLife is the decay half-life of the salience recency term.
	recencyHalfLife = 7 * 24 * time.Hour
)

func (s *Service) retrievePipeline(name, method string) pipeline.Pipeline {
	rankProfile := profileOr(s.cfg.Retrieve.LLMRankingLLMProfile)
	sufficiencyProfile := profileOr(s.cfg.Retrieve.SufficiencyCheckLLMProfile)
	recallConfig := func() map[string]any {
		return map[string]any{
			cfgMethod:     method,
			cfgLLMProfile: rankProfile,
		}
	}
	sufficiencyConfig := func() map[string]any {
		return map[string]any{
			cfgEnabled:    s.cfg.Retrieve.SufficiencyCheck,
			cfgLLMProfile: sufficiencyProfile,
		}
	}
	return pipeline.Pipeline{
		Name:          name,
		InitialInputs: []string{keyQueries, keyFilter},
		Steps: []pipeline.Step{
			{
				ID:           StepRouteRewrite,
				Requires:     []string{keyQueries},
				Produces:     []string{keyNeedsRetrieval, keyOriginalQuery, keyRewrittenQuery, keyNextStepQuery},
				Capabilities: []string{"llm"},
				Config: map[string]any{
					cfgLLMProfile:     llm.DefaultProfile,
					cfgRouteIntention: s.cfg.Retrieve.RouteIntention,
				},
				Handler: s.routeRewrite,
			},
			{
				ID:           StepRecallCategories,
				Requires:     []string{keyNeedsRetrieval, keyRewrittenQuery, keyFilter},
				Produces:     []string{keyCategories},
				Capabilities: []string{"vector", "llm", "db"},
				Config:       recallConfig(),
				Handler:      s.recallCategories,
			},
			{
				ID:           StepSufficiencyCategories,
				Requires:     []string{keyCategories},
				Produces:     []string{keySufficient},
				Capabilities: []string{"llm"},
				Config:       sufficiencyConfig(),
				Handler:      s.checkSufficiency,
			},
			{
				ID:           StepRecallItems,
				Requires:     []string{keyNeedsRetrieval, keyRewrittenQuery, keyFilter},
				Produces:     []string{keyItems},
				Capabilities: []string{"vector", "llm", "db"},
				Config:       recallConfig(),
				Handler:      s.recallItems,
			},
			{
				ID:           StepSufficiencyItems,
				Requires:     []string{keyItems},
				Produces:     []string{keySufficient},
				Capabilities: []string{"llm"},
				Config:       sufficiencyConfig(),
				Handler:      s.checkSufficiency,
			},
			{
				ID:           StepRecallResources,
				Requires:     []string{keyNeedsRetrieval, keyRewrittenQuery, keyFilter},
				Produces:     []string{keyResources},
				Capabilities: []string{"vector", "db"},
				Config:       recallConfig(),
				Handler:      s.recallResources,
			},
			{
				ID:       StepBuildResponse,
				Requires: []string{keyNeedsRetrieval, keyOriginalQuery},
				Produces: []string{keyResponse},
				Handler:  s.retrieveResponse,
			},
		},
	}
}

// routeRewrite decides whether retrieval is needed and condenses the
// conversation into one standalone query.
func (s *Service) routeRewrite(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	queries, _ := state[keyQueries].([]Query)
	if len(queries) == 0 {
		return nil, memory.E(memory.KindInvalidQuery, "at least one query is required")
	}
	original := strings.TrimSpace(queries[len(queries)-1].Text)
	state[keyOriginalQuery] = original

	step := state.CurrentStep()
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}
	conversation := renderConversation(queries)

	needs := true
	if step.ConfigBool(cfgRouteIntention, false) {
		var answer string
		err := s.upstream(ctx, memory.KindBackendUnavailable, "routing retrieval intention", func(ctx context.Context) error {
			var cerr error
			answer, _, cerr = client.Chat(ctx, []llm.Message{
				{Role: llm.RoleSystem, Content: routeIntentionPrompt},
				{Role: llm.RoleUser, Content: conversation},
			}, llm.Options{})
			return cerr
		})
		switch {
		case memory.IsKind(err, memory.KindCancelled):
			return nil, err
		case err != nil:
			// Routing is an optimization; retrieve when in doubt.
			s.logger.Warn(ctx, "intention routing failed, assuming retrieval is needed", "err", err)
		default:
			needs = isYes(answer)
		}
	}
	state[keyNeedsRetrieval] = needs
	if !needs {
		state[keyRewrittenQuery] = ""
		state[keyNextStepQuery] = ""
		return state, nil
	}

	rewritten, next := original, ""
	var raw string
	err = s.upstream(ctx, memory.KindBackendUnavailable, "rewriting query", func(ctx context.Context) error {
		var cerr error
		raw, _, cerr = client.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: rewritePrompt},
			{Role: llm.RoleUser, Content: conversation},
		}, llm.Options{})
		return cerr
	})
	switch {
	case memory.IsKind(err, memory.KindCancelled):
		return nil, err
	case err != nil:
		s.logger.Warn(ctx, "query rewrite failed, using the original query", "err", err)
	default:
		var decoded struct {
			RewrittenQuery string `json:"rewritten_query"`
			NextStepQuery  string `json:"next_step_query"`
		}
		if jerr := json.Unmarshal([]byte(stripFences(raw)), &decoded); jerr == nil && decoded.RewrittenQuery != "" {
			rewritten, next = decoded.RewrittenQuery, decoded.NextStepQuery
		} else if cleaned := strings.TrimSpace(stripFences(raw)); cleaned != "" {
			rewritten = cleaned
		}
	}
	state[keyRewrittenQuery] = rewritten
	state[keyNextStepQuery] = next
	return state, nil
}

// skipRecall reports whether a recall step should pass without fetching:
// either routing decided against retrieval or an earlier sufficiency check
// found the accumulated context enough.
func skipRecall(state pipeline.State) bool {
	needs, _ := state[keyNeedsRetrieval].(bool)
	sufficient, _ := state[keySufficient].(bool)
	return !needs || sufficient
}

func (s *Service) recallCategories(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	state[keyCategories] = []repository.ScoredCategory(nil)
	section := s.cfg.Retrieve.Category
	if skipRecall(state) || !section.Enabled {
		return state, nil
	}
	filter := stateFilter(state)
	step := state.CurrentStep()

	if step.ConfigString(cfgMethod, MethodRAG) == MethodLLM {
		scored, err := s.llmRecallCategories(ctx, state, filter, section.TopK)
		if err == nil {
			state[keyCategories] = scored
			return state, nil
		}
		if memory.IsKind(err, memory.KindCancelled) {
			return nil, err
		}
		s.logger.Warn(ctx, "llm category ranking failed, falling back to rag", "err", err)
	}

	embedding, err := s.queryEmbedding(ctx, state)
	if err != nil {
		return nil, err
	}
	scored, err := s.provider.Categories().SimilaritySearch(ctx, embedding, section.TopK, filter)
	if err != nil {
		return nil, wrapBackend(err, "searching categories")
	}
	state[keyCategories] = scored
	return state, nil
}

func (s *Service) recallItems(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	state[keyItems] = []repository.ScoredItem(nil)
	section := s.cfg.Retrieve.Item
	if skipRecall(state) || !section.Enabled {
		return state, nil
	}
	filter := stateFilter(state)
	step := state.CurrentStep()

	if step.ConfigString(cfgMethod, MethodRAG) == MethodLLM {
		scored, err := s.llmRecallItems(ctx, state, filter, section.TopK)
		if err == nil {
			state[keyItems] = scored
			return state, nil
		}
		if memory.IsKind(err, memory.KindCancelled) {
			return nil, err
		}
		s.logger.Warn(ctx, "llm item ranking failed, falling back to rag", "err", err)
	}

	embedding, err := s.queryEmbedding(ctx, state)
	if err != nil {
		return nil, err
	}
	scored, err := s.provider.Items().SimilaritySearch(ctx, embedding, section.TopK*salienceOverfetch, filter)
	if err != nil {
		return nil, wrapBackend(err, "searching items")
	}
	state[keyItems] = s.rankBySalience(scored, section.TopK)
	return state, nil
}

func (s *Service) recallResources(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	state[keyResources] = []repository.ScoredResource(nil)
	section := s.cfg.Retrieve.Resource
	if skipRecall(state) || !section.Enabled {
		return state, nil
	}
	embedding, err := s.queryEmbedding(ctx, state)
	if err != nil {
		return nil, err
	}
	scored, err := s.provider.Resources().SimilaritySearch(ctx, embedding, section.TopK, stateFilter(state))
	if err != nil {
		return nil, wrapBackend(err, "searching resources")
	}
	state[keyResources] = scored
	return state, nil
}

// checkSufficiency asks the chat model whether the accumulated context is
// enough to answer the query. A yes skips the remaining recall sections.
func (s *Service) checkSufficiency(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	step := state.CurrentStep()
	if skipRecall(state) || !step.ConfigBool(cfgEnabled, false) {
		return state, nil
	}
	accumulated := renderAccumulated(state)
	if accumulated == "" {
		return state, nil
	}
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}
	prompt := s.cfg.Retrieve.SufficiencyCheckPrompt
	if prompt == "" {
		prompt = defaultSufficiencyPrompt
	}
	query, _ := state.String(keyRewrittenQuery)

	var answer string
	err = s.upstream(ctx, memory.KindBackendUnavailable, "checking sufficiency", func(ctx context.Context) error {
		var cerr error
		answer, _, cerr = client.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: "Query: " + query + "\n\nContext:\n" + accumulated},
		}, llm.Options{})
		return cerr
	})
	switch {
	case memory.IsKind(err, memory.KindCancelled):
		return nil, err
	case err != nil:
		s.logger.Warn(ctx, "sufficiency check failed, continuing recall", "err", err)
	case isYes(answer):
		state[keySufficient] = true
	}
	return state, nil
}

func (s *Service) retrieveResponse(_ context.Context, state pipeline.State) (pipeline.State, error) {
	needs, _ := state[keyNeedsRetrieval].(bool)
	original, _ := state.String(keyOriginalQuery)
	rewritten, _ := state[keyRewrittenQuery].(string)
	next, _ := state[keyNextStepQuery].(string)
	categories, _ := state[keyCategories].([]repository.ScoredCategory)
	items, _ := state[keyItems].([]repository.ScoredItem)
	resources, _ := state[keyResources].([]repository.ScoredResource)
	state[keyResponse] = &RetrieveResponse{
		NeedsRetrieval: needs,
		OriginalQuery:  original,
		RewrittenQuery: rewritten,
		NextStepQuery:  next,
		Categories:     categories,
		Items:          items,
		Resources:      resources,
	}
	return state, nil
}

// queryEmbedding embeds the rewritten query once per run and memoizes the
// vector in state for the later recall sections.
func (s *Service) queryEmbedding(ctx context.Context, state pipeline.State) ([]float32, error) {
	if vec, ok := state[keyQueryEmbedding].([]float32); ok {
		return vec, nil
	}
	step := state.CurrentStep()
	client, profile, err := s.embedFor(step)
	if err != nil {
		return nil, err
	}
	query, _ := state.String(keyRewrittenQuery)
	var vecs [][]float32
	err = s.upstream(ctx, memory.KindBackendUnavailable, "embedding query", func(ctx context.Context) error {
		var eerr error
		vecs, _, eerr = llm.EmbedBatches(ctx, client, []string{query}, profile.BatchSize())
		return eerr
	})
	if err != nil {
		return nil, err
	}
	state[keyQueryEmbedding] = vecs[0]
	return vecs[0], nil
}

// rankBySalience re-ranks cosine-scored items by the salience composite
// alpha*cosine + beta*recency + gamma*reinforcement and keeps the top k.
// The reinforcement term saturates as hits/(hits+1) so the composite stays
// within [0,1] when the weights sum to one. Ties break on updated_at desc,
// then id.
func (s *Service) rankBySalience(scored []repository.ScoredItem, k int) []repository.ScoredItem {
	weights := s.cfg.Retrieve.Salience
	now := time.Now().UTC()
	out := make([]repository.ScoredItem, len(scored))
	for i, sc := range scored {
		hits := float64(sc.Item.Hits)
		out[i] = repository.ScoredItem{
			Item: sc.Item,
			Score: weights.Alpha*sc.Score +
				weights.Beta*recency(now, sc.Item.UpdatedAt) +
				weights.Gamma*(hits/(hits+1)),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Item.UpdatedAt.Equal(out[j].Item.UpdatedAt) {
			return out[i].Item.UpdatedAt.After(out[j].Item.UpdatedAt)
		}
		return out[i].Item.ID < out[j].Item.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// recency decays exponentially with the record age.
func recency(now, updatedAt time.Time) float64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(recencyHalfLife))
}

// llmRecallCategories ranks a bounded candidate set with the chat model.
func (s *Service) llmRecallCategories(ctx context.Context, state pipeline.State, filter memory.Filter, k int) ([]repository.ScoredCategory, error) {
	candidates, err := s.provider.Categories().List(ctx, filter)
	if err != nil {
		return nil, wrapBackend(err, "listing category candidates")
	}
	if len(candidates) > k*llmCandidateFactor {
		candidates = candidates[:k*llmCandidateFactor]
	}
	rows := make([]string, len(candidates))
	byID := make(map[string]*memory.MemoryCategory, len(candidates))
	for i, c := range candidates {
		rows[i] = fmt.Sprintf("%s|%s|%s", c.ID, c.Name, c.Summary)
		byID[c.ID] = c
	}
	ids, err := s.rankRows(ctx, state, rows, k)
	if err != nil {
		return nil, err
	}
	out := make([]repository.ScoredCategory, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, repository.ScoredCategory{Category: c})
		}
	}
	return out, nil
}

// llmRecallItems ranks a bounded candidate set with the chat model.
func (s *Service) llmRecallItems(ctx context.Context, state pipeline.State, filter memory.Filter, k int) ([]repository.ScoredItem, error) {
	candidates, err := s.provider.Items().List(ctx, filter)
	if err != nil {
		return nil, wrapBackend(err, "listing item candidates")
	}
	if len(candidates) > k*llmCandidateFactor {
		candidates = candidates[:k*llmCandidateFactor]
	}
	rows := make([]string, len(candidates))
	byID := make(map[string]*memory.MemoryItem, len(candidates))
	for i, item := range candidates {
		rows[i] = fmt.Sprintf("%s|%s|%s", item.ID, item.MemoryType, item.Summary)
		byID[item.ID] = item
	}
	ids, err := s.rankRows(ctx, state, rows, k)
	if err != nil {
		return nil, err
	}
	out := make([]repository.ScoredItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, repository.ScoredItem{Item: item})
		}
	}
	return out, nil
}

// rankRows asks the chat model for the k most relevant candidate ids.
// Invalid output is an error; the caller falls back to the RAG method.
func (s *Service) rankRows(ctx context.Context, state pipeline.State, rows []string, k int) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	step := state.CurrentStep()
	client, _, err := s.chatFor(step)
	if err != nil {
		return nil, err
	}
	query, _ := state.String(keyRewrittenQuery)
	var raw string
	err = s.upstream(ctx, memory.KindBackendUnavailable, "ranking candidates", func(ctx context.Context) error {
		var cerr error
		raw, _, cerr = client.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: rankingPrompt(k)},
			{Role: llm.RoleUser, Content: "Query: " + query + "\n\nCandidates:\n" + strings.Join(rows, "\n")},
		}, llm.Options{})
		return cerr
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &ids); err != nil {
		return nil, fmt.Errorf("decoding ranking output: %w", err)
	}
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids, nil
}

func renderConversation(queries []Query) string {
	var b strings.Builder
	for _, q := range queries {
		role := q.Role
		if role == "" {
			role = llm.RoleUser
		}
		fmt.Fprintf(&b, "%s: %s\n", role, q.Text)
	}
	return b.String()
}

// renderAccumulated formats the recalled sections for the sufficiency
// check.
func renderAccumulated(state pipeline.State) string {
	var b strings.Builder
	if categories, _ := state[keyCategories].([]repository.ScoredCategory); len(categories) > 0 {
		for _, c := range categories {
			fmt.Fprintf(&b, "category %s: %s\n", c.Category.Name, c.Category.Summary)
		}
	}
	if items, _ := state[keyItems].([]repository.ScoredItem); len(items) > 0 {
		for _, item := range items {
			fmt.Fprintf(&b, "memory (%s): %s\n", item.Item.MemoryType, item.Item.Summary)
		}
	}
	return b.String()
}
