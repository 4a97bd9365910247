package service

import (
	"context"
	"strings"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/repository"
)

type (
	// MemorizeRequest ingests one artifact.
	MemorizeRequest struct {
		ResourceURL string
		Modality    memory.Modality
		// SummaryPrompt overrides the preprocessing prompt for this call.
		SummaryPrompt string
		Scope         memory.Scope
	}

	// MemorizeResponse reports everything one memorize run persisted.
	MemorizeResponse struct {
		Resource   *memory.Resource
		Items      []*memory.MemoryItem
		Categories []*memory.MemoryCategory
		Relations  []*memory.CategoryItem
	}

	// Query is one conversation turn of a retrieve request. The last query
	// is the active one.
	Query struct {
		Role string
		Text string
	}

	// RetrieveRequest recalls memories for a conversation.
	RetrieveRequest struct {
		Queries []Query
		Where   memory.Where
	}

	// RetrieveResponse carries the recalled sections. Scores are populated
	// in RAG mode only.
	RetrieveResponse struct {
		NeedsRetrieval bool
		OriginalQuery  string
		RewrittenQuery string
		NextStepQuery  string
		Categories     []repository.ScoredCategory
		Items          []repository.ScoredItem
		Resources      []repository.ScoredResource
	}

	// CreateItemRequest creates one memory item directly.
	CreateItemRequest struct {
		MemoryType    string
		Content       string
		CategoryNames []string
		Scope         memory.Scope
	}

	// UpdateItemRequest patches one memory item. Nil fields are untouched;
	// at least one must be set. A non-nil CategoryNames replaces the item's
	// category set.
	UpdateItemRequest struct {
		ID            string
		MemoryType    *string
		Content       *string
		CategoryNames *[]string
		Scope         memory.Scope
	}

	// ItemMutation is the result of a direct create, update or delete:
	// the item plus every category whose summary was recomputed.
	ItemMutation struct {
		Item            *memory.MemoryItem
		CategoryUpdates []*memory.MemoryCategory
	}
)

// Memorize ingests the artifact at ResourceURL and extracts long-term
// memories from it.
func (s *Service) Memorize(ctx context.Context, req MemorizeRequest) (*MemorizeResponse, error) {
	if strings.TrimSpace(req.ResourceURL) == "" {
		return nil, memory.E(memory.KindInvalidInput, "resource_url is required")
	}
	if !memory.ValidModality(req.Modality) {
		return nil, memory.Ef(memory.KindInvalidInput, "unsupported modality %q", req.Modality)
	}
	if err := s.scope.ValidateScope(req.Scope); err != nil {
		return nil, err
	}
	state := pipeline.State{
		keyScope:       req.Scope.Clone(),
		keyResourceURL: req.ResourceURL,
		keyModality:    req.Modality,
	}
	if req.SummaryPrompt != "" {
		state[keySummaryPrompt] = req.SummaryPrompt
	}
	final, err := s.run(ctx, PipelineMemorize, state)
	if err != nil {
		return nil, err
	}
	resp, ok := final[keyResponse].(*MemorizeResponse)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "memorize pipeline produced no response")
	}
	return resp, nil
}

// Retrieve recalls categories, items and resources relevant to the
// conversation. The configured method selects the RAG or LLM pipeline.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	if len(req.Queries) == 0 {
		return nil, memory.E(memory.KindInvalidQuery, "at least one query is required")
	}
	if strings.TrimSpace(req.Queries[len(req.Queries)-1].Text) == "" {
		return nil, memory.E(memory.KindInvalidQuery, "the active query has no text")
	}
	filter, err := s.scope.ValidateWhere(req.Where)
	if err != nil {
		return nil, err
	}
	name := PipelineRetrieveRAG
	if s.cfg.Retrieve.Method == MethodLLM {
		name = PipelineRetrieveLLM
	}
	queries := make([]Query, len(req.Queries))
	copy(queries, req.Queries)
	final, err := s.run(ctx, name, pipeline.State{
		keyQueries: queries,
		keyFilter:  filter,
	})
	if err != nil {
		return nil, err
	}
	resp, ok := final[keyResponse].(*RetrieveResponse)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "retrieve pipeline produced no response")
	}
	return resp, nil
}

// CreateMemoryItem persists a new item with its category links and
// recomputes the touched category summaries.
func (s *Service) CreateMemoryItem(ctx context.Context, req CreateItemRequest) (*ItemMutation, error) {
	if err := s.scope.ValidateScope(req.Scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, memory.E(memory.KindInvalidInput, "content is required")
	}
	if err := s.validMemoryType(req.MemoryType); err != nil {
		return nil, err
	}
	final, err := s.run(ctx, PipelinePatchCreate, pipeline.State{
		keyScope:         req.Scope.Clone(),
		keyMemoryType:    req.MemoryType,
		keyContent:       req.Content,
		keyCategoryNames: append([]string(nil), req.CategoryNames...),
	})
	if err != nil {
		return nil, err
	}
	return itemMutationFrom(final)
}

// UpdateMemoryItem patches an item. Content changes recompute the
// embedding; category replacement diffs the edges and resummarizes the
// union of old and new categories.
func (s *Service) UpdateMemoryItem(ctx context.Context, req UpdateItemRequest) (*ItemMutation, error) {
	if err := s.scope.ValidateScope(req.Scope); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, memory.E(memory.KindInvalidInput, "item id is required")
	}
	if req.MemoryType == nil && req.Content == nil && req.CategoryNames == nil {
		return nil, memory.E(memory.KindInvalidInput, "at least one field must change")
	}
	if req.MemoryType != nil {
		if err := s.validMemoryType(*req.MemoryType); err != nil {
			return nil, err
		}
	}
	if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
		return nil, memory.E(memory.KindInvalidInput, "content cannot be emptied")
	}
	final, err := s.run(ctx, PipelinePatchUpdate, pipeline.State{
		keyScope:  req.Scope.Clone(),
		keyItemID: req.ID,
		keyUpdate: req,
	})
	if err != nil {
		return nil, err
	}
	return itemMutationFrom(final)
}

// DeleteMemoryItem removes an item, cascades to its category edges and
// resummarizes the categories that lost it.
func (s *Service) DeleteMemoryItem(ctx context.Context, id string, scope memory.Scope) ([]*memory.MemoryCategory, error) {
	if err := s.scope.ValidateScope(scope); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, memory.E(memory.KindInvalidInput, "item id is required")
	}
	final, err := s.run(ctx, PipelinePatchDelete, pipeline.State{
		keyScope:  scope.Clone(),
		keyItemID: id,
	})
	if err != nil {
		return nil, err
	}
	mutation, err := itemMutationFrom(final)
	if err != nil {
		return nil, err
	}
	return mutation.CategoryUpdates, nil
}

// ListMemoryItems returns the items matching the where filter, ordered by
// creation time.
func (s *Service) ListMemoryItems(ctx context.Context, where memory.Where) ([]*memory.MemoryItem, error) {
	filter, err := s.scope.ValidateWhere(where)
	if err != nil {
		return nil, err
	}
	final, err := s.run(ctx, PipelineListItems, pipeline.State{keyFilter: filter})
	if err != nil {
		return nil, err
	}
	items, ok := final[keyResponse].([]*memory.MemoryItem)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "list pipeline produced no response")
	}
	return items, nil
}

// ListMemoryCategories returns the categories matching the where filter.
func (s *Service) ListMemoryCategories(ctx context.Context, where memory.Where) ([]*memory.MemoryCategory, error) {
	filter, err := s.scope.ValidateWhere(where)
	if err != nil {
		return nil, err
	}
	final, err := s.run(ctx, PipelineListCategories, pipeline.State{keyFilter: filter})
	if err != nil {
		return nil, err
	}
	cats, ok := final[keyResponse].([]*memory.MemoryCategory)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "list pipeline produced no response")
	}
	return cats, nil
}

// ReinforceMemoryItem records one retrieval reinforcement: the item's hit
// counter feeds the salience composite. Reinforcement is explicit so that
// retrieval itself stays read-only.
func (s *Service) ReinforceMemoryItem(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error) {
	if err := s.scope.ValidateScope(scope); err != nil {
		return nil, err
	}
	item, err := s.provider.Items().Get(ctx, id, scope)
	if err != nil {
		return nil, wrapBackend(err, "loading memory item")
	}
	item.Hits++
	if err := s.provider.Items().Update(ctx, item); err != nil {
		return nil, wrapBackend(err, "recording reinforcement")
	}
	return item, nil
}

func (s *Service) validMemoryType(memoryType string) error {
	for _, t := range s.cfg.Memorize.MemoryTypes {
		if t == memoryType {
			return nil
		}
	}
	return memory.Ef(memory.KindInvalidInput, "unknown memory type %q", memoryType)
}

func itemMutationFrom(state pipeline.State) (*ItemMutation, error) {
	mutation, ok := state[keyResponse].(*ItemMutation)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "crud pipeline produced no response")
	}
	return mutation, nil
}
