package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/pipeline"
	"goa.design/recall/runtime/repository"
)

// CRUD step ids.
const (
	StepCreateItem       = "create_item"
	StepLinkCategories   = "link_categories"
	StepRefreshSummaries = "refresh_summaries"
	StepLoadItem         = "load_item"
	StepApplyChanges     = "apply_changes"
	StepSyncCategories   = "sync_categories"
	StepUnlinkItem       = "unlink_item"
	StepListItems        = "list_items"
	StepListCategories   = "list_categories"
)

func (s *Service) patchCreatePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelinePatchCreate,
		InitialInputs: []string{keyScope, keyMemoryType, keyContent, keyCategoryNames},
		Steps: []pipeline.Step{
			{
				ID:           StepCreateItem,
				Requires:     []string{keyScope, keyMemoryType, keyContent},
				Produces:     []string{keyItem},
				Capabilities: []string{"llm", "db"},
				Config:       map[string]any{cfgLLMProfile: llm.DefaultProfile},
				Handler:      s.createItem,
			},
			{
				ID:           StepLinkCategories,
				Requires:     []string{keyItem, keyCategoryNames},
				Produces:     []string{keyCategories, keyRelations},
				Capabilities: []string{"llm", "vector", "db"},
				Config:       map[string]any{cfgLLMProfile: llm.DefaultProfile},
				Handler:      s.linkCategories,
			},
			s.refreshSummariesStep(),
			{
				ID:       StepBuildResponse,
				Requires: []string{keyItem},
				Produces: []string{keyResponse},
				Handler:  s.itemMutationResponse,
			},
		},
	}
}

func (s *Service) patchUpdatePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelinePatchUpdate,
		InitialInputs: []string{keyScope, keyItemID, keyUpdate},
		Steps: []pipeline.Step{
			{
				ID:           StepLoadItem,
				Requires:     []string{keyScope, keyItemID},
				Produces:     []string{keyItem},
				Capabilities: []string{"db"},
				Handler:      s.loadItem,
			},
			{
				ID:           StepApplyChanges,
				Requires:     []string{keyItem, keyUpdate},
				Produces:     []string{keyItem},
				Capabilities: []string{"llm", "db"},
				Config:       map[string]any{cfgLLMProfile: llm.DefaultProfile},
				Handler:      s.applyChanges,
			},
			{
				ID:           StepSyncCategories,
				Requires:     []string{keyItem, keyUpdate},
				Produces:     []string{keyCategories},
				Capabilities: []string{"llm", "vector", "db"},
				Config:       map[string]any{cfgLLMProfile: llm.DefaultProfile},
				Handler:      s.syncCategories,
			},
			s.refreshSummariesStep(),
			{
				ID:       StepBuildResponse,
				Requires: []string{keyItem},
				Produces: []string{keyResponse},
				Handler:  s.itemMutationResponse,
			},
		},
	}
}

func (s *Service) patchDeletePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelinePatchDelete,
		InitialInputs: []string{keyScope, keyItemID},
		Steps: []pipeline.Step{
			{
				ID:           StepLoadItem,
				Requires:     []string{keyScope, keyItemID},
				Produces:     []string{keyItem},
				Capabilities: []string{"db"},
				Handler:      s.loadItem,
			},
			{
				ID:           StepUnlinkItem,
				Requires:     []string{keyItem},
				Produces:     []string{keyCategories},
				Capabilities: []string{"db"},
				Handler:      s.unlinkItem,
			},
			s.refreshSummariesStep(),
			{
				ID:       StepBuildResponse,
				Requires: []string{keyItem},
				Produces: []string{keyResponse},
				Handler:  s.itemMutationResponse,
			},
		},
	}
}

func (s *Service) listItemsPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelineListItems,
		InitialInputs: []string{keyFilter},
		Steps: []pipeline.Step{{
			ID:           StepListItems,
			Requires:     []string{keyFilter},
			Produces:     []string{keyResponse},
			Capabilities: []string{"db"},
			Handler:      s.listItems,
		}},
	}
}

func (s *Service) listCategoriesPipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:          PipelineListCategories,
		InitialInputs: []string{keyFilter},
		Steps: []pipeline.Step{{
			ID:           StepListCategories,
			Requires:     []string{keyFilter},
			Produces:     []string{keyResponse},
			Capabilities: []string{"db"},
			Handler:      s.listCategories,
		}},
	}
}

// refreshSummariesStep shares the memorize resummarization handler: failed
// summaries are logged and cleared, never allowed to undo the item writes.
func (s *Service) refreshSummariesStep() pipeline.Step {
	return pipeline.Step{
		ID:           StepRefreshSummaries,
		Requires:     []string{keyCategories},
		Produces:     []string{keyCategoryUpdates},
		Capabilities: []string{"llm", "db"},
		Config:       map[string]any{cfgLLMProfile: profileOr(s.cfg.Memorize.CategoryUpdateLLMProfile)},
		Handler:      s.persistIndex,
	}
}

// createItem persists a new item with an embedding computed from its
// content.
func (s *Service) createItem(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	memoryType, _ := state.String(keyMemoryType)
	content, _ := state.String(keyContent)

	embedding, err := s.embedText(ctx, state.CurrentStep(), content)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	item := &memory.MemoryItem{
		ID:         uuid.NewString(),
		MemoryType: memoryType,
		Summary:    content,
		Embedding:  embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
		Scope:      scope.Clone(),
	}
	if err := s.provider.Items().Create(ctx, item); err != nil {
		return nil, wrapBackend(err, "persisting memory item")
	}
	state[keyItem] = item
	return state, nil
}

// linkCategories resolves the requested category names, creating missing
// ones, and links the item to each.
func (s *Service) linkCategories(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	item, err := stateItem(state)
	if err != nil {
		return nil, err
	}
	names, _ := state[keyCategoryNames].([]string)
	step := state.CurrentStep()
	embedClient, embedProfile, err := s.embedFor(step)
	if err != nil {
		return nil, err
	}

	var (
		categories []*memory.MemoryCategory
		relations  []*memory.CategoryItem
		linked     = make(map[string]struct{})
	)
	for _, name := range names {
		cat, err := s.resolveCategory(ctx, scope, name, embedClient, embedProfile, false)
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
		now := time.Now().UTC()
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
		categories = append(categories, cat)
		relations = append(relations, edge)
	}
	state[keyCategories] = categories
	state[keyRelations] = relations
	return state, nil
}

// loadItem fetches the target item within the caller's scope.
func (s *Service) loadItem(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	id, _ := state.String(keyItemID)
	item, err := s.provider.Items().Get(ctx, id, scope)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, memory.Ef(memory.KindInvalidInput, "memory item %q not found", id)
		}
		return nil, wrapBackend(err, "loading memory item")
	}
	state[keyItem] = item
	return state, nil
}

// applyChanges patches the item's type and content. A content change
// recomputes the embedding.
func (s *Service) applyChanges(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	item, err := stateItem(state)
	if err != nil {
		return nil, err
	}
	update, ok := state[keyUpdate].(UpdateItemRequest)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "state is missing the update request")
	}
	if update.MemoryType != nil {
		item.MemoryType = *update.MemoryType
	}
	if update.Content != nil {
		item.Summary = *update.Content
		embedding, err := s.embedText(ctx, state.CurrentStep(), item.Summary)
		if err != nil {
			return nil, err
		}
		item.Embedding = embedding
	}
	if err := s.provider.Items().Update(ctx, item); err != nil {
		return nil, wrapBackend(err, "updating memory item")
	}
	state[keyItem] = item
	return state, nil
}

// syncCategories diffs the requested category set against the item's
// current edges: new names are linked, removed ones unlinked, and the union
// of old and new categories is queued for resummarization. A nil category
// list leaves the edges untouched.
func (s *Service) syncCategories(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	state[keyCategories] = []*memory.MemoryCategory(nil)
	update, ok := state[keyUpdate].(UpdateItemRequest)
	if !ok {
		return nil, memory.E(memory.KindPipelineInvalid, "state is missing the update request")
	}
	if update.CategoryNames == nil {
		return state, nil
	}
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	item, err := stateItem(state)
	if err != nil {
		return nil, err
	}
	step := state.CurrentStep()
	embedClient, embedProfile, err := s.embedFor(step)
	if err != nil {
		return nil, err
	}

	existing, err := s.provider.Edges().ListByItem(ctx, item.ID, scope)
	if err != nil {
		return nil, wrapBackend(err, "listing item categories")
	}
	edgeByCategory := make(map[string]*memory.CategoryItem, len(existing))
	for _, edge := range existing {
		edgeByCategory[edge.CategoryID] = edge
	}

	var (
		affected  []*memory.MemoryCategory
		affectIDs = make(map[string]struct{})
		desired   = make(map[string]struct{})
	)
	touch := func(cat *memory.MemoryCategory) {
		if _, seen := affectIDs[cat.ID]; !seen {
			affectIDs[cat.ID] = struct{}{}
			affected = append(affected, cat)
		}
	}

	for _, name := range *update.CategoryNames {
		cat, err := s.resolveCategory(ctx, scope, name, embedClient, embedProfile, false)
		if err != nil {
			return nil, err
		}
		if cat == nil {
			continue
		}
		if _, dup := desired[cat.ID]; dup {
			continue
		}
		desired[cat.ID] = struct{}{}
		touch(cat)
		if _, linked := edgeByCategory[cat.ID]; linked {
			continue
		}
		now := time.Now().UTC()
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
	}

	for categoryID, edge := range edgeByCategory {
		if _, keep := desired[categoryID]; keep {
			continue
		}
		if err := s.provider.Edges().Delete(ctx, edge.ID, scope); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, wrapBackend(err, "unlinking item from category")
		}
		cat, err := s.provider.Categories().Get(ctx, categoryID, scope)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, wrapBackend(err, "loading category")
		}
		touch(cat)
	}

	state[keyCategories] = affected
	return state, nil
}

// unlinkItem deletes the item and cascades to its category edges, queuing
// every category that lost the item for resummarization.
func (s *Service) unlinkItem(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	scope, err := stateScope(state)
	if err != nil {
		return nil, err
	}
	item, err := stateItem(state)
	if err != nil {
		return nil, err
	}
	edges, err := s.provider.Edges().ListByItem(ctx, item.ID, scope)
	if err != nil {
		return nil, wrapBackend(err, "listing item categories")
	}
	var (
		affected []*memory.MemoryCategory
		seen     = make(map[string]struct{})
	)
	for _, edge := range edges {
		if _, dup := seen[edge.CategoryID]; dup {
			continue
		}
		seen[edge.CategoryID] = struct{}{}
		cat, err := s.provider.Categories().Get(ctx, edge.CategoryID, scope)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, wrapBackend(err, "loading category")
		}
		affected = append(affected, cat)
	}
	if err := s.provider.Edges().DeleteByItem(ctx, item.ID, scope); err != nil {
		return nil, wrapBackend(err, "deleting item edges")
	}
	if err := s.provider.Items().Delete(ctx, item.ID, scope); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, wrapBackend(err, "deleting memory item")
	}
	state[keyCategories] = affected
	return state, nil
}

func (s *Service) itemMutationResponse(_ context.Context, state pipeline.State) (pipeline.State, error) {
	item, err := stateItem(state)
	if err != nil {
		return nil, err
	}
	updates, _ := state[keyCategoryUpdates].([]*memory.MemoryCategory)
	state[keyResponse] = &ItemMutation{Item: item, CategoryUpdates: updates}
	return state, nil
}

func (s *Service) listItems(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	items, err := s.provider.Items().List(ctx, stateFilter(state))
	if err != nil {
		return nil, wrapBackend(err, "listing memory items")
	}
	state[keyResponse] = items
	return state, nil
}

func (s *Service) listCategories(ctx context.Context, state pipeline.State) (pipeline.State, error) {
	cats, err := s.provider.Categories().List(ctx, stateFilter(state))
	if err != nil {
		return nil, wrapBackend(err, "listing memory categories")
	}
	state[keyResponse] = cats
	return state, nil
}

// embedText embeds one text through the step's embedding profile.
func (s *Service) embedText(ctx context.Context, step pipeline.Step, text string) ([]float32, error) {
	client, profile, err := s.embedFor(step)
	if err != nil {
		return nil, err
	}
	var vecs [][]float32
	err = s.upstream(ctx, memory.KindBackendUnavailable, "embedding content", func(ctx context.Context) error {
		var eerr error
		vecs, _, eerr = llm.EmbedBatches(ctx, client, []string{text}, profile.BatchSize())
		return eerr
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
