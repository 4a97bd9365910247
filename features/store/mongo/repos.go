package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

// BSON times carry millisecond resolution, so the monotonic bump on
// updated_at is a full millisecond rather than the nanosecond used by the
// SQL providers.
func touchMillis(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// --- resources ---

type resourceDoc struct {
	ID        string            `bson:"_id"`
	Scope     map[string]string `bson:"scope"`
	URL       string            `bson:"url"`
	Modality  string            `bson:"modality"`
	LocalPath string            `bson:"local_path"`
	Caption   string            `bson:"caption"`
	Embedding []float32         `bson:"embedding,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

func toResourceDoc(r *memory.Resource) resourceDoc {
	return resourceDoc{
		ID:        r.ID,
		Scope:     r.Scope,
		URL:       r.URL,
		Modality:  string(r.Modality),
		LocalPath: r.LocalPath,
		Caption:   r.Caption,
		Embedding: r.Embedding,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromResourceDoc(d resourceDoc) *memory.Resource {
	return &memory.Resource{
		ID:        d.ID,
		URL:       d.URL,
		Modality:  memory.Modality(d.Modality),
		LocalPath: d.LocalPath,
		Caption:   d.Caption,
		Embedding: d.Embedding,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Scope:     memory.Scope(d.Scope).Clone(),
	}
}

type resourceRepo struct {
	p *Provider
}

func (s *resourceRepo) coll() *mongodriver.Collection { return s.p.db.Collection(collResources) }

func (s *resourceRepo) Create(ctx context.Context, r *memory.Resource) error {
	if r.ID == "" {
		return memory.E(memory.KindInvalidInput, "resource id is required")
	}
	if err := s.p.checkDimension(ctx, r.Embedding); err != nil {
		return err
	}
	stamp(&r.CreatedAt, &r.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	_, err := s.coll().InsertOne(ctx, toResourceDoc(r))
	if isDuplicateKey(err) {
		return memory.Ef(memory.KindInvalidInput, "resource %q already exists", r.ID)
	}
	return wrapDB(err, "inserting resource")
}

func (s *resourceRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.Resource, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	var doc resourceDoc
	if err := s.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDB(err, "reading resource")
	}
	return fromResourceDoc(doc), nil
}

func (s *resourceRepo) List(ctx context.Context, where memory.Filter) ([]*memory.Resource, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter, listSort)
	if err != nil {
		return nil, wrapDB(err, "listing resources")
	}
	var docs []resourceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "listing resources")
	}
	out := make([]*memory.Resource, len(docs))
	for i, d := range docs {
		out[i] = fromResourceDoc(d)
	}
	return out, nil
}

func (s *resourceRepo) Update(ctx context.Context, r *memory.Resource) error {
	if err := s.p.checkDimension(ctx, r.Embedding); err != nil {
		return err
	}
	prev, err := s.Get(ctx, r.ID, r.Scope)
	if err != nil {
		return err
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = touchMillis(prev.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(r.Scope)
	filter["_id"] = r.ID
	_, err = s.coll().ReplaceOne(ctx, filter, toResourceDoc(r))
	return wrapDB(err, "updating resource")
}

func (s *resourceRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	res, err := s.coll().DeleteOne(ctx, filter)
	if err != nil {
		return wrapDB(err, "deleting resource")
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *resourceRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredResource, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	filter["embedding"] = bson.M{"$ne": nil}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter)
	if err != nil {
		return nil, wrapDB(err, "searching resources")
	}
	var docs []resourceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "searching resources")
	}
	byID := make(map[string]*memory.Resource, len(docs))
	candidates := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		r := fromResourceDoc(d)
		byID[r.ID] = r
		candidates = append(candidates, scoredDoc{id: r.ID, updated: r.UpdatedAt, score: repository.Cosine(embedding, r.Embedding)})
	}
	out := make([]repository.ScoredResource, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredResource{Resource: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- items ---

type itemDoc struct {
	ID         string            `bson:"_id"`
	Scope      map[string]string `bson:"scope"`
	ResourceID string            `bson:"resource_id"`
	MemoryType string            `bson:"memory_type"`
	Summary    string            `bson:"summary"`
	Embedding  []float32         `bson:"embedding,omitempty"`
	Hits       int               `bson:"hits"`
	CreatedAt  time.Time         `bson:"created_at"`
	UpdatedAt  time.Time         `bson:"updated_at"`
}

func toItemDoc(it *memory.MemoryItem) itemDoc {
	return itemDoc{
		ID:         it.ID,
		Scope:      it.Scope,
		ResourceID: it.ResourceID,
		MemoryType: it.MemoryType,
		Summary:    it.Summary,
		Embedding:  it.Embedding,
		Hits:       it.Hits,
		CreatedAt:  it.CreatedAt,
		UpdatedAt:  it.UpdatedAt,
	}
}

func fromItemDoc(d itemDoc) *memory.MemoryItem {
	return &memory.MemoryItem{
		ID:         d.ID,
		ResourceID: d.ResourceID,
		MemoryType: d.MemoryType,
		Summary:    d.Summary,
		Embedding:  d.Embedding,
		Hits:       d.Hits,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		Scope:      memory.Scope(d.Scope).Clone(),
	}
}

type itemRepo struct {
	p *Provider
}

func (s *itemRepo) coll() *mongodriver.Collection { return s.p.db.Collection(collItems) }

func (s *itemRepo) Create(ctx context.Context, it *memory.MemoryItem) error {
	if it.ID == "" {
		return memory.E(memory.KindInvalidInput, "item id is required")
	}
	if err := s.p.checkDimension(ctx, it.Embedding); err != nil {
		return err
	}
	stamp(&it.CreatedAt, &it.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	_, err := s.coll().InsertOne(ctx, toItemDoc(it))
	if isDuplicateKey(err) {
		return memory.Ef(memory.KindInvalidInput, "item %q already exists", it.ID)
	}
	return wrapDB(err, "inserting item")
}

func (s *itemRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryItem, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	var doc itemDoc
	if err := s.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDB(err, "reading item")
	}
	return fromItemDoc(doc), nil
}

func (s *itemRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryItem, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter, listSort)
	if err != nil {
		return nil, wrapDB(err, "listing items")
	}
	var docs []itemDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "listing items")
	}
	out := make([]*memory.MemoryItem, len(docs))
	for i, d := range docs {
		out[i] = fromItemDoc(d)
	}
	return out, nil
}

func (s *itemRepo) Update(ctx context.Context, it *memory.MemoryItem) error {
	if err := s.p.checkDimension(ctx, it.Embedding); err != nil {
		return err
	}
	prev, err := s.Get(ctx, it.ID, it.Scope)
	if err != nil {
		return err
	}
	it.CreatedAt = prev.CreatedAt
	it.UpdatedAt = touchMillis(prev.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(it.Scope)
	filter["_id"] = it.ID
	_, err = s.coll().ReplaceOne(ctx, filter, toItemDoc(it))
	return wrapDB(err, "updating item")
}

func (s *itemRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	res, err := s.coll().DeleteOne(ctx, filter)
	if err != nil {
		return wrapDB(err, "deleting item")
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *itemRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredItem, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	filter["embedding"] = bson.M{"$ne": nil}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter)
	if err != nil {
		return nil, wrapDB(err, "searching items")
	}
	var docs []itemDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "searching items")
	}
	byID := make(map[string]*memory.MemoryItem, len(docs))
	candidates := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		it := fromItemDoc(d)
		byID[it.ID] = it
		candidates = append(candidates, scoredDoc{id: it.ID, updated: it.UpdatedAt, score: repository.Cosine(embedding, it.Embedding)})
	}
	out := make([]repository.ScoredItem, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredItem{Item: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- categories ---

type categoryDoc struct {
	ID             string            `bson:"_id"`
	Scope          map[string]string `bson:"scope"`
	Name           string            `bson:"name"`
	NameNormalized string            `bson:"name_normalized"`
	Description    string            `bson:"description"`
	Summary        string            `bson:"summary"`
	Embedding      []float32         `bson:"embedding,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toCategoryDoc(c *memory.MemoryCategory) categoryDoc {
	return categoryDoc{
		ID:             c.ID,
		Scope:          c.Scope,
		Name:           c.Name,
		NameNormalized: memory.NormalizeCategoryName(c.Name),
		Description:    c.Description,
		Summary:        c.Summary,
		Embedding:      c.Embedding,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func fromCategoryDoc(d categoryDoc) *memory.MemoryCategory {
	return &memory.MemoryCategory{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Summary:     d.Summary,
		Embedding:   d.Embedding,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		Scope:       memory.Scope(d.Scope).Clone(),
	}
}

type categoryRepo struct {
	p *Provider
}

func (s *categoryRepo) coll() *mongodriver.Collection { return s.p.db.Collection(collCategories) }

func (s *categoryRepo) Create(ctx context.Context, c *memory.MemoryCategory) error {
	if c.ID == "" {
		return memory.E(memory.KindInvalidInput, "category id is required")
	}
	if memory.NormalizeCategoryName(c.Name) == "" {
		return memory.E(memory.KindInvalidInput, "category name is required")
	}
	if err := s.p.checkDimension(ctx, c.Embedding); err != nil {
		return err
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	_, err := s.coll().InsertOne(ctx, toCategoryDoc(c))
	if isDuplicateKey(err) {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope", c.Name)
	}
	return wrapDB(err, "inserting category")
}

func (s *categoryRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.MemoryCategory, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	var doc categoryDoc
	if err := s.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDB(err, "reading category")
	}
	return fromCategoryDoc(doc), nil
}

func (s *categoryRepo) GetByName(ctx context.Context, normalizedName string, scope memory.Scope) (*memory.MemoryCategory, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["name_normalized"] = normalizedName
	var doc categoryDoc
	if err := s.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDB(err, "reading category by name")
	}
	return fromCategoryDoc(doc), nil
}

func (s *categoryRepo) List(ctx context.Context, where memory.Filter) ([]*memory.MemoryCategory, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter, listSort)
	if err != nil {
		return nil, wrapDB(err, "listing categories")
	}
	var docs []categoryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "listing categories")
	}
	out := make([]*memory.MemoryCategory, len(docs))
	for i, d := range docs {
		out[i] = fromCategoryDoc(d)
	}
	return out, nil
}

func (s *categoryRepo) Update(ctx context.Context, c *memory.MemoryCategory) error {
	if memory.NormalizeCategoryName(c.Name) == "" {
		return memory.E(memory.KindInvalidInput, "category name is required")
	}
	if err := s.p.checkDimension(ctx, c.Embedding); err != nil {
		return err
	}
	prev, err := s.Get(ctx, c.ID, c.Scope)
	if err != nil {
		return err
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = touchMillis(prev.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(c.Scope)
	filter["_id"] = c.ID
	_, err = s.coll().ReplaceOne(ctx, filter, toCategoryDoc(c))
	if isDuplicateKey(err) {
		return memory.Ef(memory.KindInvalidInput, "category name %q already exists in scope", c.Name)
	}
	return wrapDB(err, "updating category")
}

func (s *categoryRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	res, err := s.coll().DeleteOne(ctx, filter)
	if err != nil {
		return wrapDB(err, "deleting category")
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *categoryRepo) SimilaritySearch(ctx context.Context, embedding []float32, k int, where memory.Filter) ([]repository.ScoredCategory, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	filter["embedding"] = bson.M{"$ne": nil}
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter)
	if err != nil {
		return nil, wrapDB(err, "searching categories")
	}
	var docs []categoryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "searching categories")
	}
	byID := make(map[string]*memory.MemoryCategory, len(docs))
	candidates := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		c := fromCategoryDoc(d)
		byID[c.ID] = c
		candidates = append(candidates, scoredDoc{id: c.ID, updated: c.UpdatedAt, score: repository.Cosine(embedding, c.Embedding)})
	}
	out := make([]repository.ScoredCategory, 0, k)
	for _, c := range topScored(candidates, k) {
		out = append(out, repository.ScoredCategory{Category: byID[c.id], Score: c.score})
	}
	return out, nil
}

// --- edges ---

type edgeDoc struct {
	ID         string            `bson:"_id"`
	Scope      map[string]string `bson:"scope"`
	ItemID     string            `bson:"item_id"`
	CategoryID string            `bson:"category_id"`
	CreatedAt  time.Time         `bson:"created_at"`
	UpdatedAt  time.Time         `bson:"updated_at"`
}

func fromEdgeDoc(d edgeDoc) *memory.CategoryItem {
	return &memory.CategoryItem{
		ID:         d.ID,
		ItemID:     d.ItemID,
		CategoryID: d.CategoryID,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		Scope:      memory.Scope(d.Scope).Clone(),
	}
}

type edgeRepo struct {
	p *Provider
}

func (s *edgeRepo) coll() *mongodriver.Collection { return s.p.db.Collection(collEdges) }

func (s *edgeRepo) endpointExists(ctx context.Context, coll, id string, scope memory.Scope) (bool, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	n, err := s.p.db.Collection(coll).CountDocuments(ctx, filter)
	if err != nil {
		return false, wrapDB(err, "checking edge endpoint")
	}
	return n > 0, nil
}

func (s *edgeRepo) Create(ctx context.Context, e *memory.CategoryItem) error {
	if e.ID == "" {
		return memory.E(memory.KindInvalidInput, "edge id is required")
	}
	// Both endpoints must exist in the edge's scope before the edge commits.
	ok, err := s.endpointExists(ctx, collItems, e.ItemID, e.Scope)
	if err != nil {
		return err
	}
	if !ok {
		return memory.Ef(memory.KindInvalidInput, "edge item %q not found in scope", e.ItemID)
	}
	ok, err = s.endpointExists(ctx, collCategories, e.CategoryID, e.Scope)
	if err != nil {
		return err
	}
	if !ok {
		return memory.Ef(memory.KindInvalidInput, "edge category %q not found in scope", e.CategoryID)
	}
	stamp(&e.CreatedAt, &e.UpdatedAt)
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	doc := edgeDoc{ID: e.ID, Scope: e.Scope, ItemID: e.ItemID, CategoryID: e.CategoryID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	_, err = s.coll().InsertOne(ctx, doc)
	if isDuplicateKey(err) {
		return memory.Ef(memory.KindInvalidInput, "edge %q already exists", e.ID)
	}
	return wrapDB(err, "inserting edge")
}

func (s *edgeRepo) Get(ctx context.Context, id string, scope memory.Scope) (*memory.CategoryItem, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	var doc edgeDoc
	if err := s.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, wrapDB(err, "reading edge")
	}
	return fromEdgeDoc(doc), nil
}

func (s *edgeRepo) List(ctx context.Context, where memory.Filter) ([]*memory.CategoryItem, error) {
	filter, err := s.p.whereFilter(where)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, filter)
}

func (s *edgeRepo) ListByItem(ctx context.Context, itemID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	filter := s.p.scopeFilter(scope)
	filter["item_id"] = itemID
	return s.find(ctx, filter)
}

func (s *edgeRepo) ListByCategory(ctx context.Context, categoryID string, scope memory.Scope) ([]*memory.CategoryItem, error) {
	filter := s.p.scopeFilter(scope)
	filter["category_id"] = categoryID
	return s.find(ctx, filter)
}

func (s *edgeRepo) find(ctx context.Context, filter bson.M) ([]*memory.CategoryItem, error) {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll().Find(ctx, filter, listSort)
	if err != nil {
		return nil, wrapDB(err, "listing edges")
	}
	var docs []edgeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapDB(err, "listing edges")
	}
	out := make([]*memory.CategoryItem, len(docs))
	for i, d := range docs {
		out[i] = fromEdgeDoc(d)
	}
	return out, nil
}

func (s *edgeRepo) Delete(ctx context.Context, id string, scope memory.Scope) error {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["_id"] = id
	res, err := s.coll().DeleteOne(ctx, filter)
	if err != nil {
		return wrapDB(err, "deleting edge")
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *edgeRepo) DeleteByItem(ctx context.Context, itemID string, scope memory.Scope) error {
	ctx, cancel := s.p.withTimeout(ctx)
	defer cancel()
	filter := s.p.scopeFilter(scope)
	filter["item_id"] = itemID
	_, err := s.coll().DeleteMany(ctx, filter)
	return wrapDB(err, "deleting edges by item")
}
