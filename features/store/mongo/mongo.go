// Package mongo provides a document storage provider. Each record type
// lives in its own collection with the scope embedded as a sub-document;
// similarity search scans embedded documents in scope and scores cosine in
// process.
package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "recall-mongo"

	collResources  = "resources"
	collItems      = "memory_items"
	collCategories = "memory_categories"
	collEdges      = "category_items"
)

// Options configures the provider.
type Options struct {
	// Client is the connected MongoDB client.
	Client *mongodriver.Client
	// Database is the database name.
	Database string
	// ScopeFields is the configured scope model.
	ScopeFields []string
	// Timeout bounds each operation; defaults to 5s.
	Timeout time.Duration
}

// Provider implements repository.Provider on MongoDB collections.
type Provider struct {
	client  *mongodriver.Client
	db      *mongodriver.Database
	scope   []string
	timeout time.Duration
	guard   dimGuard

	resources  *resourceRepo
	items      *itemRepo
	categories *categoryRepo
	edges      *edgeRepo
}

// New builds the provider and ensures the collection indexes.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if len(opts.ScopeFields) == 0 {
		return nil, errors.New("scope fields are required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &Provider{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		scope:   append([]string(nil), opts.ScopeFields...),
		timeout: timeout,
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.ensureIndexes(ictx); err != nil {
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "ensuring mongo indexes")
	}
	p.resources = &resourceRepo{p: p}
	p.items = &itemRepo{p: p}
	p.categories = &categoryRepo{p: p}
	p.edges = &edgeRepo{p: p}
	return p, nil
}

// Name identifies the provider for health reporting.
func (p *Provider) Name() string { return clientName }

// Resources returns the resource repository.
func (p *Provider) Resources() repository.ResourceRepository { return p.resources }

// Items returns the item repository.
func (p *Provider) Items() repository.ItemRepository { return p.items }

// Categories returns the category repository.
func (p *Provider) Categories() repository.CategoryRepository { return p.categories }

// Edges returns the edge repository.
func (p *Provider) Edges() repository.EdgeRepository { return p.edges }

// Ping verifies connectivity to the primary.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		return memory.Wrap(memory.KindBackendUnavailable, err, "mongo ping")
	}
	return nil
}

// Close disconnects the underlying client.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

func (p *Provider) ensureIndexes(ctx context.Context) error {
	scopeKeys := bson.D{}
	for _, f := range p.scope {
		scopeKeys = append(scopeKeys, bson.E{Key: "scope." + f, Value: 1})
	}
	for _, coll := range []string{collResources, collItems, collEdges} {
		if _, err := p.db.Collection(coll).Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: scopeKeys}); err != nil {
			return err
		}
	}
	// Per-scope unique normalized category name.
	nameKeys := append(append(bson.D{}, scopeKeys...), bson.E{Key: "name_normalized", Value: 1})
	_, err := p.db.Collection(collCategories).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    nameKeys,
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	edgeKeys := append(append(bson.D{}, scopeKeys...), bson.E{Key: "item_id", Value: 1})
	_, err = p.db.Collection(collEdges).Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: edgeKeys})
	return err
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// scopeFilter matches documents whose scope equals the given tuple.
func (p *Provider) scopeFilter(s memory.Scope) bson.M {
	m := bson.M{}
	for _, f := range p.scope {
		m["scope."+f] = s[f]
	}
	return m
}

// whereFilter renders a validated filter; keys outside the scope model are
// rejected.
func (p *Provider) whereFilter(where memory.Filter) (bson.M, error) {
	index := make(map[string]struct{}, len(p.scope))
	for _, f := range p.scope {
		index[f] = struct{}{}
	}
	m := bson.M{}
	for k, vals := range where {
		if _, ok := index[k]; !ok {
			return nil, memory.Ef(memory.KindInvalidFilter, "unknown scope field %q", k)
		}
		m["scope."+k] = bson.M{"$in": vals}
	}
	return m, nil
}

func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	return memory.Wrap(memory.KindBackendUnavailable, err, msg)
}

// dimGuard fixes the embedding dimension on first embedded write, seeding
// from stored documents.
type dimGuard struct {
	mu     sync.Mutex
	seeded bool
	dim    int
}

func (p *Provider) checkDimension(ctx context.Context, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	g := &p.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seeded {
		p.seedDimension(ctx)
		g.seeded = true
	}
	if g.dim == 0 {
		g.dim = len(vec)
		return nil
	}
	return repository.CheckDimension(g.dim, len(vec))
}

func (p *Provider) seedDimension(ctx context.Context) {
	for _, coll := range []string{collItems, collCategories, collResources} {
		var doc struct {
			Embedding []float32 `bson:"embedding"`
		}
		err := p.db.Collection(coll).FindOne(ctx, bson.M{"embedding": bson.M{"$ne": nil}}).Decode(&doc)
		if err == nil && len(doc.Embedding) > 0 {
			p.guard.dim = len(doc.Embedding)
			return
		}
	}
}

type scoredDoc struct {
	id      string
	updated time.Time
	score   float64
}

func topScored(docs []scoredDoc, k int) []scoredDoc {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].score != docs[j].score {
			return docs[i].score > docs[j].score
		}
		if !docs[i].updated.Equal(docs[j].updated) {
			return docs[i].updated.After(docs[j].updated)
		}
		return docs[i].id < docs[j].id
	})
	if k >= 0 && len(docs) > k {
		docs = docs[:k]
	}
	return docs
}

var listSort = options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

func isDuplicateKey(err error) bool {
	return mongodriver.IsDuplicateKeyError(err)
}
