// Package postgres provides the relational+vector storage provider. With the
// pgvector extension available, embeddings live in vector(n) columns under an
// HNSW cosine index and similarity search is pushed down to the database.
// When the extension cannot be installed the provider falls back to
// serialized JSON embeddings scored in process, logging a warning once.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
	"goa.design/recall/runtime/telemetry"
)

// DDLMode controls schema bootstrap.
type DDLMode string

const (
	// DDLCreate creates missing tables and indices at Open.
	DDLCreate DDLMode = "create"
	// DDLValidate only verifies the tables exist.
	DDLValidate DDLMode = "validate"
)

// Options configures the postgres provider.
type Options struct {
	// DSN is the postgres connection string.
	DSN string
	// ScopeFields is the configured scope model; each field becomes a
	// column on every table.
	ScopeFields []string
	// Dimensions is the embedding dimension used for vector(n) columns.
	// Required when the pgvector extension is available.
	Dimensions int
	// DDLMode defaults to DDLCreate.
	DDLMode DDLMode
	// Logger defaults to the no-op logger.
	Logger telemetry.Logger
}

// Provider implements repository.Provider on a postgres database.
type Provider struct {
	db     *sql.DB
	scope  []string
	logger telemetry.Logger
	// vector reports whether embeddings are native vector columns with
	// index pushdown, as opposed to serialized text scored in process.
	vector     bool
	dimensions int

	resources  *resourceRepo
	items      *itemRepo
	categories *categoryRepo
	edges      *edgeRepo
}

// Open connects to the database, probes for pgvector and bootstraps or
// validates the schema.
func Open(ctx context.Context, opts Options) (*Provider, error) {
	if opts.DSN == "" {
		return nil, memory.E(memory.KindInvalidInput, "postgres dsn is required")
	}
	if len(opts.ScopeFields) == 0 {
		return nil, memory.E(memory.KindInvalidInput, "scope fields are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "opening postgres database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "pinging postgres database")
	}

	p := &Provider{db: db, scope: append([]string(nil), opts.ScopeFields...), logger: logger, dimensions: opts.Dimensions}
	mode := opts.DDLMode
	if mode == "" {
		mode = DDLCreate
	}
	switch mode {
	case DDLCreate:
		if err := p.bootstrap(ctx, opts.Dimensions); err != nil {
			db.Close()
			return nil, err
		}
	case DDLValidate:
		if err := p.validateSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	default:
		db.Close()
		return nil, memory.Ef(memory.KindInvalidInput, "unknown ddl mode %q", mode)
	}

	base := tableOps{db: db, scope: p.scope, vector: p.vector, dimensions: p.dimensions}
	if !p.vector {
		base.guard = &dimGuard{db: db}
	}
	p.resources = &resourceRepo{tableOps: base}
	p.items = &itemRepo{tableOps: base}
	p.categories = &categoryRepo{tableOps: base}
	p.edges = &edgeRepo{tableOps: base}
	return p, nil
}

// Resources returns the resource repository.
func (p *Provider) Resources() repository.ResourceRepository { return p.resources }

// Items returns the item repository.
func (p *Provider) Items() repository.ItemRepository { return p.items }

// Categories returns the category repository.
func (p *Provider) Categories() repository.CategoryRepository { return p.categories }

// Edges returns the edge repository.
func (p *Provider) Edges() repository.EdgeRepository { return p.edges }

// VectorMode reports whether similarity search is pushed down to pgvector.
func (p *Provider) VectorMode() bool { return p.vector }

// Ping verifies connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return memory.Wrap(memory.KindBackendUnavailable, err, "postgres ping")
	}
	return nil
}

// Close releases the connection pool.
func (p *Provider) Close(context.Context) error { return p.db.Close() }

func (p *Provider) bootstrap(ctx context.Context, dimensions int) error {
	if _, err := p.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		p.logger.Warn(ctx, "pgvector unavailable, falling back to in-process similarity scoring",
			"error", err.Error())
		p.vector = false
	} else {
		if dimensions <= 0 {
			return memory.E(memory.KindInvalidInput, "embedding dimensions are required for vector columns")
		}
		p.vector = true
	}
	for _, stmt := range p.ddl(dimensions) {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return memory.Wrap(memory.KindBackendUnavailable, err, "creating schema")
		}
	}
	return nil
}

// ddl renders the schema. The embedding column type depends on whether
// pgvector is available.
func (p *Provider) ddl(dimensions int) []string {
	embType := "TEXT"
	if p.vector {
		embType = fmt.Sprintf("vector(%d)", dimensions)
	}
	scopeCols := make([]string, len(p.scope))
	for i, f := range p.scope {
		scopeCols[i] = fmt.Sprintf("%s TEXT NOT NULL", quoteIdent(f))
	}
	scopeList := strings.Join(quoteAll(p.scope), ", ")
	common := strings.Join(scopeCols, ",\n\t")

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	%s,
	url TEXT NOT NULL,
	modality TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	caption TEXT NOT NULL DEFAULT '',
	embedding %s,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, common, embType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_items (
	id TEXT PRIMARY KEY,
	%s,
	resource_id TEXT NOT NULL DEFAULT '',
	memory_type TEXT NOT NULL,
	summary TEXT NOT NULL,
	embedding %s,
	hits INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, common, embType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_categories (
	id TEXT PRIMARY KEY,
	%s,
	name TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	embedding %s,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, common, embType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS category_items (
	id TEXT PRIMARY KEY,
	%s,
	item_id TEXT NOT NULL,
	category_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, common),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_scope_name ON memory_categories (%s, name_normalized)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_items_scope ON memory_items (%s)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_edges_item ON category_items (%s, item_id)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_edges_category ON category_items (%s, category_id)", scopeList),
	}
	if p.vector {
		for _, table := range []string{"resources", "memory_items", "memory_categories"} {
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)", table, table))
		}
	}
	return stmts
}

func (p *Provider) validateSchema(ctx context.Context) error {
	for _, table := range []string{"resources", "memory_items", "memory_categories", "category_items"} {
		var one int
		err := p.db.QueryRowContext(ctx,
			"SELECT 1 FROM information_schema.tables WHERE table_name = $1", table).Scan(&one)
		if err == sql.ErrNoRows {
			return memory.Ef(memory.KindBackendUnavailable, "table %q is missing (ddl_mode=validate)", table)
		}
		if err != nil {
			return memory.Wrap(memory.KindBackendUnavailable, err, "validating schema")
		}
	}
	// The stored embedding column type decides the search mode.
	var udt string
	err := p.db.QueryRowContext(ctx,
		"SELECT udt_name FROM information_schema.columns WHERE table_name = 'memory_items' AND column_name = 'embedding'").Scan(&udt)
	if err != nil {
		return memory.Wrap(memory.KindBackendUnavailable, err, "validating embedding column")
	}
	p.vector = udt == "vector"
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = quoteIdent(f)
	}
	return out
}
