// Package sqlite provides the relational storage provider without a vector
// index. Records live in four tables whose schema is generated from the
// configured scope model; embeddings are serialized JSON float arrays in
// TEXT columns and similarity is scored in process after scope filtering.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

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

// Options configures the sqlite provider.
type Options struct {
	// DSN is the sqlite data source, e.g. "file:/var/lib/recall/recall.db".
	DSN string
	// ScopeFields is the configured scope model; each field becomes a
	// column on every table.
	ScopeFields []string
	// DDLMode defaults to DDLCreate.
	DDLMode DDLMode
	// Logger defaults to the no-op logger.
	Logger telemetry.Logger
}

// Provider implements repository.Provider on a sqlite database.
type Provider struct {
	db     *sql.DB
	scope  []string
	logger telemetry.Logger

	resources  *resourceRepo
	items      *itemRepo
	categories *categoryRepo
	edges      *edgeRepo
}

// Open connects to the database and bootstraps or validates the schema.
func Open(ctx context.Context, opts Options) (*Provider, error) {
	if opts.DSN == "" {
		return nil, memory.E(memory.KindInvalidInput, "sqlite dsn is required")
	}
	if len(opts.ScopeFields) == 0 {
		return nil, memory.E(memory.KindInvalidInput, "scope fields are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	db, err := sql.Open("sqlite", opts.DSN)
	if err != nil {
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "opening sqlite database")
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, memory.Wrap(memory.KindBackendUnavailable, err, "pinging sqlite database")
	}

	p := &Provider{db: db, scope: append([]string(nil), opts.ScopeFields...), logger: logger}
	mode := opts.DDLMode
	if mode == "" {
		mode = DDLCreate
	}
	switch mode {
	case DDLCreate:
		for _, stmt := range p.ddl() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return nil, memory.Wrap(memory.KindBackendUnavailable, err, "creating schema")
			}
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

	base := tableOps{db: db, scope: p.scope, guard: &dimGuard{db: db}}
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

// Ping verifies connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return memory.Wrap(memory.KindBackendUnavailable, err, "sqlite ping")
	}
	return nil
}

// Close releases the database handle.
func (p *Provider) Close(context.Context) error { return p.db.Close() }

// ddl renders the schema for the configured scope model. Scope fields are
// first-class columns on every table; categories additionally carry the
// normalized name with a per-scope unique index.
func (p *Provider) ddl() []string {
	scopeCols := make([]string, len(p.scope))
	for i, f := range p.scope {
		scopeCols[i] = fmt.Sprintf("%s TEXT NOT NULL", quoteIdent(f))
	}
	scopeList := strings.Join(quoteAll(p.scope), ", ")
	common := strings.Join(scopeCols, ",\n\t")

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	%s,
	url TEXT NOT NULL,
	modality TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	caption TEXT NOT NULL DEFAULT '',
	embedding TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, common),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_items (
	id TEXT PRIMARY KEY,
	%s,
	resource_id TEXT NOT NULL DEFAULT '',
	memory_type TEXT NOT NULL,
	summary TEXT NOT NULL,
	embedding TEXT,
	hits INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, common),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_categories (
	id TEXT PRIMARY KEY,
	%s,
	name TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	embedding TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, common),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS category_items (
	id TEXT PRIMARY KEY,
	%s,
	item_id TEXT NOT NULL,
	category_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, common),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_scope_name ON memory_categories (%s, name_normalized)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_items_scope ON memory_items (%s)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_edges_item ON category_items (%s, item_id)", scopeList),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_edges_category ON category_items (%s, category_id)", scopeList),
	}
}

func (p *Provider) validateSchema(ctx context.Context) error {
	for _, table := range []string{"resources", "memory_items", "memory_categories", "category_items"} {
		var name string
		err := p.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err == sql.ErrNoRows {
			return memory.Ef(memory.KindBackendUnavailable, "table %q is missing (ddl_mode=validate)", table)
		}
		if err != nil {
			return memory.Wrap(memory.KindBackendUnavailable, err, "validating schema")
		}
	}
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
