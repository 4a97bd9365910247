// Package recall is a long-term memory service for AI agents. It ingests
// artifacts (conversations, documents, images, audio, video), extracts
// atomic memory items with an LLM, organizes them into summarized
// categories, and recalls them later through embedding similarity or LLM
// ranking.
//
// The packages under runtime/ hold the engine: the pipeline workflow model,
// the scoped data model, the storage protocol and the provider-agnostic LLM
// surface. The packages under features/ hold the pluggable backends:
// storage providers (in-memory, sqlite, postgres, mongo) and model adapters
// (OpenAI, Anthropic, Bedrock). This root package ties them together: Open
// builds the storage backend selected by the configuration and wires the
// service with the default model adapter factory.
package recall

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/recall/features/embedcache/redis"
	"goa.design/recall/features/store/inmem"
	"goa.design/recall/features/store/postgres"
	"goa.design/recall/features/store/sqlite"
	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/repository"
	"goa.design/recall/runtime/service"
	"goa.design/recall/runtime/telemetry"
)

// Open builds the memory service from a parsed configuration. The storage
// provider is constructed from database_config unless opts.Provider is
// already set, and opts.Factory defaults to DefaultFactory. Everything else
// in opts passes through to service.New.
func Open(ctx context.Context, cfg service.Config, opts service.Options) (*service.Service, error) {
	opts.Config = cfg
	if opts.Factory == nil {
		opts.Factory = DefaultFactory(ctx)
	}
	if cfg.EmbedCache != nil {
		opts.Factory = cachedFactory(cfg.EmbedCache, opts.Factory, opts.Logger)
	}
	if opts.Provider == nil {
		provider, err := openProvider(ctx, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Provider = provider
	}
	return service.New(opts)
}

// openProvider maps the metadata_store configuration to a storage backend.
// The mongo provider is not reachable from here: it needs a connected
// driver client, so callers construct it themselves and pass it through
// Options.Provider.
func openProvider(ctx context.Context, cfg service.Config, logger telemetry.Logger) (repository.Provider, error) {
	ms := cfg.Database.MetadataStore
	switch ms.Provider {
	case service.StoreInMemory:
		return inmem.New(), nil
	case service.StoreRelational:
		return sqlite.Open(ctx, sqlite.Options{
			DSN:         ms.DSN,
			ScopeFields: cfg.User.Model,
			DDLMode:     sqlite.DDLMode(ms.DDLMode),
			Logger:      logger,
		})
	case service.StoreRelationalVector:
		dsn := ms.DSN
		var dimensions int
		if vi := cfg.Database.VectorIndex; vi != nil {
			dimensions = vi.Dimensions
			if vi.DSN != "" {
				dsn = vi.DSN
			}
		}
		return postgres.Open(ctx, postgres.Options{
			DSN:         dsn,
			ScopeFields: cfg.User.Model,
			Dimensions:  dimensions,
			DDLMode:     postgres.DDLMode(ms.DDLMode),
			Logger:      logger,
		})
	}
	return nil, memory.Ef(memory.KindInvalidInput, "unsupported metadata store provider %q", ms.Provider)
}

// cachedFactory wraps every built client with the redis embedding cache.
// One redis connection is shared; keys are namespaced per profile so
// profiles with different embedding models never collide.
func cachedFactory(cfg *service.EmbedCacheConfig, next llm.Factory, logger telemetry.Logger) llm.Factory {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "recall:embed:"
	}
	return func(p llm.Profile) (llm.Client, error) {
		client, err := next(p)
		if err != nil {
			return nil, err
		}
		return redis.New(redis.Options{
			Redis:     rdb,
			Next:      client,
			TTL:       time.Duration(cfg.TTLSeconds) * time.Second,
			KeyPrefix: prefix + p.Name + ":",
			Logger:    logger,
		})
	}
}
