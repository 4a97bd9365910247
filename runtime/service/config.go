package service

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
)

// Retrieval methods.
const (
	MethodRAG = "rag"
	MethodLLM = "llm"
)

// Metadata store providers.
const (
	StoreInMemory         = "inmemory"
	StoreRelational       = "relational"
	StoreRelationalVector = "relational+vector"
)

// DDL modes.
const (
	DDLCreate   = "create"
	DDLValidate = "validate"
)

// Vector index providers.
const (
	VectorBruteForce = "bruteforce"
	VectorNative     = "native"
	VectorNone       = "none"
)

type (
	// Config is the full service configuration. The key set is closed:
	// ParseConfig rejects unknown keys at any level.
	Config struct {
		LLMProfiles map[string]ProfileConfig `yaml:"llm_profiles"`
		Blob        BlobConfig               `yaml:"blob_config"`
		Database    DatabaseConfig           `yaml:"database_config"`
		EmbedCache  *EmbedCacheConfig        `yaml:"embed_cache"`
		Memorize    MemorizeConfig           `yaml:"memorize_config"`
		Retrieve    RetrieveConfig           `yaml:"retrieve_config"`
		User        UserConfig               `yaml:"user_config"`
	}

	// ProfileConfig declares one named LLM provider bundle.
	ProfileConfig struct {
		Provider          string            `yaml:"provider"`
		BaseURL           string            `yaml:"base_url"`
		APIKey            string            `yaml:"api_key"`
		ChatModel         string            `yaml:"chat_model"`
		EmbedModel        string            `yaml:"embed_model"`
		ClientBackend     string            `yaml:"client_backend"`
		EndpointOverrides map[string]string `yaml:"endpoint_overrides"`
		EmbedBatchSize    int               `yaml:"embed_batch_size"`
	}

	// BlobConfig locates the blob directory memorize fetches resources into.
	BlobConfig struct {
		ResourcesDir string `yaml:"resources_dir"`
	}

	// DatabaseConfig selects the storage backend.
	DatabaseConfig struct {
		MetadataStore MetadataStoreConfig `yaml:"metadata_store"`
		VectorIndex   *VectorIndexConfig  `yaml:"vector_index"`
	}

	// MetadataStoreConfig configures the record store.
	MetadataStoreConfig struct {
		Provider string `yaml:"provider"`
		DSN      string `yaml:"dsn"`
		DDLMode  string `yaml:"ddl_mode"`
	}

	// VectorIndexConfig configures similarity search. Dimensions is required
	// by the native provider: the vector column width is fixed at DDL time.
	VectorIndexConfig struct {
		Provider   string `yaml:"provider"`
		DSN        string `yaml:"dsn"`
		Dimensions int    `yaml:"dimensions"`
	}

	// EmbedCacheConfig enables the redis-backed embedding cache: repeated
	// memorize and retrieve runs over identical text skip the provider call.
	EmbedCacheConfig struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
		KeyPrefix  string `yaml:"key_prefix"`
	}

	// CategorySeed declares one configured category. Seeds are materialized
	// lazily: a category is created in a scope the first time an item
	// references its name there.
	CategorySeed struct {
		Name          string `yaml:"name"`
		Description   string `yaml:"description"`
		TargetLength  int    `yaml:"target_length"`
		SummaryPrompt string `yaml:"summary_prompt"`
	}

	// MemorizeConfig tunes the memorize pipeline.
	MemorizeConfig struct {
		CategoryAssignThreshold            float64           `yaml:"category_assign_threshold"`
		MultimodalPreprocessPrompts        map[string]string `yaml:"multimodal_preprocess_prompts"`
		PreprocessLLMProfile               string            `yaml:"preprocess_llm_profile"`
		MemoryTypes                        []string          `yaml:"memory_types"`
		MemoryTypePrompts                  map[string]string `yaml:"memory_type_prompts"`
		MemoryExtractLLMProfile            string            `yaml:"memory_extract_llm_profile"`
		MemoryCategories                   []CategorySeed    `yaml:"memory_categories"`
		DefaultCategorySummaryPrompt       string            `yaml:"default_category_summary_prompt"`
		DefaultCategorySummaryTargetLength int               `yaml:"default_category_summary_target_length"`
		CategoryUpdateLLMProfile           string            `yaml:"category_update_llm_profile"`
	}

	// SectionConfig toggles one recall section and bounds its result count.
	SectionConfig struct {
		Enabled bool `yaml:"enabled"`
		TopK    int  `yaml:"top_k"`
	}

	// SalienceConfig weights the item ranking composite:
	// alpha*cosine + beta*recency + gamma*reinforcement.
	SalienceConfig struct {
		Alpha float64 `yaml:"alpha"`
		Beta  float64 `yaml:"beta"`
		Gamma float64 `yaml:"gamma"`
	}

	// RetrieveConfig tunes the retrieve pipelines.
	RetrieveConfig struct {
		Method                     string         `yaml:"method"`
		RouteIntention             bool           `yaml:"route_intention"`
		Category                   SectionConfig  `yaml:"category"`
		Item                       SectionConfig  `yaml:"item"`
		Resource                   SectionConfig  `yaml:"resource"`
		SufficiencyCheck           bool           `yaml:"sufficiency_check"`
		SufficiencyCheckPrompt     string         `yaml:"sufficiency_check_prompt"`
		SufficiencyCheckLLMProfile string         `yaml:"sufficiency_check_llm_profile"`
		LLMRankingLLMProfile       string         `yaml:"llm_ranking_llm_profile"`
		Salience                   SalienceConfig `yaml:"salience"`
	}

	// UserConfig declares the scope tuple fields.
	UserConfig struct {
		Model []string `yaml:"model"`
	}
)

// DefaultConfig returns the configuration defaults ParseConfig decodes over.
func DefaultConfig() Config {
	return Config{
		Blob: BlobConfig{ResourcesDir: "resources"},
		Database: DatabaseConfig{
			MetadataStore: MetadataStoreConfig{Provider: StoreInMemory, DDLMode: DDLCreate},
		},
		Memorize: MemorizeConfig{
			CategoryAssignThreshold:            0.85,
			MemoryTypes:                        append([]string(nil), memory.DefaultMemoryTypes...),
			DefaultCategorySummaryTargetLength: 512,
		},
		Retrieve: RetrieveConfig{
			Method:   MethodRAG,
			Category: SectionConfig{Enabled: true, TopK: 5},
			Item:     SectionConfig{Enabled: true, TopK: 5},
			Resource: SectionConfig{Enabled: true, TopK: 5},
			Salience: SalienceConfig{Alpha: 0.8, Beta: 0.15, Gamma: 0.05},
		},
	}
}

// ParseConfig decodes YAML configuration over the defaults. Unknown keys at
// any level are rejected with InvalidInput.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, memory.Wrap(memory.KindInvalidInput, err, "parsing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML shape cannot express.
func (c Config) Validate() error {
	if len(c.User.Model) == 0 {
		return memory.E(memory.KindInvalidInput, "user_config.model must declare at least one scope field")
	}
	if len(c.LLMProfiles) > 0 {
		if _, ok := c.LLMProfiles[llm.DefaultProfile]; !ok {
			return memory.Ef(memory.KindInvalidInput, "llm_profiles must define the %q profile", llm.DefaultProfile)
		}
	}
	switch c.Retrieve.Method {
	case MethodRAG, MethodLLM:
	default:
		return memory.Ef(memory.KindInvalidInput, "retrieve_config.method must be %q or %q", MethodRAG, MethodLLM)
	}
	if t := c.Memorize.CategoryAssignThreshold; t < 0 || t > 1 {
		return memory.E(memory.KindInvalidInput, "memorize_config.category_assign_threshold must be in [0,1]")
	}
	if len(c.Memorize.MemoryTypes) == 0 {
		return memory.E(memory.KindInvalidInput, "memorize_config.memory_types must not be empty")
	}
	sal := c.Retrieve.Salience
	if sal.Alpha < 0 || sal.Beta < 0 || sal.Gamma < 0 {
		return memory.E(memory.KindInvalidInput, "retrieve_config.salience weights must not be negative")
	}
	for name, sec := range map[string]SectionConfig{
		"category": c.Retrieve.Category,
		"item":     c.Retrieve.Item,
		"resource": c.Retrieve.Resource,
	} {
		if sec.Enabled && sec.TopK <= 0 {
			return memory.Ef(memory.KindInvalidInput, "retrieve_config.%s.top_k must be positive", name)
		}
	}
	if c.EmbedCache != nil && c.EmbedCache.Addr == "" {
		return memory.E(memory.KindInvalidInput, "embed_cache.addr is required")
	}
	switch c.Database.MetadataStore.Provider {
	case StoreInMemory, StoreRelational, StoreRelationalVector:
	default:
		return memory.Ef(memory.KindInvalidInput, "database_config.metadata_store.provider %q is not supported", c.Database.MetadataStore.Provider)
	}
	switch c.Database.MetadataStore.DDLMode {
	case DDLCreate, DDLValidate:
	default:
		return memory.Ef(memory.KindInvalidInput, "database_config.metadata_store.ddl_mode must be %q or %q", DDLCreate, DDLValidate)
	}
	if vi := c.Database.VectorIndex; vi != nil {
		switch vi.Provider {
		case VectorBruteForce, VectorNative, VectorNone:
		default:
			return memory.Ef(memory.KindInvalidInput, "database_config.vector_index.provider %q is not supported", vi.Provider)
		}
		if vi.Provider == VectorNative && vi.Dimensions <= 0 {
			return memory.E(memory.KindInvalidInput, "database_config.vector_index.dimensions is required for the native provider")
		}
	}
	return nil
}

// profiles converts the configured profile map into the llm package shape.
func (c Config) profiles() map[string]llm.Profile {
	out := make(map[string]llm.Profile, len(c.LLMProfiles))
	for name, p := range c.LLMProfiles {
		out[name] = llm.Profile{
			Name:              name,
			Provider:          p.Provider,
			BaseURL:           p.BaseURL,
			APIKey:            p.APIKey,
			ChatModel:         p.ChatModel,
			EmbedModel:        p.EmbedModel,
			ClientBackend:     p.ClientBackend,
			EndpointOverrides: p.EndpointOverrides,
			EmbedBatchSize:    p.EmbedBatchSize,
		}
	}
	return out
}
