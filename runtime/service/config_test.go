package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/service"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := service.ParseConfig([]byte("user_config:\n  model: [user_id]\n"))
	require.NoError(t, err)

	require.Equal(t, []string{"user_id"}, cfg.User.Model)
	require.Equal(t, "resources", cfg.Blob.ResourcesDir)
	require.Equal(t, service.StoreInMemory, cfg.Database.MetadataStore.Provider)
	require.Equal(t, service.DDLCreate, cfg.Database.MetadataStore.DDLMode)
	require.Equal(t, service.MethodRAG, cfg.Retrieve.Method)
	require.Equal(t, 5, cfg.Retrieve.Item.TopK)
	require.True(t, cfg.Retrieve.Category.Enabled)
	require.False(t, cfg.Retrieve.SufficiencyCheck)
	require.InDelta(t, 0.85, cfg.Memorize.CategoryAssignThreshold, 1e-9)
	require.Equal(t, memory.DefaultMemoryTypes, cfg.Memorize.MemoryTypes)
	require.InDelta(t, 0.8, cfg.Retrieve.Salience.Alpha, 1e-9)
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := service.ParseConfig([]byte(`
user_config:
  model: [user_id, agent_id]
llm_profiles:
  default:
    provider: openai
    chat_model: gpt-4o-mini
    embed_model: text-embedding-3-small
  ranking:
    provider: anthropic
    chat_model: claude-sonnet
memorize_config:
  category_assign_threshold: 0.9
  memory_types: [profile, event]
  memory_categories:
    - name: Hobbies
      description: Leisure activities
      target_length: 256
retrieve_config:
  method: llm
  sufficiency_check: true
  llm_ranking_llm_profile: ranking
  item:
    enabled: true
    top_k: 3
  salience:
    alpha: 0.7
    beta: 0.2
    gamma: 0.1
`))
	require.NoError(t, err)

	require.Equal(t, []string{"user_id", "agent_id"}, cfg.User.Model)
	require.Equal(t, service.MethodLLM, cfg.Retrieve.Method)
	require.True(t, cfg.Retrieve.SufficiencyCheck)
	require.Equal(t, "ranking", cfg.Retrieve.LLMRankingLLMProfile)
	require.Equal(t, 3, cfg.Retrieve.Item.TopK)
	require.Equal(t, []string{"profile", "event"}, cfg.Memorize.MemoryTypes)
	require.Len(t, cfg.Memorize.MemoryCategories, 1)
	require.Equal(t, 256, cfg.Memorize.MemoryCategories[0].TargetLength)
	require.InDelta(t, 0.2, cfg.Retrieve.Salience.Beta, 1e-9)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := service.ParseConfig([]byte("user_config:\n  model: [user_id]\nbogus: 1\n"))
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))

	_, err = service.ParseConfig([]byte("user_config:\n  model: [user_id]\nretrieve_config:\n  topk: 3\n"))
	require.Error(t, err)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*service.Config)
	}{
		{"no scope fields", func(c *service.Config) { c.User.Model = nil }},
		{"bad method", func(c *service.Config) { c.Retrieve.Method = "hybrid" }},
		{"profiles without default", func(c *service.Config) {
			c.LLMProfiles = map[string]service.ProfileConfig{"ranking": {Provider: "openai"}}
		}},
		{"threshold out of range", func(c *service.Config) { c.Memorize.CategoryAssignThreshold = 1.5 }},
		{"empty memory types", func(c *service.Config) { c.Memorize.MemoryTypes = nil }},
		{"negative salience weight", func(c *service.Config) { c.Retrieve.Salience.Beta = -0.1 }},
		{"enabled section without top_k", func(c *service.Config) { c.Retrieve.Item.TopK = 0 }},
		{"unknown store provider", func(c *service.Config) { c.Database.MetadataStore.Provider = "dynamo" }},
		{"bad ddl mode", func(c *service.Config) { c.Database.MetadataStore.DDLMode = "migrate" }},
		{"native vector without dimensions", func(c *service.Config) {
			c.Database.VectorIndex = &service.VectorIndexConfig{Provider: service.VectorNative}
		}},
		{"embed cache without addr", func(c *service.Config) {
			c.EmbedCache = &service.EmbedCacheConfig{TTLSeconds: 60}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := service.DefaultConfig()
			cfg.User.Model = []string{"user_id"}
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, memory.IsKind(err, memory.KindInvalidInput))
		})
	}
}
