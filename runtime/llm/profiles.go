package llm

import (
	"sync"

	"goa.design/recall/runtime/memory"
)

const (
	// DefaultProfile is the profile name every configuration must define.
	DefaultProfile = "default"
	// EmbeddingProfile is the fallback used when a step needs embeddings
	// but its resolved profile has no embedding model.
	EmbeddingProfile = "embedding"

	// BackendSDK selects the provider SDK adapter.
	BackendSDK = "sdk"
	// BackendHTTP selects the OpenAI-compatible HTTP adapter.
	BackendHTTP = "http"
)

// DefaultEmbedBatchSize bounds one embedding request when the profile does
// not set a batch size.
const DefaultEmbedBatchSize = 16

type (
	// Profile is one named provider bundle referenced by pipeline steps.
	Profile struct {
		Name              string
		Provider          string
		BaseURL           string
		APIKey            string
		ChatModel         string
		EmbedModel        string
		ClientBackend     string
		EndpointOverrides map[string]string
		EmbedBatchSize    int
	}

	// Factory builds a Client for a profile. The service installs a factory
	// that dispatches on Provider and ClientBackend to the adapters under
	// features/model.
	Factory func(Profile) (Client, error)

	// Profiles is the process-wide, thread-safe profile table. Clients are
	// built lazily on first use and cached by profile name.
	Profiles struct {
		mu       sync.RWMutex
		factory  Factory
		profiles map[string]Profile
		clients  map[string]Client
	}
)

// BatchSize returns the configured embed batch size or the default.
func (p Profile) BatchSize() int {
	if p.EmbedBatchSize > 0 {
		return p.EmbedBatchSize
	}
	return DefaultEmbedBatchSize
}

// NewProfiles builds a profile table. A "default" profile is mandatory.
func NewProfiles(profiles map[string]Profile, factory Factory) (*Profiles, error) {
	if factory == nil {
		return nil, memory.E(memory.KindInvalidInput, "profile factory is required")
	}
	if _, ok := profiles[DefaultProfile]; !ok {
		return nil, memory.Ef(memory.KindInvalidInput, "llm profile %q is required", DefaultProfile)
	}
	table := make(map[string]Profile, len(profiles))
	for name, p := range profiles {
		p.Name = name
		table[name] = p
	}
	return &Profiles{
		factory:  factory,
		profiles: table,
		clients:  make(map[string]Client, len(table)),
	}, nil
}

// Profile returns the named profile.
func (ps *Profiles) Profile(name string) (Profile, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.profiles[name]
	if !ok {
		return Profile{}, memory.Ef(memory.KindUnknownProfile, "unknown llm profile %q", name)
	}
	return p, nil
}

// Client returns the cached client for the named profile, building it on
// first use.
func (ps *Profiles) Client(name string) (Client, error) {
	ps.mu.RLock()
	if c, ok := ps.clients[name]; ok {
		ps.mu.RUnlock()
		return c, nil
	}
	ps.mu.RUnlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if c, ok := ps.clients[name]; ok {
		return c, nil
	}
	p, ok := ps.profiles[name]
	if !ok {
		return nil, memory.Ef(memory.KindUnknownProfile, "unknown llm profile %q", name)
	}
	c, err := ps.factory(p)
	if err != nil {
		return nil, memory.Wrap(memory.KindUnknownProfile, err, "building client for profile "+name)
	}
	ps.clients[name] = c
	return c, nil
}

// EmbedClient resolves the client used for embeddings under the named
// profile. When the profile declares no embedding model, the resolver falls
// back to the "embedding" profile.
func (ps *Profiles) EmbedClient(name string) (Client, Profile, error) {
	p, err := ps.Profile(name)
	if err != nil {
		return nil, Profile{}, err
	}
	if p.EmbedModel == "" {
		fallback, err := ps.Profile(EmbeddingProfile)
		if err != nil {
			return nil, Profile{}, memory.Ef(memory.KindUnknownProfile,
				"profile %q has no embedding model and no %q profile is configured", name, EmbeddingProfile)
		}
		p = fallback
	}
	c, err := ps.Client(p.Name)
	if err != nil {
		return nil, Profile{}, err
	}
	return c, p, nil
}

// Close drops all cached clients. The table can be reused; clients are
// rebuilt on demand.
func (ps *Profiles) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.clients = make(map[string]Client)
}
