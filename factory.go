package recall

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"goa.design/recall/features/model/anthropic"
	"goa.design/recall/features/model/bedrock"
	"goa.design/recall/features/model/openai"
	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/memory"
)

// Provider names recognized by DefaultFactory.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// DefaultFactory returns the llm.Factory used when Options.Factory is not
// set. Profiles with client_backend "http" route to the OpenAI-compatible
// HTTP client regardless of provider; SDK profiles dispatch on the provider
// name to the bundled adapters. The Bedrock adapter resolves credentials
// through the standard AWS configuration chain (environment, shared config,
// IMDS), so its profiles need no api_key.
func DefaultFactory(ctx context.Context) llm.Factory {
	return func(p llm.Profile) (llm.Client, error) {
		if p.ClientBackend == llm.BackendHTTP {
			return llm.NewHTTPClient(llm.HTTPOptions{
				BaseURL:           p.BaseURL,
				APIKey:            p.APIKey,
				ChatModel:         p.ChatModel,
				EmbedModel:        p.EmbedModel,
				EndpointOverrides: p.EndpointOverrides,
			})
		}
		switch p.Provider {
		case ProviderOpenAI:
			return openai.NewFromAPIKey(p.APIKey, p.BaseURL, openai.Options{
				ChatModel:  p.ChatModel,
				EmbedModel: p.EmbedModel,
			})
		case ProviderAnthropic:
			return anthropic.NewFromAPIKey(p.APIKey, anthropic.Options{Model: p.ChatModel})
		case ProviderBedrock:
			awscfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, memory.Wrap(memory.KindBackendUnavailable, err, "loading aws configuration")
			}
			return bedrock.New(bedrock.Options{
				Runtime:    bedrockruntime.NewFromConfig(awscfg),
				ChatModel:  p.ChatModel,
				EmbedModel: p.EmbedModel,
			})
		}
		return nil, memory.Ef(memory.KindUnknownProfile,
			"profile %q declares unsupported provider %q", p.Name, p.Provider)
	}
}
