// Package llm defines the provider-agnostic client surface used by pipeline
// steps and the profile table that routes each step to a configured
// provider. Implementations wrap provider SDKs (OpenAI, Anthropic, Bedrock)
// or a plain OpenAI-compatible HTTP endpoint and live under features/model.
package llm

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by clients for operations their provider does
// not offer (for example embeddings on Anthropic). The profile resolver
// reroutes embedding calls to the "embedding" profile when it sees this
// capability gap.
var ErrUnsupported = errors.New("operation not supported by this provider")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Usage accumulates token accounting across calls.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Message is one chat turn.
	Message struct {
		Role    string
		Content string
	}

	// Options carries per-call generation parameters. Zero values defer to
	// the provider defaults.
	Options struct {
		Temperature float32
		MaxTokens   int
	}

	// Client is the uniform surface every provider adapter implements.
	// Clients must be safe for concurrent use; the profile table shares one
	// client per profile across all pipeline executions.
	Client interface {
		// Chat sends a conversation and returns the assistant text.
		Chat(ctx context.Context, messages []Message, opts Options) (string, Usage, error)

		// Summarize condenses text under the given system prompt.
		Summarize(ctx context.Context, text, systemPrompt string, opts Options) (string, Usage, error)

		// Vision describes the referenced images guided by prompt. Image
		// references are local paths or URLs.
		Vision(ctx context.Context, prompt string, imageRefs []string, opts Options) (string, Usage, error)

		// Embed returns one vector per input text, in input order.
		Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)

		// Transcribe converts the referenced audio file to text.
		Transcribe(ctx context.Context, audioRef string) (string, Usage, error)
	}
)

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
