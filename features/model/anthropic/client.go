// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Claude Messages API using github.com/anthropics/anthropic-sdk-go.
// Anthropic offers no embedding or transcription endpoint; those operations
// return llm.ErrUnsupported and the profile resolver reroutes them.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/recall/runtime/llm"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	// Model is the Claude model identifier.
	Model string
	// MaxTokens caps completions when a call does not set its own limit.
	// The Messages API requires a positive cap; defaults to 1024.
	MaxTokens int
}

const defaultMaxTokens = 1024

// Client implements llm.Client on top of Anthropic Claude Messages.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// New builds an Anthropic-backed client from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Chat sends a conversation and returns the assistant text. System messages
// become the Messages API system prompt.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, llm.Usage, error) {
	if len(messages) == 0 {
		return "", llm.Usage{}, errors.New("messages are required")
	}
	var (
		system       []sdk.TextBlockParam
		conversation []sdk.MessageParam
	)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := c.params(conversation, system, opts)
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("anthropic message: %w", err)
	}
	return translate(msg)
}

// Summarize condenses text under the given system prompt.
func (c *Client) Summarize(ctx context.Context, text, systemPrompt string, opts llm.Options) (string, llm.Usage, error) {
	return c.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: text},
	}, opts)
}

// Vision describes the referenced images guided by prompt. Images must be
// local files; callers fetch remote resources before invoking vision.
func (c *Client) Vision(ctx context.Context, prompt string, imageRefs []string, opts llm.Options) (string, llm.Usage, error) {
	if len(imageRefs) == 0 {
		return "", llm.Usage{}, errors.New("image refs are required")
	}
	blocks := []sdk.ContentBlockParamUnion{sdk.NewTextBlock(prompt)}
	for _, ref := range imageRefs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			return "", llm.Usage{}, fmt.Errorf("anthropic vision requires local image files, got %s", ref)
		}
		raw, err := os.ReadFile(ref)
		if err != nil {
			return "", llm.Usage{}, fmt.Errorf("reading image %s: %w", ref, err)
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(imageMediaType(ref), base64.StdEncoding.EncodeToString(raw)))
	}
	params := c.params([]sdk.MessageParam{sdk.NewUserMessage(blocks...)}, nil, opts)
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("anthropic vision message: %w", err)
	}
	return translate(msg)
}

// Embed is not offered by Anthropic.
func (c *Client) Embed(context.Context, []string) ([][]float32, llm.Usage, error) {
	return nil, llm.Usage{}, llm.ErrUnsupported
}

// Transcribe is not offered by Anthropic.
func (c *Client) Transcribe(context.Context, string) (string, llm.Usage, error) {
	return "", llm.Usage{}, llm.ErrUnsupported
}

func (c *Client) params(conversation []sdk.MessageParam, system []sdk.TextBlockParam, opts llm.Options) sdk.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(float64(opts.Temperature))
	}
	return params
}

func translate(msg *sdk.Message) (string, llm.Usage, error) {
	if msg == nil {
		return "", llm.Usage{}, errors.New("anthropic: response message is nil")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	usage := llm.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return b.String(), usage, nil
}

func imageMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
