// Package openai provides an llm.Client implementation backed by the OpenAI
// API. Chat and vision go through Chat Completions, embeddings through the
// embeddings endpoint and transcription through Whisper, all using
// github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/recall/runtime/llm"
)

// APIClient captures the subset of the go-openai client used by the adapter.
// It is satisfied by *openai.Client so callers can pass either a real client
// or a mock in tests.
type APIClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client APIClient
	// ChatModel is the model for Chat, Summarize and Vision calls.
	ChatModel string
	// EmbedModel enables Embed when set.
	EmbedModel string
	// TranscribeModel defaults to whisper-1.
	TranscribeModel string
}

const defaultTranscribeModel = "whisper-1"

// Client implements llm.Client via the OpenAI API.
type Client struct {
	api        APIClient
	chatModel  string
	embedModel string
	sttModel   string
}

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.ChatModel == "" {
		return nil, errors.New("chat model is required")
	}
	stt := opts.TranscribeModel
	if stt == "" {
		stt = defaultTranscribeModel
	}
	return &Client{api: opts.Client, chatModel: opts.ChatModel, embedModel: opts.EmbedModel, sttModel: stt}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
// baseURL overrides the API endpoint for OpenAI-compatible providers.
func NewFromAPIKey(apiKey, baseURL string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	opts.Client = openai.NewClientWithConfig(cfg)
	return New(opts)
}

// Chat sends a conversation and returns the assistant text.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, llm.Usage, error) {
	if len(messages) == 0 {
		return "", llm.Usage{}, errors.New("messages are required")
	}
	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return firstChoice(resp), usageOf(resp.Usage), nil
}

// Summarize condenses text under the given system prompt.
func (c *Client) Summarize(ctx context.Context, text, systemPrompt string, opts llm.Options) (string, llm.Usage, error) {
	return c.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: text},
	}, opts)
}

// Vision describes the referenced images guided by prompt. Local paths are
// inlined as base64 data URLs; http(s) references pass through.
func (c *Client) Vision(ctx context.Context, prompt string, imageRefs []string, opts llm.Options) (string, llm.Usage, error) {
	if len(imageRefs) == 0 {
		return "", llm.Usage{}, errors.New("image refs are required")
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, ref := range imageRefs {
		url, err := imageURL(ref)
		if err != nil {
			return "", llm.Usage{}, err
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("openai vision completion: %w", err)
	}
	return firstChoice(resp), usageOf(resp.Usage), nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, llm.Usage, error) {
	if c.embedModel == "" {
		return nil, llm.Usage{}, llm.ErrUnsupported
	}
	if len(texts) == 0 {
		return nil, llm.Usage{}, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, llm.Usage{}, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	data := append([]openai.Embedding(nil), resp.Data...)
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	usage := llm.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return out, usage, nil
}

// Transcribe converts the referenced audio file to text via Whisper.
func (c *Client) Transcribe(ctx context.Context, audioRef string) (string, llm.Usage, error) {
	if audioRef == "" {
		return "", llm.Usage{}, errors.New("audio ref is required")
	}
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.sttModel,
		FilePath: audioRef,
	})
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, llm.Usage{}, nil
}

func firstChoice(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

func usageOf(u openai.Usage) llm.Usage {
	return llm.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// imageURL converts an image reference to something the API accepts: remote
// URLs pass through, local files become data URLs.
func imageURL(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	raw, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", ref, err)
	}
	return "data:" + imageMediaType(ref) + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
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
