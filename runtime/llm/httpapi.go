package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPClient implements Client against any OpenAI-compatible HTTP endpoint
// (vLLM, Ollama's compatible mode, LiteLLM, internal gateways). It is the
// "http" client backend: profiles that cannot or should not use a vendor
// SDK route here, with per-operation paths adjustable through
// endpoint_overrides.
type HTTPClient struct {
	base       string
	apiKey     string
	chatModel  string
	embedModel string
	overrides  map[string]string
	httpc      *http.Client
}

// HTTPOptions configures the HTTP backend.
type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	ChatModel         string
	EmbedModel        string
	EndpointOverrides map[string]string
	Timeout           time.Duration
}

const defaultHTTPTimeout = 60 * time.Second

// NewHTTPClient builds an OpenAI-compatible HTTP client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if opts.ChatModel == "" {
		return nil, errors.New("chat model is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		chatModel:  opts.ChatModel,
		embedModel: opts.EmbedModel,
		overrides:  opts.EndpointOverrides,
		httpc:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) endpoint(op, def string) string {
	if p, ok := c.overrides[op]; ok && p != "" {
		if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
			return p
		}
		return c.base + p
	}
	return c.base + def
}

type (
	httpChatMessage struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	httpChatRequest struct {
		Model       string            `json:"model"`
		Messages    []httpChatMessage `json:"messages"`
		Temperature float32           `json:"temperature,omitempty"`
		MaxTokens   int               `json:"max_tokens,omitempty"`
	}

	httpUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}

	httpChatResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage httpUsage `json:"usage"`
	}

	httpEmbedRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	httpEmbedResponse struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage httpUsage `json:"usage"`
	}
)

// Chat sends a conversation to the chat completions endpoint.
func (c *HTTPClient) Chat(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	if len(messages) == 0 {
		return "", Usage{}, errors.New("messages are required")
	}
	msgs := make([]httpChatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = httpChatMessage{Role: m.Role, Content: m.Content}
	}
	return c.complete(ctx, msgs, opts)
}

// Summarize condenses text under a system prompt using the chat endpoint.
func (c *HTTPClient) Summarize(ctx context.Context, text, systemPrompt string, opts Options) (string, Usage, error) {
	messages := []Message{}
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: text})
	return c.Chat(ctx, messages, opts)
}

// Vision sends the prompt plus image parts. Local image paths are inlined
// as base64 data URLs; anything else passes through as a remote URL.
func (c *HTTPClient) Vision(ctx context.Context, prompt string, imageRefs []string, opts Options) (string, Usage, error) {
	if len(imageRefs) == 0 {
		return "", Usage{}, errors.New("image references are required")
	}
	parts := []map[string]any{{"type": "text", "text": prompt}}
	for _, ref := range imageRefs {
		url, err := imageURL(ref)
		if err != nil {
			return "", Usage{}, err
		}
		parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": url}})
	}
	return c.complete(ctx, []httpChatMessage{{Role: RoleUser, Content: parts}}, opts)
}

// Embed sends texts to the embeddings endpoint and returns vectors in input
// order.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if c.embedModel == "" {
		return nil, Usage{}, ErrUnsupported
	}
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}
	var resp httpEmbedResponse
	if err := c.post(ctx, c.endpoint("embeddings", "/embeddings"), httpEmbedRequest{Model: c.embedModel, Input: texts}, &resp); err != nil {
		return nil, Usage{}, err
	}
	if len(resp.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, Usage{}, fmt.Errorf("embeddings endpoint returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, Usage{InputTokens: resp.Usage.PromptTokens}, nil
}

// Transcribe is not implemented by the HTTP backend; route audio through an
// SDK-backed profile.
func (c *HTTPClient) Transcribe(context.Context, string) (string, Usage, error) {
	return "", Usage{}, ErrUnsupported
}

func (c *HTTPClient) complete(ctx context.Context, messages []httpChatMessage, opts Options) (string, Usage, error) {
	req := httpChatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	var resp httpChatResponse
	if err := c.post(ctx, c.endpoint("chat", "/chat/completions"), req, &resp); err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("chat endpoint returned no choices")
	}
	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *HTTPClient) post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("llm endpoint %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func imageURL(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading image %s: %w", ref, err)
	}
	mime := "image/jpeg"
	switch {
	case strings.HasSuffix(strings.ToLower(ref), ".png"):
		mime = "image/png"
	case strings.HasSuffix(strings.ToLower(ref), ".gif"):
		mime = "image/gif"
	case strings.HasSuffix(strings.ToLower(ref), ".webp"):
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
