// Package bedrock provides an llm.Client implementation backed by the AWS
// Bedrock runtime. Chat and vision use the Converse API; embeddings invoke a
// Titan embedding model through InvokeModel. A shared token-bucket limiter
// paces requests because Bedrock throttles aggressively under burst load.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"golang.org/x/time/rate"

	"goa.design/recall/runtime/llm"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It is satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime RuntimeClient
	// ChatModel is the Converse model identifier.
	ChatModel string
	// EmbedModel enables Embed when set; expects a Titan embedding model.
	EmbedModel string
	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64
	// Burst is the limiter burst size; defaults to 1 when pacing is on.
	Burst int
}

// Client implements llm.Client on top of AWS Bedrock.
type Client struct {
	runtime    RuntimeClient
	chatModel  string
	embedModel string
	limiter    *rate.Limiter
}

// New builds a Bedrock-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.ChatModel == "" {
		return nil, errors.New("chat model is required")
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{runtime: opts.Runtime, chatModel: opts.ChatModel, embedModel: opts.EmbedModel, limiter: limiter}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Chat sends a conversation through Converse and returns the assistant text.
// System messages become Converse system blocks.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, llm.Usage, error) {
	if len(messages) == 0 {
		return "", llm.Usage{}, errors.New("messages are required")
	}
	var (
		system       []brtypes.SystemContentBlock
		conversation []brtypes.Message
	)
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case llm.RoleAssistant:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return c.converse(ctx, conversation, system, opts)
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
	blocks := []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}}
	for _, ref := range imageRefs {
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			return "", llm.Usage{}, fmt.Errorf("bedrock vision requires local image files, got %s", ref)
		}
		raw, err := os.ReadFile(ref)
		if err != nil {
			return "", llm.Usage{}, fmt.Errorf("reading image %s: %w", ref, err)
		}
		blocks = append(blocks, &brtypes.ContentBlockMemberImage{
			Value: brtypes.ImageBlock{
				Format: imageFormat(ref),
				Source: &brtypes.ImageSourceMemberBytes{Value: raw},
			},
		})
	}
	conversation := []brtypes.Message{{Role: brtypes.ConversationRoleUser, Content: blocks}}
	return c.converse(ctx, conversation, nil, opts)
}

// titanEmbedRequest and titanEmbedResponse mirror the Titan embedding model
// InvokeModel payloads.
type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Embed invokes the Titan embedding model once per input text; Titan accepts
// a single text per call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, llm.Usage, error) {
	if c.embedModel == "" {
		return nil, llm.Usage{}, llm.ErrUnsupported
	}
	out := make([][]float32, 0, len(texts))
	var usage llm.Usage
	for _, text := range texts {
		if err := c.wait(ctx); err != nil {
			return nil, llm.Usage{}, err
		}
		body, err := json.Marshal(titanEmbedRequest{InputText: text})
		if err != nil {
			return nil, llm.Usage{}, fmt.Errorf("encoding titan request: %w", err)
		}
		resp, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(c.embedModel),
			Body:        body,
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return nil, llm.Usage{}, fmt.Errorf("bedrock embedding invocation: %w", err)
		}
		var decoded titanEmbedResponse
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, llm.Usage{}, fmt.Errorf("decoding titan response: %w", err)
		}
		out = append(out, decoded.Embedding)
		usage.InputTokens += decoded.InputTextTokenCount
	}
	return out, usage, nil
}

// Transcribe is not offered through the Bedrock runtime.
func (c *Client) Transcribe(context.Context, string) (string, llm.Usage, error) {
	return "", llm.Usage{}, llm.ErrUnsupported
}

func (c *Client) converse(ctx context.Context, conversation []brtypes.Message, system []brtypes.SystemContentBlock, opts llm.Options) (string, llm.Usage, error) {
	if err := c.wait(ctx); err != nil {
		return "", llm.Usage{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.chatModel),
		Messages: conversation,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := inferenceConfig(opts); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translate(output)
}

func inferenceConfig(opts llm.Options) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(opts.MaxTokens))
		set = true
	}
	if opts.Temperature > 0 {
		cfg.Temperature = aws.Float32(opts.Temperature)
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

func translate(output *bedrockruntime.ConverseOutput) (string, llm.Usage, error) {
	if output == nil {
		return "", llm.Usage{}, errors.New("bedrock: converse output is nil")
	}
	var b strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				b.WriteString(text.Value)
			}
		}
	}
	var usage llm.Usage
	if output.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(output.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}
	return b.String(), usage, nil
}

func imageFormat(path string) brtypes.ImageFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return brtypes.ImageFormatPng
	case ".gif":
		return brtypes.ImageFormatGif
	case ".webp":
		return brtypes.ImageFormatWebp
	default:
		return brtypes.ImageFormatJpeg
	}
}
