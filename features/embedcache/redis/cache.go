// Package redis provides a caching decorator for llm.Client embeddings.
// Vectors are keyed by the SHA-256 of the input text so repeated
// memorize/retrieve runs over the same content skip the provider call.
// All other client operations pass through unchanged.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/recall/runtime/llm"
	"goa.design/recall/runtime/telemetry"
)

// Cmdable captures the subset of the go-redis client used by the cache. It
// is satisfied by *goredis.Client and *goredis.ClusterClient.
type Cmdable interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// Options configures the cache decorator.
type Options struct {
	// Redis is the connected redis client.
	Redis Cmdable
	// Next is the wrapped provider client.
	Next llm.Client
	// TTL bounds entry lifetime; defaults to 24h.
	TTL time.Duration
	// KeyPrefix namespaces cache keys; defaults to "recall:embed:". Include
	// the embedding model name when several models share one redis.
	KeyPrefix string
	// Logger defaults to the no-op logger.
	Logger telemetry.Logger
}

const (
	defaultTTL       = 24 * time.Hour
	defaultKeyPrefix = "recall:embed:"
)

// Client wraps an llm.Client with a redis-backed embedding cache.
type Client struct {
	redis  Cmdable
	next   llm.Client
	ttl    time.Duration
	prefix string
	logger telemetry.Logger
}

// New builds the cache decorator.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Next == nil {
		return nil, errors.New("wrapped client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{redis: opts.Redis, next: opts.Next, ttl: ttl, prefix: prefix, logger: logger}, nil
}

// Chat delegates to the wrapped client.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, llm.Usage, error) {
	return c.next.Chat(ctx, messages, opts)
}

// Summarize delegates to the wrapped client.
func (c *Client) Summarize(ctx context.Context, text, systemPrompt string, opts llm.Options) (string, llm.Usage, error) {
	return c.next.Summarize(ctx, text, systemPrompt, opts)
}

// Vision delegates to the wrapped client.
func (c *Client) Vision(ctx context.Context, prompt string, imageRefs []string, opts llm.Options) (string, llm.Usage, error) {
	return c.next.Vision(ctx, prompt, imageRefs, opts)
}

// Transcribe delegates to the wrapped client.
func (c *Client) Transcribe(ctx context.Context, audioRef string) (string, llm.Usage, error) {
	return c.next.Transcribe(ctx, audioRef)
}

// Embed serves cached vectors where possible and forwards only the misses to
// the wrapped client. Cache failures degrade to provider calls; they never
// fail the embedding.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, llm.Usage, error) {
	if len(texts) == 0 {
		return nil, llm.Usage{}, nil
	}
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, text := range texts {
		if vec, ok := c.lookup(ctx, text); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, llm.Usage{}, nil
	}
	vecs, usage, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, usage, err
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		c.store(ctx, missTexts[j], vec)
	}
	return out, usage, nil
}

func (c *Client) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *Client) lookup(ctx context.Context, text string) ([]float32, bool) {
	raw, err := c.redis.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn(ctx, "embedding cache read failed", "error", err.Error())
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		c.logger.Warn(ctx, "embedding cache entry corrupt", "error", err.Error())
		return nil, false
	}
	return vec, true
}

func (c *Client) store(ctx context.Context, text string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(text), raw, c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "embedding cache write failed", "error", err.Error())
	}
}
