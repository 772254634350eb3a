package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"

	"github.com/opentalon/evolve/internal/provider"
)

// Embedder turns texts into vectors with a fixed model.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ModelEmbedder binds a provider embedder to one model id.
type ModelEmbedder struct {
	backend provider.Embedder
	ref     provider.ModelRef
}

func NewModelEmbedder(backend provider.Embedder, ref provider.ModelRef) *ModelEmbedder {
	return &ModelEmbedder{backend: backend, ref: ref}
}

func (e *ModelEmbedder) Model() string { return e.ref.String() }

func (e *ModelEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.backend.Embed(ctx, e.ref.Model(), texts)
}

// RedisClient is the subset of go-redis client methods used by the
// embedding cache.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

const defaultCachePrefix = "evolve:embedding:"

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg CacheConfig) (RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("embedding cache: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// CachedEmbedder serves embeddings from Redis when present and only sends
// the misses to the wrapped embedder. Cache errors degrade to a miss.
type CachedEmbedder struct {
	next   Embedder
	client RedisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedEmbedder(next Embedder, client RedisClient, cfg CacheConfig, logger *slog.Logger) *CachedEmbedder {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultCachePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{next: next, client: client, prefix: cfg.Prefix, ttl: cfg.TTL, logger: logger}
}

func (c *CachedEmbedder) Model() string { return c.next.Model() }

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.next.Model() + "\x00" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		v, err := c.lookup(ctx, c.key(t))
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.logger.Warn("embedding cache read failed", "error", err)
			}
			missing = append(missing, i)
			continue
		}
		out[i] = v
	}
	if len(missing) == 0 {
		return out, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	vecs, err := c.next.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(batch))
	}
	for j, i := range missing {
		out[i] = vecs[j]
		if err := c.client.Set(ctx, c.key(texts[i]), pgvector.NewVector(vecs[j]).String(), c.ttl).Err(); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, error) {
	s, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var v pgvector.Vector
	if err := v.Scan(s); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	return v.Slice(), nil
}
