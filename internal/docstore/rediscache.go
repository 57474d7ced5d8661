package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 10 * time.Minute

// RedisCache fronts a [Store] with a best-effort read cache for CVs and
// job descriptions, which the agent fetches on every answer. Cache
// failures are logged and fall through to the inner store; transcripts
// are never cached.
type RedisCache struct {
	inner Store
	rdb   redis.UniversalClient
	ttl   time.Duration
	log   *slog.Logger
}

var _ Store = (*RedisCache)(nil)

// CacheOption configures a RedisCache.
type CacheOption func(*RedisCache)

// WithTTL sets how long cached documents live. Default 10m.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRedisCache wraps inner with a Redis read cache.
func NewRedisCache(inner Store, rdb redis.UniversalClient, opts ...CacheOption) *RedisCache {
	c := &RedisCache{
		inner: inner,
		rdb:   rdb,
		ttl:   defaultCacheTTL,
		log:   slog.Default().With("component", "docstore.cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cvKey(userID string) string     { return "candor:cv:" + userID }
func jobKey(sessionID string) string { return "candor:job:" + sessionID }

// lookup tries the cache; a hit decodes into dst and returns true.
func (c *RedisCache) lookup(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

// fill stores v under key, best effort.
func (c *RedisCache) fill(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

// invalidate drops key, best effort.
func (c *RedisCache) invalidate(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// GetCV implements [Store].
func (c *RedisCache) GetCV(ctx context.Context, userID string) (*CV, error) {
	if userID != "" {
		var cv CV
		if c.lookup(ctx, cvKey(userID), &cv) {
			return &cv, nil
		}
	}
	cv, err := c.inner.GetCV(ctx, userID)
	if err != nil || cv == nil {
		return cv, err
	}
	c.fill(ctx, cvKey(cv.UserID), cv)
	return cv, nil
}

// UpsertCV implements [Store].
func (c *RedisCache) UpsertCV(ctx context.Context, cv *CV) error {
	if err := c.inner.UpsertCV(ctx, cv); err != nil {
		return err
	}
	c.invalidate(ctx, cvKey(cv.UserID))
	return nil
}

// GetJob implements [Store].
func (c *RedisCache) GetJob(ctx context.Context, sessionID string) (*Job, error) {
	var job Job
	if c.lookup(ctx, jobKey(sessionID), &job) {
		return &job, nil
	}
	jp, err := c.inner.GetJob(ctx, sessionID)
	if err != nil || jp == nil {
		return jp, err
	}
	c.fill(ctx, jobKey(sessionID), jp)
	return jp, nil
}

// UpsertJob implements [Store].
func (c *RedisCache) UpsertJob(ctx context.Context, job *Job) error {
	if err := c.inner.UpsertJob(ctx, job); err != nil {
		return err
	}
	c.invalidate(ctx, jobKey(job.SessionID))
	return nil
}

// SaveTranscript implements [Store].
func (c *RedisCache) SaveTranscript(ctx context.Context, tr *Transcript) error {
	return c.inner.SaveTranscript(ctx, tr)
}

// Transcripts implements [Store].
func (c *RedisCache) Transcripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	return c.inner.Transcripts(ctx, sessionID, limit)
}

// Ping implements [Store]. Only the durable store gates readiness; a
// down cache degrades performance, not correctness.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
