// Package redis mirrors the latest status of each tracked job into Redis in
// the collaborator's wire shape, so other dashboard processes can read it
// without holding a stream of their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

const (
	// DefaultKeyPrefix matches the key layout used by the scrape workers.
	DefaultKeyPrefix = "scrape_progress_"
	defaultTTL       = 300 * time.Second
)

// Config holds connection and retention settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// StatusCache writes and reads status records.
type StatusCache struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
}

// New connects a client for cfg.
func New(cfg Config) (*StatusCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache.redis_addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.TTL, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, ttl time.Duration, prefix string) *StatusCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &StatusCache{client: client, ttl: ttl, prefix: prefix}
}

// Key returns the Redis key for a job handle.
func (c *StatusCache) Key(handle string) string {
	return c.prefix + handle
}

// Put stores one record and refreshes its TTL.
func (c *StatusCache) Put(ctx context.Context, handle string, rec scrape.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status for %s: %w", handle, err)
	}
	if err := c.client.Set(ctx, c.Key(handle), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status for %s: %w", handle, err)
	}
	return nil
}

// PutMany stores several records in one round trip.
func (c *StatusCache) PutMany(ctx context.Context, recs map[string]scrape.Record) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for handle, rec := range recs {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal status for %s: %w", handle, err)
		}
		pipe.Set(ctx, c.Key(handle), body, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache %d statuses: %w", len(recs), err)
	}
	return nil
}

// Get loads a record; a missing or expired key yields store.ErrNotFound.
func (c *StatusCache) Get(ctx context.Context, handle string) (scrape.Record, error) {
	body, err := c.client.Get(ctx, c.Key(handle)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return scrape.Record{}, store.ErrNotFound
	}
	if err != nil {
		return scrape.Record{}, fmt.Errorf("read cached status for %s: %w", handle, err)
	}
	var rec scrape.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return scrape.Record{}, fmt.Errorf("decode cached status for %s: %w", handle, err)
	}
	return rec, nil
}

// Ping checks connectivity.
func (c *StatusCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *StatusCache) Close() error {
	return c.client.Close()
}
