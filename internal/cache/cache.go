// Package cache seeds and inspects the receiver's Redis hot state: endpoint
// metadata, per-user quota records, and the delivery-buffer registry used
// for drain detection.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

// Pipeline batches bound memory on the bulk seed; matches the receiver's
// own warmer batch size.
const seedBatchSize = 500

// EndpointRecord is the hot endpoint metadata keyed by ep:{slug}. The field
// set matches what the receiver's cache warmer writes.
type EndpointRecord struct {
	EndpointID   string  `json:"endpointId"`
	UserID       string  `json:"userId"`
	IsEphemeral  bool    `json:"isEphemeral"`
	ExpiresAt    *int64  `json:"expiresAt"`
	MockResponse *string `json:"mockResponse"`
	Error        string  `json:"error"`
}

// QuotaRecord is the per-user quota state keyed by quota:user:{id}.
type QuotaRecord struct {
	UserID string
	Limit  int
}

// DrainStats is a point-in-time view of the delivery-buffer registry.
type DrainStats struct {
	ActiveBuffers int
	Pending       int64
}

// Drained reports whether no requests remain buffered awaiting
// asynchronous persistence.
func (s DrainStats) Drained() bool {
	return s.ActiveBuffers == 0 && s.Pending == 0
}

// Client wraps the Redis commands the harness needs.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: defaultTTL,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// FlushAll wipes the cache database for a fresh start.
func (c *Client) FlushAll(ctx context.Context) error {
	return c.rdb.FlushDB(ctx).Err()
}

// SeedEndpoints bulk-writes endpoint metadata, slug->user pointers, and
// per-user quota records in pipelined batches. There is no per-item
// acknowledgment: a partially failed batch can silently under-seed state,
// so batch errors are logged and seeding continues.
func (c *Client) SeedEndpoints(ctx context.Context, endpoints map[string]EndpointRecord, quotas []QuotaRecord) (int, int) {
	pipe := c.rdb.Pipeline()
	queued := 0

	flush := func() {
		if queued == 0 {
			return
		}
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("cache seed batch error", "error", err)
		}
		pipe = c.rdb.Pipeline()
		queued = 0
	}

	seeded := 0
	for slug, rec := range endpoints {
		data, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("cache seed marshal error", "slug", slug, "error", err)
			continue
		}
		pipe.Set(ctx, "ep:"+slug, data, c.ttl)
		pipe.HSet(ctx, "quota:"+slug, "userId", rec.UserID)
		pipe.Expire(ctx, "quota:"+slug, c.ttl)
		seeded++
		if queued += 3; queued >= seedBatchSize {
			flush()
		}
	}

	for _, q := range quotas {
		key := "quota:user:" + q.UserID
		pipe.HSet(ctx, key,
			"remaining", q.Limit,
			"limit", q.Limit,
			"periodEnd", 0,
			"isUnlimited", 0,
			"userId", q.UserID,
		)
		pipe.Expire(ctx, key, c.ttl)
		if queued += 2; queued >= seedBatchSize {
			flush()
		}
	}
	flush()

	return seeded, len(quotas)
}

// DrainStats samples the liveness registry: the buf:active set of slugs
// with pending deliveries, plus the summed length of each buf:{slug} list.
func (c *Client) DrainStats(ctx context.Context) (DrainStats, error) {
	slugs, err := c.rdb.SMembers(ctx, "buf:active").Result()
	if err != nil {
		return DrainStats{}, err
	}
	if len(slugs) == 0 {
		return DrainStats{}, nil
	}

	pipe := c.rdb.Pipeline()
	lens := make([]*redis.IntCmd, len(slugs))
	for i, slug := range slugs {
		lens[i] = pipe.LLen(ctx, "buf:"+slug)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return DrainStats{}, err
	}

	stats := DrainStats{ActiveBuffers: len(slugs)}
	for _, cmd := range lens {
		stats.Pending += cmd.Val()
	}
	return stats, nil
}
