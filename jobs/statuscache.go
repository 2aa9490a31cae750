package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

const (
	statusCacheTTL = 60 * time.Second
	// Terminal statuses never change again, so they may live much longer.
	statusCacheTerminalTTL = 100 * statusCacheTTL
)

// PostingStatusKey returns the Redis key for a posting's cached status.
// Uses hash tag {postingID} for Redis Cluster slot co-location.
func PostingStatusKey(postingID string) string {
	return fmt.Sprintf("PDOFLOW_{%s}_STATUS", postingID)
}

// StatusCache is an advisory Redis cache for posting statuses. It is never
// authoritative: the database remains the source of truth and every cached
// value is reconstructable from it. A nil *StatusCache, or one built over a
// nil client, degrades to a permanent cache miss.
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	if client == nil {
		return nil
	}
	return &StatusCache{client: client}
}

// Get returns the cached status, reporting whether one was present.
func (c *StatusCache) Get(ctx context.Context, postingID uuid.UUID) (flowdb.StatusEnum, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, PostingStatusKey(postingID.String())).Result()
	if err != nil {
		return "", false
	}
	status, err := flowdb.ParseStatus(val)
	if err != nil {
		return "", false
	}
	return status, true
}

// Set caches a status, with a far longer TTL for terminal statuses.
func (c *StatusCache) Set(ctx context.Context, postingID uuid.UUID, status flowdb.StatusEnum) {
	if c == nil || c.client == nil {
		return
	}
	ttl := statusCacheTTL
	if status.Terminal() {
		ttl = statusCacheTerminalTTL
	}
	c.client.Set(ctx, PostingStatusKey(postingID.String()), status.String(), ttl)
}

// Invalidate drops the cached status, for administrative status writes.
func (c *StatusCache) Invalidate(ctx context.Context, postingID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, PostingStatusKey(postingID.String()))
}
