package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	grantKeyPrefix = "rbac:grants"
	generationKey  = "rbac:grants:gen"
)

// GrantCache keeps resolved grants in Redis for a short TTL. Invalidation
// bumps a generation counter, orphaning every cached entry at once; stale
// keys expire on their own. A cache miss or Redis failure falls through to
// the store, so authorization never depends on Redis being up.
type GrantCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGrantCache constructs a grant cache.
func NewGrantCache(client *redis.Client, ttl time.Duration) *GrantCache {
	return &GrantCache{client: client, ttl: ttl}
}

func (c *GrantCache) key(ctx context.Context, subjectID string) string {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil {
		gen = 0
	}
	return fmt.Sprintf("%s:%d:%s", grantKeyPrefix, gen, subjectID)
}

// Get returns the cached grants for a subject, if present.
func (c *GrantCache) Get(ctx context.Context, subjectID string) (*Grants, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(ctx, subjectID)).Bytes()
	if err != nil {
		return nil, false
	}
	var grants Grants
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, false
	}
	return &grants, true
}

// Set stores the grants for a subject. Nil grants are never cached: a
// denial must always be re-checked against the store.
func (c *GrantCache) Set(ctx context.Context, subjectID string, grants *Grants) {
	if c == nil || c.client == nil || grants == nil {
		return
	}
	data, err := json.Marshal(grants)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(ctx, subjectID), data, c.ttl).Err()
}

// Invalidate drops every cached grant by advancing the generation.
func (c *GrantCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, generationKey).Err()
}
