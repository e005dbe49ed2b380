package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// RedisDeduper remembers webhook event IDs so retried deliveries can be
// acknowledged without touching the database. It fails open: if Redis is
// down, events flow through and the store's conditional updates absorb the
// duplicates.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) AlreadySeen(ctx context.Context, eventID string) bool {
	set, err := d.client.SetNX(ctx, "webhook:event:"+eventID, 1, dedupTTL).Result()
	if err != nil {
		slog.WarnContext(ctx, "webhook dedup unavailable", "error", err)
		return false
	}
	return !set
}
