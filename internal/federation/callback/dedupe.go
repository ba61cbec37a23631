package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"efgs-sync/internal/federation/models"
)

const keyPrefix = "efgs:callback:"

// RedisDeduper remembers notified pages for ttl using SET NX.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(date time.Time, tag string) string {
	return keyPrefix + models.FormatDate(date) + ":" + tag
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, date time.Time, tag string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupeKey(date, tag), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set callback key: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, date time.Time, tag string) error {
	if err := d.client.Del(ctx, dedupeKey(date, tag)).Err(); err != nil {
		return fmt.Errorf("delete callback key: %w", err)
	}
	return nil
}
