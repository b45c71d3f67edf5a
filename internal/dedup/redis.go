package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis persists markers under "{prefix}dedup:{sourceID}" using SETNX with
// a TTL, so MarkIfNew is a single atomic conditional write.
type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedis wires a Redis-backed store.
func NewRedis(rdb *goredis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With().Str("component", "dedup_redis").Logger(),
	}
}

func (r *Redis) key(sourceID string) string {
	return r.prefix + "dedup:" + sourceID
}

func (r *Redis) IsProcessed(ctx context.Context, sourceID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(sourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists %s: %w", sourceID, err)
	}
	return n > 0, nil
}

func (r *Redis) MarkProcessed(ctx context.Context, sourceID string) error {
	if err := r.rdb.Set(ctx, r.key(sourceID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark %s: %w", sourceID, err)
	}
	return nil
}

func (r *Redis) MarkIfNew(ctx context.Context, sourceID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(sourceID), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx %s: %w", sourceID, err)
	}
	if !ok {
		r.logger.Debug().Str("source_id", sourceID).Msg("marker already present")
	}
	return ok, nil
}

var _ Store = (*Redis)(nil)
