package window

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-flow-alerts/internal/domain"
)

const (
	fieldWindowStart = "window_start"
	fieldCumulative  = "cumulative"
)

// Redis persists counters in a hash per "{prefix}window:{entity}:{dir}"
// with a bounded samples list beside it. Amounts travel as decimal strings;
// nothing is ever accumulated in floating point. Counters expire at
// window length plus margin, and restart picks up whatever is stored;
// counters are never re-zeroed on boot.
type Redis struct {
	rdb        *goredis.Client
	prefix     string
	anchor     time.Time
	length     time.Duration
	ttl        time.Duration
	maxSamples int
	now        Clock
	logger     zerolog.Logger

	// serializes mutations per counter key; unrelated keys proceed in
	// parallel
	locks sync.Map // key -> *sync.Mutex
}

// RedisOptions parameterise the Redis aggregator.
type RedisOptions struct {
	Prefix     string
	Anchor     time.Time
	Length     time.Duration
	TTLMargin  time.Duration
	MaxSamples int
	Now        Clock
}

// NewRedis wires a Redis-backed aggregator.
func NewRedis(rdb *goredis.Client, opts RedisOptions, logger zerolog.Logger) *Redis {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxSamples := opts.MaxSamples
	if maxSamples <= 0 {
		maxSamples = 64
	}
	return &Redis{
		rdb:        rdb,
		prefix:     opts.Prefix,
		anchor:     opts.Anchor.UTC(),
		length:     opts.Length,
		ttl:        opts.Length + opts.TTLMargin,
		maxSamples: maxSamples,
		now:        now,
		logger:     logger.With().Str("component", "window_redis").Logger(),
	}
}

func (r *Redis) key(entityID string, dir domain.Direction) string {
	return fmt.Sprintf("%swindow:%s:%s", r.prefix, entityID, dir)
}

func (r *Redis) samplesKey(entityID string, dir domain.Direction) string {
	return r.key(entityID, dir) + ":samples"
}

func (r *Redis) lock(key string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (r *Redis) Update(ctx context.Context, entityID string, dir domain.Direction, amount decimal.Decimal, occurredAt time.Time) (decimal.Decimal, error) {
	now := r.now().UTC()
	liveStart := BucketStart(r.anchor, r.length, now)

	key := r.key(entityID, dir)
	mu := r.lock(key)
	mu.Lock()
	defer mu.Unlock()

	start, cumulative, err := r.load(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}

	if start.Before(liveStart) {
		// stored counter belongs to an expired window; reset before applying
		cumulative = decimal.Zero
		start = liveStart
		if err := r.rdb.Del(ctx, r.samplesKey(entityID, dir)).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to clear stale samples")
		}
	}

	if occurredAt.Before(liveStart) {
		// stale event: single-event rules may still fire on raw amount, but
		// the cumulative stays untouched
		return cumulative, nil
	}

	cumulative = cumulative.Add(amount)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldWindowStart, strconv.FormatInt(start.UnixNano(), 10), fieldCumulative, cumulative.String())
	pipe.Expire(ctx, key, r.ttl)
	sk := r.samplesKey(entityID, dir)
	pipe.RPush(ctx, sk, amount.String())
	pipe.LTrim(ctx, sk, int64(-r.maxSamples), -1)
	pipe.Expire(ctx, sk, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("window update %s: %w", key, err)
	}

	return cumulative, nil
}

func (r *Redis) Read(ctx context.Context, entityID string, dir domain.Direction) (decimal.Decimal, error) {
	now := r.now().UTC()
	liveStart := BucketStart(r.anchor, r.length, now)

	start, cumulative, err := r.load(ctx, r.key(entityID, dir))
	if err != nil {
		return decimal.Zero, err
	}
	if start.Before(liveStart) {
		return decimal.Zero, nil
	}
	return cumulative, nil
}

func (r *Redis) Snapshot(ctx context.Context, entityID string, dir domain.Direction) (Counter, error) {
	key := r.key(entityID, dir)
	start, cumulative, err := r.load(ctx, key)
	if err != nil {
		return Counter{}, err
	}

	raw, err := r.rdb.LRange(ctx, r.samplesKey(entityID, dir), 0, -1).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("window samples %s: %w", key, err)
	}
	samples := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		samples = append(samples, d)
	}

	return Counter{
		EntityID:      entityID,
		Direction:     dir,
		WindowStart:   start,
		Cumulative:    cumulative,
		RecentSamples: samples,
	}, nil
}

// load reads the stored counter; a missing hash yields the zero counter
// with a zero window start, which any live window supersedes.
func (r *Redis) load(ctx context.Context, key string) (time.Time, decimal.Decimal, error) {
	vals, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("window read %s: %w", key, err)
	}
	if len(vals) == 0 {
		return time.Time{}, decimal.Zero, nil
	}

	ns, err := strconv.ParseInt(vals[fieldWindowStart], 10, 64)
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("window %s: corrupt window_start %q", key, vals[fieldWindowStart])
	}
	cumulative, err := decimal.NewFromString(vals[fieldCumulative])
	if err != nil {
		return time.Time{}, decimal.Zero, fmt.Errorf("window %s: corrupt cumulative %q", key, vals[fieldCumulative])
	}
	return time.Unix(0, ns).UTC(), cumulative, nil
}

var _ Aggregator = (*Redis)(nil)
