package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript opens, increments or rolls over one window hash.
//
//	KEYS[1] window hash    KEYS[2] per-identifier index set
//	ARGV[1] now (ms)       ARGV[2] size (ms)
//	ARGV[3] action         ARGV[4] index ttl (ms)
//
// Returns {count, start_ms}. The hash expires at window end; Redis does the
// purging.
var incrScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count
if start == nil or now >= start + size then
  start = now
  count = 1
  redis.call('HSET', KEYS[1], 'start', start, 'count', 1, 'action', ARGV[3], 'size', size)
else
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end
redis.call('PEXPIREAT', KEYS[1], start + size)
redis.call('SADD', KEYS[2], KEYS[1])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {count, start}
`)

// RedisTracker shares counts across replicas through Redis.
type RedisTracker struct {
	client   redis.UniversalClient
	prefix   string
	indexTTL time.Duration
	now      func() time.Time
}

// NewRedisTracker creates a Redis-backed tracker. indexTTL bounds how long
// the per-identifier index used by Stats outlives its last increment.
func NewRedisTracker(client redis.UniversalClient, indexTTL time.Duration) *RedisTracker {
	if indexTTL <= 0 {
		indexTTL = 24 * time.Hour
	}
	return &RedisTracker{client: client, prefix: "fraudguard:velocity", indexTTL: indexTTL, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (r *RedisTracker) WithClock(now func() time.Time) *RedisTracker {
	r.now = now
	return r
}

func (r *RedisTracker) indexKey(identifier, identifierType string) string {
	return r.prefix + ":idx:" + identifierType + ":" + identifier
}

func (r *RedisTracker) windowKey(s Subject) string {
	return r.prefix + ":w:" + s.key()
}

func (r *RedisTracker) CheckAndIncrement(ctx context.Context, s Subject, limit int64) (Result, error) {
	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	now := r.now()

	vals, err := incrScript.Run(ctx, r.client,
		[]string{r.windowKey(s), r.indexKey(s.Identifier, s.IdentifierType)},
		now.UnixMilli(), s.Size.Milliseconds(), s.Action, r.indexTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("velocity increment: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("velocity increment: unexpected script reply %v", vals)
	}
	return newResult(s, vals[0], time.UnixMilli(vals[1]).UTC(), limit), nil
}

func (r *RedisTracker) Stats(ctx context.Context, identifier, identifierType string) ([]Window, error) {
	idx := r.indexKey(identifier, identifierType)
	keys, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	now := r.now()
	var (
		out   []Window
		stale []interface{}
	)
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			stale = append(stale, keys[i])
			continue
		}
		startMS, err1 := strconv.ParseInt(h["start"], 10, 64)
		sizeMS, err2 := strconv.ParseInt(h["size"], 10, 64)
		count, err3 := strconv.ParseInt(h["count"], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		w := Window{
			Identifier:     identifier,
			IdentifierType: identifierType,
			Action:         h["action"],
			Size:           time.Duration(sizeMS) * time.Millisecond,
			Count:          count,
			Start:          time.UnixMilli(startMS).UTC(),
		}
		w.End = w.Start.Add(w.Size)
		if !now.Before(w.End) {
			continue
		}
		out = append(out, w)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, idx, stale...).Err()
	}
	sortWindows(out)
	return out, nil
}

// Purge is a no-op: window hashes carry their own expiry.
func (r *RedisTracker) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity for health reporting.
func (r *RedisTracker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
