// Package kvstore wraps github.com/go-redis/redis/v8 with the command set
// the pipeline leans on: string get/set with TTL,
// atomic SET NX EX, integer increment with TTL, sorted-set add/remove/
// range, a Lua compare-and-delete script, and pipelined batched ops. It is
// best-effort for non-critical paths (dedup may degrade to in-process
// memory on error) but authoritative for distributed locks: lock helpers
// never fabricate a successful acquisition when Redis is unavailable.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config controls connect/socket timeouts, defaulting to 2000ms/1000ms.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
}

// DefaultConfig returns the documented connect/socket timeouts.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: 2000 * time.Millisecond,
		SocketTimeout:  1000 * time.Millisecond,
	}
}

// Store is the shared KV client used for dedup marks, cursors, rate-limit
// windows, distributed locks, and ephemeral caches.
type Store struct {
	rdb *redis.Client
}

// Open parses cfg.URL and connects, applying the configured connect/socket
// timeouts to the underlying client.
func Open(cfg Config) (*Store, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout > 0 {
		opt.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.SocketTimeout > 0 {
		opt.ReadTimeout = cfg.SocketTimeout
		opt.WriteTimeout = cfg.SocketTimeout
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

// Raw returns the underlying client for callers needing uncommon commands.
func (s *Store) Raw() *redis.Client { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get returns "", false, nil on a cache miss, distinguishing that from an
// actual error so best-effort callers can fall through.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes key unconditionally with the given TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX is the dedup/lock primitive: SET key value NX EX ttl. It reports
// true only if this call created the key.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// Incr increments key without touching its expiry; use IncrWithTTL for
// counters that need a ttl on their first increment.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// IncrWithTTL increments key and applies ttl if this is the first write.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		_ = s.rdb.Expire(ctx, key, ttl).Err()
	}
	return n, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// MGet reads multiple keys; a missing key comes back as a nil entry in the
// returned slice, at the same index as its key.
func (s *Store) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return s.rdb.MGet(ctx, keys...).Result()
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	return s.rdb.ZCount(ctx, key, min, max).Result()
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
}

// casDeleteScript implements "if get(key)==token then del(key) else return 0",
// the distributed lock's compare-and-delete release primitive.
var casDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// EvalCASDelete runs the compare-and-delete Lua script and reports whether
// it actually deleted the key (token matched).
func (s *Store) EvalCASDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := casDeleteScript.Run(ctx, s.rdb, []string{key}, token).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Eval runs an arbitrary Lua script, for callers needing a custom atomic op.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return s.rdb.Eval(ctx, script, keys, args...).Result()
}

// Pipeline exposes go-redis's pipelining so callers can batch several
// operations into one round trip.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.rdb.Pipeline()
}

// RPush appends value to the tail of a list key; the orchestrator's beat
// uses this to enqueue task markers for its worker pool.
func (s *Store) RPush(ctx context.Context, key, value string) error {
	return s.rdb.RPush(ctx, key, value).Err()
}

// LPop pops the head of a list key, reporting a miss rather than an error
// when the list is empty.
func (s *Store) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// QueueLen reports a list key's length, for the queue-backlog sampler.
func (s *Store) QueueLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}
