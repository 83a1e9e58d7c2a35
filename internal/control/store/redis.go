package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKeyPrefix namespaces every key written by the Redis stores.
const DefaultKeyPrefix = "llm-meter:"

const maxApplyRetries = 16

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	SpendTTL  time.Duration `yaml:"spend_ttl"` // 0 = spend never expires
}

// Validate checks the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.DB)
	}
	if c.SpendTTL < 0 {
		return fmt.Errorf("redis.spend_ttl must be >= 0, got %s", c.SpendTTL)
	}
	return nil
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("store: redis connected")
	return client, nil
}

// =============================================================================
// REDIS SPEND STORE
// =============================================================================

// RedisSpendStore keeps spend in Redis so several processes share budgets.
type RedisSpendStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ SpendStore = (*RedisSpendStore)(nil)

// NewRedisSpendStore creates a spend store on rdb.
func NewRedisSpendStore(rdb redis.UniversalClient, cfg RedisConfig) *RedisSpendStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisSpendStore{rdb: rdb, prefix: prefix + "spend:", ttl: cfg.SpendTTL}
}

func (s *RedisSpendStore) key(k string) string {
	return s.prefix + k
}

// Spent returns the current spend for key.
func (s *RedisSpendStore) Spent(ctx context.Context, key string) (float64, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get spend: %w", err)
	}
	return v, nil
}

// Apply runs fn inside a WATCH/MULTI transaction, retrying when another
// writer touched the key in between.
func (s *RedisSpendStore) Apply(ctx context.Context, key string, fn ApplyFunc) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Float64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		next, commit := fn(cur)
		if !commit {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, strconv.FormatFloat(next, 'f', -1, 64), s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxApplyRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * time.Millisecond):
			}
			continue
		}
		return fmt.Errorf("redis apply spend: %w", err)
	}
	return ErrConflict
}

// =============================================================================
// REDIS WINDOW STORE
// =============================================================================

// windowScript keeps one ZSET per key scored by slot time in milliseconds.
// It drops slots that left the window, reserves the next free slot and
// returns the wait in milliseconds.
var windowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	local slot = now
	if count >= limit then
		local e = redis.call('ZRANGE', key, count - limit, count - limit, 'WITHSCORES')
		local frees = tonumber(e[2]) + window
		if frees > now then
			slot = frees
		end
	end
	redis.call('ZADD', key, slot, member)
	redis.call('PEXPIRE', key, slot - now + window)
	return slot - now
`)

// RedisWindowStore keeps throttle windows in Redis.
type RedisWindowStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ WindowStore = (*RedisWindowStore)(nil)

// NewRedisWindowStore creates a window store on rdb.
func NewRedisWindowStore(rdb redis.UniversalClient, cfg RedisConfig) *RedisWindowStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisWindowStore{rdb: rdb, prefix: prefix + "window:"}
}

// Hit reserves a slot for key.
func (s *RedisWindowStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	waitMs, err := windowScript.Run(ctx, s.rdb, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis window hit: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}
