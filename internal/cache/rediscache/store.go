// Package rediscache keeps resolved daylight windows in Redis as JSON
// values keyed by date, with a sorted set indexing the dates.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"outletscheduler/internal/daylight"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces the cache keys.
const DefaultKeyPrefix = "outletscheduler:daylight"

// Store implements daylight.Cache on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configure the Redis connection and key layout. A zero TTL keeps
// entries forever.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return New(client, opts.KeyPrefix, opts.TTL), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entryKey(date string) string {
	return s.prefix + ":" + date
}

func (s *Store) indexKey() string {
	return s.prefix + ":dates"
}

// Get returns the entry for date, or nil when there is none.
func (s *Store) Get(ctx context.Context, date string) (*daylight.CacheEntry, error) {
	val, err := s.client.Get(ctx, s.entryKey(date)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", date, err)
	}

	var entry daylight.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("malformed cache entry %s: %w", date, err)
	}
	return &entry, nil
}

// Latest returns the entry with the newest indexed date whose value still
// exists. Dates whose value has expired are dropped from the index.
func (s *Store) Latest(ctx context.Context) (*daylight.CacheEntry, error) {
	const batch = 16

	for {
		dates, err := s.client.ZRevRange(ctx, s.indexKey(), 0, batch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read cache index: %w", err)
		}
		if len(dates) == 0 {
			return nil, nil
		}

		var expired []interface{}
		for _, date := range dates {
			entry, err := s.Get(ctx, date)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				s.prune(ctx, expired)
				return entry, nil
			}
			expired = append(expired, date)
		}

		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune cache index: %w", err)
		}
	}
}

// prune removes expired dates from the index. A failure only leaves
// extra work for the next Latest.
func (s *Store) prune(ctx context.Context, dates []interface{}) {
	if len(dates) == 0 {
		return
	}
	s.client.ZRem(ctx, s.indexKey(), dates...)
}

// Upsert writes entry and indexes its date in one MULTI/EXEC block.
func (s *Store) Upsert(ctx context.Context, entry daylight.CacheEntry) error {
	score, err := dateScore(entry.Date)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.Date), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: score, Member: entry.Date})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", entry.Date, err)
	}
	return nil
}

// dateScore maps 2026-10-14 to 20261014 so the index sorts by date.
func dateScore(date string) (float64, error) {
	t, err := time.Parse(daylight.DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("invalid cache date %q: %w", date, err)
	}
	n, _ := strconv.Atoi(t.Format("20060102"))
	return float64(n), nil
}
