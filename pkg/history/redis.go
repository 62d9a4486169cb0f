package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/recal/pkg/params"
)

// RedisStore implements the attempt log using a Redis list per horizon.
// It enables shared history across multiple operator hosts. Records are
// appended with RPUSH, so the list order is append order and individual
// records are committed atomically.
type RedisStore struct {
	client *redis.Client
	mu     sync.RWMutex
}

// NewRedisStore creates a Redis-backed attempt log.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client}, nil
}

func key(horizon string) string {
	return fmt.Sprintf("recal:history:%s", horizon)
}

// Append commits one entry to the horizon's list.
func (r *RedisStore) Append(ctx context.Context, e Entry) error {
	if e.Horizon == "" {
		return errors.New("entry horizon cannot be empty")
	}
	if !params.ValidHorizonName(e.Horizon) {
		return fmt.Errorf("invalid horizon name %q", e.Horizon)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	if err := r.client.RPush(ctx, key(e.Horizon), data).Err(); err != nil {
		return fmt.Errorf("append history entry to redis: %w", err)
	}
	return nil
}

// Latest returns the most recently appended entry for a horizon.
func (r *RedisStore) Latest(ctx context.Context, horizon string) (Entry, bool, error) {
	if horizon == "" {
		return Entry{}, false, errors.New("horizon name required")
	}

	data, err := r.client.LIndex(ctx, key(horizon), -1).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get latest history entry from redis: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal history entry: %w", err)
	}
	return e, true, nil
}

// List returns up to limit entries for a horizon, oldest first.
func (r *RedisStore) List(ctx context.Context, horizon string, limit int) ([]Entry, error) {
	if horizon == "" {
		return nil, errors.New("horizon name required")
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	raw, err := r.client.LRange(ctx, key(horizon), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history entries from redis: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for i, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal history entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if err != nil && err.Error() == "redis: client is closed" {
		return nil
	}
	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
