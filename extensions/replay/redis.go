package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fayeclient/bayeux"
)

// DefaultRedisKey is the hash replay ids are stored under
const DefaultRedisKey = "bayeux:replay"

// RedisStorage implements IDStorer over a Redis hash so replay ids survive
// process restarts. Each field is a channel name.
type RedisStorage struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

// RedisOption configures a RedisStorage
type RedisOption func(*RedisStorage)

// WithRedisKey stores ids under key instead of DefaultRedisKey
func WithRedisKey(key string) RedisOption {
	return func(s *RedisStorage) {
		s.key = key
	}
}

// WithRedisTimeout bounds every command
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStorage) {
		s.timeout = d
	}
}

// NewRedisStorage wraps client
func NewRedisStorage(client redis.UniversalClient, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{client: client, key: DefaultRedisKey, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects to addr and checks the connection with a PING
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisStorage, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return NewRedisStorage(client, opts...), nil
}

func (s *RedisStorage) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Set implements IDStorer
func (s *RedisStorage) Set(channel bayeux.Channel, replayID int64) error {
	ctx, cancel := s.context()
	defer cancel()
	return s.client.HSet(ctx, s.key, string(channel), replayID).Err()
}

// Get implements IDStorer
func (s *RedisStorage) Get(channel bayeux.Channel) (int64, bool, error) {
	ctx, cancel := s.context()
	defer cancel()
	id, err := s.client.HGet(ctx, s.key, string(channel)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Delete implements IDStorer
func (s *RedisStorage) Delete(channel bayeux.Channel) error {
	ctx, cancel := s.context()
	defer cancel()
	return s.client.HDel(ctx, s.key, string(channel)).Err()
}

// All implements IDStorer
func (s *RedisStorage) All() (map[bayeux.Channel]int64, error) {
	ctx, cancel := s.context()
	defer cancel()
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	all := make(map[bayeux.Channel]int64, len(fields))
	for channel, raw := range fields {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: replay id for %s: %w", channel, err)
		}
		all[bayeux.Channel(channel)] = id
	}
	return all, nil
}

// Close closes the underlying client
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
