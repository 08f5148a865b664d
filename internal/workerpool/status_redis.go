package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

const redisKeyPrefix = "referee:status:"

// NewRedisPool dials addr, either host:port or a redis:// URL, and checks
// that the server answers before returning the pool.
func NewRedisPool(ctx context.Context, addr string) (*redis.Pool, error) {
	dial := func() (redis.Conn, error) { return redis.Dial("tcp", addr) }
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		dial = func() (redis.Conn, error) { return redis.DialURL(addr) }
	}
	pool := &redis.Pool{
		MaxIdle:     16,
		IdleTimeout: 240 * time.Second,
		Dial:        dial,
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return pool, nil
}

// RedisStatusStore keeps states as JSON strings that expire ttl after their
// last write, so several processes can answer status queries.
type RedisStatusStore struct {
	pool *redis.Pool
	ttl  time.Duration
}

func NewRedisStatusStore(pool *redis.Pool, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{pool: pool, ttl: ttl}
}

func (r *RedisStatusStore) ttlSeconds() int {
	secs := int(r.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (r *RedisStatusStore) Put(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("SET", redisKeyPrefix+st.Handle, data, "EX", r.ttlSeconds())
	if err != nil {
		return fmt.Errorf("failed to store state %s: %w", st.Handle, err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, handle string) (State, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", redisKeyPrefix+handle))
	if errors.Is(err, redis.ErrNil) {
		return State{}, ErrUnknownHandle
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to load state %s: %w", handle, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal state %s: %w", handle, err)
	}
	return st, nil
}
