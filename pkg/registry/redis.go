package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// NewRedisClient parses redisURL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	return client, nil
}

// releaseScript deletes the key only if this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key only if this process still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisAdmitter reserves identities with SETNX so that several FaceGate
// processes behind a load balancer still admit one session per identity.
// Keys expire after ttl in case a process dies without releasing them.
type RedisAdmitter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owner  string
}

// NewRedisAdmitter creates an admitter storing keys under prefix.
func NewRedisAdmitter(client *redis.Client, prefix string, ttl time.Duration) *RedisAdmitter {
	return &RedisAdmitter{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

func (a *RedisAdmitter) key(identity string) string {
	return a.prefix + identity
}

// Acquire reserves identity. It returns false if another process holds it.
func (a *RedisAdmitter) Acquire(ctx context.Context, identity string) (bool, error) {
	ok, err := a.client.SetNX(ctx, a.key(identity), a.owner, a.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis_admit_failed: %w", err)
	}
	return ok, nil
}

// Refresh pushes the reservation's expiry back to a full ttl.
func (a *RedisAdmitter) Refresh(ctx context.Context, identity string) error {
	err := refreshScript.Run(ctx, a.client, []string{a.key(identity)}, a.owner, a.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis_refresh_failed: %w", err)
	}
	return nil
}

// Release drops the reservation if this process owns it.
func (a *RedisAdmitter) Release(ctx context.Context, identity string) error {
	err := releaseScript.Run(ctx, a.client, []string{a.key(identity)}, a.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis_release_failed: %w", err)
	}
	return nil
}
