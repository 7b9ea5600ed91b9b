package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLease marks articles in-flight with expiring Redis keys.
type RedisLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	prefix string
}

// NewRedisLease builds a claimer for owner. Claims expire after ttl if never released.
func NewRedisLease(client *redis.Client, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, owner: owner, ttl: ttl, prefix: "lease:article:"}
}

func (l *RedisLease) key(id string) string {
	return l.prefix + id
}

// TryAcquire claims id with SET NX PX. The now argument is unused because
// Redis enforces expiry.
func (l *RedisLease) TryAcquire(ctx context.Context, id string, _ time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(id), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", id, err)
	}
	return ok, nil
}

// Release deletes the claim only when this owner still holds it.
func (l *RedisLease) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(id)}, l.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", id, err)
	}
	return nil
}

// holder returns the current owner of the claim, or "" when unclaimed.
func (l *RedisLease) holder(ctx context.Context, id string) (string, error) {
	v, err := l.client.Get(ctx, l.key(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
