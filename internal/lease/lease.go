// Package lease guards a source against concurrent batches.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/config"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = eris.New("lease: held by another run")

// Lease is an acquired, expiring lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// New returns a Redis locker when cfg.Addr is set and an in-process one
// otherwise. The returned close func releases the Redis client.
func New(ctx context.Context, cfg config.RedisConfig) (Locker, func() error, error) {
	if cfg.Addr == "" {
		return NewLocal(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrap(err, "lease: redis ping")
	}
	return NewRedis(client), client.Close, nil
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, eris.Wrapf(ErrHeld, "key %s", key)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{l: l, key: key, token: token}, nil
}

type localLease struct {
	l     *Local
	key   string
	token string
}

func (x *localLease) Key() string { return x.key }

func (x *localLease) Release(context.Context) error {
	x.l.mu.Lock()
	defer x.l.mu.Unlock()
	if e, ok := x.l.held[x.key]; ok && e.token == x.token {
		delete(x.l.held, x.key)
	}
	return nil
}

const redisPrefix = "regsync:lease:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker backed by SET NX with expiry.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lease: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "key %s", key)
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (x *redisLease) Key() string { return x.key }

func (x *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, x.client, []string{redisPrefix + x.key}, x.token).Err(); err != nil {
		return eris.Wrapf(err, "lease: release %s", x.key)
	}
	return nil
}
