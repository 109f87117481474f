package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/graphsync-backend/internal/platform/envutil"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

// ErrRunInProgress means another replica (or request) holds the sync lock.
var ErrRunInProgress = errors.New("a sync run is already in progress")

const (
	lockKey       = "graphsync:run:lock"
	lastResultKey = "graphsync:run:last_result"
)

// RunCoordinator serializes full resyncs across replicas and caches the last
// run's result for cheap status reads.
type RunCoordinator interface {
	Acquire(ctx context.Context) (release func(), err error)
	StoreLastResult(ctx context.Context, payload []byte) error
	LastResult(ctx context.Context) ([]byte, error)
	Close() error
}

// NewRunCoordinator returns the redis-backed coordinator when REDIS_ADDR is
// set, otherwise a process-local fallback (single-replica deployments).
func NewRunCoordinator(log *logger.Logger) (RunCoordinator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		log.Warn("REDIS_ADDR not set, sync runs are only serialized within this process")
		return &localCoordinator{}, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    envutil.Str("REDIS_PASSWORD", ""),
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisCoordinator{
		log:     log.With("client", "RedisRunCoordinator"),
		rdb:     rdb,
		lockTTL: envutil.Duration("SYNC_LOCK_TTL_SECONDS", 30*time.Minute),
	}, nil
}

type redisCoordinator struct {
	log     *logger.Logger
	rdb     *goredis.Client
	lockTTL time.Duration
}

// releaseScript deletes the lock only when still held by this run, so a run
// outliving the TTL cannot release a lock someone else re-acquired.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *redisCoordinator) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKey, token, c.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis acquire: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, c.rdb, []string{lockKey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			c.log.Warn("run lock release failed", "error", err)
		}
	}
	return release, nil
}

func (c *redisCoordinator) StoreLastResult(ctx context.Context, payload []byte) error {
	return c.rdb.Set(ctx, lastResultKey, payload, 0).Err()
}

func (c *redisCoordinator) LastResult(ctx context.Context) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, lastResultKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return raw, err
}

func (c *redisCoordinator) Close() error { return c.rdb.Close() }

type localCoordinator struct {
	mu   sync.Mutex
	held bool

	resultMu sync.RWMutex
	result   []byte
}

func (c *localCoordinator) Acquire(ctx context.Context) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return nil, ErrRunInProgress
	}
	c.held = true
	return func() {
		c.mu.Lock()
		c.held = false
		c.mu.Unlock()
	}, nil
}

func (c *localCoordinator) StoreLastResult(ctx context.Context, payload []byte) error {
	c.resultMu.Lock()
	c.result = append([]byte(nil), payload...)
	c.resultMu.Unlock()
	return nil
}

func (c *localCoordinator) LastResult(ctx context.Context) ([]byte, error) {
	c.resultMu.RLock()
	defer c.resultMu.RUnlock()
	return c.result, nil
}

func (c *localCoordinator) Close() error { return nil }
