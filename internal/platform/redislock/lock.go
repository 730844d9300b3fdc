package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Locker serialises writers per key. Ingest acquires the group lock before
// reading ConversationStatus and holds it across every suspension point of
// the critical section.
type Locker interface {
	// Lock blocks until the key is acquired or ctx/wait budget runs out.
	// The returned release function is idempotent.
	Lock(ctx context.Context, key string) (release func(), err error)
}

// ---- Redis-backed named lock (multi-node deployments) ----

type redisLocker struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// compare-and-delete so a lock that expired mid-hold cannot release a
// successor's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(log *logger.Logger) (Locker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    envutil.Str("REDIS_PASSWORD", ""),
		DB:          envutil.Int("REDIS_DB", 0),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisLocker{
		log:    log.With("service", "RedisLocker"),
		rdb:    rdb,
		prefix: envutil.Str("REDIS_LOCK_PREFIX", "engram:lock:"),
		ttl:    envutil.Seconds("REDIS_LOCK_TTL_SECONDS", 300*time.Second),
		wait:   envutil.Seconds("REDIS_LOCK_WAIT_SECONDS", 120*time.Second),
		poll:   50 * time.Millisecond,
	}, nil
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %q: wait budget exceeded", key)
		}
		select {
		case <-time.After(l.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{lockKey}, token).Err(); err != nil {
				l.log.Warn("Lock release failed; key will expire by TTL", "key", key, "error", err)
			}
		})
	}
	return release, nil
}

// ---- In-memory sharded lock table (single-node deployments, tests) ----

type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLockEntry
}

type memoryLockEntry struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() Locker {
	return &memoryLocker{locks: map[string]*memoryLockEntry{}}
}

func (l *memoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &memoryLockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-entry.ch
			l.unref(key, entry)
		})
	}
	return release, nil
}

func (l *memoryLocker) unref(key string, entry *memoryLockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
