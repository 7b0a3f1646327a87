package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// LockKey names the run lock shared by every dispatcher trigger.
const LockKey = "email-dispatch"

// ReleaseFunc gives a held lock back.
type ReleaseFunc func(ctx context.Context) error

// Locker serializes dispatcher runs across processes. TryLock never blocks:
// it reports false when another run holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (ReleaseFunc, bool, error)
}

// RedisLock is a lease lock using SET NX PX. Each acquisition carries its own
// token, and release deletes the key only while it still holds that token,
// so an expired lease never frees a successor's lock.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLock creates a RedisLock for key with the given lease.
func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: "lock:" + key, ttl: ttl}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// TryLock implements Locker.
func (l *RedisLock) TryLock(ctx context.Context) (ReleaseFunc, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, true, nil
}

// LockConn is a dedicated database session. Advisory locks are
// session-scoped, so acquire and release must use the same connection.
// *pgxpool.Conn satisfies it.
type LockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// AdvisoryLock is the Postgres fallback when Redis is not configured. The
// lock dies with its connection, so a crashed run cannot wedge later runs.
type AdvisoryLock struct {
	acquire func(ctx context.Context) (LockConn, error)
	lockID  int64
}

// NewAdvisoryLock creates an AdvisoryLock with an id derived from key.
func NewAdvisoryLock(pool *pgxpool.Pool, key string) *AdvisoryLock {
	return NewAdvisoryLockWithConn(func(ctx context.Context) (LockConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, key)
}

// NewAdvisoryLockWithConn creates an AdvisoryLock over a custom connection
// source.
func NewAdvisoryLockWithConn(acquire func(ctx context.Context) (LockConn, error), key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{acquire: acquire, lockID: int64(h.Sum64())}
}

// TryLock implements Locker.
func (l *AdvisoryLock) TryLock(ctx context.Context) (ReleaseFunc, bool, error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.lockID)
		return err
	}, true, nil
}
