package tradelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our record
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisLocker implements Locker on SET NX with a TTL, for hosts that do not
// share a filesystem. The TTL stands in for the kernel releasing a crashed
// holder's flock.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration

	now   func() time.Time
	token func() string

	mu        sync.Mutex
	held      map[string]string // key -> stored value
	acquired  int64
	contended int64
	timedOut  int64
	released  int64
}

// NewRedisLocker creates a redis-backed locker. ttl bounds how long a crashed
// holder can block a symbol.
func NewRedisLocker(client *redis.Client, prefix string, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &RedisLocker{
		client: client,
		prefix: prefix + "lock:",
		ttl:    ttl,
		retry:  retry,
		now:    time.Now,
		token:  uuid.NewString,
		held:   make(map[string]string),
	}
}

func (l *RedisLocker) key(name string) string { return l.prefix + name }

// Acquire implements Locker
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	name, err := Sanitize(key)
	if err != nil {
		return false, err
	}

	rec := newRecord(key, l.now())
	rec.Token = l.token()
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	value := string(data)
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, l.key(name), value, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis lock %s: %w", name, err)
		}
		if ok {
			l.mu.Lock()
			l.held[name] = value
			l.acquired++
			l.mu.Unlock()
			return true, nil
		}

		l.mu.Lock()
		l.contended++
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.mu.Lock()
			l.timedOut++
			l.mu.Unlock()
			return false, nil
		}
		wait := l.retry
		if wait > remaining {
			wait = remaining
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return false, err
		}
	}
}

// Release implements Locker. Only our own record is deleted, so a lock that
// expired and was taken by another holder is left alone.
func (l *RedisLocker) Release(key string) error {
	name, err := Sanitize(key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	value, ok := l.held[name]
	if ok {
		delete(l.held, name)
		l.released++
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{l.key(name)}, value).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", name, err)
	}
	return nil
}

// IsHeld implements Locker
func (l *RedisLocker) IsHeld(key string) (bool, error) {
	name, err := Sanitize(key)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := l.client.Exists(ctx, l.key(name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseAll implements Locker
func (l *RedisLocker) ReleaseAll() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	l.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := l.Release(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns lock counters
func (l *RedisLocker) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := make([]string, 0, len(l.held))
	for name := range l.held {
		held = append(held, name)
	}
	sort.Strings(held)
	return Stats{
		Held:      held,
		Acquired:  l.acquired,
		Contended: l.contended,
		TimedOut:  l.timedOut,
		Released:  l.released,
	}
}
