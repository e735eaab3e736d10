package tradelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultRetry is the pause between acquisition attempts
const DefaultRetry = 100 * time.Millisecond

// FileLocker implements Locker with flock(2) on one file per key. The kernel
// drops the lock when the process exits, so a crashed holder never poisons a
// symbol. Each acquisition opens its own file description, which makes the
// lock non-reentrant within a process as well as across processes.
type FileLocker struct {
	dir   string
	retry time.Duration
	now   func() time.Time

	mu        sync.Mutex
	held      map[string]*os.File
	acquired  int64
	contended int64
	timedOut  int64
	released  int64
}

// NewFileLocker creates a locker storing lock files under dir
func NewFileLocker(dir string, retry time.Duration) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &FileLocker{
		dir:   dir,
		retry: retry,
		now:   time.Now,
		held:  make(map[string]*os.File),
	}, nil
}

// Dir returns the lock directory
func (l *FileLocker) Dir() string { return l.dir }

func (l *FileLocker) path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

// Acquire tries to take the lock for key until timeout elapses or ctx is done.
// A zero timeout makes exactly one attempt.
func (l *FileLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	name, err := Sanitize(key)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)

	for {
		f, err := l.tryLock(name)
		if err != nil {
			return false, err
		}
		if f != nil {
			if err := l.writeRecord(f, key); err != nil {
				l.unlockAndClose(f)
				return false, err
			}
			l.mu.Lock()
			l.held[name] = f
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
			log.Debug().Str("symbol", key).Dur("timeout", timeout).Msg("Trade lock contended")
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

// tryLock makes one non-blocking attempt. It returns a nil file on contention.
func (l *FileLocker) tryLock(name string) (*os.File, error) {
	path := l.path(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// A releasing holder unlinks the path before unlocking; if we locked that
	// orphaned inode the path no longer refers to our file.
	same, err := sameFile(f, path)
	if err != nil || !same {
		l.unlockAndClose(f)
		return nil, nil
	}
	return f, nil
}

func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	current, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return os.SameFile(held, current), nil
}

func (l *FileLocker) writeRecord(f *os.File, key string) error {
	data, err := json.Marshal(newRecord(key, l.now()))
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock record: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return f.Sync()
}

func (l *FileLocker) unlockAndClose(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// Release drops the lock for key. Releasing a key this process does not hold
// is a no-op. The file is unlinked while still locked so a contender never
// observes a removed path it could lock.
func (l *FileLocker) Release(key string) error {
	name, err := Sanitize(key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	f, ok := l.held[name]
	if ok {
		delete(l.held, name)
		l.released++
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var rmErr error
	if err := os.Remove(l.path(name)); err != nil && !os.IsNotExist(err) {
		rmErr = fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.unlockAndClose(f)
	return rmErr
}

// IsHeld reports whether anyone, this process included, holds key. The check
// takes and immediately drops the lock and never creates a file.
func (l *FileLocker) IsHeld(key string) (bool, error) {
	name, err := Sanitize(key)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	_, mine := l.held[name]
	l.mu.Unlock()
	if mine {
		return true, nil
	}

	f, err := os.OpenFile(l.path(name), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}

// Held lists the keys this process holds
func (l *FileLocker) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.held))
	for name := range l.held {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReleaseAll releases every lock this process holds. Safe from shutdown paths.
func (l *FileLocker) ReleaseAll() error {
	var errs []error
	for _, name := range l.Held() {
		if err := l.Release(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns lock counters
func (l *FileLocker) Stats() Stats {
	held := l.Held()

	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Held:      held,
		Acquired:  l.acquired,
		Contended: l.contended,
		TimedOut:  l.timedOut,
		Released:  l.released,
	}
}
