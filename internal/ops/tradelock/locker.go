package tradelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrLockTimeout is returned by callers that treat contention as fatal
	ErrLockTimeout = errors.New("trade lock not acquired within timeout")
	// ErrInvalidKey is returned for keys that sanitize to nothing
	ErrInvalidKey = errors.New("invalid lock key")
)

// Locker is a non-reentrant mutual-exclusion lock keyed by instrument.
// Contention is not an error: Acquire reports false when the timeout elapses.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error)
	Release(key string) error
	IsHeld(key string) (bool, error)
	ReleaseAll() error
}

// Record identifies the current holder of a lock
type Record struct {
	Symbol     string    `json:"symbol"`
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	Token      string    `json:"token,omitempty"`
}

// Stats summarises lock activity for the state pulse
type Stats struct {
	Held      []string `json:"held"`
	Acquired  int64    `json:"acquired"`
	Contended int64    `json:"contended"`
	TimedOut  int64    `json:"timed_out"`
	Released  int64    `json:"released"`
}

// Sanitize maps a symbol to a filesystem and key-safe name ("BTC/USD" -> "BTC_USD")
func Sanitize(key string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" || strings.Trim(out, "_") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return out, nil
}

func newRecord(symbol string, now time.Time) Record {
	host, _ := os.Hostname()
	return Record{
		Symbol:     symbol,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now.UTC(),
	}
}

// List reads every lock record under dir for diagnostics. Files that cannot
// be decoded (for example, a record still being written) are skipped.
func List(dir string) ([]Record, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lock"))
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Symbol < records[j].Symbol })
	return records, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
