package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	tio "github.com/sawpanic/tradeguard/internal/io"
)

// ErrNotFound is returned by Load when nothing has been saved under a name
var ErrNotFound = errors.New("state not found")

// StateStore persists named JSON documents. Save must be atomic: a reader
// sees the previous document or the new one, never a mix.
type StateStore interface {
	Save(ctx context.Context, name string, v any) error
	Load(ctx context.Context, name string, v any) error
}

// FileStore keeps one JSON file per name under a directory
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file backing name
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, strings.TrimSuffix(name, ".json")+".json")
}

// Save writes v with write-temp-then-rename
func (s *FileStore) Save(_ context.Context, name string, v any) error {
	if err := tio.WriteJSONAtomic(s.Path(name), v); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Load decodes the document saved under name into v
func (s *FileStore) Load(_ context.Context, name string, v any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// RedisStore keeps documents as redis strings. A single SET replaces the
// value atomically.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store writing keys under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "state:"}
}

// Key returns the redis key backing name
func (s *RedisStore) Key(name string) string { return s.prefix + name }

// Save implements StateStore
func (s *RedisStore) Save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.client.Set(ctx, s.Key(name), string(data), 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Load implements StateStore
func (s *RedisStore) Load(ctx context.Context, name string, v any) error {
	data, err := s.client.Get(ctx, s.Key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
