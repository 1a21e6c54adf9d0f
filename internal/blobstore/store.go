package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store archives operator reports: settlement failures, outcome conflicts and
// seize batches. Keys are slash separated and relative to the configured
// prefix.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	// List returns the sorted keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// CreateOnly fails with ErrExists instead of overwriting.
	CreateOnly bool
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix, maxGet), nil
	case DriverS3:
		s, err := newS3Store(cfg, maxGet)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// PutJSON writes v as a create-only JSON document. Reports are immutable, so
// a second write of the same key returns ErrExists.
func PutJSON(ctx context.Context, s Store, key string, v any, metadata map[string]string) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blobstore: marshal %q: %w", key, err)
	}
	return s.Put(ctx, key, b, PutOptions{
		ContentType: "application/json",
		Metadata:    metadata,
		CreateOnly:  true,
	})
}

func GetJSON(ctx context.Context, s Store, key string, v any) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	obj, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj.Data, v); err != nil {
		return fmt.Errorf("blobstore: decode %q: %w", key, err)
	}
	return nil
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

// cleanKey validates a logical key. An empty key is only accepted as a list
// prefix.
func cleanKey(key string, allowEmpty bool) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		if allowEmpty {
			return "", nil
		}
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: relative segment in %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}

type keyspace string

func newKeyspace(prefix string) keyspace {
	return keyspace(strings.Trim(strings.TrimSpace(prefix), "/"))
}

func (k keyspace) full(key string) string {
	if k == "" {
		return key
	}
	return string(k) + "/" + key
}

func (k keyspace) logical(fullKey string) (string, bool) {
	if k == "" {
		return fullKey, true
	}
	return strings.CutPrefix(fullKey, string(k)+"/")
}

func cloneMetadata(v map[string]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, val := range v {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
