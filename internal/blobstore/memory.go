package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	ks     keyspace
	maxGet int64
	now    func() time.Time

	mu      sync.RWMutex
	objects map[string]Object
}

func newMemoryStore(prefix string, maxGet int64) *memoryStore {
	return &memoryStore{
		ks:      newKeyspace(prefix),
		maxGet:  maxGet,
		now:     time.Now,
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	key, err := cleanKey(key, false)
	if err != nil {
		return err
	}
	full := m.ks.full(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok && opts.CreateOnly {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.objects[full] = Object{
		Key:          key,
		Data:         append([]byte(nil), payload...),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: m.now().UTC(),
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := cleanKey(key, false)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[m.ks.full(key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if int64(len(obj.Data)) > m.maxGet {
		return Object{}, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, m.maxGet)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = cloneMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := cleanKey(prefix, true)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for full := range m.objects {
		if key, ok := m.ks.logical(full); ok && strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
