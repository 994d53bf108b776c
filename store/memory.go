package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBucket is an in-memory Bucket. It backs tests, and is
// safe for concurrent use — lock-protocol tests drive it from multiple
// goroutines to model independent processes sharing one store.
type MemoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{objects: make(map[string][]byte)}
}

// Put writes body under key.
func (m *MemoryBucket) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := make([]byte, len(body))
	copy(dup, body)
	m.objects[key] = dup
	return nil
}

// Get reads the object at key.
func (m *MemoryBucket) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: key, Err: fmt.Errorf("no such key")}
	}
	dup := make([]byte, len(body))
	copy(dup, body)
	return dup, nil
}

// Delete removes the object at key. Missing keys are a no-op.
func (m *MemoryBucket) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// List returns the keys under prefix, sorted.
func (m *MemoryBucket) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored objects.
func (m *MemoryBucket) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Verify MemoryBucket implements Bucket.
var _ Bucket = (*MemoryBucket)(nil)
