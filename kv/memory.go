package kv

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

type memEntry struct {
	key   string
	value string
	md    Metadata
}

func byKey(a, b interface{}) bool {
	return a.(*memEntry).key < b.(*memEntry).key
}

// Memory is an in-process Store backed by an ordered B-tree.
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewNonConcurrent(byKey)}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := m.tree.Get(&memEntry{key: key})
	if found == nil {
		return Entry{}, ErrNotFound
	}
	ent := found.(*memEntry)
	return Entry{Key: ent.key, Value: ent.value, Metadata: cloneMetadata(ent.md)}, nil
}

func (m *Memory) Put(ctx context.Context, key, value string, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tree.Set(&memEntry{key: key, value: value, md: cloneMetadata(md)})
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutIf(ctx context.Context, key, value, version string, md Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := NoVersion
	if found := m.tree.Get(&memEntry{key: key}); found != nil {
		current = Version(found.(*memEntry).value)
	}
	if current != version {
		return ErrVersionMismatch
	}
	m.tree.Set(&memEntry{key: key, value: value, md: cloneMetadata(md)})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tree.Delete(&memEntry{key: key})
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	m.tree.Ascend(&memEntry{key: prefix}, func(item interface{}) bool {
		k := item.(*memEntry).key
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		keys = append(keys, k)
		return true
	})
	return keys, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *Memory) Close() error { return nil }
