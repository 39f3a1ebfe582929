// Package kv is the string-keyed store that posts live in. Every key holds an
// opaque string value and an optional metadata object.
//
// Two backends are provided: Memory, an ordered in-process tree used for
// development and tests, and SQLite, the durable backend used in production.
// Both are safe for concurrent use.
package kv

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrVersionMismatch is returned by PutIf when the stored value changed
	// since the caller read it.
	ErrVersionMismatch = errors.New("kv: version mismatch")
)

// NoVersion is the version of a key that does not exist. PutIf with
// NoVersion only succeeds if the key is still absent.
const NoVersion = ""

// Metadata is the small JSON object attached to a key.
type Metadata map[string]any

// Entry is a stored key with its value and metadata.
type Entry struct {
	Key      string
	Value    string
	Metadata Metadata
}

// Version returns the version token of the entry's current value.
func (e Entry) Version() string {
	return Version(e.Value)
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key, value string, md Metadata) error
	// PutIf writes value only if the stored value still has the given
	// version, returning ErrVersionMismatch otherwise.
	PutIf(ctx context.Context, key, value, version string, md Metadata) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Version hashes a value into the token used for compare-and-swap.
func Version(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 16)
}

// Open returns the backend named by kind ("memory" or "sqlite"). path is
// only used by the sqlite backend.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(path)
	default:
		return nil, errors.Errorf("kv: unknown backend %q", kind)
	}
}

func cloneMetadata(md Metadata) Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
