// Package objstore holds post images: a local directory in development and a
// Cloudflare R2 (S3-compatible) bucket in production.
package objstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("objstore: object not found")

// Object is an object's content and HTTP metadata. Callers must close Body.
type Object struct {
	Body         io.ReadCloser
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

// NormalizeKey cleans a user-supplied key into a bucket-relative path. It
// returns "" for empty keys and for any key with a ".." segment.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ""
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
