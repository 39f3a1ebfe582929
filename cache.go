package kvblog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eringen/kvblog/content"
)

// PostCache is an in-memory cache of post summaries with TTL. The feed,
// sitemap and posts-meta listing read from it; every mutation invalidates it.
type PostCache struct {
	mu      sync.RWMutex
	posts   []content.Summary
	fetched time.Time
	ttl     time.Duration
	store   *PostStore
}

// NewPostCache creates a PostCache backed by the given PostStore.
func NewPostCache(s *PostStore, ttl time.Duration) *PostCache {
	return &PostCache{store: s, ttl: ttl}
}

func (c *PostCache) valid() bool {
	return c.posts != nil && time.Since(c.fetched) < c.ttl
}

// Invalidate clears the cache so the next read triggers a fresh load.
func (c *PostCache) Invalidate() {
	c.mu.Lock()
	c.posts = nil
	c.mu.Unlock()
}

func (c *PostCache) load(ctx context.Context) error {
	if c.valid() {
		return nil
	}
	posts, err := c.store.ListMeta(ctx)
	if err != nil {
		return err
	}
	if posts == nil {
		posts = []content.Summary{}
	}
	c.posts = posts
	c.fetched = time.Now()
	return nil
}

// ensureLoaded returns cached summaries after ensuring the cache is fresh.
// It tries a read lock first; only takes a write lock if a reload is needed.
func (c *PostCache) ensureLoaded(ctx context.Context) ([]content.Summary, error) {
	c.mu.RLock()
	if c.valid() {
		posts := c.posts
		c.mu.RUnlock()
		return posts, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.posts, nil
}

// ListPosts returns summaries in index order, optionally filtered by tag.
// The returned slice must not be modified.
func (c *PostCache) ListPosts(ctx context.Context, tag string) ([]content.Summary, error) {
	posts, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if normalizeTag(tag) == "" {
		return posts, nil
	}
	filtered := []content.Summary{}
	for _, p := range posts {
		if p.Meta.HasTag(tag) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// ListTags returns all unique tags, lowercased, in first-seen order.
func (c *PostCache) ListTags(ctx context.Context) ([]string, error) {
	posts, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	tags := []string{}
	for _, p := range posts {
		for _, t := range p.Meta.Tags {
			t = normalizeTag(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
