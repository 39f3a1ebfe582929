package content

import (
	"context"
	"time"
)

// Hybrid prefers a primary driver (normally Remote) and falls back to a
// secondary one (normally Local) when the primary fails or is slower than
// the timeout.
type Hybrid struct {
	primary   Driver
	secondary Driver
	timeout   time.Duration
}

// NewHybrid returns a Hybrid driver. A timeout <= 0 uses DefaultTimeout.
func NewHybrid(primary, secondary Driver, timeout time.Duration) *Hybrid {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Hybrid{primary: primary, secondary: secondary, timeout: timeout}
}

func (h *Hybrid) PostSlugs(ctx context.Context) ([]string, error) {
	return Fallback(ctx, h.primary.PostSlugs, h.secondary.PostSlugs, h.timeout)
}

func (h *Hybrid) PostBySlug(ctx context.Context, slug string) (Post, error) {
	return Fallback(ctx,
		func(ctx context.Context) (Post, error) { return h.primary.PostBySlug(ctx, slug) },
		func(ctx context.Context) (Post, error) { return h.secondary.PostBySlug(ctx, slug) },
		h.timeout)
}

// PostsMeta lists metadata from the primary within the timeout, else from
// the secondary.
func (h *Hybrid) PostsMeta(ctx context.Context) ([]Summary, error) {
	return Fallback(ctx, metaOf(h.primary), metaOf(h.secondary), h.timeout)
}

func metaOf(d Driver) Producer[[]Summary] {
	if ml, ok := d.(MetaLister); ok {
		return ml.PostsMeta
	}
	return func(ctx context.Context) ([]Summary, error) { return collectMeta(ctx, d) }
}

var (
	_ Driver     = (*Hybrid)(nil)
	_ MetaLister = (*Hybrid)(nil)
)
