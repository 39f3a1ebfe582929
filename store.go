package kvblog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/kvblog/content"
	"github.com/eringen/kvblog/kv"
)

const (
	indexKey     = "posts:index"
	recordPrefix = "post:"
	casAttempts  = 5
)

var (
	// ErrNotFound is returned when a requested post does not exist.
	ErrNotFound = content.ErrNotFound
	// ErrConflict is returned when the index kept changing underneath a
	// write for casAttempts tries in a row.
	ErrConflict = errors.New("kvblog: post index update conflict")
)

func metaKey(slug string) string { return recordPrefix + slug + ":meta" }

func bodyKey(slug string, kind content.BodyKind) string {
	return recordPrefix + slug + ":" + string(kind)
}

// recordSlug extracts the slug from a post:<slug>:<part> key.
func recordSlug(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, recordPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// PostStore keeps posts in a kv.Store: an index document listing slugs in
// publish order plus one meta record and one body record per slug.
//
// Writes are two-phase. The index is updated first with a compare-and-swap,
// then the records are written concurrently. A failure in the second phase
// leaves a dangling index entry or orphaned records which Reconcile removes.
type PostStore struct {
	kv  kv.Store
	now func() time.Time
}

// NewPostStore returns a PostStore over s.
func NewPostStore(s kv.Store) *PostStore {
	return &PostStore{kv: s, now: time.Now}
}

// Close closes the underlying key-value store.
func (s *PostStore) Close() error {
	return s.kv.Close()
}

func (s *PostStore) readIndex(ctx context.Context) ([]string, string, error) {
	e, err := s.kv.Get(ctx, indexKey)
	if errors.Is(err, kv.ErrNotFound) {
		return []string{}, kv.NoVersion, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read index: %w", err)
	}
	var slugs []string
	if err := json.Unmarshal([]byte(e.Value), &slugs); err != nil {
		return nil, "", fmt.Errorf("decode index: %w", err)
	}
	if slugs == nil {
		slugs = []string{}
	}
	return slugs, e.Version(), nil
}

// updateIndex applies fn to the current index and writes the result back if
// fn reports a change, retrying when another writer got there first.
func (s *PostStore) updateIndex(ctx context.Context, fn func([]string) ([]string, bool)) ([]string, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		slugs, version, err := s.readIndex(ctx)
		if err != nil {
			return nil, err
		}
		next, changed := fn(slugs)
		if !changed {
			return slugs, nil
		}
		if next == nil {
			next = []string{}
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}
		err = s.kv.PutIf(ctx, indexKey, string(b), version, nil)
		if errors.Is(err, kv.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write index: %w", err)
		}
		return next, nil
	}
	return nil, ErrConflict
}

func without(slugs []string, drop func(string) bool) ([]string, bool) {
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out, len(out) != len(slugs)
}

// ListSlugs returns every indexed slug in publish order.
func (s *PostStore) ListSlugs(ctx context.Context) ([]string, error) {
	slugs, _, err := s.readIndex(ctx)
	return slugs, err
}

// ListMeta returns a summary for every indexed slug, in index order. Meta
// records are read in parallel. A slug whose meta is missing is listed with
// empty metadata.
func (s *PostStore) ListMeta(ctx context.Context) ([]content.Summary, error) {
	slugs, err := s.ListSlugs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]content.Summary, len(slugs))
	errs := make([]error, len(slugs))
	var wg sync.WaitGroup
	for i, slug := range slugs {
		wg.Add(1)
		go func(i int, slug string) {
			defer wg.Done()
			out[i].Slug = slug
			meta, err := s.readMeta(ctx, slug)
			if errors.Is(err, ErrNotFound) {
				return
			}
			out[i].Meta, errs[i] = meta, err
		}(i, slug)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostStore) readMeta(ctx context.Context, slug string) (content.PostMeta, error) {
	var meta content.PostMeta
	e, err := s.kv.Get(ctx, metaKey(slug))
	if errors.Is(err, kv.ErrNotFound) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal([]byte(e.Value), &meta); err != nil {
		return meta, fmt.Errorf("decode meta for %s: %w", slug, err)
	}
	return meta, nil
}

// GetPost returns the post stored under slug. A post needs both a meta record
// and a body; when both body kinds exist mdx wins.
func (s *PostStore) GetPost(ctx context.Context, slug string) (content.Post, error) {
	if !content.ValidSlug(slug) {
		return content.Post{}, ErrNotFound
	}
	meta, err := s.readMeta(ctx, slug)
	if err != nil {
		return content.Post{}, err
	}
	for _, kind := range []content.BodyKind{content.KindMDX, content.KindHTML} {
		e, err := s.kv.Get(ctx, bodyKey(slug, kind))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return content.Post{}, err
		}
		return content.Post{
			Slug:      slug,
			Meta:      meta,
			Kind:      kind,
			Body:      e.Value,
			UpdatedAt: updatedAt(e.Metadata),
		}, nil
	}
	return content.Post{}, ErrNotFound
}

func updatedAt(md kv.Metadata) time.Time {
	switch v := md["updatedAt"].(type) {
	case int64:
		return time.UnixMilli(v)
	case float64:
		return time.UnixMilli(int64(v))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.UnixMilli(n)
		}
	}
	return time.Time{}
}

// PublishInput is a post to create or replace.
type PublishInput struct {
	Slug string
	Kind content.BodyKind
	Body string
	Meta content.PostMeta
}

// Publish creates or replaces a post. The slug is appended to the index if
// it is not already there; the meta and body records are then written and
// any body of the other kind is removed.
func (s *PostStore) Publish(ctx context.Context, in PublishInput) error {
	if !content.ValidSlug(in.Slug) {
		return fmt.Errorf("publish: invalid slug %q", in.Slug)
	}
	var other content.BodyKind
	switch in.Kind {
	case content.KindMDX:
		other = content.KindHTML
	case content.KindHTML:
		other = content.KindMDX
	default:
		return fmt.Errorf("publish: unknown body kind %q", in.Kind)
	}
	metaJSON, err := json.Marshal(in.Meta)
	if err != nil {
		return fmt.Errorf("publish: encode meta: %w", err)
	}

	_, err = s.updateIndex(ctx, func(slugs []string) ([]string, bool) {
		for _, s := range slugs {
			if s == in.Slug {
				return slugs, false
			}
		}
		return append(slugs, in.Slug), true
	})
	if err != nil {
		return err
	}

	md := kv.Metadata{"updatedAt": s.now().UnixMilli()}
	return parallel(
		func() error { return s.kv.Put(ctx, metaKey(in.Slug), string(metaJSON), nil) },
		func() error { return s.kv.Put(ctx, bodyKey(in.Slug, in.Kind), in.Body, md) },
		func() error { return s.kv.Delete(ctx, bodyKey(in.Slug, other)) },
	)
}

// DeletePost removes slug from the index and deletes its records. It returns
// ErrNotFound without touching the index when the post has no meta record.
func (s *PostStore) DeletePost(ctx context.Context, slug string) error {
	if err := s.requireMeta(ctx, slug); err != nil {
		return err
	}
	_, err := s.updateIndex(ctx, func(slugs []string) ([]string, bool) {
		return without(slugs, func(s string) bool { return s == slug })
	})
	if err != nil {
		return err
	}
	return s.deleteRecords(ctx, slug)
}

func (s *PostStore) deleteRecords(ctx context.Context, slug string) error {
	return parallel(
		func() error { return s.kv.Delete(ctx, metaKey(slug)) },
		func() error { return s.kv.Delete(ctx, bodyKey(slug, content.KindMDX)) },
		func() error { return s.kv.Delete(ctx, bodyKey(slug, content.KindHTML)) },
	)
}

// Exists reports whether slug has a meta record.
func (s *PostStore) Exists(ctx context.Context, slug string) (bool, error) {
	err := s.requireMeta(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostStore) requireMeta(ctx context.Context, slug string) error {
	if !content.ValidSlug(slug) {
		return ErrNotFound
	}
	_, err := s.kv.Get(ctx, metaKey(slug))
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// UpdateMeta replaces a post's metadata wholesale. The index and body are
// left alone.
func (s *PostStore) UpdateMeta(ctx context.Context, slug string, meta content.PostMeta) error {
	if err := s.requireMeta(ctx, slug); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, metaKey(slug), string(b), nil)
}

// ReconcileReport lists what a reconcile pass repaired.
type ReconcileReport struct {
	RemovedFromIndex []string `json:"removedFromIndex"`
	OrphanRecords    []string `json:"orphanRecords"`
}

// Reconcile repairs the damage an interrupted write can leave behind: index
// entries without a meta record are dropped from the index, and records whose
// slug is not indexed are deleted.
func (s *PostStore) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{RemovedFromIndex: []string{}, OrphanRecords: []string{}}

	keys, err := s.kv.List(ctx, recordPrefix)
	if err != nil {
		return report, fmt.Errorf("reconcile: list records: %w", err)
	}
	hasMeta := make(map[string]bool)
	for _, k := range keys {
		if slug, ok := recordSlug(k); ok && k == metaKey(slug) {
			hasMeta[slug] = true
		}
	}

	// A publish writes the index before its meta record, so a missing meta
	// is confirmed with a fresh read before the entry is dropped.
	index, err := s.updateIndex(ctx, func(slugs []string) ([]string, bool) {
		report.RemovedFromIndex = report.RemovedFromIndex[:0]
		return without(slugs, func(slug string) bool {
			if hasMeta[slug] {
				return false
			}
			if _, err := s.kv.Get(ctx, metaKey(slug)); !errors.Is(err, kv.ErrNotFound) {
				return false
			}
			report.RemovedFromIndex = append(report.RemovedFromIndex, slug)
			return true
		})
	})
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}

	indexed := make(map[string]bool, len(index))
	for _, slug := range index {
		indexed[slug] = true
	}
	var errs []error
	for _, k := range keys {
		slug, ok := recordSlug(k)
		if ok && indexed[slug] {
			continue
		}
		// The slug may have been published again since the index was read.
		if ok {
			current, _, err := s.readIndex(ctx)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if slices.Contains(current, slug) {
				indexed[slug] = true
				continue
			}
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		report.OrphanRecords = append(report.OrphanRecords, k)
	}
	return report, errors.Join(errs...)
}

// parallel runs fns concurrently and joins their errors.
func parallel(fns ...func() error) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartReconcileScheduler runs Reconcile every interval. Returns a stop function.
func (s *PostStore) StartReconcileScheduler(interval time.Duration, logger echo.Logger) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(context.Background())
				if err != nil {
					logger.Errorf("reconcile error: %v", err)
					continue
				}
				if n := len(report.RemovedFromIndex) + len(report.OrphanRecords); n > 0 {
					logger.Infof("reconcile: removed %d index entries, %d orphan records",
						len(report.RemovedFromIndex), len(report.OrphanRecords))
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
