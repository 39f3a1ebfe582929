// Package content resolves posts from wherever they currently live: the blog
// API, a directory of source files, or the API with the directory as a
// bounded-latency fallback.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a source has no post for the requested slug.
var ErrNotFound = errors.New("content: post not found")

// Driver is a source of posts.
type Driver interface {
	PostSlugs(ctx context.Context) ([]string, error)
	PostBySlug(ctx context.Context, slug string) (Post, error)
}

// MetaLister is implemented by drivers that can list every post's metadata
// in one call.
type MetaLister interface {
	PostsMeta(ctx context.Context) ([]Summary, error)
}

// BodyKind says which body representation a post is stored in.
type BodyKind string

const (
	KindMDX  BodyKind = "mdx"
	KindHTML BodyKind = "html"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// MaxSlugLen bounds slugs so they stay usable as key segments and URLs.
const MaxSlugLen = 128

// ValidSlug reports whether s is lowercase alphanumerics separated by single
// hyphens, at most MaxSlugLen bytes long.
func ValidSlug(s string) bool {
	return len(s) <= MaxSlugLen && slugRe.MatchString(s)
}

// PostMeta is a post's metadata. Keys other than the well-known ones are kept
// in Extra so that a read-modify-write never drops them.
type PostMeta struct {
	Title   string
	Date    string
	Excerpt string
	Tags    []string
	Extra   map[string]any
}

// TitleOr returns the title, or one derived from slug when none is set.
func (m PostMeta) TitleOr(slug string) string {
	if m.Title != "" {
		return m.Title
	}
	return strings.ReplaceAll(slug, "-", " ")
}

// HasTag reports whether the post carries tag, compared case-insensitively.
func (m PostMeta) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range m.Tags {
		if strings.ToLower(strings.TrimSpace(t)) == tag {
			return true
		}
	}
	return false
}

// Time parses Date, accepting RFC 3339 or a bare YYYY-MM-DD.
func (m PostMeta) Time() (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, m.Date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (m PostMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Title != "" {
		out["title"] = m.Title
	}
	if m.Date != "" {
		out["date"] = m.Date
	}
	if m.Excerpt != "" {
		out["excerpt"] = m.Excerpt
	}
	if m.Tags != nil {
		out["tags"] = m.Tags
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object. A well-known key holding a value of
// the wrong type is kept verbatim in Extra.
func (m *PostMeta) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = PostMeta{}
	for k, v := range raw {
		var ok bool
		switch k {
		case "title":
			ok = json.Unmarshal(v, &m.Title) == nil
		case "date":
			ok = json.Unmarshal(v, &m.Date) == nil
		case "excerpt":
			ok = json.Unmarshal(v, &m.Excerpt) == nil
		case "tags":
			if ok = json.Unmarshal(v, &m.Tags) == nil; !ok {
				m.Tags = nil
			}
		}
		if ok {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = val
	}
	return nil
}

// MetaFromMap converts a decoded front-matter or JSON object into PostMeta.
func MetaFromMap(data map[string]any) (PostMeta, error) {
	var m PostMeta
	b, err := json.Marshal(data)
	if err != nil {
		return m, fmt.Errorf("content: meta: %w", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("content: meta: %w", err)
	}
	return m, nil
}

// Summary is a post's slug and metadata, as listed on index pages. It is
// encoded flat: {"slug": ..., "title": ..., ...}.
type Summary struct {
	Slug string
	Meta PostMeta
}

func (s Summary) MarshalJSON() ([]byte, error) {
	meta := s.Meta
	extra := make(map[string]any, len(meta.Extra)+1)
	for k, v := range meta.Extra {
		extra[k] = v
	}
	extra["slug"] = s.Slug
	meta.Extra = extra
	return meta.MarshalJSON()
}

func (s *Summary) UnmarshalJSON(b []byte) error {
	var meta PostMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return err
	}
	if slug, ok := meta.Extra["slug"].(string); ok {
		s.Slug = slug
		delete(meta.Extra, "slug")
		if len(meta.Extra) == 0 {
			meta.Extra = nil
		}
	}
	s.Meta = meta
	return nil
}

// Post is a complete post: metadata plus exactly one body representation.
type Post struct {
	Slug      string
	Meta      PostMeta
	Kind      BodyKind
	Body      string
	UpdatedAt time.Time
}

type wirePost struct {
	Kind      BodyKind `json:"kind,omitempty"`
	Meta      PostMeta `json:"meta"`
	MDX       *string  `json:"mdx,omitempty"`
	HTML      *string  `json:"html,omitempty"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// MarshalJSON encodes the post as {kind, meta, mdx|html, updatedAt?}.
func (p Post) MarshalJSON() ([]byte, error) {
	w := wirePost{Kind: p.Kind, Meta: p.Meta}
	body := p.Body
	switch p.Kind {
	case KindMDX:
		w.MDX = &body
	case KindHTML:
		w.HTML = &body
	default:
		return nil, fmt.Errorf("content: unknown body kind %q", p.Kind)
	}
	if !p.UpdatedAt.IsZero() {
		w.UpdatedAt = p.UpdatedAt.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. When kind is missing it is inferred
// from whichever body is present, mdx first.
func (p *Post) UnmarshalJSON(b []byte) error {
	var w wirePost
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind := w.Kind
	if kind == "" {
		switch {
		case w.MDX != nil:
			kind = KindMDX
		case w.HTML != nil:
			kind = KindHTML
		}
	}
	var body *string
	switch kind {
	case KindMDX:
		body = w.MDX
	case KindHTML:
		body = w.HTML
	}
	if body == nil {
		return errors.New("content: post has no body")
	}
	*p = Post{Meta: w.Meta, Kind: kind, Body: *body}
	if w.UpdatedAt != 0 {
		p.UpdatedAt = time.UnixMilli(w.UpdatedAt)
	}
	return nil
}

// Summary returns the post's listing entry.
func (p Post) Summary() Summary {
	return Summary{Slug: p.Slug, Meta: p.Meta}
}
