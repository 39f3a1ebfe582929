package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eringen/kvblog/markdown"
)

// excerptLen is how many runes of body text a synthesized excerpt keeps.
const excerptLen = 200

// sourceExts are tried in order when resolving a slug to a file.
var sourceExts = []string{".mdx", ".md"}

// Local reads posts from a directory of markdown sources with front matter.
type Local struct {
	dir string
	now func() time.Time
}

// NewLocal returns a driver reading <dir>/<slug>.mdx or <dir>/<slug>.md.
func NewLocal(dir string) *Local {
	return &Local{dir: dir, now: time.Now}
}

// Dir returns the directory posts are read from.
func (l *Local) Dir() string { return l.dir }

// PostSlugs lists source files in directory order. A slug with both an .mdx
// and an .md file is listed once. Files whose name is not a valid slug, such
// as README.md, are skipped.
func (l *Local) PostSlugs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("content: list %s: %w", l.dir, err)
	}
	seen := make(map[string]struct{}, len(entries))
	var slugs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".md" && ext != ".mdx" {
			continue
		}
		slug := strings.TrimSuffix(name, ext)
		if !ValidSlug(slug) {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		slugs = append(slugs, slug)
	}
	return slugs, nil
}

// PostBySlug parses the slug's source file. Title, excerpt and date are
// synthesized when the front matter omits them.
func (l *Local) PostBySlug(ctx context.Context, slug string) (Post, error) {
	p, err := l.Source(ctx, slug)
	if err != nil {
		return Post{}, err
	}
	if p.Meta.Date == "" {
		p.Meta.Date = l.now().UTC().Format(time.RFC3339)
	}
	return p, nil
}

// Source parses the slug's source file like PostBySlug but leaves Date as the
// author wrote it, so a post without one is published undated.
func (l *Local) Source(ctx context.Context, slug string) (Post, error) {
	if !ValidSlug(slug) {
		return Post{}, ErrNotFound
	}
	for _, ext := range sourceExts {
		raw, err := os.ReadFile(filepath.Join(l.dir, slug+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Post{}, fmt.Errorf("content: read %s: %w", slug, err)
		}
		return parseSource(slug, string(raw))
	}
	return Post{}, ErrNotFound
}

func parseSource(slug, raw string) (Post, error) {
	data, body, err := markdown.SplitFrontMatter(raw)
	if err != nil {
		return Post{}, fmt.Errorf("content: %s: %w", slug, err)
	}
	meta, err := MetaFromMap(data)
	if err != nil {
		return Post{}, fmt.Errorf("content: %s: %w", slug, err)
	}
	meta.Title = meta.TitleOr(slug)
	if meta.Excerpt == "" {
		meta.Excerpt = excerpt(body)
	}
	return Post{Slug: slug, Meta: meta, Kind: KindMDX, Body: body}, nil
}

func excerpt(body string) string {
	r := []rune(body)
	if len(r) > excerptLen {
		r = r[:excerptLen]
	}
	return string(r) + "..."
}

// PostsMeta parses every source file and returns their metadata.
func (l *Local) PostsMeta(ctx context.Context) ([]Summary, error) {
	return collectMeta(ctx, l)
}

// collectMeta lists a driver's posts one by one.
func collectMeta(ctx context.Context, d Driver) ([]Summary, error) {
	slugs, err := d.PostSlugs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(slugs))
	for _, slug := range slugs {
		p, err := d.PostBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Summary())
	}
	return out, nil
}

var (
	_ Driver     = (*Local)(nil)
	_ MetaLister = (*Local)(nil)
)
