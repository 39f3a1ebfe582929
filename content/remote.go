package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// maxResponseSize caps how much of an API response is read.
const maxResponseSize = 8 << 20

// StatusError is returned by Remote for a non-2xx response. A 404 matches
// ErrNotFound under errors.Is.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("content: GET %s: HTTP %d", e.URL, e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Remote reads posts from the blog API.
type Remote struct {
	base   string
	client *http.Client
}

// NewRemote returns a driver for the API rooted at base
// (e.g. "http://127.0.0.1:8788"). A nil client uses http.DefaultClient.
func NewRemote(base string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{base: strings.TrimRight(base, "/"), client: client}
}

// Base returns the API root the driver talks to.
func (r *Remote) Base() string { return r.base }

func (r *Remote) get(ctx context.Context, path string) ([]byte, error) {
	u := r.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content: GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", u, err)
	}
	return body, nil
}

// PostSlugs fetches the post index.
func (r *Remote) PostSlugs(ctx context.Context) ([]string, error) {
	body, err := r.get(ctx, "/api/posts")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("content: /api/posts: invalid JSON")
	}
	res := gjson.GetBytes(body, "slugs")
	if !res.IsArray() {
		return nil, errors.New("content: /api/posts: missing slugs")
	}
	slugs := make([]string, 0, len(res.Array()))
	for _, s := range res.Array() {
		slugs = append(slugs, s.String())
	}
	return slugs, nil
}

// PostBySlug fetches a single post.
func (r *Remote) PostBySlug(ctx context.Context, slug string) (Post, error) {
	body, err := r.get(ctx, "/api/posts/"+url.PathEscape(slug))
	if err != nil {
		return Post{}, err
	}
	var p Post
	if err := json.Unmarshal(body, &p); err != nil {
		return Post{}, fmt.Errorf("content: post %s: %w", slug, err)
	}
	p.Slug = slug
	return p, nil
}

// PostsMeta fetches every post's metadata in index order.
func (r *Remote) PostsMeta(ctx context.Context) ([]Summary, error) {
	body, err := r.get(ctx, "/api/posts-meta")
	if err != nil {
		return nil, err
	}
	var out struct {
		Posts []Summary `json:"posts"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("content: /api/posts-meta: %w", err)
	}
	return out.Posts, nil
}

var (
	_ Driver     = (*Remote)(nil)
	_ MetaLister = (*Remote)(nil)
)
