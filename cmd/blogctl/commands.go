package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eringen/kvblog"
	"github.com/eringen/kvblog/content"
	"github.com/eringen/kvblog/markdown"
)

const requestTimeout = 30 * time.Second

// session holds everything a command needs once flags are parsed.
type session struct {
	opts   options
	envs   map[string]environment
	http   *http.Client
	logger *slog.Logger
	stdout io.Writer
}

func (s *session) target() (environment, error) {
	return resolveTarget(s.envs, s.opts.env)
}

func (s *session) client() (*apiClient, error) {
	t, err := s.target()
	if err != nil {
		return nil, err
	}
	return newAPIClient(t.BaseURL, s.http, os.Getenv("JWT_SECRET"), t.Issuer, s.opts.subject, s.logger)
}

// driver builds the read source selected by --source.
func (s *session) driver() (content.Driver, error) {
	local := content.NewLocal(s.opts.dir)
	if s.opts.source == "file" {
		return local, nil
	}
	t, err := s.target()
	if err != nil {
		return nil, err
	}
	remote := content.NewRemote(t.BaseURL, s.http)
	switch s.opts.source {
	case "api":
		return remote, nil
	case "hybrid":
		return content.NewHybrid(remote, local, s.opts.timeout), nil
	}
	return nil, fmt.Errorf("unknown source %q (want api, file or hybrid)", s.opts.source)
}

// cmdPublish renders local posts and uploads them. With no slugs every post
// in the posts directory is published.
func (s *session) cmdPublish(ctx context.Context, slugs []string) error {
	local := content.NewLocal(s.opts.dir)
	if len(slugs) == 0 {
		all, err := local.PostSlugs(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return fmt.Errorf("no posts found in %s", local.Dir())
		}
		slugs = all
	}
	c, err := s.client()
	if err != nil {
		return err
	}

	var errs []error
	for _, slug := range slugs {
		slug = strings.TrimSuffix(strings.TrimSuffix(slug, ".mdx"), ".md")
		post, err := local.Source(ctx, slug)
		if errors.Is(err, content.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: no source file in %s", slug, local.Dir()))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		payload := publishPayload{Slug: slug, Meta: post.Meta}
		if s.opts.raw {
			payload.MDX = post.Body
		} else {
			html, err := markdown.ToHTML(post.Body)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: rendering: %w", slug, err))
				continue
			}
			payload.HTML = html
		}
		if err := c.publish(ctx, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(s.stdout, "published %s\n", slug)
	}
	return errors.Join(errs...)
}

func (s *session) cmdDelete(ctx context.Context, slugs []string) error {
	if len(slugs) == 0 {
		return errors.New("usage: blogctl delete <slug>...")
	}
	c, err := s.client()
	if err != nil {
		return err
	}
	var errs []error
	for _, slug := range slugs {
		if err := c.delete(ctx, slug); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(s.stdout, "deleted %s\n", slug)
	}
	return errors.Join(errs...)
}

func (s *session) cmdList(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	d, err := s.driver()
	if err != nil {
		return err
	}
	var posts []content.Summary
	if ml, ok := d.(content.MetaLister); ok {
		posts, err = ml.PostsMeta(ctx)
	} else {
		err = errors.New("source cannot list metadata")
	}
	if err != nil {
		return err
	}
	if s.opts.tag != "" {
		filtered := posts[:0]
		for _, p := range posts {
			if p.Meta.HasTag(s.opts.tag) {
				filtered = append(filtered, p)
			}
		}
		posts = filtered
	}

	w := tabwriter.NewWriter(s.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tDATE\tTITLE\tTAGS")
	for _, p := range posts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Slug, p.Meta.Date, p.Meta.TitleOr(p.Slug), strings.Join(p.Meta.Tags, ","))
	}
	return w.Flush()
}

func (s *session) cmdShow(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: blogctl show <slug>")
	}
	d, err := s.driver()
	if err != nil {
		return err
	}
	post, err := d.PostBySlug(ctx, args[0])
	if errors.Is(err, content.ErrNotFound) {
		return fmt.Errorf("post %q not found", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.stdout, "title:   %s\n", post.Meta.TitleOr(args[0]))
	fmt.Fprintf(s.stdout, "date:    %s\n", post.Meta.Date)
	fmt.Fprintf(s.stdout, "tags:    %s\n", strings.Join(post.Meta.Tags, ", "))
	fmt.Fprintf(s.stdout, "kind:    %s\n", post.Kind)
	if !post.UpdatedAt.IsZero() {
		fmt.Fprintf(s.stdout, "updated: %s\n", post.UpdatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(s.stdout, "\n%s\n", post.Body)
	return nil
}

// cmdUpdateTags replaces a published post's tags, keeping the rest of its
// meta. Tags may be given as separate arguments or comma-separated. No tags
// clears them.
func (s *session) cmdUpdateTags(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: blogctl update-tags <slug> [tag...]")
	}
	slug := args[0]
	c, err := s.client()
	if err != nil {
		return err
	}
	post, err := content.NewRemote(c.base, s.http).PostBySlug(ctx, slug)
	if errors.Is(err, content.ErrNotFound) {
		return fmt.Errorf("post %q not found", slug)
	}
	if err != nil {
		return err
	}
	meta := post.Meta
	meta.Tags = kvblog.FilterEmpty(strings.Split(strings.Join(args[1:], ","), ","))
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	stored, err := c.updateMeta(ctx, slug, meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.stdout, "%s tags: %s\n", slug, strings.Join(stored.Tags, ", "))
	return nil
}

func (s *session) cmdReconcile(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	c, err := s.client()
	if err != nil {
		return err
	}
	res, err := c.reconcile(ctx)
	if err != nil {
		return err
	}
	if len(res.RemovedFromIndex) == 0 && len(res.OrphanRecords) == 0 {
		fmt.Fprintln(s.stdout, "nothing to repair")
		return nil
	}
	for _, slug := range res.RemovedFromIndex {
		fmt.Fprintf(s.stdout, "removed from index: %s\n", slug)
	}
	for _, key := range res.OrphanRecords {
		fmt.Fprintf(s.stdout, "deleted orphan: %s\n", key)
	}
	return nil
}
