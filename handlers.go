package kvblog

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"github.com/eringen/kvblog/content"
)

const maxPerPage = 100

func handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (a *App) handleListPosts(c echo.Context) error {
	slugs, err := a.Store.ListSlugs(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"slugs": slugs})
}

func (a *App) handlePostsMeta(c echo.Context) error {
	posts, err := a.Cache.ListPosts(c.Request().Context(), c.QueryParam("tag"))
	if err != nil {
		return err
	}
	posts, err = paginate(posts, c.QueryParam("page"), c.QueryParam("per_page"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"posts": posts})
}

// paginate slices posts by 1-based page. With neither parameter set every
// post is returned.
func paginate(posts []content.Summary, pageParam, perPageParam string) ([]content.Summary, error) {
	if pageParam == "" && perPageParam == "" {
		return posts, nil
	}
	page, perPage := 1, 20
	var err error
	if pageParam != "" {
		if page, err = strconv.Atoi(pageParam); err != nil || page < 1 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
		}
	}
	if perPageParam != "" {
		if perPage, err = strconv.Atoi(perPageParam); err != nil || perPage < 1 || perPage > maxPerPage {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
		}
	}
	start := (page - 1) * perPage
	if start >= len(posts) {
		return []content.Summary{}, nil
	}
	end := min(start+perPage, len(posts))
	return posts[start:end], nil
}

func (a *App) handleTags(c echo.Context) error {
	tags, err := a.Cache.ListTags(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tags": tags})
}

func (a *App) handleGetPost(c echo.Context) error {
	post, err := a.Store.GetPost(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return storeError(err)
	}
	b, err := json.Marshal(post)
	if err != nil {
		return err
	}
	tag := etag(b)
	c.Response().Header().Set(headerETag, tag)
	if etagMatch(c.Request().Header.Get(headerIfNoneMatch), tag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(http.StatusOK, b)
}

func etag(b []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(b), 16) + `"`
}

func etagMatch(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}

type publishRequest struct {
	Slug string          `json:"slug"`
	MDX  *string         `json:"mdx"`
	HTML *string         `json:"html"`
	Meta json.RawMessage `json:"meta"`
}

func (r publishRequest) body() (content.BodyKind, string, bool) {
	hasMDX := r.MDX != nil && *r.MDX != ""
	hasHTML := r.HTML != nil && *r.HTML != ""
	switch {
	case hasMDX && !hasHTML:
		return content.KindMDX, *r.MDX, true
	case hasHTML && !hasMDX:
		return content.KindHTML, *r.HTML, true
	}
	return "", "", false
}

func (a *App) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	kind, body, ok := req.body()
	if req.Slug == "" || !ok || !content.ValidSlug(req.Slug) {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
	}
	meta, err := decodeMeta(req.Meta)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad meta").SetInternal(err)
	}

	err = a.Store.Publish(c.Request().Context(), PublishInput{
		Slug: req.Slug,
		Kind: kind,
		Body: body,
		Meta: meta,
	})
	a.Cache.Invalidate()
	if err != nil {
		return storeError(err)
	}
	c.Logger().Infof("published %s (%s) by %q", req.Slug, kind, TokenSubject(c))
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "slug": req.Slug})
}

func (a *App) handleDelete(c echo.Context) error {
	slug := c.Param("slug")
	err := a.Store.DeletePost(c.Request().Context(), slug)
	a.Cache.Invalidate()
	if err != nil {
		return storeError(err)
	}
	c.Logger().Infof("deleted %s by %q", slug, TokenSubject(c))
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "slug": slug})
}

func (a *App) handleUpdateMeta(c echo.Context) error {
	ctx := c.Request().Context()
	slug := c.Param("slug")
	exists, err := a.Store.Exists(ctx, slug)
	if err != nil {
		return err
	}
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "Not Found")
	}

	var raw json.RawMessage
	if err := decodeJSON(c, &raw); err != nil {
		return err
	}
	if len(raw) == 0 || raw[0] != '{' {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad meta").SetInternal(err)
	}
	if err := a.Store.UpdateMeta(ctx, slug, meta); err != nil {
		return storeError(err)
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "slug": slug, "meta": meta})
}

func (a *App) handleReconcile(c echo.Context) error {
	report, err := a.Store.Reconcile(c.Request().Context())
	a.Cache.Invalidate()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":               true,
		"removedFromIndex": report.RemovedFromIndex,
		"orphanRecords":    report.OrphanRecords,
	})
}

// decodeJSON reads the whole request body into v.
func decodeJSON(c echo.Context, v any) error {
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad JSON").SetInternal(err)
	}
	return nil
}

// storeError maps PostStore errors onto HTTP errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not Found")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "Conflict").SetInternal(err)
	}
	return err
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}
	label := http.StatusText(code)
	if he != nil {
		if msg, ok := he.Message.(string); ok && msg != "" {
			label = msg
		}
	}
	if code >= 500 {
		c.Logger().Errorf("server error: %v", err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": label})
}
