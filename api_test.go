package kvblog

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/kvblog/kv"
	"github.com/eringen/kvblog/objstore"
	"github.com/eringen/kvblog/token"
)

const (
	testSecret = "test-secret"
	testIssuer = "kvblog-test"
)

func echoLogger() echo.Logger {
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	return e.Logger
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	objects, err := objstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("objstore: %v", err)
	}
	a := New(SiteConfig{
		Name:      "Test Blog",
		URL:       "https://blog.example.com",
		JWTSecret: testSecret,
		JWTIssuer: testIssuer,
	}, WithKV(kv.NewMemory()), WithObjects(objects))
	a.Echo.Logger.SetOutput(io.Discard)
	if err := a.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func bearer(t *testing.T, issuer string) string {
	t.Helper()
	tok, err := token.Mint(testSecret, issuer, "tester", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return "Bearer " + tok
}

type request struct {
	method string
	target string
	body   string
	auth   string
	header map[string]string
	remote string
}

func (a *App) do(r request) *httptest.ResponseRecorder {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req := httptest.NewRequest(r.method, r.target, body)
	if r.body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if r.auth != "" {
		req.Header.Set(echo.HeaderAuthorization, r.auth)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	if r.remote != "" {
		req.RemoteAddr = r.remote
	}
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, code int, label string) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d: %s", rec.Code, code, rec.Body.String())
	}
	if got := decode(t, rec)["error"]; got != label {
		t.Errorf("error = %v, want %q", got, label)
	}
}

func TestPublishExample(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)

	rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth,
		body: `{"slug":"a","html":"<p>x</p>","meta":{"title":"A"}}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec); got["ok"] != true || got["slug"] != "a" {
		t.Errorf("publish response = %v", got)
	}

	rec = a.do(request{method: http.MethodGet, target: "/api/posts"})
	if rec.Body.String() != "{\"slugs\":[\"a\"]}\n" {
		t.Errorf("index = %s, want {\"slugs\":[\"a\"]}", rec.Body.String())
	}

	rec = a.do(request{method: http.MethodGet, target: "/api/posts/a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode(t, rec)
	if got["kind"] != "html" || got["html"] != "<p>x</p>" {
		t.Errorf("get response = %v", got)
	}
	meta, _ := got["meta"].(map[string]any)
	if len(meta) != 1 || meta["title"] != "A" {
		t.Errorf("meta = %v, want {title: A}", meta)
	}
	if _, ok := got["mdx"]; ok {
		t.Error("html post must not carry an mdx body")
	}
	if _, ok := got["updatedAt"]; !ok {
		t.Error("updatedAt missing")
	}
}

func TestPublishMDXKind(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: bearer(t, testIssuer),
		body: `{"slug":"notes","mdx":"# Notes"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode(t, a.do(request{method: http.MethodGet, target: "/api/posts/notes"}))
	if got["kind"] != "mdx" || got["mdx"] != "# Notes" {
		t.Errorf("get response = %v", got)
	}
}

func TestPublishTwiceAppearsOnce(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	for i := 0; i < 2; i++ {
		rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth,
			body: `{"slug":"twice","html":"<p>x</p>"}`})
		if rec.Code != http.StatusOK {
			t.Fatalf("publish %d status = %d", i, rec.Code)
		}
	}
	slugs := decode(t, a.do(request{method: http.MethodGet, target: "/api/posts"}))["slugs"].([]any)
	if len(slugs) != 1 || slugs[0] != "twice" {
		t.Errorf("slugs = %v, want [twice]", slugs)
	}
}

func TestGetMissingPost(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodGet, target: "/api/posts/missing"})
	expectError(t, rec, http.StatusNotFound, "Not Found")
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("error Cache-Control = %q, want no-store", cc)
	}
}

func TestPublishValidation(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	tests := []struct {
		name  string
		body  string
		label string
	}{
		{"malformed json", `{"slug":`, "Bad JSON"},
		{"missing slug", `{"html":"<p>x</p>"}`, "Bad Request"},
		{"missing body", `{"slug":"a"}`, "Bad Request"},
		{"empty body", `{"slug":"a","html":""}`, "Bad Request"},
		{"both bodies", `{"slug":"a","html":"<p>x</p>","mdx":"# x"}`, "Bad Request"},
		{"bad slug", `{"slug":"Not A Slug","html":"<p>x</p>"}`, "Bad Request"},
		{"meta not object", `{"slug":"a","html":"<p>x</p>","meta":"x"}`, "Bad meta"},
		{"tags not strings", `{"slug":"a","html":"<p>x</p>","meta":{"tags":[1]}}`, "Bad meta"},
	}
	for _, tt := range tests {
		rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth, body: tt.body})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rec.Code)
			continue
		}
		if got := decode(t, rec)["error"]; got != tt.label {
			t.Errorf("%s: error = %v, want %q", tt.name, got, tt.label)
		}
	}
	slugs := decode(t, a.do(request{method: http.MethodGet, target: "/api/posts"}))["slugs"].([]any)
	if len(slugs) != 0 {
		t.Errorf("rejected publishes changed the index: %v", slugs)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	a := newTestApp(t)
	mutations := []request{
		{method: http.MethodPost, target: "/api/posts", body: `{"slug":"a","html":"x"}`},
		{method: http.MethodDelete, target: "/api/posts/a"},
		{method: http.MethodPut, target: "/api/posts/a/meta", body: `{}`},
		{method: http.MethodPost, target: "/api/reconcile"},
		{method: http.MethodPut, target: "/images/a.png", body: "x"},
	}
	for i, r := range mutations {
		r.remote = "198.51.100." + string(rune('1'+i)) + ":1234"
		expectError(t, a.do(r), http.StatusUnauthorized, "Unauthorized")
	}
}

func TestWrongIssuerUnauthorized(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: bearer(t, "someone-else"),
		body: `{"slug":"a","html":"<p>x</p>"}`})
	expectError(t, rec, http.StatusUnauthorized, "Unauthorized")

	rec = a.do(request{method: http.MethodPost, target: "/api/posts", auth: "Basic dXNlcjpwYXNz",
		body: `{"slug":"a","html":"<p>x</p>"}`})
	expectError(t, rec, http.StatusUnauthorized, "Unauthorized")
}

func TestAuthFailuresAreRateLimited(t *testing.T) {
	a := newTestApp(t)
	bad := request{method: http.MethodDelete, target: "/api/posts/a", auth: "Bearer nope", remote: "203.0.113.7:5555"}
	for i := 0; i < 5; i++ {
		expectError(t, a.do(bad), http.StatusUnauthorized, "Unauthorized")
	}
	good := bad
	good.auth = bearer(t, testIssuer)
	expectError(t, a.do(good), http.StatusTooManyRequests, "Too Many Requests")

	good.remote = "203.0.113.8:5555"
	expectError(t, a.do(good), http.StatusNotFound, "Not Found")
}

func TestDeleteFlow(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth, body: `{"slug":"keep","html":"<p>k</p>"}`})
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth, body: `{"slug":"gone","html":"<p>g</p>"}`})

	rec := a.do(request{method: http.MethodDelete, target: "/api/posts/gone", auth: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec); got["ok"] != true || got["slug"] != "gone" {
		t.Errorf("delete response = %v", got)
	}
	expectError(t, a.do(request{method: http.MethodGet, target: "/api/posts/gone"}), http.StatusNotFound, "Not Found")

	before := a.do(request{method: http.MethodGet, target: "/api/posts"}).Body.String()
	expectError(t, a.do(request{method: http.MethodDelete, target: "/api/posts/gone", auth: auth}), http.StatusNotFound, "Not Found")
	after := a.do(request{method: http.MethodGet, target: "/api/posts"}).Body.String()
	if before != after || before != "{\"slugs\":[\"keep\"]}\n" {
		t.Errorf("index before %s after %s", before, after)
	}
}

func TestUpdateMetaEndpoint(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth,
		body: `{"slug":"p","html":"<p>x</p>","meta":{"title":"Old","tags":["a"]}}`})

	rec := a.do(request{method: http.MethodPut, target: "/api/posts/p/meta", auth: auth,
		body: `{"title":"New","tags":["b","c"],"series":"intro"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	if got["ok"] != true || got["slug"] != "p" {
		t.Errorf("update response = %v", got)
	}
	meta := got["meta"].(map[string]any)
	if meta["title"] != "New" || meta["series"] != "intro" {
		t.Errorf("meta = %v", meta)
	}

	post := decode(t, a.do(request{method: http.MethodGet, target: "/api/posts/p"}))
	if post["html"] != "<p>x</p>" || post["meta"].(map[string]any)["title"] != "New" {
		t.Errorf("post after update = %v", post)
	}

	expectError(t, a.do(request{method: http.MethodPut, target: "/api/posts/missing/meta", auth: auth, body: `{}`}),
		http.StatusNotFound, "Not Found")
	expectError(t, a.do(request{method: http.MethodPut, target: "/api/posts/p/meta", auth: auth, body: `["x"]`}),
		http.StatusBadRequest, "Bad Request")
	expectError(t, a.do(request{method: http.MethodPut, target: "/api/posts/p/meta", auth: auth, body: `{oops`}),
		http.StatusBadRequest, "Bad JSON")
}

func TestPostsMeta(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	for _, body := range []string{
		`{"slug":"one","html":"1","meta":{"title":"One","tags":["go"]}}`,
		`{"slug":"two","html":"2","meta":{"title":"Two","tags":["rust"]}}`,
	} {
		a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth, body: body})
	}

	posts := decode(t, a.do(request{method: http.MethodGet, target: "/api/posts-meta"}))["posts"].([]any)
	if len(posts) != 2 {
		t.Fatalf("posts = %v", posts)
	}
	first := posts[0].(map[string]any)
	if first["slug"] != "one" || first["title"] != "One" {
		t.Errorf("first = %v", first)
	}

	// The cache must not hide a fresh publish.
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth,
		body: `{"slug":"three","html":"3","meta":{"title":"Three","tags":["Go"]}}`})

	posts = decode(t, a.do(request{method: http.MethodGet, target: "/api/posts-meta?tag=go"}))["posts"].([]any)
	if len(posts) != 2 {
		t.Fatalf("tag=go posts = %v", posts)
	}
	if posts[1].(map[string]any)["slug"] != "three" {
		t.Errorf("tag=go posts = %v", posts)
	}

	posts = decode(t, a.do(request{method: http.MethodGet, target: "/api/posts-meta?page=2&per_page=1"}))["posts"].([]any)
	if len(posts) != 1 || posts[0].(map[string]any)["slug"] != "two" {
		t.Errorf("page 2 = %v", posts)
	}
	expectError(t, a.do(request{method: http.MethodGet, target: "/api/posts-meta?per_page=0"}), http.StatusBadRequest, "Bad Request")

	tags := decode(t, a.do(request{method: http.MethodGet, target: "/api/tags"}))["tags"].([]any)
	if len(tags) != 2 || tags[0] != "go" || tags[1] != "rust" {
		t.Errorf("tags = %v", tags)
	}
}

func TestGetPostETag(t *testing.T) {
	a := newTestApp(t)
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: bearer(t, testIssuer), body: `{"slug":"e","html":"<p>e</p>"}`})

	rec := a.do(request{method: http.MethodGet, target: "/api/posts/e"})
	tag := rec.Header().Get(headerETag)
	if tag == "" {
		t.Fatal("missing ETag")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != readCacheControl {
		t.Errorf("Cache-Control = %q", cc)
	}
	rec = a.do(request{method: http.MethodGet, target: "/api/posts/e", header: map[string]string{headerIfNoneMatch: tag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", rec.Code)
	}
}

func TestMutationCacheHeader(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: bearer(t, testIssuer), body: `{"slug":"c","html":"<p>c</p>"}`})
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	a := newTestApp(t)
	if err := a.kv.Put(context.Background(), "post:stray:html", "<p>x</p>", nil); err != nil {
		t.Fatal(err)
	}
	rec := a.do(request{method: http.MethodPost, target: "/api/reconcile", auth: bearer(t, testIssuer)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	orphans := got["orphanRecords"].([]any)
	if got["ok"] != true || len(orphans) != 1 || orphans[0] != "post:stray:html" {
		t.Errorf("reconcile response = %v", got)
	}
	if removed := got["removedFromIndex"].([]any); len(removed) != 0 {
		t.Errorf("removedFromIndex = %v", removed)
	}
}

func TestFeed(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)
	for _, body := range []string{
		`{"slug":"old","html":"x","meta":{"title":"Old","date":"2024-01-01"}}`,
		`{"slug":"new","html":"x","meta":{"title":"New","date":"2025-01-01T10:00:00Z"}}`,
		`{"slug":"same-a","html":"x","meta":{"date":"2024-06-01"}}`,
		`{"slug":"same-b","html":"x","meta":{"date":"2024-06-01"}}`,
		`{"slug":"undated","html":"x"}`,
	} {
		if rec := a.do(request{method: http.MethodPost, target: "/api/posts", auth: auth, body: body}); rec.Code != http.StatusOK {
			t.Fatalf("publish failed: %s", rec.Body.String())
		}
	}

	rec := a.do(request{method: http.MethodGet, target: "/feed.xml"})
	if rec.Code != http.StatusOK {
		t.Fatalf("feed status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "application/rss+xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	var feed rssXML
	if err := xml.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
		t.Fatalf("feed is not XML: %v", err)
	}
	want := []string{"New", "same b", "same a", "Old", "undated"}
	if len(feed.Channel.Items) != len(want) {
		t.Fatalf("items = %d, want %d", len(feed.Channel.Items), len(want))
	}
	for i, w := range want {
		if got := feed.Channel.Items[i].Title; got != w {
			t.Errorf("item %d = %q, want %q", i, got, w)
		}
	}
	if link := feed.Channel.Items[0].Link; link != "https://blog.example.com/new" {
		t.Errorf("link = %q", link)
	}
	if feed.Channel.Title != "Test Blog" {
		t.Errorf("channel title = %q", feed.Channel.Title)
	}
}

func TestSitemap(t *testing.T) {
	a := newTestApp(t)
	a.do(request{method: http.MethodPost, target: "/api/posts", auth: bearer(t, testIssuer),
		body: `{"slug":"a","html":"x","meta":{"date":"2025-02-03"}}`})

	rec := a.do(request{method: http.MethodGet, target: "/sitemap.xml"})
	var sm sitemapURLSet
	if err := xml.Unmarshal(rec.Body.Bytes(), &sm); err != nil {
		t.Fatalf("sitemap is not XML: %v", err)
	}
	if len(sm.URLs) != 2 {
		t.Fatalf("urls = %v", sm.URLs)
	}
	if sm.URLs[0].Loc != "https://blog.example.com/" {
		t.Errorf("root loc = %q", sm.URLs[0].Loc)
	}
	if sm.URLs[1].Loc != "https://blog.example.com/a" || sm.URLs[1].LastMod != "2025-02-03" {
		t.Errorf("post url = %+v", sm.URLs[1])
	}
}

func TestRobots(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodGet, target: "/robots.txt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Disallow: /api/") || !strings.Contains(body, "Sitemap: https://blog.example.com/sitemap.xml") {
		t.Errorf("robots.txt = %q", body)
	}
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t)
	rec := a.do(request{method: http.MethodGet, target: "/healthz"})
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func testPNG(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestImages(t *testing.T) {
	a := newTestApp(t)
	auth := bearer(t, testIssuer)

	rec := a.do(request{method: http.MethodPut, target: "/images/2025/My_Photo.png", auth: auth, body: testPNG(t, 1000, 500)})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	if got["key"] != "2025/my-photo.jpg" || got["url"] != "/images/2025/my-photo.jpg" {
		t.Errorf("upload response = %v", got)
	}
	if got["width"] != float64(800) || got["height"] != float64(400) {
		t.Errorf("dimensions = %vx%v, want 800x400", got["width"], got["height"])
	}

	rec = a.do(request{method: http.MethodGet, target: "/images/2025/my-photo.jpg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != imageCacheControl {
		t.Errorf("Cache-Control = %q", cc)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	cfg, err := jpeg.DecodeConfig(rec.Body)
	if err != nil {
		t.Fatalf("stored image is not a JPEG: %v", err)
	}
	if cfg.Width != 800 {
		t.Errorf("stored width = %d", cfg.Width)
	}

	expectError(t, a.do(request{method: http.MethodPut, target: "/images/bad.png", auth: auth, body: "not an image"}),
		http.StatusBadRequest, "Invalid image")
	expectError(t, a.do(request{method: http.MethodPut, target: "/images/2025/../escape.png", auth: auth, body: testPNG(t, 10, 10)}),
		http.StatusBadRequest, "Bad Request")
	expectError(t, a.do(request{method: http.MethodDelete, target: "/images/../my-photo.jpg", auth: auth}),
		http.StatusBadRequest, "Bad Request")

	rec = a.do(request{method: http.MethodDelete, target: "/images/2025/my-photo.jpg", auth: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	expectError(t, a.do(request{method: http.MethodGet, target: "/images/2025/my-photo.jpg"}), http.StatusNotFound, "Not Found")
}

func TestSetupRequiresSecrets(t *testing.T) {
	if err := New(SiteConfig{JWTIssuer: "x"}, WithKV(kv.NewMemory())).Setup(); err == nil {
		t.Error("expected error without JWTSecret")
	}
	if err := New(SiteConfig{JWTSecret: "x"}, WithKV(kv.NewMemory())).Setup(); err == nil {
		t.Error("expected error without JWTIssuer")
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	a := newTestApp(t)
	expectError(t, a.do(request{method: http.MethodGet, target: "/nope"}), http.StatusNotFound, "Not Found")
}
