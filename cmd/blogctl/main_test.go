package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eringen/kvblog"
	"github.com/eringen/kvblog/kv"
	"github.com/eringen/kvblog/objstore"
)

const (
	testSecret = "blogctl-test-secret"
	testIssuer = "blogctl-test"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	objects, err := objstore.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("objstore: %v", err)
	}
	a := kvblog.New(kvblog.SiteConfig{
		Name:      "Test Blog",
		URL:       "https://blog.example.com",
		JWTSecret: testSecret,
		JWTIssuer: testIssuer,
	}, kvblog.WithKV(kv.NewMemory()), kvblog.WithObjects(objects))
	a.Echo.Logger.SetOutput(io.Discard)
	if err := a.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	srv := httptest.NewServer(a.Echo)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv
}

func writePost(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// blogctl runs the command line and returns stdout.
func blogctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func setupEnv(t *testing.T, base string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BLOG_API_BASE", base)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_ISSUER", testIssuer)
	t.Setenv("BLOG_ENV", "")
	return dir
}

func TestPublishListShowDelete(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	writePost(t, dir, "hello-world.md", "---\ntitle: Hello World\ndate: \"2025-01-02\"\ntags: [go]\n---\n# Hi\n\nFirst post.\n")
	writePost(t, dir, "second.mdx", "---\ntitle: Second\ndate: \"2025-02-03\"\n---\nMore text.\n")
	writePost(t, dir, "README.md", "# Drafts\n")
	common := []string{"--config", filepath.Join(dir, "none.jsonc"), "--dir", dir}

	out, err := blogctl(t, append(common, "publish")...)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(out, "published hello-world") || !strings.Contains(out, "published second") {
		t.Errorf("publish output = %q", out)
	}

	out, err = blogctl(t, append(common, "list")...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "hello-world") || !strings.Contains(out, "Second") {
		t.Errorf("list output = %q", out)
	}

	out, err = blogctl(t, append(common, "list", "--tag", "go")...)
	if err != nil {
		t.Fatalf("list --tag: %v", err)
	}
	if !strings.Contains(out, "hello-world") || strings.Contains(out, "second") {
		t.Errorf("filtered list output = %q", out)
	}

	out, err = blogctl(t, append(common, "show", "hello-world")...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "kind:    html") || !strings.Contains(out, "<h1") {
		t.Errorf("show output = %q", out)
	}

	if _, err := blogctl(t, append(common, "delete", "hello-world")...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = blogctl(t, append(common, "show", "hello-world")...)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show after delete error = %v, want not found", err)
	}
}

func TestPublishRaw(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	writePost(t, dir, "raw.md", "---\ntitle: Raw\n---\n**bold**\n")
	common := []string{"--config", filepath.Join(dir, "none.jsonc"), "--dir", dir}

	if _, err := blogctl(t, append(common, "publish", "--raw", "raw")...); err != nil {
		t.Fatalf("publish --raw: %v", err)
	}
	out, err := blogctl(t, append(common, "show", "raw")...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "kind:    mdx") || !strings.Contains(out, "**bold**") {
		t.Errorf("show output = %q", out)
	}
}

func TestPublishLeavesUndatedPostUndated(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	writePost(t, dir, "undated.md", "---\ntitle: Undated\n---\nBody\n")
	common := []string{"--config", filepath.Join(dir, "none.jsonc"), "--dir", dir}

	if _, err := blogctl(t, append(common, "publish", "undated")...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out, err := blogctl(t, append(common, "show", "undated")...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "date:    \n") {
		t.Errorf("show output = %q, want an empty date", out)
	}
}

func TestUpdateTagsReplacesTags(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	writePost(t, dir, "tagged.md", "---\ntitle: Tagged\ncover: /images/c.jpg\ntags: [old]\n---\nBody\n")
	common := []string{"--config", filepath.Join(dir, "none.jsonc"), "--dir", dir}

	if _, err := blogctl(t, append(common, "publish", "tagged")...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out, err := blogctl(t, append(common, "update-tags", "tagged", "go, web,,")...)
	if err != nil {
		t.Fatalf("update-tags: %v", err)
	}
	if !strings.Contains(out, "tagged tags: go, web") {
		t.Errorf("update-tags output = %q", out)
	}

	out, err = blogctl(t, append(common, "list", "--tag", "web")...)
	if err != nil || !strings.Contains(out, "tagged") {
		t.Errorf("list --tag web = %q, %v", out, err)
	}

	if _, err := blogctl(t, append(common, "update-tags", "missing", "go")...); err == nil {
		t.Error("update-tags on missing post should fail")
	}
}

func TestReconcileNothingToRepair(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	out, err := blogctl(t, "--config", filepath.Join(dir, "none.jsonc"), "reconcile")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !strings.Contains(out, "nothing to repair") {
		t.Errorf("reconcile output = %q", out)
	}
}

func TestWrongSecretIsUnauthorized(t *testing.T) {
	srv := startServer(t)
	dir := setupEnv(t, srv.URL)
	t.Setenv("JWT_SECRET", "wrong")
	_, err := blogctl(t, "--config", filepath.Join(dir, "none.jsonc"), "delete", "x")
	if err == nil || !strings.Contains(err.Error(), "401 Unauthorized") {
		t.Errorf("error = %v, want 401 Unauthorized", err)
	}
}

func TestFileSourceNeedsNoServer(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BLOG_API_BASE", "")
	writePost(t, dir, "local-only.md", "---\ntitle: Local Only\n---\nBody\n")
	out, err := blogctl(t, "--config", filepath.Join(dir, "none.jsonc"), "--dir", dir, "--source", "file", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Local Only") {
		t.Errorf("list output = %q", out)
	}
}

func TestHybridFallsBackToFiles(t *testing.T) {
	dir := t.TempDir()
	// Nothing listens on this address.
	t.Setenv("BLOG_API_BASE", "http://127.0.0.1:1")
	writePost(t, dir, "offline.md", "---\ntitle: Offline\n---\nBody\n")
	out, err := blogctl(t, "--config", filepath.Join(dir, "none.jsonc"), "--dir", dir, "--source", "hybrid", "show", "offline")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "title:   Offline") {
		t.Errorf("show output = %q", out)
	}
}

func TestEnvironmentsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BLOG_API_BASE", "")
	t.Setenv("JWT_ISSUER", "")
	cfg := filepath.Join(dir, "blogctl.jsonc")
	writePost(t, dir, "blogctl.jsonc", `{
  // live
  "production": {"baseUrl": "https://blog.example.com/", "issuer": "prod"},
  "preview": {"baseUrl": "https://preview.example.com"},
}`)

	envs, err := loadEnvironments(cfg)
	if err != nil {
		t.Fatalf("loadEnvironments: %v", err)
	}
	target, err := resolveTarget(envs, "production")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if target.BaseURL != "https://blog.example.com" || target.Issuer != "prod" {
		t.Errorf("production = %+v", target)
	}

	t.Setenv("BLOG_API_BASE", "http://localhost:3000")
	target, _ = resolveTarget(envs, "preview")
	if target.BaseURL != "http://localhost:3000" {
		t.Errorf("BLOG_API_BASE override: got %q", target.BaseURL)
	}

	if _, err := resolveTarget(envs, "staging"); err == nil {
		t.Error("unknown environment should fail")
	}
	t.Setenv("BLOG_API_BASE", "")
	if _, err := resolveTarget(map[string]environment{}, "production"); err == nil {
		t.Error("missing base URL should fail")
	}
}

func TestUsageErrors(t *testing.T) {
	if _, err := blogctl(t); err == nil {
		t.Error("no command should fail")
	}
	if _, err := blogctl(t, "frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command error = %v", err)
	}
	out, err := blogctl(t, "version")
	if err != nil || out != "blogctl dev\n" {
		t.Errorf("version = %q, %v", out, err)
	}
}
