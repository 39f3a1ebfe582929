package kvblog

import (
	"time"

	"github.com/eringen/kvblog/kv"
	"github.com/eringen/kvblog/objstore"
)

// SiteConfig holds all configuration for a kvblog server.
type SiteConfig struct {
	Name        string // Site name (default "Blog")
	URL         string // Canonical URL (default "http://localhost:3000")
	Description string // Site description for RSS

	Addr         string // Listen address (default ":3000")
	KVBackend    string // "memory" or "sqlite" (default "sqlite")
	DatabasePath string // SQLite path (default "data/kv.db")

	ImagesDir string // Image directory when no R2 bucket is configured (default "data/images")
	R2        R2Config

	JWTSecret string        // Required: HS256 key for mutation tokens
	JWTIssuer string        // Required: expected "iss" claim
	ClockSkew time.Duration // Token time-claim leeway (default 60s)

	PostCacheTTL      time.Duration // Summary cache TTL (default 60s)
	ReconcileInterval time.Duration // Reconciler period (default 10min, negative disables)
	BodyLimit         string        // Max request body (default "12M")
}

// R2Config selects an R2 bucket for images. It is used when Bucket is set.
type R2Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c *SiteConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "Blog"
	}
	if c.URL == "" {
		c.URL = "http://localhost:3000"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.KVBackend == "" {
		c.KVBackend = "sqlite"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/kv.db"
	}
	if c.ImagesDir == "" {
		c.ImagesDir = "data/images"
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 60 * time.Second
	}
	if c.PostCacheTTL == 0 {
		c.PostCacheTTL = 60 * time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 10 * time.Minute
	}
	if c.BodyLimit == "" {
		c.BodyLimit = "12M"
	}
}

func (c SiteConfig) openObjects() (objstore.Store, error) {
	if c.R2.Bucket != "" {
		return objstore.NewR2(c.R2.Endpoint, c.R2.Bucket, c.R2.AccessKeyID, c.R2.SecretAccessKey)
	}
	return objstore.NewDir(c.ImagesDir)
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback receives the App before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithKV uses s instead of opening the configured backend.
func WithKV(s kv.Store) Option {
	return func(a *App) {
		a.kv = s
	}
}

// WithObjects uses s for images instead of the configured object store.
func WithObjects(s objstore.Store) Option {
	return func(a *App) {
		a.Objects = s
	}
}
