// Package kvblog is a blog backend built with Go and Echo. Posts live in a
// key-value store behind a small JSON API; images live in an object store.
//
// Reads are public and cacheable. Mutations require an HS256 bearer token
// and go through a two-phase index-then-records write that a background
// reconciler repairs if it is interrupted.
package kvblog

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/kvblog/kv"
	"github.com/eringen/kvblog/objstore"
	"github.com/eringen/kvblog/token"
)

// App is the central kvblog application. It wires together the store,
// cache, object store, handlers and middleware.
type App struct {
	Config  SiteConfig
	Echo    *echo.Echo
	Store   *PostStore
	Cache   *PostCache
	Objects objstore.Store

	kv            kv.Store
	verifier      *token.Verifier
	authLimiter   *AuthLimiter
	customRoutes  []func(*App)
	stopReconcile func()
}

// New creates a new App with the given configuration.
func New(cfg SiteConfig, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Setup opens the stores and registers middleware and routes without
// starting the listener.
func (a *App) Setup() error {
	// Validate required config
	if a.Config.JWTSecret == "" {
		return fmt.Errorf("kvblog: JWTSecret is required")
	}
	if a.Config.JWTIssuer == "" {
		return fmt.Errorf("kvblog: JWTIssuer is required")
	}

	// Initialize store
	if a.kv == nil {
		s, err := kv.Open(a.Config.KVBackend, a.Config.DatabasePath)
		if err != nil {
			return fmt.Errorf("kvblog: init store: %w", err)
		}
		a.kv = s
	}
	a.Store = NewPostStore(a.kv)

	// Initialize image storage
	if a.Objects == nil {
		objects, err := a.Config.openObjects()
		if err != nil {
			return fmt.Errorf("kvblog: init object store: %w", err)
		}
		a.Objects = objects
	}

	a.Cache = NewPostCache(a.Store, a.Config.PostCacheTTL)
	a.verifier = token.NewVerifier(a.Config.JWTSecret, a.Config.JWTIssuer, a.Config.ClockSkew)
	a.authLimiter = NewAuthLimiter(5, time.Minute)

	a.setupMiddleware()
	a.setupRoutes()

	for _, fn := range a.customRoutes {
		fn(a)
	}
	return nil
}

// Start runs Setup, starts the reconciler and serves until the server is
// shut down.
func (a *App) Start() error {
	if err := a.Setup(); err != nil {
		return err
	}

	if a.Config.ReconcileInterval > 0 {
		a.stopReconcile = a.Store.StartReconcileScheduler(a.Config.ReconcileInterval, a.Echo.Logger)
	}

	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.GET("/healthz", handleHealthz)
	e.GET("/feed.xml", a.handleFeed)
	e.GET("/sitemap.xml", a.handleSitemap)
	e.GET("/robots.txt", a.handleRobots)

	e.GET("/images/*", a.handleImageGet)
	e.PUT("/images/*", a.handleImagePut, a.requireAuth)
	e.DELETE("/images/*", a.handleImageDelete, a.requireAuth)

	api := e.Group("/api")
	api.GET("/posts", a.handleListPosts)
	api.GET("/posts-meta", a.handlePostsMeta)
	api.GET("/tags", a.handleTags)
	api.GET("/posts/:slug", a.handleGetPost)

	api.POST("/posts", a.handlePublish, a.requireAuth)
	api.DELETE("/posts/:slug", a.handleDelete, a.requireAuth)
	api.PUT("/posts/:slug/meta", a.handleUpdateMeta, a.requireAuth)
	api.POST("/reconcile", a.handleReconcile, a.requireAuth)
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.stopReconcile != nil {
		a.stopReconcile()
		a.stopReconcile = nil
	}
	if a.authLimiter != nil {
		a.authLimiter.Stop()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustEnv returns the value of the environment variable key, or fatally exits if empty.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("kvblog: required environment variable %s is not set", key)
	}
	return v
}
