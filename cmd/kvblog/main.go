// kvblog serves the blog API. Configuration comes from the environment,
// optionally seeded from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eringen/kvblog"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	app := kvblog.New(kvblog.SiteConfig{
		Name:         kvblog.EnvOr("SITE_NAME", "Blog"),
		URL:          kvblog.EnvOr("SITE_URL", "http://localhost:3000"),
		Description:  os.Getenv("SITE_DESCRIPTION"),
		Addr:         kvblog.EnvOr("ADDR", ":3000"),
		KVBackend:    kvblog.EnvOr("KV_BACKEND", "sqlite"),
		DatabasePath: kvblog.EnvOr("DATABASE_PATH", "data/kv.db"),
		ImagesDir:    kvblog.EnvOr("IMAGES_DIR", "data/images"),
		R2: kvblog.R2Config{
			Endpoint:        os.Getenv("R2_ENDPOINT"),
			Bucket:          os.Getenv("R2_BUCKET"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		},
		JWTSecret:         kvblog.MustEnv("JWT_SECRET"),
		JWTIssuer:         kvblog.MustEnv("JWT_ISSUER"),
		ClockSkew:         envDuration("JWT_CLOCK_SKEW"),
		PostCacheTTL:      envDuration("POST_CACHE_TTL"),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL"),
		BodyLimit:         os.Getenv("BODY_LIMIT"),
	})
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			app.Close()
			log.Fatal(err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Echo.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

// envDuration parses key as a time.Duration. Unset yields zero, which keeps
// the server default.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("kvblog: %s: %v", key, err)
	}
	return d
}
