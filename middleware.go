package kvblog

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/eringen/kvblog/token"
)

const (
	readCacheControl  = "public, max-age=60, s-maxage=60, stale-while-revalidate=30"
	imageCacheControl = "public, max-age=31536000"
	subjectKey        = "token_subject"

	headerETag        = "ETag"
	headerIfNoneMatch = "If-None-Match"
)

func (a *App) setupMiddleware() {
	e := a.Echo

	e.IPExtractor = echo.ExtractIPFromXFFHeader(
		echo.TrustLoopback(true),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(true),
	)

	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			c.Logger().Infof("%s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.Use(middleware.BodyLimit(a.Config.BodyLimit))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/images/")
		},
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; img-src 'self'; frame-ancestors 'none'",
		HSTSMaxAge:            31536000,
		HSTSExcludeSubdomains: false,
	}))

	e.Use(cacheControlMiddleware)
}

func cacheControlMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		path := req.URL.Path
		h := c.Response().Header()
		switch {
		case req.Method != http.MethodGet && req.Method != http.MethodHead:
			h.Set("Cache-Control", "no-store")
		case strings.HasPrefix(path, "/images/"):
			h.Set("Cache-Control", imageCacheControl)
		case strings.HasPrefix(path, "/api/") || path == "/feed.xml" || path == "/sitemap.xml" || path == "/robots.txt":
			h.Set("Cache-Control", readCacheControl)
		default:
			h.Set("Cache-Control", "no-store")
		}
		return next(c)
	}
}

// requireAuth admits requests carrying a valid bearer token. Clients that
// keep failing are turned away before their token is looked at.
func (a *App) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		if !a.authLimiter.Check(ip) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too Many Requests")
		}
		raw, ok := token.FromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if !ok {
			a.authLimiter.Record(ip)
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		claims, err := a.verifier.Verify(raw)
		if err != nil {
			a.authLimiter.Record(ip)
			c.Logger().Warnf("rejected token from %s: %v", ip, err)
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		c.Set(subjectKey, claims.Subject)
		return next(c)
	}
}

// TokenSubject returns the "sub" claim of the token that authorized the request.
func TokenSubject(c echo.Context) string {
	sub, _ := c.Get(subjectKey).(string)
	return sub
}
