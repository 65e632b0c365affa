package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace-gateway/internal/config"
	"marketplace-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Static auth paths take precedence over the proxy wildcards.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, auth *AuthHandler, oauth *OAuthHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	allowed := map[string]string{
		"/api/auth/login":   http.MethodPost,
		"/api/auth/logout":  http.MethodPost,
		"/api/auth/session": http.MethodGet,
	}
	e.POST("/api/auth/login", auth.Login)
	e.POST("/api/auth/logout", auth.Logout)
	e.GET("/api/auth/session", auth.Session)

	if cfg.OAuth.Enabled {
		allowed["/auth/oauth/login"] = http.MethodGet
		allowed["/auth/callback"] = http.MethodGet
		e.GET("/auth/oauth/login", oauth.Login)
		e.GET("/auth/callback", oauth.Callback)
	}

	// Gateway-owned prefixes never fall through to a proxy route.
	reserved := reservedHandler(allowed)
	for _, prefix := range []string{"/api/auth", "/auth"} {
		e.Any(prefix, reserved)
		e.Any(prefix+"/*", reserved)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, route := range cfg.Routes {
		h := proxy.Route(route)
		if route.Prefix != "" {
			e.Any(route.Prefix, h)
		}
		e.Any(route.Prefix+"/*", h)
	}
}

// reservedHandler answers 405 for known endpoints hit with the wrong method
// and 404 for anything else under a reserved prefix.
func reservedHandler(allowed map[string]string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if method, ok := allowed[c.Request().URL.Path]; ok {
			c.Response().Header().Set(echo.HeaderAllow, method)
			return echo.ErrMethodNotAllowed
		}
		return echo.ErrNotFound
	}
}
