package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"marketplace-gateway/internal/config"
	"marketplace-gateway/internal/credential"
	"marketplace-gateway/internal/metrics"
	"marketplace-gateway/internal/model"
	"marketplace-gateway/internal/normalize"
	"marketplace-gateway/internal/service"
)

// secretPattern matches bearer tokens and token-like query values in error messages.
var secretPattern = regexp.MustCompile(`(?i)(bearer\s+|access_token=|refresh_token=|code=)[^&\s"]+`)

// ProxyHandler forwards browser requests to the upstream API.
type ProxyHandler struct {
	forwarder *service.Forwarder
	store     *credential.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxBody   int64
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(f *service.Forwarder, store *credential.Store, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		forwarder: f,
		store:     store,
		metrics:   m,
		logger:    logger.With("component", "proxy_handler"),
		maxBody:   cfg.Upstream.MaxResponseBytes,
	}
}

// Route returns a handler that proxies requests under route.Prefix to
// route.UpstreamPrefix, attaching credentials as the route specifies.
func (h *ProxyHandler) Route(route config.RouteConfig) echo.HandlerFunc {
	opts := model.ForwardOptions{
		Bearer:        route.UsesBearer(),
		ForwardCookie: route.ForwardsCookie(),
	}
	return func(c echo.Context) error {
		req := c.Request()
		// The router matches the raw path, so %2e%2e arrives here as "..".
		rest := strings.TrimPrefix(req.URL.Path, route.Prefix)
		if hasDotSegment(rest) {
			return h.mapError(c, fmt.Errorf("%w: %q", service.ErrPathEscapes, req.URL.Path))
		}
		upstreamPath, err := service.JoinPath(route.UpstreamPrefix, rest)
		if err != nil {
			return h.mapError(c, err)
		}
		ur := &model.UpstreamRequest{
			Method:   req.Method,
			Path:     upstreamPath,
			RawQuery: req.URL.RawQuery,
			Header:   req.Header,
			Body:     req.Body,
		}
		return h.proxy(c, ur, h.credentials(req), opts)
	}
}

// credentials collects the explicit credential bundle for one request.
func (h *ProxyHandler) credentials(req *http.Request) model.Credentials {
	token, _ := h.store.Read(req)
	return model.Credentials{
		Token:  token,
		Cookie: req.Header.Get("Cookie"),
	}
}

func (h *ProxyHandler) proxy(c echo.Context, ur *model.UpstreamRequest, creds model.Credentials, opts model.ForwardOptions) error {
	resp, body, err := h.roundTrip(c.Request().Context(), ur, creds, opts)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.respond(c, resp, body)
}

// roundTrip forwards ur and normalizes the reply. The upstream body is fully
// consumed and closed before it returns.
func (h *ProxyHandler) roundTrip(ctx context.Context, ur *model.UpstreamRequest, creds model.Credentials, opts model.ForwardOptions) (*model.UpstreamResponse, normalize.Body, error) {
	resp, err := h.forwarder.Forward(ctx, ur, creds, opts)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := normalize.Normalize(resp, h.maxBody)
	if err != nil {
		return nil, nil, err
	}
	if h.metrics != nil {
		h.metrics.NormalizedBodies.WithLabelValues(normalize.Kind(body)).Inc()
	}
	return resp, body, nil
}

// respond copies the filtered upstream headers and writes the normalized body
// with the upstream status.
func (h *ProxyHandler) respond(c echo.Context, resp *model.UpstreamResponse, body normalize.Body) error {
	for key, vals := range resp.Header {
		if http.CanonicalHeaderKey(key) == echo.HeaderContentType {
			continue
		}
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if err := normalize.WriteResponse(c, resp, body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrPathEscapes) {
		h.logger.Warn("rejected path outside route",
			"path", c.Request().URL.Path,
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, normalize.ErrBodyTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response too large",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// hasDotSegment reports whether p has a "." or ".." segment. Browsers resolve
// these before sending, so only crafted paths carry them.
func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// sanitizeError redacts credentials from error messages before logging.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
