package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"marketplace-gateway/internal/config"
	"marketplace-gateway/internal/credential"
	"marketplace-gateway/internal/model"
	"marketplace-gateway/internal/normalize"
)

// AuthHandler serves login, logout and session endpoints for the browser.
type AuthHandler struct {
	proxy      *ProxyHandler
	store      *credential.Store
	loginPath  string
	tokenField string
	logger     *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(proxy *ProxyHandler, store *credential.Store, cfg *config.Config, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		proxy:      proxy,
		store:      store,
		loginPath:  cfg.Upstream.LoginPath,
		tokenField: cfg.Credential.TokenField,
		logger:     logger.With("component", "auth_handler"),
	}
}

// Login forwards the browser's credentials to the upstream login endpoint.
// A successful JSON reply carrying the token field has the token moved into
// the credential cookie and removed from the body; a token the store rejects
// yields 502. Anything else passes through.
func (h *AuthHandler) Login(c echo.Context) error {
	req := c.Request()
	ur := &model.UpstreamRequest{
		Method: http.MethodPost,
		Path:   h.loginPath,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, body, err := h.proxy.roundTrip(req.Context(), ur, model.Credentials{}, model.ForwardOptions{})
	if err != nil {
		return h.proxy.mapError(c, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if token, rest, ok := h.extractToken(body); ok {
			if err := h.store.Set(c.Response(), token); err != nil {
				h.logger.Warn("login token not stored", "err", err)
				return c.JSON(http.StatusBadGateway, map[string]string{
					"error": "upstream returned an unusable token",
				})
			}
			body = rest
			h.logger.Info("login succeeded")
		}
	}

	return h.proxy.respond(c, resp, body)
}

// extractToken pulls the token field out of a JSON object body. The returned
// body is a copy without the field.
func (h *AuthHandler) extractToken(body normalize.Body) (string, normalize.Body, bool) {
	j, ok := body.(normalize.JSON)
	if !ok {
		return "", body, false
	}
	obj, ok := j.Value.(map[string]any)
	if !ok {
		return "", body, false
	}
	token, ok := obj[h.tokenField].(string)
	if !ok || token == "" {
		return "", body, false
	}

	rest := make(map[string]any, len(obj)-1)
	for k, v := range obj {
		if k != h.tokenField {
			rest[k] = v
		}
	}
	return token, normalize.JSON{Value: rest, ContentType: j.ContentType}, true
}

// Logout clears the credential cookie. It always succeeds.
func (h *AuthHandler) Logout(c echo.Context) error {
	h.store.Clear(c.Response())
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// sessionResponse is the body of the session endpoint.
type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Session reports whether the browser holds a credential. The token itself is
// never returned.
func (h *AuthHandler) Session(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")

	token, ok := h.store.Read(c.Request())
	if !ok {
		return c.JSON(http.StatusOK, sessionResponse{})
	}

	resp := sessionResponse{Authenticated: true}
	if exp, ok := h.store.Expiry(token); ok {
		if !exp.After(time.Now()) {
			return c.JSON(http.StatusOK, sessionResponse{})
		}
		exp = exp.UTC()
		resp.ExpiresAt = &exp
	}
	return c.JSON(http.StatusOK, resp)
}
