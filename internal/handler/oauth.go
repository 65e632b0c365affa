package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"marketplace-gateway/internal/config"
	"marketplace-gateway/internal/credential"
	"marketplace-gateway/internal/metrics"
)

// stateCookie holds the OAuth state between the login redirect and the callback.
const stateCookie = "oauth_state"

const stateMaxAge = 600 // seconds

// oauthErrorCode is the error query value the login page receives on failure.
const oauthErrorCode = "oauth_error"

// CodeExchanger trades authorization codes for tokens.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// OAuthHandler runs the authorization-code flow.
type OAuthHandler struct {
	exchanger       CodeExchanger
	store           *credential.Store
	metrics         *metrics.Metrics
	logger          *slog.Logger
	loginPath       string
	successRedirect string
	secure          bool
	requireState    bool
}

// NewOAuthHandler creates an OAuthHandler. The metrics parameter is optional.
func NewOAuthHandler(ex CodeExchanger, store *credential.Store, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		exchanger:       ex,
		store:           store,
		metrics:         m,
		logger:          logger.With("component", "oauth_handler"),
		loginPath:       cfg.OAuth.LoginPath,
		successRedirect: cfg.OAuth.SuccessRedirect,
		secure:          cfg.IsProduction(),
		requireState:    cfg.OAuth.RequireState,
	}
}

// Login sends the browser to the provider with a fresh state value.
func (h *OAuthHandler) Login(c echo.Context) error {
	state := uuid.NewString()
	h.setState(c, state, stateMaxAge)
	return c.Redirect(http.StatusFound, h.exchanger.AuthCodeURL(state))
}

// Callback completes the flow. Every outcome is a redirect:
//   - no code: login page
//   - any other failure: login page with error=oauth_error
//   - success: credential cookie set, success redirect
//
// The state check applies when the state cookie is present. With
// oauth.require_state a missing cookie is a failure too.
func (h *OAuthHandler) Callback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		h.record("missing_code")
		return c.Redirect(http.StatusFound, h.loginPath)
	}

	want, ok := h.readState(c)
	switch {
	case ok:
		h.setState(c, "", -1)
		got := c.QueryParam("state")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			h.logger.Warn("oauth state mismatch")
			h.record("state_mismatch")
			return c.Redirect(http.StatusFound, h.failureRedirect())
		}
	case h.requireState:
		h.logger.Warn("oauth callback without state cookie")
		h.record("missing_state")
		return c.Redirect(http.StatusFound, h.failureRedirect())
	}

	tok, err := h.exchanger.Exchange(c.Request().Context(), code)
	if err != nil {
		h.logger.Warn("oauth exchange failed", "err", sanitizeError(err))
		h.record("exchange_failed")
		return c.Redirect(http.StatusFound, h.failureRedirect())
	}

	if err := h.store.Set(c.Response(), tok.AccessToken); err != nil {
		h.logger.Warn("oauth token not stored", "err", err)
		h.record("invalid_token")
		return c.Redirect(http.StatusFound, h.failureRedirect())
	}
	h.record("success")
	return c.Redirect(http.StatusFound, h.successRedirect)
}

func (h *OAuthHandler) failureRedirect() string {
	u, err := url.Parse(h.loginPath)
	if err != nil {
		return h.loginPath
	}
	q := u.Query()
	q.Set("error", oauthErrorCode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *OAuthHandler) readState(c echo.Context) (string, bool) {
	ck, err := c.Cookie(stateCookie)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

func (h *OAuthHandler) setState(c echo.Context, value string, maxAge int) {
	c.SetCookie(&http.Cookie{
		Name:     stateCookie,
		Value:    value,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *OAuthHandler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.OAuthCallbacks.WithLabelValues(outcome).Inc()
	}
}
