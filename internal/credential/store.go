// Package credential keeps the bearer token in an HTTP-only browser cookie.
//
// The token is never written to a response body and never logged. A Store is
// immutable after construction and safe for concurrent use.
package credential

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketplace-gateway/internal/config"
)

// Store reads and writes the credential cookie.
type Store struct {
	name   string
	maxAge int
	secure bool
	now    func() time.Time
}

// NewStore creates a Store from the credential and server settings.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		name:   cfg.Credential.CookieName,
		maxAge: cfg.Credential.MaxAgeSeconds,
		secure: cfg.IsProduction(),
		now:    time.Now,
	}
}

// Name returns the cookie name.
func (s *Store) Name() string {
	return s.name
}

// ErrInvalidToken is returned by Set for a token that cannot be stored
// verbatim as a cookie value.
var ErrInvalidToken = errors.New("credential: token is not a valid cookie value")

// ErrTokenExpired is returned by Set for a JWT whose exp has passed. The
// cookie is cleared.
var ErrTokenExpired = errors.New("credential: token already expired")

// Set writes token into the credential cookie. When the token is a JWT with an
// exp claim, the cookie never outlives it. A token that Read could not return
// byte for byte is rejected with ErrInvalidToken and no cookie is written.
func (s *Store) Set(w http.ResponseWriter, token string) error {
	if !validToken(token) {
		return ErrInvalidToken
	}
	maxAge := s.maxAge
	if exp, ok := s.Expiry(token); ok {
		remaining := exp.Sub(s.now())
		if remaining <= 0 {
			s.Clear(w)
			return ErrTokenExpired
		}
		if secs := int(math.Ceil(remaining.Seconds())); secs < maxAge {
			maxAge = secs
		}
	}
	http.SetCookie(w, s.cookie(token, maxAge))
	return nil
}

// Clear expires the credential cookie immediately.
func (s *Store) Clear(w http.ResponseWriter) {
	// MaxAge < 0 is rendered as "Max-Age=0".
	http.SetCookie(w, s.cookie("", -1))
}

// Read returns the token from the request cookie. A missing or empty cookie is
// reported as ("", false).
func (s *Store) Read(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	c, err := r.Cookie(s.name)
	if err != nil {
		return "", false
	}
	if c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// Expiry returns the exp claim of a JWT token without verifying its signature.
// The gateway does not trust the claim for authorization; it only bounds the
// cookie lifetime.
func (s *Store) Expiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (s *Store) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// validToken reports whether every byte of token is an RFC 6265 cookie-octet,
// which net/http writes and reads back unchanged.
func validToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		b := token[i]
		if b <= 0x20 || b >= 0x7f || b == '"' || b == ',' || b == ';' || b == '\\' {
			return false
		}
	}
	return true
}
