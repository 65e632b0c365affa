// Package oauth wraps the authorization-code exchange with the identity provider.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"marketplace-gateway/internal/client"
	"marketplace-gateway/internal/config"
)

// ErrNoAccessToken is returned when the provider answers without an access token.
var ErrNoAccessToken = errors.New("oauth: token response has no access_token")

// Exchanger turns authorization codes into tokens.
type Exchanger struct {
	cfg    *oauth2.Config
	client *client.UpstreamClient
}

// NewExchanger creates an Exchanger from the oauth settings. Token requests use
// the pooled upstream HTTP client.
func NewExchanger(cfg *config.Config, c *client.UpstreamClient) *Exchanger {
	return &Exchanger{
		cfg: &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			Scopes:       cfg.OAuth.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuth.AuthURL,
				TokenURL: cfg.OAuth.TokenURL,
			},
		},
		client: c,
	}
}

// AuthCodeURL returns the provider URL the browser is sent to.
func (e *Exchanger) AuthCodeURL(state string) string {
	return e.cfg.AuthCodeURL(state)
}

// Exchange trades code for a token. No retry.
func (e *Exchanger) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if e.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client.HTTPClient())
	}
	tok, err := e.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth: exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return tok, nil
}
