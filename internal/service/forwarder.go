// Package service implements the core forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"marketplace-gateway/internal/client"
	"marketplace-gateway/internal/config"
	"marketplace-gateway/internal/model"
)

// forwardableRequestHeaders are the only browser headers forwarded upstream.
// Authorization and Cookie are attached separately from the credential bundle.
// Accept-Encoding is left to the transport so bodies arrive decoded for
// normalization.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Content-Length",
}

// forwardableResponseHeaders are the only upstream response headers kept.
// Content-Length is dropped because the body is re-encoded.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Date":          true,
	"Etag":          true,
	"Last-Modified": true,
	"X-Request-Id":  true,
}

const userAgent = "marketplace-gateway/1.0"

// ErrPathEscapes is returned when dot segments lead a path outside its prefix.
var ErrPathEscapes = errors.New("path escapes upstream prefix")

// JoinPath joins p under prefix and resolves dot segments. A trailing slash on
// p is kept. The result never leaves prefix; when it would, ErrPathEscapes is
// returned.
func JoinPath(prefix, p string) (string, error) {
	if prefix != "" {
		prefix = strings.TrimRight(path.Clean("/"+prefix), "/")
	}
	joined := path.Clean(prefix + "/" + strings.TrimLeft(p, "/"))
	if strings.HasSuffix(p, "/") && joined != "/" {
		joined += "/"
	}
	if prefix != "" && joined != prefix && !strings.HasPrefix(joined, prefix+"/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscapes, p)
	}
	return joined, nil
}

// Forwarder builds and sends upstream requests.
type Forwarder struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewForwarder creates a Forwarder for the configured upstream base URL.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &Forwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		baseURL: u,
	}, nil
}

// Forward sends req upstream and returns the unread response. The caller is
// responsible for closing the response body.
//
// creds is attached according to opts: the bearer token as
// "Authorization: Bearer <token>", the browser cookie header verbatim. A
// missing token is not an error; the request goes out without Authorization.
// Transport failures are returned wrapped. Non-2xx statuses are not errors.
func (f *Forwarder) Forward(ctx context.Context, req *model.UpstreamRequest, creds model.Credentials, opts model.ForwardOptions) (*model.UpstreamResponse, error) {
	upstreamURL, err := f.buildUpstreamURL(req.Path, req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	header := f.filterRequestHeaders(req.Header)

	if opts.Bearer && creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	if opts.ForwardCookie && creds.Cookie != "" {
		header.Set("Cookie", creds.Cookie)
	}

	f.logger.Debug("forwarding request",
		"method", req.Method,
		"path", req.Path,
		"bearer", header.Get("Authorization") != "",
		"cookie", header.Get("Cookie") != "",
	)

	resp, err := f.client.DoStream(ctx, req.Method, upstreamURL, header, req.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = f.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the base URL path with p, confined to the base path,
// and attaches the browser query as sent.
func (f *Forwarder) buildUpstreamURL(p, rawQuery string) (string, error) {
	joined, err := JoinPath(f.baseURL.Path, p)
	if err != nil {
		return "", err
	}

	u := *f.baseURL
	u.Path = joined
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.ForceQuery = false

	return u.String(), nil
}

func (f *Forwarder) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (f *Forwarder) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
