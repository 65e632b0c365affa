// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
)

// UpstreamRequest describes a browser request to be forwarded upstream.
// Path is relative to the configured upstream base URL. RawQuery is passed
// through unchanged.
type UpstreamRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// UpstreamResponse is the upstream reply before normalization.
// The caller owns Body and must close it.
type UpstreamResponse struct {
	StatusCode int
	Status     string // reason phrase only, e.g. "Not Found"
	Header     http.Header
	Body       io.ReadCloser
}

// Credentials is the per-request authentication bundle handed to the forwarder.
type Credentials struct {
	Token  string // bearer token from the credential cookie, empty when absent
	Cookie string // browser Cookie header, verbatim
}

// ForwardOptions selects which credentials are attached upstream.
type ForwardOptions struct {
	Bearer        bool
	ForwardCookie bool
}

// DualAuth forwards both the bearer token and the browser cookie.
var DualAuth = ForwardOptions{Bearer: true, ForwardCookie: true}
