package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// loggingRoundTripper wraps an underlying transport and emits one line per
// request and response (including latency) when verbose logging is enabled.
type loggingRoundTripper struct {
	base http.RoundTripper
	w    io.Writer
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	if t.w != nil {
		_, _ = fmt.Fprintf(t.w, "[verbose] api: %s %s\n", req.Method, req.URL.String())
	}
	resp, err := t.base.RoundTrip(req)
	dur := time.Since(start)
	if t.w != nil {
		if err != nil {
			_, _ = fmt.Fprintf(t.w, "[verbose] api: error after %s: %v\n", dur.Truncate(time.Millisecond), err)
		} else {
			_, _ = fmt.Fprintf(t.w, "[verbose] api: %d %s (%s)\n", resp.StatusCode, http.StatusText(resp.StatusCode), dur.Truncate(time.Millisecond))
		}
	}
	return resp, err
}

// basicAuthTransport adds HTTP basic credentials (username + app secret) to every
// request. The request is cloned so callers' requests are never mutated.
type basicAuthTransport struct {
	base     http.RoundTripper
	username string
	secret   string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.username, t.secret)
	return t.base.RoundTrip(clone)
}

// NewTransport builds the shared transport chain: base -> verbose logging ->
// basic auth. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, username, secret string, verbose io.Writer) http.RoundTripper {
	transport := base
	if transport == nil {
		transport = http.DefaultTransport
	}
	if verbose != nil {
		transport = &loggingRoundTripper{base: transport, w: verbose}
	}
	if username != "" || secret != "" {
		transport = &basicAuthTransport{base: transport, username: username, secret: secret}
	}
	return transport
}

// VerboseTransport wraps base with per-request logging to w.
func VerboseTransport(base http.RoundTripper, w io.Writer) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingRoundTripper{base: base, w: w}
}
