// Package github reads organizations, branches, commits and patches from the
// GitHub API. Every call runs under the shared rate limit and retry policy.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"

	"commitharvest/internal/httpclient"
)

type Client struct {
	Client *github.Client
	HTTP   *http.Client
}

type options struct {
	verbose bool
	// writer receives verbose HTTP lines (typically stderr) so chunk and event
	// output on stdout stays clean.
	writer  io.Writer
	baseURL string
}

type Option func(*options)

func WithVerbose(enabled bool, writer io.Writer) Option {
	return func(o *options) {
		o.verbose = enabled
		o.writer = writer
	}
}

// WithBaseURL points the client at a GitHub Enterprise Server instance.
// Empty or api.github.com keeps the public API.
func WithBaseURL(raw string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimSpace(raw)
	}
}

func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("github client: ctx is nil")
	}

	o := &options{}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if o.verbose && o.writer == nil {
		o.writer = os.Stderr
	}

	transport := http.DefaultTransport
	if o.verbose {
		transport = httpclient.VerboseTransport(transport, o.writer)
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	tc := &http.Client{Transport: transport}

	client := github.NewClient(tc)
	if o.baseURL != "" && !isPublicAPI(o.baseURL) {
		enterprise, err := client.WithEnterpriseURLs(o.baseURL, o.baseURL)
		if err != nil {
			return nil, fmt.Errorf("github client: enterprise url: %w", err)
		}
		client = enterprise
	}

	return &Client{Client: client, HTTP: tc}, nil
}

func isPublicAPI(raw string) bool {
	s := strings.TrimSuffix(strings.ToLower(raw), "/")
	return s == "https://api.github.com" || s == "https://github.com"
}
