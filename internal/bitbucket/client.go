// Package bitbucket reads projects, branches, commits and diffs from a
// Bitbucket Server REST 1.0 API.
package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const apiPrefix = "/rest/api/1.0"

// Getter fetches a URL under the caller's rate limit and retry policy.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

type Client struct {
	get      Getter
	base     *url.URL
	pageSize int
}

type Option func(*Client)

// WithPageSize sets the limit used on paged endpoints.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func NewClient(get Getter, baseURL string, opts ...Option) (*Client, error) {
	if get == nil {
		return nil, fmt.Errorf("bitbucket client: getter is nil")
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("bitbucket client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bitbucket client: base url %q must be absolute", baseURL)
	}
	c := &Client{get: get, base: u, pageSize: 100}
	for _, apply := range opts {
		if apply != nil {
			apply(c)
		}
	}
	return c, nil
}

// endpoint builds an API URL from already-unescaped path segments.
func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	prefix := strings.TrimRight(c.base.Path, "/") + apiPrefix + "/"
	u.Path = prefix + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + apiPrefix + "/" + strings.Join(escaped, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// page is the envelope of every paged REST 1.0 response.
type page[T any] struct {
	Values        []T  `json:"values"`
	Size          int  `json:"size"`
	Limit         int  `json:"limit"`
	Start         int  `json:"start"`
	IsLastPage    bool `json:"isLastPage"`
	NextPageStart *int `json:"nextPageStart"`
}

// paginate requests successive pages of segments until the server reports
// the last page or visit returns false.
func paginate[T any](ctx context.Context, c *Client, query url.Values, visit func([]T) bool, segments ...string) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	if q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(c.pageSize))
	}

	start := 0
	for {
		if start > 0 {
			q.Set("start", strconv.Itoa(start))
		}
		target := c.endpoint(q, segments...)
		body, err := c.get.Get(ctx, target)
		if err != nil {
			return err
		}

		var p page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("decode page %s: %w", target, err)
		}
		if !visit(p.Values) {
			return nil
		}
		if p.IsLastPage || p.NextPageStart == nil || *p.NextPageStart <= start {
			return nil
		}
		start = *p.NextPageStart
	}
}
