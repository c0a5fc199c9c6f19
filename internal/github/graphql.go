package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"commitharvest/internal/httpclient"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse[T any] struct {
	Data   T `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// graphqlEndpoint derives the GraphQL URL from the REST base:
// api.github.com/ -> api.github.com/graphql, <host>/api/v3/ -> <host>/api/graphql.
func graphqlEndpoint(base *url.URL) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("graphql: base url is nil")
	}
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	if strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/api/v3") {
		u.Path = "/api/graphql"
	} else {
		u.Path = "/graphql"
	}
	return &u, nil
}

// graphQLCall returns a call that POSTs req through the client's transport
// and decodes the data object into out. GraphQL-level errors are reported as
// a 422 so the retry policy treats them as terminal.
func graphQLCall[T any](c *Client, req graphQLRequest, out *T) (string, httpclient.Call, error) {
	endpoint, err := graphqlEndpoint(c.Client.BaseURL)
	if err != nil {
		return "", nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("graphql: marshal request: %w", err)
	}
	target := endpoint.String()

	return target, func(ctx context.Context) httpclient.Attempt {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return httpclient.Attempt{Err: fmt.Errorf("graphql: build request: %w", err)}
		}
		hreq.Header.Set("Content-Type", "application/json")
		hreq.Header.Set("Accept", "application/json")

		hresp, err := c.HTTP.Do(hreq)
		if err != nil {
			return httpclient.Attempt{Err: fmt.Errorf("graphql: do request: %w", err)}
		}
		defer hresp.Body.Close()

		body, err := io.ReadAll(hresp.Body)
		a := httpclient.Attempt{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: body}
		if err != nil {
			a.Err = fmt.Errorf("graphql: read response: %w", err)
			return a
		}
		if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
			a.Err = fmt.Errorf("graphql: http %d", hresp.StatusCode)
			return a
		}

		var decoded graphQLResponse[T]
		if err := json.Unmarshal(body, &decoded); err != nil {
			a.Err = fmt.Errorf("graphql: decode response: %w", err)
			return a
		}
		if len(decoded.Errors) > 0 {
			a.StatusCode = http.StatusUnprocessableEntity
			a.Message = decoded.Errors[0].Message
			a.Err = fmt.Errorf("graphql: %s", decoded.Errors[0].Message)
			return a
		}
		*out = decoded.Data
		return a
	}, nil
}
