package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMaxRetries is wrapped by Error when every attempt failed.
var ErrMaxRetries = errors.New("max retries exceeded")

// Error is the failure value returned by Client. Terminal errors were not
// retried because the request can never succeed (authorization, not found).
type Error struct {
	URL        string
	StatusCode int
	Message    string
	Terminal   bool
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("request ")
	b.WriteString(e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason is a short description suitable for a failure record.
func (e *Error) Reason() string {
	switch {
	case errors.Is(e.Err, ErrMaxRetries):
		if e.StatusCode != 0 {
			return fmt.Sprintf("max retries exceeded (last status %d)", e.StatusCode)
		}
		return "max retries exceeded"
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "request failed"
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsTerminal reports whether err is a non-retryable failure.
func IsTerminal(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Terminal
}

// ExtractMessage pulls a human-readable message out of an error response body.
// It understands the Bitbucket shape {"errors":[{"message":...}]} and the GitHub
// shape {"message":...}, and falls back to the trimmed body.
func ExtractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var msgs []string
		for _, e := range payload.Errors {
			if m := strings.TrimSpace(e.Message); m != "" {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
		if m := strings.TrimSpace(payload.Message); m != "" {
			return m
		}
		return ""
	}

	const limit = 200
	if len(trimmed) > limit {
		return trimmed[:limit] + "..."
	}
	return trimmed
}
