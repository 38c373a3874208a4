package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

// HTTPError represents a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Detail     string // {detail} from the body, if any
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

// IsClientError returns true for 4xx errors.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// IsTransient reports whether a failed call may succeed when repeated:
// transport failures, 5xx, 408 and 429. Cancellation and malformed responses
// are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBadResponse) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return he.StatusCode >= 500
	}
	return true
}

// Detail returns the server-provided message of an HTTPError, or err's text.
func Detail(err error) string {
	var he *HTTPError
	if errors.As(err, &he) && he.Detail != "" {
		return he.Detail
	}
	return err.Error()
}

func readHTTPError(resp *http.Response) error {
	he := &HTTPError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return he
	}

	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		var s string
		switch {
		case len(body.Detail) > 0 && json.Unmarshal(body.Detail, &s) == nil:
			he.Detail = s
		case len(body.Detail) > 0:
			he.Detail = string(body.Detail)
		default:
			he.Detail = body.Message
		}
		return he
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "html") {
		he.Detail = strings.TrimSpace(string(raw))
	}
	return he
}
