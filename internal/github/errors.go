package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the GitHub API
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the raw Retry-After header, if any
	RetryAfter string
	Errors     []ValidationError
}

// ValidationError is a field-level failure reported on 422 responses
type ValidationError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "github: HTTP %d: %s", e.StatusCode, e.Message)
	for _, v := range e.Errors {
		detail := v.Message
		if detail == "" {
			detail = v.Code
		}
		fmt.Fprintf(&b, "; %s.%s: %s", v.Resource, v.Field, detail)
	}
	return b.String()
}

// Transient reports whether the request may succeed if repeated: rate
// limits and server-side failures.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusForbidden:
		return isRateLimitMessage(e.Message)
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a primary (403) or secondary (429)
// rate limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests ||
		(apiErr.StatusCode == http.StatusForbidden && isRateLimitMessage(apiErr.Message))
}

func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

func parseAPIError(status int, header http.Header, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, RetryAfter: header.Get("Retry-After")}

	var wire struct {
		Message string            `json:"message"`
		Errors  []ValidationError `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
		apiErr.Errors = wire.Errors
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
