package incidents

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError is one classified failure response from the incidents API.
// Params: HTTP status, vendor error title/detail, and optional field pointer.
// Returns: typed remote error with classification predicates.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	Source     string

	// retryAfter carries a remote Retry-After hint into the backoff computation.
	retryAfter time.Duration
}

// Error renders remote failure message.
// Params: none.
// Returns: string representation with status and vendor detail.
func (e *APIError) Error() string {
	switch {
	case e.Title != "" && e.Detail != "":
		return fmt.Sprintf("incidents api status=%d title=%q detail=%q", e.StatusCode, e.Title, e.Detail)
	case e.Title != "":
		return fmt.Sprintf("incidents api status=%d title=%q", e.StatusCode, e.Title)
	default:
		return fmt.Sprintf("incidents api status=%d", e.StatusCode)
	}
}

// IsRetryable reports whether the failure may succeed on retry.
// Params: none.
// Returns: true for 429 and 5xx gateway/server statuses.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRateLimit reports a remote 429 response.
// Params: none.
// Returns: true for HTTP 429.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuth reports an authentication/authorization failure.
// Params: none.
// Returns: true for HTTP 401 and 403.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsNotFound reports that the remote incident no longer exists.
// Params: none.
// Returns: true for HTTP 404 and 410.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsConflict reports a state conflict such as "already resolved".
// Params: none.
// Returns: true for HTTP 409.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsValidation reports a request rejected by remote validation.
// Params: none.
// Returns: true for HTTP 400 and 422.
func (e *APIError) IsValidation() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// Retryable classifies any client error for the retry loop.
// Params: operation error.
// Returns: true for retryable API statuses and transport-level failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	// Context cancellation aborts the retry loop elsewhere; every other
	// non-API failure is a transport error and worth another attempt.
	return true
}
