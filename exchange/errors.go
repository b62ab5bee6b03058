package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorCategory classifies an exchange failure for retry decisions and
// execution records.
type ErrorCategory string

const (
	CategoryAuth              ErrorCategory = "auth"
	CategoryRateLimit         ErrorCategory = "rate_limit"
	CategoryInsufficientFunds ErrorCategory = "insufficient_funds"
	CategoryMarketClosed      ErrorCategory = "market_closed"
	CategoryInvalidOrder      ErrorCategory = "invalid_order"
	CategoryAPIError          ErrorCategory = "api_error"
	CategoryNetwork           ErrorCategory = "network"
	CategoryTimeout           ErrorCategory = "timeout"
)

// APIError is a categorized exchange failure. RetryAfter carries the server's
// backoff hint when the response included one.
type APIError struct {
	Category   ErrorCategory
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("exchange: %s (status %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Category, e.Message)
}

// Retryable reports whether the failure class can succeed on a later attempt.
// Business rejections (funds, closed markets, bad orders) and auth failures
// never become retryable by waiting.
func (e *APIError) Retryable() bool {
	switch e.Category {
	case CategoryRateLimit, CategoryAPIError, CategoryNetwork, CategoryTimeout:
		return true
	default:
		return false
	}
}

// Categorize maps an HTTP response to an APIError.
func Categorize(statusCode int, body string, header http.Header) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(body),
	}

	lower := strings.ToLower(body)
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		apiErr.Category = CategoryAuth
	case statusCode == http.StatusTooManyRequests:
		apiErr.Category = CategoryRateLimit
		apiErr.RetryAfter = parseRetryAfter(header)
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "insufficient"):
		apiErr.Category = CategoryInsufficientFunds
	case statusCode == http.StatusBadRequest && strings.Contains(lower, "closed"):
		apiErr.Category = CategoryMarketClosed
	case statusCode >= 400 && statusCode < 500:
		apiErr.Category = CategoryInvalidOrder
	default:
		apiErr.Category = CategoryAPIError
	}
	return apiErr
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *APIError {
	return &APIError{Category: CategoryNetwork, Message: err.Error()}
}

// TimeoutError wraps a deadline failure.
func TimeoutError(err error) *APIError {
	return &APIError{Category: CategoryTimeout, Message: err.Error()}
}

// AsAPIError extracts an APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
