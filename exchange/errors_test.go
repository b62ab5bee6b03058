package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       ErrorCategory
		retryable  bool
	}{
		{"unauthorized", 401, "bad api key", CategoryAuth, false},
		{"forbidden", 403, "not allowed", CategoryAuth, false},
		{"rate limited", 429, "slow down", CategoryRateLimit, true},
		{"insufficient funds", 400, "Insufficient balance for order", CategoryInsufficientFunds, false},
		{"market closed", 400, "market is closed", CategoryMarketClosed, false},
		{"bad order", 400, "size below minimum", CategoryInvalidOrder, false},
		{"not found", 404, "no such market", CategoryInvalidOrder, false},
		{"server error", 500, "internal error", CategoryAPIError, true},
		{"bad gateway", 502, "upstream down", CategoryAPIError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := Categorize(tt.statusCode, tt.body, nil)
			if apiErr.Category != tt.want {
				t.Errorf("category = %s, want %s", apiErr.Category, tt.want)
			}
			if apiErr.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", apiErr.Retryable(), tt.retryable)
			}
			if apiErr.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", apiErr.StatusCode, tt.statusCode)
			}
		})
	}
}

func TestCategorizeRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "30")

	apiErr := Categorize(429, "rate limited", header)
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %s, want 30s", apiErr.RetryAfter)
	}

	// HTTP-date and garbage values are ignored rather than guessed at.
	header.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	apiErr = Categorize(429, "rate limited", header)
	if apiErr.RetryAfter != 0 {
		t.Errorf("retry after = %s, want 0 for date form", apiErr.RetryAfter)
	}
}

func TestNetworkAndTimeoutRetryable(t *testing.T) {
	if !NetworkError(errors.New("connection refused")).Retryable() {
		t.Error("network errors should be retryable")
	}
	if !TimeoutError(errors.New("deadline exceeded")).Retryable() {
		t.Error("timeouts should be retryable")
	}
}

func TestAsAPIError(t *testing.T) {
	orig := Categorize(429, "rate limited", nil)
	wrapped := fmt.Errorf("submit order: %w", orig)

	apiErr, ok := AsAPIError(wrapped)
	if !ok {
		t.Fatal("APIError not found in chain")
	}
	if apiErr.Category != CategoryRateLimit {
		t.Errorf("category = %s, want %s", apiErr.Category, CategoryRateLimit)
	}

	if _, ok := AsAPIError(errors.New("plain")); ok {
		t.Error("plain error should not match")
	}
}
