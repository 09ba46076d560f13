// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package retry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Validation range constants for retry configuration parameters.
const (
	MinMaxRetries = 0
	MaxMaxRetries = 10

	MinInitialBackoff = time.Millisecond
	MaxInitialBackoff = 30 * time.Second

	MinBackoffFactor = 1.0
	MaxBackoffFactor = 10.0

	MaxMaxBackoff = 5 * time.Minute
)

// retryableStatusCodes contains HTTP status codes that should be retried.
var retryableStatusCodes = []string{
	strconv.Itoa(http.StatusRequestTimeout),
	strconv.Itoa(http.StatusTooManyRequests),
	strconv.Itoa(http.StatusInternalServerError),
	strconv.Itoa(http.StatusBadGateway),
	strconv.Itoa(http.StatusServiceUnavailable),
	strconv.Itoa(http.StatusGatewayTimeout),
}

// Config defines configuration for retry behavior.
type Config struct {
	// MaxRetries specifies the maximum number of retry attempts.
	MaxRetries int
	// InitialBackoff specifies the backoff duration before the first retry.
	InitialBackoff time.Duration
	// BackoffFactor multiplies the backoff duration for each retry.
	BackoffFactor float64
	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration
}

// Validate validates and clamps retry configuration parameters to sensible
// ranges.
func (c Config) Validate() Config {
	validated := c

	if validated.MaxRetries < MinMaxRetries {
		validated.MaxRetries = MinMaxRetries
	} else if validated.MaxRetries > MaxMaxRetries {
		validated.MaxRetries = MaxMaxRetries
	}

	if validated.InitialBackoff < MinInitialBackoff {
		validated.InitialBackoff = MinInitialBackoff
	} else if validated.InitialBackoff > MaxInitialBackoff {
		validated.InitialBackoff = MaxInitialBackoff
	}

	if validated.BackoffFactor < MinBackoffFactor {
		validated.BackoffFactor = MinBackoffFactor
	} else if validated.BackoffFactor > MaxBackoffFactor {
		validated.BackoffFactor = MaxBackoffFactor
	}

	if validated.MaxBackoff < validated.InitialBackoff {
		validated.MaxBackoff = validated.InitialBackoff
	} else if validated.MaxBackoff > MaxMaxBackoff {
		validated.MaxBackoff = MaxMaxBackoff
	}

	return validated
}

// IsRetryableError determines if an error is retryable based on its
// characteristics. Uses precise pattern matching to avoid false positives.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection aborted") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "dial timeout") ||
		errStr == "eof" ||
		strings.HasSuffix(errStr, ": eof") {
		return true
	}

	return isHTTPStatusRetryable(errStr)
}

// isHTTPStatusRetryable checks if an error contains a retryable HTTP status
// code. Matches patterns like "status 503" so "port 5001" cannot match "500".
func isHTTPStatusRetryable(errStr string) bool {
	for _, code := range retryableStatusCodes {
		if strings.Contains(errStr, "http "+code) ||
			strings.Contains(errStr, "status "+code) ||
			strings.Contains(errStr, "status: "+code) ||
			strings.Contains(errStr, code+" ") {
			return true
		}
	}
	return false
}

// Execute executes a function with exponential backoff retry logic.
func Execute(ctx context.Context, operation func() error, config *Config) error {
	if config == nil || config.MaxRetries == 0 {
		return operation()
	}

	var lastErr error
	maxAttempts := config.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !IsRetryableError(lastErr) {
			return lastErr
		}

		if attempt == maxAttempts {
			break
		}

		var multiplier float64 = 1
		for i := 1; i < attempt; i++ {
			multiplier *= config.BackoffFactor
		}
		backoff := time.Duration(float64(config.InitialBackoff) * multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}
