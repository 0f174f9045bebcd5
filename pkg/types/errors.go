package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components. Callers branch on these with
// errors.Is rather than matching message strings.
var (
	// ErrRateLimited means a provider key is cooling down.
	ErrRateLimited = errors.New("rate limited")

	// ErrProvidersExhausted means every advisor provider/key combination
	// failed for a request.
	ErrProvidersExhausted = errors.New("all advisor providers exhausted")

	// ErrInvalidAdvice means an advisor response did not match the expected
	// recommendation schema.
	ErrInvalidAdvice = errors.New("invalid advisor response")

	// ErrBreakerOpen means a circuit breaker is holding executions back.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrMarketClosed means the trading calendar says no.
	ErrMarketClosed = errors.New("market closed")
)

// RiskRejection is returned when a proposed trade fails a risk check.
// The Reason names the specific limit that was hit.
type RiskRejection struct {
	Reason string
}

func (r *RiskRejection) Error() string {
	return "trade rejected: " + r.Reason
}

// BrokerError wraps a failure from the broker adapter. Transient errors are
// retryable and count toward circuit breakers; others are terminal.
type BrokerError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ConfigError marks a fatal configuration problem found at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
