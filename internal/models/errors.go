package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrNotConnected is returned by stream sends while the transport is down.
	ErrNotConnected = errors.New("stream: not connected")

	// ErrDuplicateOrder marks a second live order detected for one level.
	ErrDuplicateOrder = errors.New("duplicate order detected")

	// ErrOrderRejected marks a per-level placement failure; the level is
	// retried on the next reconciliation pass.
	ErrOrderRejected = errors.New("order rejected")

	// ErrPersistence marks a snapshot write failure. Logged, never fatal
	// for trading.
	ErrPersistence = errors.New("persistence error")
)

// ConfigError reports every invalid configuration field at once.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Violations, "; "))
}

// InsufficientGridResolutionError is returned when the per-grid quantity
// falls below the exchange minimum. The grid is never silently shrunk.
type InsufficientGridResolutionError struct {
	Quantity    float64
	MinQuantity float64
}

func (e *InsufficientGridResolutionError) Error() string {
	return fmt.Sprintf("insufficient grid resolution: per-grid quantity %.8f below exchange minimum %.8f; reduce grid count or raise investment",
		e.Quantity, e.MinQuantity)
}

// RiskCheckError carries every failed pre-start check.
type RiskCheckError struct {
	Reasons []string
}

func (e *RiskCheckError) Error() string {
	return fmt.Sprintf("risk check failed: %s", strings.Join(e.Reasons, "; "))
}

// TransportError wraps a streaming transport failure. It triggers
// reconnection and never terminates the process.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
