package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError is a caller mistake detected synchronously.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NotReadyError is returned when order ids are requested before the gateway
// has seeded the allocator.
type NotReadyError struct {
	Component string
}

func (e *NotReadyError) Error() string {
	return e.Component + " not ready: waiting for gateway seed"
}

func (e *NotReadyError) IsRetriable() bool {
	return true
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// DuplicateIdError is returned when an order id is registered twice.
type DuplicateIdError struct {
	OrderID int64
}

func (e *DuplicateIdError) Error() string {
	return fmt.Sprintf("duplicate order id %d", e.OrderID)
}

// IllegalTransitionError describes a status update the state machine refused.
type IllegalTransitionError struct {
	OrderID int64
	From    OrderStatus
	To      OrderStatus
	Detail  string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("order %d: illegal transition %s -> %s", e.OrderID, e.From, e.To)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// ConnectionTimeoutError is returned when a bounded readiness wait expires.
type ConnectionTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

func (e *ConnectionTimeoutError) IsRetriable() bool {
	return true
}

// ExhaustedRangeError is returned when a client id category has no free ids.
type ExhaustedRangeError struct {
	Category string
	Lo, Hi   int
}

func (e *ExhaustedRangeError) Error() string {
	return fmt.Sprintf("client id range %q [%d,%d) exhausted", e.Category, e.Lo, e.Hi)
}

var (
	// ErrConnectionFailed is returned when the gateway connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned by gateways asked to submit or cancel while disconnected.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrNotReady matches any NotReadyError via errors.Is.
	ErrNotReady = errors.New("not ready")

	// ErrUnknownOrder is returned for status events about orders we never registered.
	ErrUnknownOrder = errors.New("unknown order")

	ErrInvalidAction     = errors.New("action must be BUY or SELL")
	ErrInvalidReason     = errors.New("reason must be OPEN or CLOSE")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidInstrument = errors.New("instrument is required")
	ErrInvalidPrice      = errors.New("limit price must be positive")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
