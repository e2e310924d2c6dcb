// Package errors provides error handling utilities for JMINED services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents transport failures (poll/submit round trips)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents missing/malformed required fields
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDecode represents header/block bytes that fail to parse
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypeSeed represents an epoch anchor block not yet known locally
	ErrorTypeSeed ErrorType = "seed"
	// ErrorTypePool represents P2Pool protocol-level errors
	ErrorTypePool ErrorType = "pool"
	// ErrorTypeChain represents chain RPC errors
	ErrorTypeChain ErrorType = "chain"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeFatal represents unrecoverable failures (hash engine init)
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Field     string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithField records the request field that caused a validation failure.
// Callers pattern-match on the field name, so it is also appended to the
// message when not already present.
func (e *ServiceError) WithField(field string) *ServiceError {
	e.Field = field
	if !strings.Contains(e.Message, field) {
		e.Message = fmt.Sprintf("%s (field: %s)", e.Message, field)
	}
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// NewValidation creates a validation error referencing the offending field
func NewValidation(operation, field, message string) *ServiceError {
	return New(ErrorTypeValidation, operation, message).WithField(field)
}

// NewDecode creates a decode error. The message always carries a "decode"
// marker so callers can distinguish malformed bytes from field validation.
func NewDecode(operation, message string) *ServiceError {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "decode") && !strings.Contains(lower, "deserialize") {
		message = "failed to decode: " + message
	}
	return New(ErrorTypeDecode, operation, message)
}

// NewSeedUnavailable creates the recoverable error used when an epoch's
// anchor block is not yet known locally (e.g. during initial sync).
func NewSeedUnavailable(operation string, epochHeight int64) *ServiceError {
	return New(ErrorTypeSeed, operation, "seed hash unavailable: epoch anchor block not known locally").
		WithContext("epoch_height", epochHeight)
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// If it's already a ServiceError, preserve field and retryability
	if se, ok := err.(*ServiceError); ok {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Field:     se.Field,
			Cause:     se,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(err),
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypePool, ErrorTypeSeed:
		return true
	case ErrorTypeValidation, ErrorTypeDecode, ErrorTypeFatal:
		return false
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation/timeout is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"no such host",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsSeedUnavailable reports whether err is the recoverable seed error
func IsSeedUnavailable(err error) bool {
	return IsType(err, ErrorTypeSeed)
}

// IsFatal reports whether err halts the mining loop
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeFatal)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// FieldName returns the offending field of a validation error, or ""
func FieldName(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Field
	}
	return ""
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
