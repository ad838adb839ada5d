package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched with errors.Is across packages.
var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownSample      = errors.New("unknown sample")
	ErrUnknownPool        = errors.New("unknown pool")
	ErrIntegrity          = errors.New("integrity violation")
	ErrInvalidResult      = errors.New("invalid test result")
	ErrInvalidSubjectKind = errors.New("invalid subject kind")
	ErrMalformedRow       = errors.New("malformed input row")
)

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for API responses
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeIntegrity      = "INTEGRITY_ERROR"
	ErrCodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
)

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IntegrityError is returned when a write would break a referential or
// uniqueness invariant. The write is rejected, never corrected.
type IntegrityError struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Error implements the error interface
func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity violation on %s %q: %s: %v", e.Entity, e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("integrity violation on %s %q: %s", e.Entity, e.ID, e.Reason)
}

// Is makes every IntegrityError match ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Unwrap exposes the underlying validation failure, if any.
func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// NewIntegrityError creates a new IntegrityError
func NewIntegrityError(entity, id, reason string) *IntegrityError {
	return &IntegrityError{Entity: entity, ID: id, Reason: reason}
}

// MalformedRowError describes an ingestion row that was skipped.
type MalformedRowError struct {
	Feed   string `json:"feed"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Error implements the error interface
func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Feed, e.Line, e.Reason)
}

// Is makes every MalformedRowError match ErrMalformedRow.
func (e *MalformedRowError) Is(target error) bool {
	return target == ErrMalformedRow
}
