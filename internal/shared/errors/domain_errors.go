package errors

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// DomainError is the base interface for all structured errors in the application
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "node", "provisioning", "registry")
	Domain() string

	// Code returns a stable error code for logs and metrics
	Code() string

	// Retryable indicates if the operation can be retried
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata adds metadata to the error
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata returns a copy of the error carrying the extra key.
// The receiver is left untouched so shared sentinel errors stay immutable.
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	maps.Copy(newMeta, e.metadata)
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Standardized Error Codes
const (
	// Node domain
	ErrCodeNodeNotFound          = "node_not_found"
	ErrCodeNodeUnhealthy         = "node_unhealthy"
	ErrCodeNodeInvalidTransition = "node_invalid_transition"

	// Provisioning / infrastructure
	ErrCodeProvisionFailed   = "provision_failed"
	ErrCodeProvisionTimeout  = "provision_timeout"
	ErrCodeDestructionFailed = "destruction_failed"
	ErrCodeRateLimit         = "rate_limit_exceeded"
	ErrCodeProviderError     = "provider_error"
	ErrCodeTemplate          = "template_error"

	// Registry
	ErrCodeCorruptState = "corrupt_state"
	ErrCodePersistence  = "persistence_error"

	// System
	ErrCodeInternal = "internal_error"
	ErrCodeTimeout  = "timeout"
)

// Domain Constants
const (
	DomainNode           = "node"
	DomainProvisioning   = "provisioning"
	DomainInfrastructure = "infrastructure"
	DomainRegistry       = "registry"
	DomainSystem         = "system"
)

// NewNodeError creates a standardized node domain error
func NewNodeError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainNode, code, message, retryable, cause, nil)
}

// NewProvisioningError creates a standardized provisioning error
func NewProvisioningError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainProvisioning, code, message, retryable, cause, nil)
}

// NewInfrastructureError creates a standardized infrastructure error
func NewInfrastructureError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainInfrastructure, code, message, retryable, cause, nil)
}

// NewRegistryError creates a standardized registry error
func NewRegistryError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainRegistry, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// IsRetryable checks if any error in the chain is a retryable DomainError
func IsRetryable(err error) bool {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable()
	}
	return false
}

// GetErrorCode returns the error code if it's a DomainError, otherwise returns "unknown"
func GetErrorCode(err error) string {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code()
	}
	return "unknown"
}
