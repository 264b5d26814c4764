package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	ErrNoStoredState = errors.New("no stored state")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrShuttingDown  = errors.New("reconciler is shutting down")
)

// ProvisionError represents a failed create for one provisioning slot
type ProvisionError struct {
	Stage    string // e.g., "render", "create"
	Name     string
	Attempts int
	Message  string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("provision failed at %s (name=%s, attempts=%d): %s: %v", e.Stage, e.Name, e.Attempts, e.Message, e.Err)
	}
	return fmt.Sprintf("provision failed at %s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Domain implements DomainError.
func (e *ProvisionError) Domain() string { return DomainProvisioning }

// Code implements DomainError.
func (e *ProvisionError) Code() string { return ErrCodeProvisionFailed }

// NewProvisionError creates a new provision error
func NewProvisionError(stage, name string, attempts int, message string, err error) *ProvisionError {
	return &ProvisionError{
		Stage:    stage,
		Name:     name,
		Attempts: attempts,
		Message:  message,
		Err:      err,
	}
}

// CorruptStateError is returned when persisted registry state cannot be parsed
type CorruptStateError struct {
	Location string // file path or database path
	Backend  string
	Err      error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt %s state at %s: %v", e.Backend, e.Location, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// NewCorruptStateError creates a new corrupt state error
func NewCorruptStateError(backend, location string, err error) *CorruptStateError {
	return &CorruptStateError{
		Location: location,
		Backend:  backend,
		Err:      err,
	}
}

// IsCorruptState reports whether err (or anything it wraps) is a CorruptStateError
func IsCorruptState(err error) bool {
	var corrupt *CorruptStateError
	return errors.As(err, &corrupt)
}

// DestructionError represents an error during node destruction
type DestructionError struct {
	NodeID  string
	Message string
	Err     error
}

func (e *DestructionError) Error() string {
	return fmt.Sprintf("destruction failed (node=%s): %s: %v", e.NodeID, e.Message, e.Err)
}

func (e *DestructionError) Unwrap() error {
	return e.Err
}

// NewDestructionError creates a new destruction error
func NewDestructionError(nodeID, message string, err error) *DestructionError {
	return &DestructionError{
		NodeID:  nodeID,
		Message: message,
		Err:     err,
	}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error [%s]: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a new config error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}
