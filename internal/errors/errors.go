// Package errors provides structured error handling for camwatch.
// Every failure that crosses a worker boundary is reported with an ErrorCode
// so it can be turned into an error message on the bus without losing its
// classification.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeFileNotFound  ErrorCode = "FILE_NOT_FOUND"

	// Pipeline errors.
	CodeNetwork  ErrorCode = "NETWORK_ERROR"
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"
	CodeContract ErrorCode = "CONTRACT_ERROR"

	// Discovery errors.
	CodeScanFailed ErrorCode = "SCAN_FAILED"

	// Scheduling errors.
	CodePoolClosed ErrorCode = "POOL_CLOSED"
	CodeQueueFull  ErrorCode = "QUEUE_FULL"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
)

// kindNames maps codes to the names reported in published error messages.
var kindNames = map[ErrorCode]string{
	CodeNetwork:    "NetworkError",
	CodeTimeout:    "NetworkError",
	CodeProtocol:   "ProtocolError",
	CodeContract:   "ContractError",
	CodePoolClosed: "PoolClosed",
	CodeQueueFull:  "QueueFull",
	CodeValidation: "ValidationError",
	CodeCanceled:   "Canceled",
}

// ScanError represents an error that occurred while scanning or resolving a target.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records the operation that failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// New creates a new scan error with the specified code and message.
func New(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewWithTarget creates a scan error for a specific target.
func NewWithTarget(code ErrorCode, message, target string) *ScanError {
	e := New(code, message)
	e.Target = target
	return e
}

// Wrap wraps an existing error as a scan error.
func Wrap(code ErrorCode, message string, err error) *ScanError {
	e := New(code, message)
	e.Cause = err
	return e
}

// WrapWithTarget wraps an error with target information.
func WrapWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	e := Wrap(code, message, err)
	e.Target = target
	return e
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a database error without a cause.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// ErrDatabaseConnection reports a failed connect without exposing the DSN.
func ErrDatabaseConnection(err error) *DatabaseError {
	return &DatabaseError{
		Code:      CodeDatabaseConnection,
		Message:   "failed to connect to database",
		Operation: "connect",
		Cause:     err,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, operation string, err error) *DatabaseError {
	return &DatabaseError{
		Code:      code,
		Message:   "database operation failed",
		Operation: operation,
		Cause:     err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// GetCode extracts the error code from the first typed error in the chain.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// Kind returns the public name of an error's classification, e.g. "NetworkError".
// Errors without a known code are reported as "UnknownError".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if name, ok := kindNames[GetCode(err)]; ok {
		return name
	}
	return "UnknownError"
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNetwork, CodeQueueFull:
		return true
	default:
		return false
	}
}

// ErrNetwork creates an error for connect, DNS and timeout failures.
func ErrNetwork(target string, err error) *ScanError {
	return WrapWithTarget(CodeNetwork, "network request failed", target, err)
}

// ErrProtocol creates an error for a response that could not be parsed.
func ErrProtocol(target, message string, err error) *ScanError {
	return WrapWithTarget(CodeProtocol, message, target, err)
}

// ErrContract creates an error for a well-formed response missing a required field.
func ErrContract(target, field string) *ScanError {
	return NewWithTarget(CodeContract, "response missing required field", target).
		WithContext("field", field)
}

// ErrPoolClosed is returned when work is submitted after shutdown.
func ErrPoolClosed(component string) *ScanError {
	return New(CodePoolClosed, component+" is shut down")
}

// ErrQueueFull is returned when a bounded queue rejects work.
func ErrQueueFull(component string) *ScanError {
	return New(CodeQueueFull, component+" queue is full")
}

// ErrInvalidTarget creates an error for an unusable scan target.
func ErrInvalidTarget(target string) *ScanError {
	return NewWithTarget(CodeValidation, "invalid target specification", target)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    CodeValidation,
		Message: "invalid configuration value",
		Field:   field,
		Value:   value,
	}
}
