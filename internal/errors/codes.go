package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a specific error type for cache and sync operations.
type ErrorCode string

const (
	// ErrCodeSecurityViolation indicates a tenant isolation breach or a refused CRITICAL write.
	ErrCodeSecurityViolation ErrorCode = "SECURITY_VIOLATION"
	// ErrCodeDecryptionFailed indicates a malformed blob or a key that does not match.
	ErrCodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"
	// ErrCodeStorageUnavailable indicates a transient storage failure (busy, closed, full).
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrCodeStorageCorrupt indicates a stored record that cannot be decoded.
	ErrCodeStorageCorrupt ErrorCode = "STORAGE_CORRUPT"
	// ErrCodeSyncOperationFailed indicates a remote call for a pending operation failed.
	ErrCodeSyncOperationFailed ErrorCode = "SYNC_OPERATION_FAILED"
	// ErrCodeCriticalRejected indicates CRITICAL data was handed to a persistence path.
	ErrCodeCriticalRejected ErrorCode = "CRITICAL_REJECTED"
	// ErrCodeMissingContext indicates no tenant/user pair was attached to the call.
	ErrCodeMissingContext ErrorCode = "MISSING_CONTEXT"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// CoreError represents a structured error raised by the caching and sync core.
type CoreError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *CoreError) WithContext(key string, value interface{}) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *CoreError) GetCode() ErrorCode {
	return e.Code
}

// Convenience constructors for common error types.

// SecurityViolation creates a security violation error.
func SecurityViolation(msg string) *CoreError {
	return &CoreError{Code: ErrCodeSecurityViolation, Message: msg}
}

// DecryptionFailed creates a decryption error.
func DecryptionFailed(msg string, cause error) *CoreError {
	return &CoreError{Code: ErrCodeDecryptionFailed, Message: msg, Cause: cause}
}

// StorageUnavailable creates a transient storage error.
func StorageUnavailable(msg string, cause error) *CoreError {
	return &CoreError{Code: ErrCodeStorageUnavailable, Message: msg, Cause: cause}
}

// StorageCorrupt creates a non-transient storage error for a single record.
func StorageCorrupt(msg string, cause error) *CoreError {
	return &CoreError{Code: ErrCodeStorageCorrupt, Message: msg, Cause: cause}
}

// SyncOperationFailed creates a remote call failure for a pending operation.
func SyncOperationFailed(operationID string, cause error) *CoreError {
	return &CoreError{
		Code:    ErrCodeSyncOperationFailed,
		Message: fmt.Sprintf("operation %s failed", operationID),
		Cause:   cause,
	}
}

// CriticalRejected creates an error for CRITICAL data reaching a persistence path.
func CriticalRejected(msg string) *CoreError {
	return &CoreError{Code: ErrCodeCriticalRejected, Message: msg}
}

// MissingContext creates an error for calls without tenant/user context.
func MissingContext() *CoreError {
	return &CoreError{Code: ErrCodeMissingContext, Message: "no tenant/user context on call"}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *CoreError {
	return &CoreError{Code: ErrCodeInvalidArgument, Message: msg}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error, or any error it wraps, carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var coreErr *CoreError
	if stderrors.As(err, &coreErr) {
		return coreErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a CoreError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var coreErr *CoreError
	if stderrors.As(err, &coreErr) {
		return coreErr.Code
	}
	return defaultCode
}

// IsTransient reports whether retrying the same call may succeed.
// Corrupt records and rejected writes are permanent; everything else is treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch GetCodeFromError(err, ErrCodeStorageUnavailable) {
	case ErrCodeStorageCorrupt, ErrCodeCriticalRejected, ErrCodeInvalidArgument,
		ErrCodeMissingContext, ErrCodeSecurityViolation, ErrCodeDecryptionFailed:
		return false
	default:
		return true
	}
}
