package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for view building operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeTableNotFound   ErrorCode = 1001
	ErrCodeInvalidKey      ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidName     ErrorCode = 1004
	ErrCodeChecksumFailed  ErrorCode = 1005

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeRowProcessing     ErrorCode = 2003
	ErrCodeRelocation        ErrorCode = 2004
	ErrCodeGateBroken        ErrorCode = 2005
	ErrCodeCorruptedData     ErrorCode = 2006
	ErrCodeResourceExhausted ErrorCode = 2007
)

// ErrGateBroken is returned to registrants that were waiting for a
// registration permit when the generator shut down
var ErrGateBroken = NewStorageError(ErrCodeGateBroken, "registration gate broken", nil)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches storage errors by code so sentinel comparisons survive wrapping
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *StorageError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeInvalidKey, ErrCodeValueTooLarge, ErrCodeInvalidName:
		return http.StatusBadRequest
	case ErrCodeTableNotFound:
		return http.StatusNotFound
	case ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable, ErrCodeGateBroken:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func TableNotFound(table string) *StorageError {
	return NewStorageError(ErrCodeTableNotFound, fmt.Sprintf("table not found: %s", table), nil).
		WithDetail("table", table)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func InvalidName(kind, name, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidName, fmt.Sprintf("invalid %s '%s': %s", kind, name, reason), nil).
		WithDetail(kind, name).
		WithDetail("reason", reason)
}

func ValueTooLarge(column string, size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value of column %s has size %d exceeding maximum %d", column, size, maxSize), nil).
		WithDetail("column", column).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDiskFull, message, cause)
}

func RowProcessingFailed(file string, cause error) *StorageError {
	return NewStorageError(ErrCodeRowProcessing, fmt.Sprintf("processing %s failed", file), cause).
		WithDetail("file", file)
}

func RelocationFailed(table string, files int, cause error) *StorageError {
	return NewStorageError(ErrCodeRelocation, fmt.Sprintf("moving %d staging files of %s failed", files, table), cause).
		WithDetail("table", table).
		WithDetail("files", files)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	var se *StorageError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return http.StatusInternalServerError
}
