// Package errors provides a structured error system for mapperfs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for mapperfs operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Attribute dispatch errors
	ErrCodeAttributeNotFound    ErrorCode = "ATTRIBUTE_NOT_FOUND"
	ErrCodeAttributeUnsupported ErrorCode = "ATTRIBUTE_UNSUPPORTED"
	ErrCodeAttributeIO          ErrorCode = "ATTRIBUTE_IO"
	ErrCodeInvalidAttribute     ErrorCode = "INVALID_ATTRIBUTE"

	// Device lifecycle errors
	ErrCodeInvalidHandle ErrorCode = "INVALID_HANDLE"
	ErrCodeDeviceExists  ErrorCode = "DEVICE_EXISTS"
	ErrCodeDeviceBusy    ErrorCode = "DEVICE_BUSY"
	ErrCodeDeviceInvalid ErrorCode = "DEVICE_INVALID"

	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Metadata store errors
	ErrCodeStoreRead        ErrorCode = "STORE_READ"
	ErrCodeStoreWrite       ErrorCode = "STORE_WRITE"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeRecordNotFound   ErrorCode = "RECORD_NOT_FOUND"

	// Transport errors
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed ErrorCode = "UNMOUNT_FAILED"
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"

	// Operation tracking errors
	ErrCodeOperationNotFound ErrorCode = "OPERATION_NOT_FOUND"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryAttribute     ErrorCategory = "attribute"
	CategoryDevice        ErrorCategory = "device"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStore         ErrorCategory = "store"
	CategoryTransport     ErrorCategory = "transport"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrNotFound      = &MapperFSError{Code: ErrCodeAttributeNotFound}
	ErrUnsupported   = &MapperFSError{Code: ErrCodeAttributeUnsupported}
	ErrInvalidHandle = &MapperFSError{Code: ErrCodeInvalidHandle}
	ErrIO            = &MapperFSError{Code: ErrCodeAttributeIO}
	ErrNoRecord      = &MapperFSError{Code: ErrCodeRecordNotFound}
)

// MapperFSError represents a structured error with context and metadata.
type MapperFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	HTTPStatus int `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *MapperFSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *MapperFSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *MapperFSError) Is(target error) bool {
	if t, ok := target.(*MapperFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *MapperFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("MapperFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *MapperFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new mapperfs error with default values.
func NewError(code ErrorCode, message string) *MapperFSError {
	return &MapperFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error of the given code caused by err.
func Wrap(code ErrorCode, message string, err error) *MapperFSError {
	return NewError(code, message).WithCause(err)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "ATTRIBUTE_") || codeStr == string(ErrCodeInvalidAttribute):
		return CategoryAttribute
	case strings.HasPrefix(codeStr, "DEVICE_") || codeStr == string(ErrCodeInvalidHandle):
		return CategoryDevice
	case strings.HasPrefix(codeStr, "CONFIG_") || codeStr == string(ErrCodeInvalidConfig):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "STORE_") || strings.HasPrefix(codeStr, "RECORD_"):
		return CategoryStore
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "UNMOUNT_") ||
		strings.HasPrefix(codeStr, "RATE_"):
		return CategoryTransport
	default:
		return CategoryInternal
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidAttribute:     400, // Bad Request
		ErrCodeInvalidConfig:        400,
		ErrCodeConfigValidation:     400,
		ErrCodeDeviceInvalid:        400,
		ErrCodeAttributeNotFound:    404, // Not Found
		ErrCodeRecordNotFound:       404,
		ErrCodeOperationNotFound:    404,
		ErrCodeAttributeUnsupported: 405, // Method Not Allowed
		ErrCodeDeviceExists:         409, // Conflict
		ErrCodeDeviceBusy:           409,
		ErrCodeInvalidHandle:        410, // Gone
		ErrCodeRateLimited:          429, // Too Many Requests
		ErrCodeStoreUnavailable:     503, // Service Unavailable
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// Errno maps an error onto the POSIX error number a filesystem transport
// should report. Unsupported maps to EIO, matching sysfs.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *MapperFSError
	if !errors.As(err, &e) {
		return syscall.EIO
	}
	switch e.Code {
	case ErrCodeAttributeNotFound, ErrCodeRecordNotFound:
		return syscall.ENOENT
	case ErrCodeInvalidHandle, ErrCodeInvalidAttribute, ErrCodeDeviceInvalid:
		return syscall.EINVAL
	case ErrCodeDeviceBusy:
		return syscall.EBUSY
	case ErrCodeRateLimited:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}

// HTTPStatus returns the HTTP status for any error, defaulting to 500.
func HTTPStatus(err error) int {
	var e *MapperFSError
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return 500
}

// CodeOf returns the code of a structured error, ErrCodeInternalError for
// any other error and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *MapperFSError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *MapperFSError) WithContext(key, value string) *MapperFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *MapperFSError) WithDetail(key string, value interface{}) *MapperFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *MapperFSError) WithComponent(component string) *MapperFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *MapperFSError) WithOperation(operation string) *MapperFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *MapperFSError) WithCause(cause error) *MapperFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *MapperFSError) WithStack() *MapperFSError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns a user-friendly recommendation for fixing the error
func (e *MapperFSError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeAttributeNotFound: "The attribute does not exist on this device type. " +
			"List the device directory to see the available attributes.",
		ErrCodeAttributeUnsupported: "The attribute exists but does not support this operation. " +
			"Read-only attributes cannot be written and write-only attributes cannot be read.",
		ErrCodeInvalidHandle: "The device no longer exists or is being removed. " +
			"Refresh the device list and retry with a current handle.",
		ErrCodeAttributeIO: "The device metadata could not be retrieved. " +
			"Check the metadata store connectivity and the device state.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
		ErrCodeStoreUnavailable: "The metadata store is unreachable. " +
			"Verify the store address and credentials in the configuration.",
		ErrCodeMountFailed: "Failed to mount filesystem. " +
			"Check mount point permissions and ensure FUSE is installed.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *MapperFSError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.Message))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, v))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
