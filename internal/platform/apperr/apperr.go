// Package apperr defines the typed error kinds surfaced by the diarizer.
// Every error that crosses a component boundary (normalizer, engine,
// orchestrator, HTTP) is an *Error carrying a machine-readable Code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

// Run failures. These abort the current run and move it to Failed.
const (
	CodeModelAcquisitionFailed     Code = "MODEL_ACQUISITION_FAILED"
	CodeEngineInitializationFailed Code = "ENGINE_INITIALIZATION_FAILED"
	CodeConversionFailed           Code = "CONVERSION_FAILED"
	CodeEngineInvocationFailed     Code = "ENGINE_INVOCATION_FAILED"
)

// Collaborator failures. These are resolved by the capture or file
// source and never reach the orchestrator.
const (
	CodeAccessDenied         Code = "ACCESS_DENIED"
	CodeBufferCreationFailed Code = "BUFFER_CREATION_FAILED"
)

// Service-level errors.
const (
	CodeBusy         Code = "BUSY"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the unified error type.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with an explicit HTTP status.
func New(code Code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// ModelAcquisitionFailed reports that engine assets could not be fetched.
func ModelAcquisitionFailed(cause error) *Error {
	return &Error{
		Code: CodeModelAcquisitionFailed, Message: "diarization models could not be acquired",
		HTTPStatus: http.StatusServiceUnavailable, Cause: cause,
	}
}

// EngineInitializationFailed reports that the engine could not be constructed.
func EngineInitializationFailed(cause error) *Error {
	return &Error{
		Code: CodeEngineInitializationFailed, Message: "diarization engine could not be initialized",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// ConversionFailed reports that audio could not be normalized.
func ConversionFailed(reason string) *Error {
	return &Error{
		Code: CodeConversionFailed, Message: fmt.Sprintf("audio conversion failed: %s", reason),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// EngineInvocationFailed wraps an error raised by the diarization call.
func EngineInvocationFailed(cause error) *Error {
	msg := "diarization failed"
	if cause != nil {
		msg = fmt.Sprintf("diarization failed: %v", cause)
	}
	return &Error{
		Code: CodeEngineInvocationFailed, Message: msg,
		HTTPStatus: http.StatusBadGateway, Cause: cause,
	}
}

// AccessDenied reports a file or device permission refusal.
func AccessDenied(resource string) *Error {
	return &Error{
		Code: CodeAccessDenied, Message: fmt.Sprintf("access denied: %s", resource),
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"resource": resource},
	}
}

// BufferCreationFailed reports that a sample buffer could not be allocated.
func BufferCreationFailed(reason string) *Error {
	return &Error{
		Code: CodeBufferCreationFailed, Message: fmt.Sprintf("buffer creation failed: %s", reason),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Busy reports that an operation conflicts with a run in flight.
func Busy(reason string) *Error {
	return &Error{Code: CodeBusy, Message: reason, HTTPStatus: http.StatusConflict}
}

// InvalidInput reports a malformed request.
func InvalidInput(reason string) *Error {
	return &Error{
		Code: CodeInvalidInput, Message: fmt.Sprintf("invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	e := &Error{
		Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"resource": resource},
	}
	if id != "" {
		e.Details["id"] = id
	}
	return e
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{
		Code: CodeInternal, Message: "an unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Response is the JSON body written for failed HTTP requests.
type Response struct {
	Error Body `json:"error"`
}

// Body contains the error details sent to clients.
type Body struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToResponse converts err to a response body and HTTP status.
func ToResponse(err error) (Response, int) {
	e, ok := As(err)
	if !ok {
		e = Internal(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Response{Error: Body{Code: e.Code, Message: e.Message, Details: e.Details}}, status
}
