// Package apperrors defines the stable error taxonomy consumed by every
// transport adapter wrapped around the orchestration core.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the taxonomy members. Transports map Code to their
// own wire representation (HTTP status, WS error frame, etc) via HTTPStatus.
type Code string

const (
	CodeInvalidInput          Code = "InvalidInput"
	CodeInvalidQueue          Code = "InvalidQueue"
	CodeInvalidStatus         Code = "InvalidStatus"
	CodeHandlerNotFound       Code = "HandlerNotFound"
	CodeNotFound              Code = "NotFound"
	CodeUnauthorised          Code = "Unauthorised"
	CodeConflict              Code = "Conflict"
	CodeBrokerUnavailable     Code = "BrokerUnavailable"
	CodeHandlerFailed         Code = "HandlerFailed"
	CodeWebhookDeliveryFailed Code = "WebhookDeliveryFailed"
)

// Error is the concrete error type returned by every core operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps a taxonomy member to the HTTP status an adapter should
// respond with. Transports that aren't HTTP (the WebSocket fan-out) use Code
// directly instead.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidInput, CodeInvalidQueue, CodeInvalidStatus:
		return http.StatusBadRequest
	case CodeUnauthorised:
		return http.StatusUnauthorized
	case CodeNotFound, CodeHandlerNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func new_(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidInput(format string, args ...interface{}) *Error {
	return new_(CodeInvalidInput, format, args...)
}

func InvalidQueue(queue string) *Error {
	return new_(CodeInvalidQueue, "queue %q is not in the allowed set", queue)
}

func InvalidStatus(status string) *Error {
	return new_(CodeInvalidStatus, "status %q is not recognised", status)
}

func HandlerNotFound(name string) *Error {
	return new_(CodeHandlerNotFound, "no handler registered for %q", name)
}

func NotFound(format string, args ...interface{}) *Error {
	return new_(CodeNotFound, format, args...)
}

func Unauthorised(format string, args ...interface{}) *Error {
	return new_(CodeUnauthorised, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return new_(CodeConflict, format, args...)
}

func BrokerUnavailable(err error) *Error {
	return wrap(CodeBrokerUnavailable, err, "broker unavailable")
}

func HandlerFailed(err error) *Error {
	return wrap(CodeHandlerFailed, err, "handler failed")
}

func WebhookDeliveryFailed(err error) *Error {
	return wrap(CodeWebhookDeliveryFailed, err, "webhook delivery failed")
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
