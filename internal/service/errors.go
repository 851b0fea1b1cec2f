package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a failure kind a caller can act on.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeDeviceNotFound    Code = "DEVICE_NOT_FOUND"
	CodeInvalidToken      Code = "INVALID_DEVICE_TOKEN"
	CodeAlreadySubscribed Code = "ALREADY_SUBSCRIBED_TO_DEVICE"
	CodeNotSubscribed     Code = "NOT_SUBSCRIBED_TO_DEVICE"
	CodeServer            Code = "SERVER_ERROR"
)

// Error is returned by every DeviceService operation.
// Fields is only set for validation failures.
type Error struct {
	Code    Code
	Message string
	Fields  map[string][]string
	cause   error
}

// Sentinels for errors.Is; matching is by Code.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrDeviceNotFound    = &Error{Code: CodeDeviceNotFound}
	ErrInvalidToken      = &Error{Code: CodeInvalidToken}
	ErrAlreadySubscribed = &Error{Code: CodeAlreadySubscribed}
	ErrNotSubscribed     = &Error{Code: CodeNotSubscribed}
	ErrServer            = &Error{Code: CodeServer}
)

const serverErrorMessage = "Something went wrong. Please, contact developer"

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// PublicMessage is safe to show to callers; server errors never leak detail.
func (e *Error) PublicMessage() string {
	if e.Code == CodeServer {
		return serverErrorMessage
	}
	return e.Message
}

// IsServerError reports whether err should be treated as an operator problem.
// Errors that are not *Error count as server errors.
func IsServerError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Code == CodeServer
}

// AsError normalises any error into *Error, wrapping unknown ones as server errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return serverError("unexpected", err)
}

func validationError(fields map[string][]string) *Error {
	return &Error{Code: CodeValidation, Message: "Validation failed", Fields: fields}
}

func deviceNotFound(deviceID string) *Error {
	return &Error{Code: CodeDeviceNotFound, Message: fmt.Sprintf("Not found device [%s]", deviceID)}
}

func invalidToken(deviceID string) *Error {
	return &Error{Code: CodeInvalidToken, Message: fmt.Sprintf("Invalid token passed for the device [%s]", deviceID)}
}

func alreadySubscribed(deviceID string) *Error {
	return &Error{Code: CodeAlreadySubscribed, Message: fmt.Sprintf("You are already subscribed to the device [%s]", deviceID)}
}

func notSubscribed(deviceID string) *Error {
	return &Error{Code: CodeNotSubscribed, Message: fmt.Sprintf("You are not subscribed to the device [%s]", deviceID)}
}

func serverError(op string, cause error) *Error {
	return &Error{Code: CodeServer, Message: op, cause: cause}
}
