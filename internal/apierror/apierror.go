// Package apierror defines the error object returned by the HTTP API.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is the JSON error body. Status is carried for the response line only.
type Error struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Code    int      `json:"code"`
	Source  []string `json:"source"`
	Status  int      `json:"-"`
}

func (e *Error) Error() string {
	if len(e.Source) == 0 {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Type, e.Message, e.Source)
}

func newError(typ, message, fallback string, status, code int, source []string) *Error {
	if message == "" {
		message = fallback
	}
	return &Error{Type: typ, Message: message, Code: code, Source: source, Status: status}
}

// Internal is returned when the failure cannot be described to the client.
func Internal() *Error {
	return newError("ApiError", "", "Something went wrong while processing that request",
		http.StatusInternalServerError, 100, nil)
}

// MissingParameter reports required request fields that were absent.
func MissingParameter(message string, source ...string) *Error {
	return newError("MissingParameterError", message, "One or more parameters were missing from the request",
		http.StatusBadRequest, 101, source)
}

// InvalidParameter reports request fields whose values were rejected.
func InvalidParameter(message string, source ...string) *Error {
	return newError("InvalidParameterError", message, "One or more parameters in the request were invalid",
		http.StatusBadRequest, 102, source)
}

// Authentication reports missing or invalid credentials.
func Authentication(message string) *Error {
	return newError("AuthenticationError", message, "Missing or invalid credentials",
		http.StatusUnauthorized, 103, nil)
}

// Conflict reports a resource that already exists or is in the wrong state.
func Conflict(message string, source ...string) *Error {
	return newError("ConflictError", message, "The resource already exists",
		http.StatusConflict, 104, source)
}

// NotFound reports a resource that does not exist.
func NotFound(message string, source ...string) *Error {
	return newError("NotFoundError", message, "The requested resource does not exist",
		http.StatusNotFound, 105, source)
}

// Forbidden reports an authenticated caller acting on something it does not own.
func Forbidden(message string) *Error {
	return newError("ForbiddenError", message, "You are not allowed to perform that action",
		http.StatusForbidden, 106, nil)
}

// From converts any error to an API error, hiding unknown failures behind
// Internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal()
}

// Write sends err as the JSON response body with its status code.
func Write(w http.ResponseWriter, err error) {
	apiErr := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
