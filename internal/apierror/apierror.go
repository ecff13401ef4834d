// Package apierror defines the closed set of client-visible failures the
// service can raise and their wire representation.
//
// Handlers return an *Error instead of writing responses themselves; the
// server's dispatcher is the only place that renders them. Status code and
// status label are fixed by the Kind and cannot be supplied by callers.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// StatusLabel is the value of the "status" field on every serialized error.
const StatusLabel = "error"

// Kind enumerates the recognised failure categories.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindNotFound
	KindUnauthorized
	KindPayloadTooLarge
	KindServiceUnavailable
	KindValidationFailed
)

type kindInfo struct {
	name   string
	status int
}

// kinds is the only table to extend when a new failure category is added.
var kinds = map[Kind]kindInfo{
	KindBadRequest:         {name: "bad_request", status: http.StatusBadRequest},
	KindNotFound:           {name: "not_found", status: http.StatusNotFound},
	KindUnauthorized:       {name: "unauthorized", status: http.StatusUnauthorized},
	KindPayloadTooLarge:    {name: "payload_too_large", status: http.StatusRequestEntityTooLarge},
	KindServiceUnavailable: {name: "service_unavailable", status: http.StatusServiceUnavailable},
	KindValidationFailed:   {name: "validation_failed", status: http.StatusServiceUnavailable},
}

// Kinds returns every recognised kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindBadRequest,
		KindNotFound,
		KindUnauthorized,
		KindPayloadTooLarge,
		KindServiceUnavailable,
		KindValidationFailed,
	}
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "unknown"
}

// StatusCode returns the HTTP status bound to the kind, or 500 for values
// outside the closed set.
func (k Kind) StatusCode() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Serialized is the JSON projection of an Error.
type Serialized struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
}

// Error is a recognised, client-visible failure. Values are immutable once
// constructed.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs a failure of the given kind. A blank message is replaced by
// the kind's default status text so the message is never empty.
func New(kind Kind, message string) *Error {
	return Wrap(kind, message, nil)
}

// Wrap is New with an underlying cause. The cause is kept for logging and
// errors.Is/As; it is never serialized.
func Wrap(kind Kind, message string, cause error) *Error {
	if _, ok := kinds[kind]; !ok {
		kind = KindBadRequest
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(kinds[kind].status)
	}
	return &Error{kind: kind, message: message, cause: cause}
}

// BadRequest reports malformed client input (400).
func BadRequest(message string) *Error { return New(KindBadRequest, message) }

// NotFound reports a missing resource or route (404).
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Unauthorized reports a missing or invalid session (401).
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

// PayloadTooLarge reports a request body over the configured limit (413).
func PayloadTooLarge(message string) *Error { return New(KindPayloadTooLarge, message) }

// ServiceUnavailable reports a dependency or instance that cannot serve yet (503).
func ServiceUnavailable(message string) *Error { return New(KindServiceUnavailable, message) }

// ValidationFailed reports input that failed validation (503).
func ValidationFailed(message string) *Error { return New(KindValidationFailed, message) }

// Error implements the error interface.
func (e *Error) Error() string {
	return e.message
}

// Unwrap exposes the optional cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind reports the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the human-readable description.
func (e *Error) Message() string {
	return e.message
}

// StatusCode returns the HTTP status fixed by the kind.
func (e *Error) StatusCode() int {
	return e.kind.StatusCode()
}

// Status returns the status label, always "error".
func (e *Error) Status() string {
	return StatusLabel
}

// Serialize returns the wire projection. It has no side effects.
func (e *Error) Serialize() Serialized {
	return Serialized{
		Message:    e.message,
		StatusCode: e.StatusCode(),
		Status:     StatusLabel,
	}
}

// MarshalJSON renders the serialized projection.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Serialize())
}

// As extracts a recognised failure from err, following wrap chains.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// IsKind reports whether err carries a failure of the given kind.
func IsKind(err error, kind Kind) bool {
	apiErr, ok := As(err)
	return ok && apiErr.kind == kind
}

// Write renders err as a JSON response. It is meant for middleware that has
// to answer before the dispatcher runs.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(err.Serialize())
}
