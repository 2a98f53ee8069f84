// Package apperr defines the typed error kinds returned by the settlement
// engine. Every error carries the entity it concerns and, where one exists,
// the entity's current state so callers can report "already released"
// instead of a generic failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error. A Kind is itself an error so callers can match
// with errors.Is(err, apperr.NotFound).
type Kind string

const (
	NotFound     Kind = "not_found"
	InvalidState Kind = "invalid_state"
	Unauthorized Kind = "unauthorized"
	Conflict     Kind = "conflict"
	Validation   Kind = "validation_error"
	// Internal marks consistency failures inside the engine, e.g. a
	// completion step failing after a release was attempted.
	Internal Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// Error is the concrete error type produced by settlement components.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	State   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	prefix := e.Entity
	if e.ID != "" {
		prefix += " " + e.ID
	}
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, entity, id, msg string) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, entity, id, format string, args ...any) *Error {
	return New(kind, entity, id, fmt.Sprintf(format, args...))
}

// WithState returns an error that records the entity's current state.
func WithState(kind Kind, entity, id, state, msg string) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, State: state, Message: msg}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, entity, id string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Err: err}
}

// Invalid is shorthand for a validation error on a request field.
func Invalid(field, msg string) *Error {
	return &Error{Kind: Validation, Entity: "request", Message: field + " " + msg}
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// StateOf returns the entity state recorded on err, if any.
func StateOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.State
	}
	return ""
}

// HTTPStatus maps an error to the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusForbidden
	case InvalidState, Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body renders err as the JSON error envelope used by the HTTP handlers.
// Internal errors keep their cause out of the response.
func Body(err error) map[string]any {
	kind := KindOf(err)
	body := map[string]any{}
	switch kind {
	case "", Internal:
		body["error"] = "internal_error"
		body["message"] = "internal error"
	default:
		body["error"] = string(kind)
		body["message"] = err.Error()
	}
	if st := StateOf(err); st != "" {
		body["state"] = st
	}
	return body
}
