package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP mapping
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindPermission    Kind = "permission"
	KindChunkMismatch Kind = "chunk_mismatch"
	KindConflict      Kind = "conflict"
	KindStorage       Kind = "storage"
	KindProcessing    Kind = "processing"
	KindFetch         Kind = "fetch"
	KindExtract       Kind = "extract"
	KindInternal      Kind = "internal"
)

// Error carries a Kind alongside the operation that failed
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so errors.Is(err, apperrors.NotFound) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is
var (
	Validation    = &Error{Kind: KindValidation}
	NotFound      = &Error{Kind: KindNotFound}
	Permission    = &Error{Kind: KindPermission}
	ChunkMismatch = &Error{Kind: KindChunkMismatch}
	Conflict      = &Error{Kind: KindConflict}
	Storage       = &Error{Kind: KindStorage}
	Processing    = &Error{Kind: KindProcessing}
	Fetch         = &Error{Kind: KindFetch}
	Extract       = &Error{Kind: KindExtract}
	Internal      = &Error{Kind: KindInternal}
)

// New creates an error of the given kind
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind; nil stays nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf is shorthand for a validation error
func Validationf(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFoundf is shorthand for a not-found error
func NotFoundf(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

// Permissionf is shorthand for a permission error
func Permissionf(op, format string, args ...any) *Error {
	return New(KindPermission, op, format, args...)
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindChunkMismatch, KindConflict:
		return http.StatusConflict
	case KindFetch, KindExtract:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if repeated
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindChunkMismatch, KindFetch, KindInternal:
		return true
	}
	return false
}
