// Package errs defines the typed failures shared by the pipeline, the stores
// and the HTTP layer.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindProvider
	KindDimensionMismatch
	KindWriteConflict
	KindSummaryGeneration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider_error"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindWriteConflict:
		return "store_write_conflict"
	case KindSummaryGeneration:
		return "summary_generation_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus is the status code an API caller sees for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindWriteConflict:
		return http.StatusConflict
	case KindProvider, KindSummaryGeneration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may safely repeat the operation.
func (k Kind) Retryable() bool {
	switch k {
	case KindProvider, KindSummaryGeneration, KindWriteConflict:
		return true
	default:
		return false
	}
}

// Error is the concrete error type. Op names the failing operation,
// Message is safe to show to API callers.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels such as ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrWriteConflict     = &Error{Kind: KindWriteConflict}
	ErrSummaryGeneration = &Error{Kind: KindSummaryGeneration}
)

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

func DimensionMismatch(op string, want, got int) error {
	return &Error{Kind: KindDimensionMismatch, Op: op, Message: fmt.Sprintf("expected dimension %d, got %d", want, got)}
}

func WriteConflict(op, key string) error {
	return &Error{Kind: KindWriteConflict, Op: op, Message: fmt.Sprintf("concurrent write for %q", key)}
}

// Provider wraps an upstream failure. An error that is already typed is
// returned unchanged so retries do not stack wrappers.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	msg := "upstream provider failed"
	if timeout {
		msg = "upstream provider timed out"
	}
	return &Error{Kind: KindProvider, Op: op, Message: msg, Timeout: timeout, Err: err}
}

func SummaryGeneration(op string, err error) error {
	return &Error{Kind: KindSummaryGeneration, Op: op, Message: "thread summary could not be generated", Err: err}
}

// KindOf returns the kind of the outermost typed error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// PublicMessage is what the API returns for err; internal causes are hidden.
func PublicMessage(err error) string {
	var typed *Error
	if !errors.As(err, &typed) {
		return "internal error"
	}
	if typed.Message != "" {
		return typed.Message
	}
	return typed.Kind.String()
}
