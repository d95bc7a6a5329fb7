// Package apperror provides the bridge's error taxonomy: a small set of
// stable Kind values mapped onto both HTTP status codes and gRPC codes.Code,
// with helpers to convert in either direction at the dispatch boundary.
package apperror

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is a stable taxonomy identifier surfaced to clients as error.code.
type Kind string

const (
	InvalidRequest       Kind = "InvalidRequest"
	Unauthenticated      Kind = "Unauthenticated"
	Forbidden            Kind = "Forbidden"
	NotFound             Kind = "NotFound"
	Conflict             Kind = "Conflict"
	Throttled            Kind = "Throttled"
	Timeout              Kind = "Timeout"
	UpstreamUnavailable  Kind = "UpstreamUnavailable"
	CircuitOpen          Kind = "CircuitOpen"
	Overloaded           Kind = "Overloaded"
	Internal             Kind = "Internal"
	CacheBypass          Kind = "CacheBypass"
)

// httpStatus mirrors the surface-HTTP column of the error handling table.
var httpStatus = map[Kind]int{
	InvalidRequest:      400,
	Unauthenticated:     401,
	Forbidden:           403,
	NotFound:            404,
	Conflict:            409,
	Throttled:           429,
	Timeout:             504,
	UpstreamUnavailable: 503,
	CircuitOpen:         503,
	Overloaded:          503,
	Internal:            500,
	CacheBypass:         500,
}

// grpcCodeOf mirrors the gRPC-mapping column of the error handling table.
var grpcCodeOf = map[Kind]codes.Code{
	InvalidRequest:      codes.InvalidArgument,
	Unauthenticated:     codes.Unauthenticated,
	Forbidden:           codes.PermissionDenied,
	NotFound:            codes.NotFound,
	Conflict:            codes.FailedPrecondition,
	Throttled:           codes.ResourceExhausted,
	Timeout:             codes.DeadlineExceeded,
	UpstreamUnavailable: codes.Unavailable,
	CircuitOpen:         codes.Unavailable,
	Overloaded:          codes.ResourceExhausted,
	Internal:            codes.Internal,
	CacheBypass:         codes.Internal,
}

// retryable reports whether the recovery column allows local retry, as
// distinct from failover (handled by the Orchestrator's instance loop).
var retryable = map[Kind]bool{
	Timeout:             true,
	UpstreamUnavailable: true,
	Internal:            true,
}

// Error is the concrete error type returned across every component
// boundary (C1-C11). It carries enough detail to be rendered verbatim into
// the REST envelope's error field.
type Error struct {
	Kind         Kind
	Message      string
	Service      string
	Method       string
	RetryAfterMs int64
	Details      map[string]any
	Cause        error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("[%s] %s (%s/%s)", e.Kind, e.Message, e.Service, e.Method)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the surface HTTP status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return 500
}

// GRPCStatus implements the interface google.golang.org/grpc/status.FromError
// looks for, so an *Error can be returned directly by a gRPC handler.
func (e *Error) GRPCStatus() *status.Status {
	code, ok := grpcCodeOf[e.Kind]
	if !ok {
		code = codes.Internal
	}
	return status.New(code, e.Message)
}

// Retryable reports whether local recovery (not failover) is permitted for
// this error's Kind, per the propagation policy in the error handling design.
func (e *Error) Retryable() bool {
	return retryable[e.Kind]
}

// New constructs an *Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Details: map[string]any{}}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind and message to an underlying cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Details: map[string]any{}}
}

// WithService/WithMethod/WithRetryAfter/WithDetail return the receiver
// after mutating it, matching the fluent style used elsewhere in the
// ambient stack (see pkg/egress's Builder).
func (e *Error) WithService(name string) *Error { e.Service = name; return e }
func (e *Error) WithMethod(name string) *Error  { e.Method = name; return e }
func (e *Error) WithRetryAfter(ms int64) *Error { e.RetryAfterMs = ms; return e }
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Is reports whether err is an *Error with the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// ToGRPC converts any error into a gRPC error, preserving Kind mapping for
// *Error and passing already-gRPC errors through unchanged.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC error (as observed by the Invoker on a backend
// call) back into an *Error, used to feed the Breaker's failure
// classification and the REST envelope's error rendering.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return New(Internal, err.Error())
	}

	var kind Kind
	switch st.Code() {
	case codes.InvalidArgument, codes.OutOfRange:
		kind = InvalidRequest
	case codes.Unauthenticated:
		kind = Unauthenticated
	case codes.PermissionDenied:
		kind = Forbidden
	case codes.NotFound, codes.Unimplemented:
		kind = NotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		kind = Conflict
	case codes.ResourceExhausted:
		kind = Overloaded
	case codes.DeadlineExceeded:
		kind = Timeout
	case codes.Unavailable:
		kind = UpstreamUnavailable
	case codes.Canceled:
		kind = CacheBypass // caller-initiated cancellation is never a failure signal
	default:
		kind = Internal
	}
	return New(kind, st.Message())
}

// Recover turns a panic recovered at a dispatch boundary into an Internal
// error without ever letting the worker goroutine die. Call as:
//
//	defer apperror.Recover(&err)
func Recover(errp *error) {
	if r := recover(); r != nil {
		*errp = Newf(Internal, "recovered panic: %v", r)
	}
}

// IsFailure reports whether a gRPC/backend outcome counts as a Breaker
// failure, per §4.3: Unavailable, DeadlineExceeded, Internal, or
// ResourceExhausted after retries are exhausted; Canceled never counts.
func IsFailure(err error, retriesExhausted bool) bool {
	if err == nil {
		return false
	}
	appErr := FromGRPC(err)
	switch appErr.Kind {
	case UpstreamUnavailable, Timeout, Internal:
		return true
	case Overloaded:
		return retriesExhausted
	case CacheBypass:
		return false
	default:
		return false
	}
}
