package apperror

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError_Error(t *testing.T) {
	err := New(NotFound, "instance not found")
	if got, want := err.Error(), "[NotFound] instance not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err = New(Timeout, "upstream call timed out").WithService("orders").WithMethod("Get")
	if got, want := err.Error(), "[Timeout] upstream call timed out (orders/Get)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, UpstreamUnavailable, "dial failed")

	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the original cause")
	}
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidRequest, 400},
		{Unauthenticated, 401},
		{Forbidden, 403},
		{NotFound, 404},
		{Conflict, 409},
		{Throttled, 429},
		{Timeout, 504},
		{UpstreamUnavailable, 503},
		{CircuitOpen, 503},
		{Overloaded, 503},
		{Internal, 500},
		{Kind("unmapped"), 500},
	}
	for _, tt := range tests {
		if got := New(tt.kind, "x").HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestError_GRPCStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want codes.Code
	}{
		{InvalidRequest, codes.InvalidArgument},
		{NotFound, codes.NotFound},
		{Timeout, codes.DeadlineExceeded},
		{Unauthenticated, codes.Unauthenticated},
		{Forbidden, codes.PermissionDenied},
		{Conflict, codes.FailedPrecondition},
		{Throttled, codes.ResourceExhausted},
		{UpstreamUnavailable, codes.Unavailable},
		{CircuitOpen, codes.Unavailable},
		{Internal, codes.Internal},
		{Kind("unmapped"), codes.Internal},
	}
	for _, tt := range tests {
		st := New(tt.kind, "test message").GRPCStatus()
		if st.Code() != tt.want {
			t.Errorf("GRPCStatus(%s).Code() = %v, want %v", tt.kind, st.Code(), tt.want)
		}
	}
}

func TestError_Retryable(t *testing.T) {
	retryableKinds := []Kind{Timeout, UpstreamUnavailable, Internal}
	for _, k := range retryableKinds {
		if !New(k, "x").Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	nonRetryable := []Kind{InvalidRequest, NotFound, Forbidden, Conflict, CircuitOpen}
	for _, k := range nonRetryable {
		if New(k, "x").Retryable() {
			t.Errorf("expected %s to not be retryable", k)
		}
	}
}

func TestNewf(t *testing.T) {
	err := Newf(Internal, "failed after %d attempts", 3)
	if got, want := err.Message, "failed after 3 attempts"; got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}
}

func TestWithDetail(t *testing.T) {
	err := New(InvalidRequest, "bad field").
		WithDetail("field", "amount").
		WithDetail("reason", "negative")

	if err.Details["field"] != "amount" {
		t.Errorf("Details[field] = %v, want amount", err.Details["field"])
	}
	if err.Details["reason"] != "negative" {
		t.Errorf("Details[reason] = %v, want negative", err.Details["reason"])
	}
}

func TestWithRetryAfter(t *testing.T) {
	err := New(Throttled, "too many requests").WithRetryAfter(500)
	if err.RetryAfterMs != 500 {
		t.Errorf("RetryAfterMs = %d, want 500", err.RetryAfterMs)
	}
}

func TestIs(t *testing.T) {
	err := New(NotFound, "missing")

	if !Is(err, NotFound) {
		t.Error("Is() should return true for matching Kind")
	}
	if Is(err, Internal) {
		t.Error("Is() should return false for non-matching Kind")
	}
	if Is(errors.New("plain error"), NotFound) {
		t.Error("Is() should return false for a non-*Error")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(New(Conflict, "x")); got != Conflict {
		t.Errorf("KindOf() = %v, want %v", got, Conflict)
	}
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Errorf("KindOf() for a non-*Error = %v, want %v", got, Internal)
	}
}

func TestToGRPC(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		if ToGRPC(nil) != nil {
			t.Error("ToGRPC(nil) should return nil")
		}
	})

	t.Run("app error", func(t *testing.T) {
		grpcErr := ToGRPC(New(InvalidRequest, "bad request"))
		st, _ := status.FromError(grpcErr)
		if st.Code() != codes.InvalidArgument {
			t.Errorf("ToGRPC() code = %v, want %v", st.Code(), codes.InvalidArgument)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		grpcErr := ToGRPC(errors.New("boom"))
		st, _ := status.FromError(grpcErr)
		if st.Code() != codes.Internal {
			t.Errorf("ToGRPC() code = %v, want %v", st.Code(), codes.Internal)
		}
	})

	t.Run("already a grpc error", func(t *testing.T) {
		in := status.Error(codes.NotFound, "not found")
		out := ToGRPC(in)
		st, _ := status.FromError(out)
		if st.Code() != codes.NotFound {
			t.Error("ToGRPC() should preserve an existing grpc error code")
		}
	})
}

func TestFromGRPC(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		if FromGRPC(nil) != nil {
			t.Error("FromGRPC(nil) should return nil")
		}
	})

	tests := []struct {
		name string
		code codes.Code
		want Kind
	}{
		{"not found", codes.NotFound, NotFound},
		{"unimplemented", codes.Unimplemented, NotFound},
		{"invalid argument", codes.InvalidArgument, InvalidRequest},
		{"out of range", codes.OutOfRange, InvalidRequest},
		{"unauthenticated", codes.Unauthenticated, Unauthenticated},
		{"permission denied", codes.PermissionDenied, Forbidden},
		{"already exists", codes.AlreadyExists, Conflict},
		{"failed precondition", codes.FailedPrecondition, Conflict},
		{"resource exhausted", codes.ResourceExhausted, Overloaded},
		{"deadline exceeded", codes.DeadlineExceeded, Timeout},
		{"unavailable", codes.Unavailable, UpstreamUnavailable},
		{"canceled", codes.Canceled, CacheBypass},
		{"unknown", codes.Unknown, Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromGRPC(status.Error(tt.code, "detail"))
			if err.Kind != tt.want {
				t.Errorf("FromGRPC(%v).Kind = %v, want %v", tt.code, err.Kind, tt.want)
			}
			if err.Message != "detail" {
				t.Errorf("FromGRPC(%v).Message = %q, want %q", tt.code, err.Message, "detail")
			}
		})
	}

	t.Run("non-grpc error", func(t *testing.T) {
		err := FromGRPC(errors.New("plain failure"))
		if err.Kind != Internal {
			t.Errorf("Kind = %v, want %v", err.Kind, Internal)
		}
	})
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		panic("boom")
	}

	err := run()
	if err == nil {
		t.Fatal("expected Recover to populate err from the panic")
	}
	if KindOf(err) != Internal {
		t.Errorf("KindOf(recovered) = %v, want %v", KindOf(err), Internal)
	}
}

func TestIsFailure(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		retriesExhausted bool
		want            bool
	}{
		{"nil error", nil, false, false},
		{"unavailable", status.Error(codes.Unavailable, "down"), false, true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "slow"), false, true},
		{"internal", status.Error(codes.Internal, "oops"), false, true},
		{"resource exhausted, retries not exhausted", status.Error(codes.ResourceExhausted, "busy"), false, false},
		{"resource exhausted, retries exhausted", status.Error(codes.ResourceExhausted, "busy"), true, true},
		{"canceled never counts", status.Error(codes.Canceled, "client gone"), true, false},
		{"not found is not a failure", status.Error(codes.NotFound, "missing"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailure(tt.err, tt.retriesExhausted); got != tt.want {
				t.Errorf("IsFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}
