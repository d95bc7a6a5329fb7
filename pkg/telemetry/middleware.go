package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor traces one outbound unary call made by the gRPC
// Invoker (C6) against a backend instance, wired into the Channel Pool's
// (C5) dial options.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx, span := StartSpan(ctx, method, trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		span.SetAttributes(attribute.String("rpc.method", method))

		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		span.SetAttributes(attribute.Int64("rpc.duration_ms", time.Since(start).Milliseconds()))

		if err != nil {
			st, _ := status.FromError(err)
			span.SetStatus(codes.Error, st.Message())
			span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// StreamClientInterceptor traces one outbound streaming call made by the
// gRPC Invoker against a backend instance.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, span := StartSpan(ctx, method, trace.WithSpanKind(trace.SpanKindClient))

		span.SetAttributes(
			attribute.String("rpc.method", method),
			attribute.Bool("rpc.stream", true),
		)

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			span.End()
			return nil, err
		}
		return &tracedClientStream{ClientStream: cs, span: span}, nil
	}
}

type tracedClientStream struct {
	grpc.ClientStream
	span trace.Span
}

func (s *tracedClientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		if err.Error() != "EOF" {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
		s.span.End()
	}
	return err
}
