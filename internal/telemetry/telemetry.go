// Package telemetry wires OpenTelemetry tracing for the supervisor: task
// launches, packet dispatch and control-plane RPCs become spans exported as
// JSON through the stdout exporter.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const tracerName = "github.com/ChuLiYu/warlock"

// Setup installs a global tracer provider exporting to file (stderr when
// empty). The returned shutdown flushes pending spans.
func Setup(service, file string) (shutdown func(context.Context) error, err error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := NewProvider(service, sdktrace.NewBatchSpanProcessor(exporter,
		sdktrace.WithBatchTimeout(2*time.Second),
	))
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// NewProvider builds a tracer provider with the warlock resource attributes.
func NewProvider(service string, sp sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	host, _ := os.Hostname()
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("host.name", host),
		attribute.Int("process.pid", os.Getpid()),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	)
}

// Tracer returns the package tracer. Without Setup it is the global no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Finish records err on span (if any) and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st, ok := status.FromError(err); ok {
			span.SetAttributes(attribute.String("rpc.grpc.status_code", st.Code().String()))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TaskAttrs are the common span attributes of a supervised task.
func TaskAttrs(id, typ, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("warlock.task.id", id),
		attribute.String("warlock.task.type", typ),
		attribute.String("warlock.task.status", status),
	}
}

// UnaryServerInterceptor creates a server span per control-plane call.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := Tracer().Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.method", info.FullMethod),
			),
		)
		resp, err := handler(ctx, req)
		Finish(span, err)
		return resp, err
	}
}
