// Package observability configures the process-wide slog logger.
//
// Logs go either to a plain text or JSON handler on stderr, or through the
// OpenTelemetry log bridge to a stdout or OTLP exporter.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/florianilch/fitbit-client"

// Supported exporters
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// ShutdownFunc flushes and releases the log pipeline.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger. Format is "text" or "json" and only applies
// when exporter is "none"; any other exporter routes records through OpenTelemetry.
// OTLP exporters read their endpoint from the standard OTEL_EXPORTER_OTLP_* variables.
func Instrument(ctx context.Context, level slog.Level, format, exporter string) (ShutdownFunc, error) {
	return instrument(ctx, os.Stderr, level, format, exporter)
}

func instrument(ctx context.Context, w io.Writer, level slog.Level, format, exporter string) (ShutdownFunc, error) {
	if exporter == "" || exporter == ExporterNone {
		handler, err := newHandler(w, level, format)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, w, exporter)
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", exporter, err)
	}

	// Batching delays records past short CLI runs, stdout is exported synchronously
	var processor sdklog.Processor = sdklog.NewBatchProcessor(exp)
	if exporter == ExporterStdout {
		processor = sdklog.NewSimpleProcessor(exp)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "fitbit"),
		)),
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)
	global.SetLoggerProvider(provider)

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))

	return provider.Shutdown, nil
}

func newHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newExporter(ctx context.Context, w io.Writer, exporter string) (sdklog.Exporter, error) {
	switch exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, errors.New("unsupported exporter")
	}
}

// severity maps slog levels onto the OpenTelemetry severity filter.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
