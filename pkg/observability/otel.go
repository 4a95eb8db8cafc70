// Package observability wires OTLP tracing, metrics and log export over
// HTTP. When disabled it installs no-op providers and a stdout logger so
// callers never branch on the flag.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Providers holds the installed telemetry providers for shutdown.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logs   *sdklog.LoggerProvider
}

// Init installs tracer, meter and log providers globally and returns the
// process logger. Export endpoints and auth come from the standard OTEL
// env vars (OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS).
func Init(ctx context.Context, serviceName, serviceVersion string, enabled bool) (*Providers, *slog.Logger, error) {
	if !enabled {
		p := &Providers{
			Tracer: sdktrace.NewTracerProvider(),
			Meter:  sdkmetric.NewMeterProvider(),
			Logs:   sdklog.NewLoggerProvider(),
		}
		otel.SetTracerProvider(p.Tracer)
		otel.SetMeterProvider(p.Meter)
		return p, slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, nil, err
	}
	headers := parseOTLPHeaders()

	tracer, err := newTracerProvider(res, headers)
	if err != nil {
		return nil, nil, err
	}
	meter, err := newMeterProvider(res, headers)
	if err != nil {
		return nil, nil, err
	}
	logs, logger, err := newLoggerProvider(serviceName, res, headers)
	if err != nil {
		return nil, nil, err
	}

	otel.SetTracerProvider(tracer)
	otel.SetMeterProvider(meter)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{Tracer: tracer, Meter: meter, Logs: logs}, logger, nil
}

// Shutdown flushes and stops every provider, collecting all errors.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := p.Meter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
	}
	if err := p.Logs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logs shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func newTracerProvider(res *resource.Resource, headers map[string]string) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	// context.Background() so exporter creation is not tied to startup deadlines.
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}

func newMeterProvider(res *resource.Resource, headers map[string]string) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	exporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	), nil
}

func newLoggerProvider(serviceName string, res *resource.Resource, headers map[string]string) (*sdklog.LoggerProvider, *slog.Logger, error) {
	opts := []otlploghttp.Option{otlploghttp.WithTimeout(10 * time.Second)}
	if headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}

	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(5*time.Second),
		)),
		sdklog.WithResource(res),
	)
	logger := otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(provider))
	return provider, logger, nil
}

// newResource merges service identity with the SDK defaults. Extra
// attributes come from OTEL_RESOURCE_ATTRIBUTES.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		// Partial resources and schema URL conflicts are still usable.
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// parseOTLPHeaders reads OTEL_EXPORTER_OTLP_HEADERS and URL-decodes the
// values; some backends hand them out percent-encoded and the SDK does
// not always decode.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[strings.TrimSpace(kv[0])] = value
	}
	return headers
}
