// Package tracing настраивает OpenTelemetry TracerProvider сервиса.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName: имя tracer'а для спанов сервиса.
const InstrumentationName = "github.com/vladislavdragonenkov/grocery"

const (
	defaultTracesPath    = "/v1/traces"
	defaultExportTimeout = 5 * time.Second
	defaultMaxQueueSize  = 2048
)

// Config: параметры трассировки.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint: host:port OTLP/HTTP коллектора. Пустое значение отключает экспорт.
	Endpoint string
	URLPath  string
	Insecure bool
}

// ShutdownFunc сбрасывает буферы и останавливает провайдер.
type ShutdownFunc func(context.Context) error

// Setup создаёт TracerProvider, делает его глобальным и настраивает
// W3C TraceContext + Baggage propagator (в том числе для заголовков Kafka).
// Без Endpoint спаны создаются, но никуда не отправляются.
func Setup(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, ShutdownFunc, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create otel resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		urlPath := cfg.URLPath
		if urlPath == "" {
			urlPath = defaultTracesPath
		}

		exporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(urlPath),
		}
		if cfg.Insecure {
			exporterOptions = append(exporterOptions, otlptracehttp.WithInsecure())
		}

		exporter, err := otlptracehttp.New(ctx, exporterOptions...)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		options = append(options, sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithExportTimeout(defaultExportTimeout),
			sdktrace.WithMaxQueueSize(defaultMaxQueueSize),
		)))
	}

	provider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(provider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}
	return provider, shutdown, nil
}

// Tracer возвращает tracer сервиса из глобального провайдера.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// RecordError помечает спан ошибкой; nil игнорируется.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
