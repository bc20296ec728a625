package observability

import (
	"context"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// RoleKey - атрибут ресурса с ролью участника (authority/replica)
const RoleKey = attribute.Key("zonesync.role")

// Options описывает участника для ресурса трассировки
type Options struct {
	ServiceName string
	// Endpoint - host:port OTLP HTTP; пусто - значение экспортера по умолчанию
	// (localhost:4318 или OTEL_EXPORTER_OTLP_ENDPOINT)
	Endpoint string
	Role     string
	PeerID   string
	// SampleRatio - доля корневых спанов; 0 или >= 1 записывает все
	SampleRatio float64
}

// Shutdown останавливает экспорт спанов
type Shutdown func(context.Context) error

// InitTelemetry настраивает OTLP экспортер и устанавливает глобальный TracerProvider.
// Возвращённую функцию нужно вызвать при завершении участника.
func InitTelemetry(ctx context.Context, opts Options) (Shutdown, error) {
	var exporterOpts []otlptracehttp.Option
	if opts.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	tp, err := newProvider(ctx, opts, trace.WithBatcher(exp))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	logging.Info("📡 OpenTelemetry инициализирован (service=%s, peer=%s, role=%s)", opts.ServiceName, opts.PeerID, opts.Role)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

func newProvider(ctx context.Context, opts Options, export trace.TracerProviderOption) (*trace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceInstanceID(opts.PeerID),
			RoleKey.String(opts.Role),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := trace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = trace.ParentBased(trace.TraceIDRatioBased(opts.SampleRatio))
	}
	return trace.NewTracerProvider(export, trace.WithResource(res), trace.WithSampler(sampler)), nil
}

// Noop возвращается, когда телеметрия выключена
func Noop(context.Context) error { return nil }
