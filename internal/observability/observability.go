// Package observability wires logging, metrics, and tracing for the daemons
// and the CLI.
package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/potluck-btc/potluck/internal/config"
	"github.com/potluck-btc/potluck/pkg/logging"
)

// Observability bundles the process-wide logger, metrics registry, and
// tracer provider.
type Observability struct {
	Logger         *logging.Logger
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
	Shutdown       *ShutdownCoordinator
}

// New initializes all components from the observability config. Tracing is
// off unless an OTLP endpoint is configured.
func New(ctx context.Context, cfg config.ObservabilityConfig, w io.Writer) (*Observability, error) {
	shutdown := &ShutdownCoordinator{}

	var log *logging.Logger
	if w != nil {
		log = logging.SetupWriter(cfg.LogLevel, cfg.LogFormat, w)
	} else {
		log = logging.Setup(cfg.LogLevel, cfg.LogFormat)
	}

	var tp trace.TracerProvider = tracenoop.NewTracerProvider()
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("init otlp exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("build otel resource: %w", err)
		}
		sdkTP := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(sdkTP)
		shutdown.Register("tracer", sdkTP.Shutdown)
		tp = sdkTP
	} else {
		log.Debug("tracing disabled, no otlp endpoint configured")
	}

	return &Observability{
		Logger:         log,
		Registry:       prometheus.NewRegistry(),
		TracerProvider: tp,
		Shutdown:       shutdown,
	}, nil
}

// Close flushes traces and runs registered shutdown handlers.
func (o *Observability) Close(ctx context.Context) error {
	return o.Shutdown.Shutdown(ctx)
}

// ServeMetrics starts the /metrics and /health HTTP listener and registers
// its shutdown.
func (o *Observability) ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		o.Logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.Logger.Error("metrics server error", "error", err)
		}
	}()
	o.Shutdown.Register("metrics-server", srv.Shutdown)
	return srv
}
