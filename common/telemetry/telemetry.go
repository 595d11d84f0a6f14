package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/imageintake/common/logger"
	"github.com/lyzr/imageintake/common/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Options selects which telemetry endpoints run
type Options struct {
	ServiceName   string
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
	EnableTracing bool
}

// Telemetry holds observability components
type Telemetry struct {
	log            *logger.Logger
	opts           Options
	tracerProvider *sdktrace.TracerProvider
	servers        []*http.Server
}

// New creates telemetry components
func New(opts Options, log *logger.Logger) *Telemetry {
	return &Telemetry{log: log, opts: opts}
}

// Start starts telemetry endpoints and the tracer provider
func (t *Telemetry) Start(ctx context.Context) error {
	if t.opts.EnableTracing {
		if err := t.initTracing(ctx); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		t.log.Info("tracing initialized", "service", t.opts.ServiceName, "exporter", "stdout")
	}

	if t.opts.EnablePprof {
		// pprof registers itself on the default mux
		t.serve("pprof", fmt.Sprintf("localhost:%d", t.opts.PprofPort), http.DefaultServeMux)
	}

	if t.opts.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		t.serve("metrics", fmt.Sprintf(":%d", t.opts.MetricsPort), mux)
	}

	return nil
}

func (t *Telemetry) serve(name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	t.servers = append(t.servers, srv)
	go func() {
		t.log.Info("telemetry server starting", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("telemetry server error", "server", name, "error", err)
		}
	}()
}

func (t *Telemetry) initTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(t.opts.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exporter, err := stdouttrace.New()
	if err != nil {
		return fmt.Errorf("create stdout exporter: %w", err)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.tracerProvider)
	return nil
}

// Tracer returns a tracer from the global provider; a noop one when tracing is off
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes spans and stops the telemetry servers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errList []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
