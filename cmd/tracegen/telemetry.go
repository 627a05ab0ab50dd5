// OTel provider construction for the trace generator
// One TracerProvider per declared service, sharing a single exporter and processor
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lkendrickd/trace-generator/pkg/config"
	"github.com/lkendrickd/trace-generator/pkg/synth"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const shutdownTimeout = 5 * time.Second

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

func parseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// exportTarget is the collector address split out of OTEL_EXPORTER_OTLP_ENDPOINT.
type exportTarget struct {
	host     string
	insecure bool
}

// parseEndpoint accepts either a URL (http://collector:4317) or a bare host:port.
// Only https URLs use TLS.
func parseEndpoint(endpoint string) (exportTarget, error) {
	if !strings.Contains(endpoint, "://") {
		if endpoint == "" {
			return exportTarget{}, errors.New("empty OTLP endpoint")
		}
		return exportTarget{host: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return exportTarget{}, fmt.Errorf("parsing OTLP endpoint: %w", err)
	}
	if u.Host == "" {
		return exportTarget{}, fmt.Errorf("OTLP endpoint %q has no host", endpoint)
	}
	return exportTarget{host: u.Host, insecure: u.Scheme != "https"}, nil
}

// telemetryOptions selects what newTelemetry builds.
type telemetryOptions struct {
	settings *config.Settings
	services []string
	signals  map[string]bool
	// extra processors see every finished span, e.g. the in-memory trace store.
	extra         []sdktrace.SpanProcessor
	slowThreshold time.Duration
	logger        *zap.Logger
}

// telemetry owns every provider and exporter connection the generator uses.
type telemetry struct {
	tracers   map[string]trace.Tracer
	observers []synth.SpanObserver

	traceProviders []*sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	conn           *grpc.ClientConn
	logger         *zap.Logger
}

func newTelemetry(ctx context.Context, opts telemetryOptions) (*telemetry, error) {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	s := opts.settings
	t := &telemetry{tracers: make(map[string]trace.Tracer, len(opts.services)), logger: opts.logger}

	var target exportTarget
	if !s.Stdout {
		var err error
		if target, err = parseEndpoint(s.OTLPEndpoint); err != nil {
			return nil, err
		}
		if s.OTLPProtocol == config.ProtocolGRPC {
			if t.conn, err = dialCollector(target); err != nil {
				return nil, err
			}
		}
	}

	baseRes, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("tracegen.version", version),
	))
	if err != nil {
		t.shutdown()
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	processors := slices.Clone(opts.extra)
	if opts.signals["traces"] {
		exporter, err := t.traceExporter(ctx, s, target)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		if s.Stdout {
			processors = append(processors, sdktrace.NewSimpleSpanProcessor(exporter))
		} else {
			processors = append(processors, sdktrace.NewBatchSpanProcessor(exporter))
		}
	}

	for _, name := range opts.services {
		res, err := resource.Merge(baseRes, resource.NewSchemaless(semconv.ServiceName(name)))
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating resource for service %s: %w", name, err)
		}
		tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, sp := range processors {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
		}
		tp := sdktrace.NewTracerProvider(tpOpts...)
		t.traceProviders = append(t.traceProviders, tp)
		t.tracers[name] = tp.Tracer(synth.InstrumentationName)
	}

	if opts.signals["metrics"] {
		exporter, err := t.metricExporter(ctx, s, target)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(baseRes),
		)
		obs, err := synth.NewMetricObserver(t.meterProvider)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating metric observer: %w", err)
		}
		t.observers = append(t.observers, obs)
	}

	if opts.signals["logs"] {
		exporter, err := t.logExporter(ctx, s, target)
		if err != nil {
			t.shutdown()
			return nil, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if s.Stdout {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		t.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(processor),
			sdklog.WithResource(baseRes),
		)
		t.observers = append(t.observers, synth.NewLogObserver(t.loggerProvider, opts.slowThreshold))
	}

	return t, nil
}

// dialCollector opens the gRPC connection shared by every OTLP gRPC exporter.
// grpc.NewClient connects lazily, so an unreachable collector is not an error here.
func dialCollector(target exportTarget) (*grpc.ClientConn, error) {
	creds := credentials.NewClientTLSFromCert(nil, "")
	if target.insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(target.host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", target.host, err)
	}
	return conn, nil
}

func (t *telemetry) traceExporter(ctx context.Context, s *config.Settings, target exportTarget) (sdktrace.SpanExporter, error) {
	if s.Stdout {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	}
	if s.OTLPProtocol == config.ProtocolGRPC {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(t.conn))
	}
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.host)}
	if target.insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, httpOpts...)
}

func (t *telemetry) metricExporter(ctx context.Context, s *config.Settings, target exportTarget) (sdkmetric.Exporter, error) {
	if s.Stdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
	}
	if s.OTLPProtocol == config.ProtocolGRPC {
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(t.conn))
	}
	httpOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target.host)}
	if target.insecure {
		httpOpts = append(httpOpts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, httpOpts...)
}

func (t *telemetry) logExporter(ctx context.Context, s *config.Settings, target exportTarget) (sdklog.Exporter, error) {
	if s.Stdout {
		return stdoutlog.New(stdoutlog.WithWriter(os.Stdout))
	}
	if s.OTLPProtocol == config.ProtocolGRPC {
		return otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(t.conn))
	}
	httpOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(target.host)}
	if target.insecure {
		httpOpts = append(httpOpts, otlploghttp.WithInsecure())
	}
	return otlploghttp.New(ctx, httpOpts...)
}

// shutdown flushes and closes every provider, then the gRPC connection.
func (t *telemetry) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownAll(ctx, t.logger, t.traceProviders, "tracer provider")
	if t.meterProvider != nil {
		shutdownAll(ctx, t.logger, []*sdkmetric.MeterProvider{t.meterProvider}, "meter provider")
	}
	if t.loggerProvider != nil {
		shutdownAll(ctx, t.logger, []*sdklog.LoggerProvider{t.loggerProvider}, "logger provider")
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Warn("closing collector connection", zap.Error(err))
		}
	}
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// A slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, logger *zap.Logger, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				logger.Error("shutdown failed", zap.String("component", label), zap.Error(err))
			}
		})
	}
	wg.Wait()
}
