// Synthetic distributed trace generator
// Renders weighted YAML scenarios into OTel spans, served behind an HTTP control API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof endpoint is opt-in via --pprof flag
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/lkendrickd/trace-generator/pkg/api"
	"github.com/lkendrickd/trace-generator/pkg/config"
	"github.com/lkendrickd/trace-generator/pkg/store"
	"github.com/lkendrickd/trace-generator/pkg/synth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tracegen",
		Short:        "Synthetic distributed trace generator",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(versionCmd())

	return root
}

// Flags shared by serve and run, and the settings they override.
var generatorFlagKeys = map[string]string{
	"scenarios":               config.KeyScenariosPath,
	"endpoint":                config.KeyOTLPEndpoint,
	"protocol":                config.KeyOTLPProtocol,
	"stdout":                  config.KeyStdout,
	"workers":                 config.KeyWorkers,
	"interval-min":            config.KeyIntervalMin,
	"interval-max":            config.KeyIntervalMax,
	"max-template-iterations": config.KeyMaxTemplateIterations,
	"log-level":               config.KeyLogLevel,
}

var serverFlagKeys = map[string]string{
	"host":                config.KeyServerHost,
	"port":                config.KeyServerPort,
	"db-type":             config.KeyDatabaseType,
	"db-host":             config.KeyDatabaseHost,
	"db-port":             config.KeyDatabasePort,
	"db-name":             config.KeyDatabaseName,
	"inmemory-max-traces": config.KeyInMemoryMaxTraces,
	"fetch-limit":         config.KeyTraceFetchLimit,
}

// runFlags are generator options that have no environment variable.
type runFlags struct {
	signals       string
	slowThreshold time.Duration
	seed          uint64
	pprofAddr     string
	pyroscopeAddr string
}

// Unset flags fall through to the environment, then to the built-in default.
func addGeneratorFlags(cmd *cobra.Command, f *runFlags) {
	flags := cmd.Flags()
	flags.String("scenarios", "", "scenario directory or file (env SCENARIOS_PATH, default scenarios/)")
	flags.String("endpoint", "", "OTLP collector endpoint (env OTEL_EXPORTER_OTLP_ENDPOINT)")
	flags.String("protocol", "", "OTLP protocol, grpc or http/protobuf (env OTEL_EXPORTER_OTLP_PROTOCOL)")
	flags.Bool("stdout", false, "emit signals to stdout as JSON instead of OTLP (env TRACE_STDOUT)")
	flags.Int("workers", 0, "concurrent generation workers (env TRACE_NUM_WORKERS, default 4)")
	flags.Float64("interval-min", 0, "minimum seconds between traces per worker (env TRACE_INTERVAL_MIN, default 0.5)")
	flags.Float64("interval-max", 0, "maximum seconds between traces per worker (env TRACE_INTERVAL_MAX, default 2)")
	flags.Int("max-template-iterations", 0, "template resolution passes per value (env MAX_TEMPLATE_ITERATIONS, default 10)")
	flags.String("log-level", "", "log level (env LOG_LEVEL, default info)")

	flags.StringVar(&f.signals, "signals", "traces", "comma-separated signals to emit: traces,metrics,logs")
	flags.DurationVar(&f.slowThreshold, "slow-threshold", time.Second, "duration threshold for slow span log emission")
	flags.Uint64Var(&f.seed, "seed", 0, "random seed for reproducible worker streams (0 = random)")
	flags.StringVar(&f.pprofAddr, "pprof", "", "start pprof HTTP server on this address (e.g. :6060)")
	flags.StringVar(&f.pyroscopeAddr, "pyroscope", "", "push continuous profiles to this Pyroscope server")
}

// loadSettings reads settings from the environment with the command's flags on top.
func loadSettings(cmd *cobra.Command, keySets ...map[string]string) (*config.Settings, error) {
	v := config.New()
	for _, keys := range keySets {
		if err := config.BindFlags(v, cmd.Flags(), keys); err != nil {
			return nil, err
		}
	}
	return config.Load(v)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// loadScenarios loads, validates, and compiles the scenarios at path.
func loadScenarios(path string) (*synth.Config, []*synth.Scenario, error) {
	cfg, err := synth.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if err := synth.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	scenarios, err := synth.BuildScenarios(cfg.Scenarios)
	if err != nil {
		return nil, nil, err
	}
	return cfg, scenarios, nil
}

func serveCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Generate traces continuously behind the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, generatorFlagKeys, serverFlagKeys)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), settings, f)
		},
	}

	addGeneratorFlags(cmd, &f)
	flags := cmd.Flags()
	flags.String("host", "", "HTTP listen host (env SERVER_HOST, default 0.0.0.0)")
	flags.Int("port", 0, "HTTP listen port (env SERVER_PORT, default 8000)")
	flags.String("db-type", "", "trace sink, clickhouse or inmemory (env DATABASE_TYPE, default auto)")
	flags.String("db-host", "", "ClickHouse host (env DATABASE_HOST)")
	flags.Int("db-port", 0, "ClickHouse HTTP port (env DATABASE_PORT, default 8123)")
	flags.String("db-name", "", "ClickHouse database (env DATABASE_NAME, default otel)")
	flags.Int("inmemory-max-traces", 0, "spans kept by the in-memory sink (env INMEMORY_MAX_TRACES, default 100)")
	flags.Int("fetch-limit", 0, "traces returned by /api/traces without ?limit (env TRACE_FETCH_LIMIT, default 30)")

	return cmd
}

func runCmd() *cobra.Command {
	var (
		f        runFlags
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate traces without the HTTP API, then print final counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("--duration must not be negative, got %s", duration)
			}
			settings, err := loadSettings(cmd, generatorFlagKeys)
			if err != nil {
				return err
			}
			status, err := runGenerate(cmd.Context(), settings, f, duration)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.ErrOrStderr()).Encode(status)
		},
	}

	addGeneratorFlags(cmd, &f)
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long, e.g. 10s, 5m (0 = until interrupted)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "tracegen %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// generator is a fully wired engine plus the providers behind its tracers.
type generator struct {
	engine *synth.Engine
	tel    *telemetry
}

func newGenerator(ctx context.Context, settings *config.Settings, f runFlags, logger *zap.Logger, sink *store.MemoryStore, healthCheck func(context.Context) error) (*generator, error) {
	if f.slowThreshold < 0 {
		return nil, fmt.Errorf("--slow-threshold must not be negative, got %s", f.slowThreshold)
	}
	signals, err := parseSignals(f.signals)
	if err != nil {
		return nil, err
	}

	cfg, scenarios, err := loadScenarios(settings.ScenariosPath)
	if err != nil {
		return nil, err
	}

	topts := telemetryOptions{
		settings:      settings,
		services:      cfg.Services,
		signals:       signals,
		slowThreshold: f.slowThreshold,
		logger:        logger.Named("telemetry"),
	}
	if sink != nil {
		topts.extra = append(topts.extra, sink)
	}
	tel, err := newTelemetry(ctx, topts)
	if err != nil {
		return nil, err
	}

	engine, err := synth.NewEngine(scenarios, tel.tracers, synth.Options{
		Workers:               settings.Workers,
		IntervalMin:           settings.IntervalMin,
		IntervalMax:           settings.IntervalMax,
		MaxTemplateIterations: settings.MaxTemplateIterations,
		Seed:                  f.seed,
		Observers:             tel.observers,
		HealthCheck:           healthCheck,
		Logger:                logger.Named("engine"),
	})
	if err != nil {
		tel.shutdown()
		return nil, err
	}

	logger.Info("scenarios loaded",
		zap.Int("scenarios", len(scenarios)),
		zap.Strings("services", engine.Services()),
	)
	return &generator{engine: engine, tel: tel}, nil
}

// openSink connects the trace store the API reads from. The in-memory store is
// also returned as a MemoryStore so it can be attached to every tracer provider.
func openSink(settings *config.Settings, logger *zap.Logger) (store.Reader, *store.MemoryStore, error) {
	switch settings.Database.Backend() {
	case config.BackendClickHouse:
		db := settings.Database
		ch, err := store.OpenClickHouse(store.ClickHouseOptions{
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			Database: db.Name,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return ch, nil, nil
	default:
		mem := store.NewMemoryStore(settings.InMemoryMaxTraces, logger)
		return mem, mem, nil
	}
}

// startProfiling starts the optional pprof server and Pyroscope agent.
// The returned function stops the Pyroscope agent.
func startProfiling(f runFlags, logger *zap.Logger) (func(), error) {
	if f.pprofAddr != "" {
		go func() {
			logger.Info("pprof server listening", zap.String("addr", f.pprofAddr))
			if err := http.ListenAndServe(f.pprofAddr, nil); err != nil { //nolint:gosec // pprof server is opt-in via flag
				logger.Error("pprof server failed", zap.Error(err))
			}
		}()
	}
	if f.pyroscopeAddr == "" {
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "tracegen",
		ServerAddress:   f.pyroscopeAddr,
		Logger:          logger.Sugar(),
		Tags:            map[string]string{"version": version},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting pyroscope profiler: %w", err)
	}
	logger.Info("continuous profiling enabled", zap.String("server", f.pyroscopeAddr))
	return func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("stopping pyroscope profiler", zap.Error(err))
		}
	}, nil
}

func runServe(ctx context.Context, settings *config.Settings, f runFlags) error {
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable
	logger.Info("starting trace generator", append(settings.Fields(), zap.String("version", version))...)

	stopProfiling, err := startProfiling(f, logger)
	if err != nil {
		return err
	}
	defer stopProfiling()

	sink, mem, err := openSink(settings, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("closing trace sink", zap.Error(err))
		}
	}()

	gen, err := newGenerator(ctx, settings, f, logger, mem, sink.Ping)
	if err != nil {
		return err
	}
	defer gen.tel.shutdown()

	ln, err := net.Listen("tcp", settings.ServerAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", settings.ServerAddr(), err)
	}
	srv := &http.Server{
		Handler: api.New(gen.engine, sink, api.Options{
			FetchLimit: settings.TraceFetchLimit,
			Logger:     logger.Named("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen.engine.Start()
	defer gen.engine.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		logger.Warn("http server shutdown", zap.Error(sErr))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func runGenerate(ctx context.Context, settings *config.Settings, f runFlags, duration time.Duration) (synth.Status, error) {
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return synth.Status{}, err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	stopProfiling, err := startProfiling(f, logger)
	if err != nil {
		return synth.Status{}, err
	}
	defer stopProfiling()

	gen, err := newGenerator(ctx, settings, f, logger, nil, nil)
	if err != nil {
		return synth.Status{}, err
	}
	defer gen.tel.shutdown()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := gen.engine.Run(ctx); err != nil {
		return synth.Status{}, err
	}
	return gen.engine.Status(), nil
}
