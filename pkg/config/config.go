// Process settings for the trace generator, read from the environment and flags
// Environment variable names double as viper keys so flags can override them
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Viper keys. Each is also the environment variable it is read from.
const (
	KeyOTLPEndpoint          = "OTEL_EXPORTER_OTLP_ENDPOINT"
	KeyOTLPProtocol          = "OTEL_EXPORTER_OTLP_PROTOCOL"
	KeyScenariosPath         = "SCENARIOS_PATH"
	KeyIntervalMin           = "TRACE_INTERVAL_MIN"
	KeyIntervalMax           = "TRACE_INTERVAL_MAX"
	KeyWorkers               = "TRACE_NUM_WORKERS"
	KeyMaxTemplateIterations = "MAX_TEMPLATE_ITERATIONS"
	KeyDatabaseType          = "DATABASE_TYPE"
	KeyDatabaseHost          = "DATABASE_HOST"
	KeyDatabasePort          = "DATABASE_PORT"
	KeyDatabaseUser          = "DATABASE_USER"
	KeyDatabasePassword      = "DATABASE_PASSWORD"
	KeyDatabaseName          = "DATABASE_NAME"
	KeyInMemoryMaxTraces     = "INMEMORY_MAX_TRACES"
	KeyServerHost            = "SERVER_HOST"
	KeyServerPort            = "SERVER_PORT"
	KeyTraceFetchLimit       = "TRACE_FETCH_LIMIT"
	KeyLogLevel              = "LOG_LEVEL"
	KeyStdout                = "TRACE_STDOUT"
)

// Legacy ClickHouse variables consulted when the DATABASE_* form is unset.
var legacyEnv = map[string]string{
	KeyDatabaseHost:     "CLICKHOUSE_HOST",
	KeyDatabasePort:     "CLICKHOUSE_PORT",
	KeyDatabaseUser:     "CLICKHOUSE_USER",
	KeyDatabasePassword: "CLICKHOUSE_PASSWORD",
	KeyDatabaseName:     "CLICKHOUSE_DATABASE",
}

var defaults = map[string]any{
	KeyOTLPEndpoint:          "http://otel-collector:4317",
	KeyOTLPProtocol:          ProtocolGRPC,
	KeyScenariosPath:         "scenarios/",
	KeyIntervalMin:           0.5,
	KeyIntervalMax:           2.0,
	KeyWorkers:               4,
	KeyMaxTemplateIterations: 10,
	KeyDatabaseType:          "",
	KeyDatabaseHost:          "",
	KeyDatabasePort:          8123,
	KeyDatabaseUser:          "user",
	KeyDatabasePassword:      "password",
	KeyDatabaseName:          "otel",
	KeyInMemoryMaxTraces:     100,
	KeyServerHost:            "0.0.0.0",
	KeyServerPort:            8000,
	KeyTraceFetchLimit:       30,
	KeyLogLevel:              "info",
	KeyStdout:                false,
}

// OTLP protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Trace sink backends.
const (
	BackendInMemory   = "inmemory"
	BackendClickHouse = "clickhouse"
)

// Host values that mean "no database, keep traces in memory".
var disabledHosts = map[string]bool{
	"none":     true,
	"disabled": true,
	"mock":     true,
	"false":    true,
	"inmemory": true,
	"memory":   true,
}

// Database locates the trace sink.
type Database struct {
	Type     string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// Backend resolves which sink to use. An explicit type wins; otherwise a
// blank or placeholder host selects the in-memory store.
func (d Database) Backend() string {
	switch t := strings.ToLower(strings.TrimSpace(d.Type)); t {
	case "":
	case "memory":
		return BackendInMemory
	default:
		return t
	}
	host := strings.ToLower(strings.TrimSpace(d.Host))
	if host == "" || disabledHosts[host] {
		return BackendInMemory
	}
	return BackendClickHouse
}

// Settings is the complete process configuration.
type Settings struct {
	OTLPEndpoint          string
	OTLPProtocol          string
	Stdout                bool
	ScenariosPath         string
	IntervalMin           time.Duration
	IntervalMax           time.Duration
	Workers               int
	MaxTemplateIterations int
	Database              Database
	InMemoryMaxTraces     int
	ServerHost            string
	ServerPort            int
	TraceFetchLimit       int
	LogLevel              string
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	for key, def := range defaults {
		v.SetDefault(key, def)
		if legacy, ok := legacyEnv[key]; ok {
			_ = v.BindEnv(key, key, legacy)
		} else {
			_ = v.BindEnv(key)
		}
	}
	return v
}

// BindFlags makes each named flag override its key when set on the command line.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keysByFlag map[string]string) error {
	for name, key := range keysByFlag {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads Settings from v and validates them.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		OTLPEndpoint:          v.GetString(KeyOTLPEndpoint),
		OTLPProtocol:          strings.ToLower(v.GetString(KeyOTLPProtocol)),
		Stdout:                v.GetBool(KeyStdout),
		ScenariosPath:         v.GetString(KeyScenariosPath),
		IntervalMin:           seconds(v.GetFloat64(KeyIntervalMin)),
		IntervalMax:           seconds(v.GetFloat64(KeyIntervalMax)),
		Workers:               v.GetInt(KeyWorkers),
		MaxTemplateIterations: v.GetInt(KeyMaxTemplateIterations),
		Database: Database{
			Type:     v.GetString(KeyDatabaseType),
			Host:     v.GetString(KeyDatabaseHost),
			Port:     v.GetInt(KeyDatabasePort),
			User:     v.GetString(KeyDatabaseUser),
			Password: v.GetString(KeyDatabasePassword),
			Name:     v.GetString(KeyDatabaseName),
		},
		InMemoryMaxTraces: v.GetInt(KeyInMemoryMaxTraces),
		ServerHost:        v.GetString(KeyServerHost),
		ServerPort:        v.GetInt(KeyServerPort),
		TraceFetchLimit:   v.GetInt(KeyTraceFetchLimit),
		LogLevel:          v.GetString(KeyLogLevel),
	}
	if s.OTLPProtocol == "http" {
		s.OTLPProtocol = ProtocolHTTP
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []error
	if s.OTLPProtocol != ProtocolGRPC && s.OTLPProtocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("%s: unsupported protocol %q, supported: grpc, http/protobuf", KeyOTLPProtocol, s.OTLPProtocol))
	}
	if !s.Stdout {
		if _, err := url.Parse(s.OTLPEndpoint); err != nil || s.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("%s: invalid endpoint %q", KeyOTLPEndpoint, s.OTLPEndpoint))
		}
	}
	if s.ScenariosPath == "" {
		errs = append(errs, fmt.Errorf("%s: must not be empty", KeyScenariosPath))
	}
	if s.IntervalMin < 0 || s.IntervalMax < 0 {
		errs = append(errs, errors.New("trace intervals must be non-negative"))
	}
	if s.IntervalMin > s.IntervalMax {
		errs = append(errs, fmt.Errorf("%s (%s) must not exceed %s (%s)", KeyIntervalMin, s.IntervalMin, KeyIntervalMax, s.IntervalMax))
	}
	if s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeyWorkers, s.Workers))
	}
	if s.MaxTemplateIterations <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeyMaxTemplateIterations, s.MaxTemplateIterations))
	}
	switch s.Database.Backend() {
	case BackendInMemory:
		if s.InMemoryMaxTraces <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeyInMemoryMaxTraces, s.InMemoryMaxTraces))
		}
	case BackendClickHouse:
		if !validPort(s.Database.Port) {
			errs = append(errs, fmt.Errorf("%s: invalid port %d", KeyDatabasePort, s.Database.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported database type %q, supported: clickhouse, inmemory", KeyDatabaseType, s.Database.Type))
	}
	if !validPort(s.ServerPort) {
		errs = append(errs, fmt.Errorf("%s: invalid port %d", KeyServerPort, s.ServerPort))
	}
	if s.TraceFetchLimit <= 0 {
		errs = append(errs, fmt.Errorf("%s: must be positive, got %d", KeyTraceFetchLimit, s.TraceFetchLimit))
	}
	if _, err := zap.ParseAtomicLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// ServerAddr returns the HTTP listen address.
func (s *Settings) ServerAddr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(s.ServerPort))
}

// Fields renders the settings for a startup log line. Secrets are omitted.
func (s *Settings) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("otlp_endpoint", s.OTLPEndpoint),
		zap.String("otlp_protocol", s.OTLPProtocol),
		zap.Bool("stdout", s.Stdout),
		zap.String("scenarios_path", s.ScenariosPath),
		zap.Duration("interval_min", s.IntervalMin),
		zap.Duration("interval_max", s.IntervalMax),
		zap.Int("workers", s.Workers),
		zap.String("database", s.Database.Backend()),
		zap.String("server", s.ServerAddr()),
	}
	switch s.Database.Backend() {
	case BackendInMemory:
		fields = append(fields, zap.Int("inmemory_max_traces", s.InMemoryMaxTraces))
	case BackendClickHouse:
		fields = append(fields, zap.String("clickhouse", net.JoinHostPort(s.Database.Host, strconv.Itoa(s.Database.Port))))
	}
	return fields
}
