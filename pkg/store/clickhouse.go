// ClickHouse reader over the otel_traces table written by the collector exporter
// The generator never inserts rows here; spans reach ClickHouse through OTLP
package store

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// One row per trace: the first error span if any, otherwise the latest span.
const tracesQuery = `
SELECT TraceId, SpanId, ParentSpanId, SpanName, ServiceName, SpanKind,
       StatusCode, StatusMessage, Timestamp, toInt64(Duration),
       SpanAttributes, ResourceAttributes
FROM (
    SELECT *, ROW_NUMBER() OVER (
        PARTITION BY TraceId
        ORDER BY CASE WHEN StatusCode = 'Error' THEN 1 ELSE 2 END, Timestamp DESC
    ) AS rn
    FROM otel_traces
    ORDER BY Timestamp DESC
)
WHERE rn = 1
LIMIT ?`

const (
	totalTracesQuery = `SELECT COUNT(DISTINCT TraceId) FROM otel_traces`
	errorTracesQuery = `SELECT COUNT(DISTINCT TraceId) FROM otel_traces WHERE StatusCode = 'Error'`
	servicesQuery    = `SELECT DISTINCT ServiceName FROM otel_traces ORDER BY ServiceName`
)

// ClickHouseOptions locates the ClickHouse HTTP interface.
type ClickHouseOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Addr returns host:port.
func (o ClickHouseOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// ClickHouse reads traces stored by the collector's ClickHouse exporter.
type ClickHouse struct {
	conn   driver.Conn
	logger *zap.Logger
}

var _ Reader = (*ClickHouse)(nil)

// OpenClickHouse creates a client speaking the HTTP protocol. The connection
// is established lazily; call Ping to check reachability.
func OpenClickHouse(opts ClickHouseOptions, logger *zap.Logger) (*ClickHouse, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("clickhouse host is required")
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Protocol: clickhouse.HTTP,
		Addr:     []string{opts.Addr()},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse %s: %w", opts.Addr(), err)
	}
	return newClickHouse(conn, logger), nil
}

func newClickHouse(conn driver.Conn, logger *zap.Logger) *ClickHouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouse{conn: conn, logger: logger}
}

// Traces returns one representative span per trace, newest first.
func (c *ClickHouse) Traces(ctx context.Context, limit int) ([]Record, error) {
	rows, err := c.conn.Query(ctx, tracesQuery, ClampLimit(limit, DefaultMaxRecords))
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only result set

	var out []Record
	for rows.Next() {
		var (
			r        Record
			duration int64
		)
		if err := rows.Scan(
			&r.TraceID, &r.SpanID, &r.ParentSpanID, &r.SpanName, &r.ServiceName, &r.Kind,
			&r.StatusCode, &r.StatusMessage, &r.Timestamp, &duration,
			&r.SpanAttributes, &r.ResourceAttributes,
		); err != nil {
			return nil, fmt.Errorf("scanning trace row: %w", err)
		}
		r.Duration = time.Duration(duration)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading trace rows: %w", err)
	}
	return out, nil
}

// Counts counts distinct traces, and distinct traces containing an error span.
func (c *ClickHouse) Counts(ctx context.Context) (Counts, error) {
	var total, errs uint64
	if err := c.conn.QueryRow(ctx, totalTracesQuery).Scan(&total); err != nil {
		return Counts{}, fmt.Errorf("counting traces: %w", err)
	}
	if err := c.conn.QueryRow(ctx, errorTracesQuery).Scan(&errs); err != nil {
		return Counts{}, fmt.Errorf("counting error traces: %w", err)
	}
	t, e := int64(total), int64(errs) //nolint:gosec // row counts fit in int64
	return Counts{Total: t, Errors: e, Success: t - e}, nil
}

// ServiceNames returns the distinct ServiceName values, sorted.
func (c *ClickHouse) ServiceNames(ctx context.Context) ([]string, error) {
	rows, err := c.conn.Query(ctx, servicesQuery)
	if err != nil {
		return nil, fmt.Errorf("querying service names: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only result set

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning service name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading service names: %w", err)
	}
	return names, nil
}

// Ping checks that ClickHouse answers queries.
func (c *ClickHouse) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		c.logger.Warn("clickhouse health check failed", zap.Error(err))
		return fmt.Errorf("pinging clickhouse: %w", err)
	}
	return nil
}

// Kind returns "clickhouse".
func (c *ClickHouse) Kind() string { return "clickhouse" }

// Close releases the underlying connection pool.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
