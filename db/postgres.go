// Package db provides daemon drivers for SQL backends.
//
// PostgresDriver manages a single *pgx.Conn, SQLiteDriver a single *sql.DB
// backed by modernc.org/sqlite. Both satisfy daemon.Driver and are meant to be
// wrapped by a daemon.Daemon, which owns retry and liveness:
//
//	d := daemon.New(url, db.NewPostgresDriver(), opts)
//	conn, err := d.Connection(ctx)
//	if err != nil {
//		return err
//	}
//	row := conn.QueryRow(ctx, "SELECT count(*) FROM accounts")
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/retry"
)

// PostgresDriver connects with pgx. A single connection is not safe for
// concurrent use; callers sharing it must serialize their queries.
type PostgresDriver struct {
	// ConnectTimeout bounds the dial when the URL does not set connect_timeout.
	ConnectTimeout time.Duration
	// LogQueries traces every query at debug level through Logger.
	LogQueries bool
	Logger     logger.Logger
}

func NewPostgresDriver() *PostgresDriver {
	return &PostgresDriver{
		ConnectTimeout: 10 * time.Second,
		Logger:         logger.Nop(),
	}
}

func (p *PostgresDriver) Connect(ctx context.Context, url string) (*pgx.Conn, error) {
	config, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("%w: %w", ErrUnsupportedURL, err))
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = p.ConnectTimeout
	}
	if p.LogQueries {
		config.Tracer = &queryTracer{log: p.logger()}
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s:%d: %w", config.Host, config.Port, err)
	}
	return conn, nil
}

func (p *PostgresDriver) Probe(ctx context.Context, conn *pgx.Conn) error {
	if conn.IsClosed() {
		return fmt.Errorf("connection is closed")
	}
	return conn.Ping(ctx)
}

func (p *PostgresDriver) Close(ctx context.Context, conn *pgx.Conn) error {
	return conn.Close(ctx)
}

func (p *PostgresDriver) logger() logger.Logger {
	if p.Logger == nil {
		return logger.Nop()
	}
	return p.Logger
}

type queryStartKey struct{}

type queryStart struct {
	sql  string
	time time.Time
}

// queryTracer logs each query with its duration once it finishes.
type queryTracer struct {
	log logger.Logger
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, time: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if data.Err != nil {
		t.log.Debug("Query failed", "sql", start.sql, "duration", time.Since(start.time), "error", data.Err)
		return
	}
	t.log.Debug("Query", "sql", start.sql, "duration", time.Since(start.time), "tag", data.CommandTag.String())
}
