package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/retry"
	_ "modernc.org/sqlite"
)

// SQLiteDriver opens a database file with modernc.org/sqlite. The URL is a
// file path or "file:" URI, optionally prefixed with "sqlite://".
type SQLiteDriver struct {
	// Pragmas are executed after opening, in order. A failing pragma is
	// logged and skipped.
	Pragmas []string
	Logger  logger.Logger
}

func NewSQLiteDriver() *SQLiteDriver {
	return &SQLiteDriver{
		Pragmas: []string{"PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"},
		Logger:  logger.Nop(),
	}
}

func (s *SQLiteDriver) Connect(ctx context.Context, url string) (*sql.DB, error) {
	path, err := sqlitePath(url)
	if err != nil {
		return nil, retry.Stop(err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// Every request shares this handle; one underlying connection keeps
	// pragmas and transactions on the same session.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}
	for _, pragma := range s.Pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			log.Warn("Failed to apply sqlite pragma", "pragma", pragma, "error", err)
		}
	}
	return conn, nil
}

func (s *SQLiteDriver) Probe(ctx context.Context, conn *sql.DB) error {
	return conn.PingContext(ctx)
}

func (s *SQLiteDriver) Close(ctx context.Context, conn *sql.DB) error {
	return conn.Close()
}

func sqlitePath(url string) (string, error) {
	path := url
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(path, prefix) {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty sqlite path in %q", ErrUnsupportedURL, url)
	}
	return path, nil
}
