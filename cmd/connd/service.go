package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/connd/config"
	"github.com/migadu/connd/db"
	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/daemon"
	"github.com/migadu/connd/storage"
)

// service is the driver-independent view of a daemon used by main and the
// HTTP handlers.
type service interface {
	Status() daemon.Status
	// Check requests the shared connection and reports whether one was delivered.
	Check(ctx context.Context) error
	// Warm starts a connect cycle without waiting for it.
	Warm()
	Close(ctx context.Context) error
}

type daemonService[C any] struct {
	*daemon.Daemon[C]
}

func (s daemonService[C]) Check(ctx context.Context) error {
	_, err := s.Connection(ctx)
	return err
}

func (s daemonService[C]) Warm() {
	warmup := s.CreateContext("warmup")
	warmup.RequestConnection(func(_ C, err error) {
		if err != nil {
			warmup.Logger().Warn("Initial connection failed, will retry on next request", "daemon", s.Name(), "error", err)
			return
		}
		logger.Info("Initial connection established", "daemon", s.Name())
	})
}

func daemonOptions(cfg config.DaemonConfig) (daemon.Options, error) {
	opts := daemon.DefaultOptions()
	if cfg.Name != "" {
		opts.Name = cfg.Name
	}

	var err error
	if opts.RetryDelay, err = cfg.GetRetryDelay(); err != nil {
		return opts, err
	}
	if opts.HeartbeatInterval, err = cfg.GetHeartbeatInterval(); err != nil {
		return opts, err
	}
	if opts.ProbeTimeout, err = cfg.GetProbeTimeout(); err != nil {
		return opts, err
	}
	opts.MaxRetries = cfg.GetMaxRetries()

	opts.Logger = logger.Named(opts.Name)
	opts.LoggerFactory = func(name string) logger.Logger {
		return logger.Named(opts.Name).With("context", name)
	}
	return opts, nil
}

func newPostgresDriver(cfg config.DaemonConfig, log logger.Logger) *db.PostgresDriver {
	driver := db.NewPostgresDriver()
	driver.LogQueries = cfg.LogQueries
	driver.Logger = log
	return driver
}

func newService(cfg config.Config) (service, error) {
	opts, err := daemonOptions(cfg.Daemon)
	if err != nil {
		return nil, err
	}

	switch cfg.Daemon.Driver {
	case config.DriverPostgres:
		driver := newPostgresDriver(cfg.Daemon, opts.Logger)
		return daemonService[*pgx.Conn]{daemon.New[*pgx.Conn](cfg.Daemon.URL, driver, opts)}, nil

	case config.DriverSQLite:
		driver := db.NewSQLiteDriver()
		driver.Logger = opts.Logger
		return daemonService[*sql.DB]{daemon.New[*sql.DB](cfg.Daemon.URL, driver, opts)}, nil

	case config.DriverS3:
		endpoint := cfg.Daemon.URL
		if endpoint == "" {
			endpoint = cfg.S3.Endpoint
		}
		driver := &storage.S3Driver{
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			Bucket:     cfg.S3.Bucket,
			Region:     cfg.S3.Region,
			DisableTLS: cfg.S3.DisableTLS,
			Debug:      cfg.S3.Debug,
			Logger:     opts.Logger,
		}
		return daemonService[*storage.S3Storage]{daemon.New[*storage.S3Storage](endpoint, driver, opts)}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", cfg.Daemon.Driver)
}
