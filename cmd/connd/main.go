package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/connd/config"
	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "connd.toml"

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("connd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONND: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "CONND: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("connd starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	svc, err := newService(cfg)
	if err != nil {
		errorHandler.FatalError("initialize daemon", err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Connection daemon ready", "daemon", cfg.Daemon.Name, "driver", cfg.Daemon.Driver)
	svc.Warm()

	server, err := newHTTPServer(cfg.HTTP, svc)
	if err != nil {
		errorHandler.ValidationError("http.health_timeout", err)
		os.Exit(errorHandler.WaitForExit())
	}
	errChan := make(chan error, 1)
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		serveHTTP(ctx, server, errChan)
	}()
	logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr)

	exitCode := 0
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("serve HTTP", err)
		exitCode = errorHandler.WaitForExit()
		cancel()
	}

	select {
	case <-httpDone:
	case <-time.After(10 * time.Second):
		logger.Warn("HTTP server shutdown timeout reached after 10 seconds")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Error("Failed to close connection daemon", "error", err)
	}
	logger.Info("connd stopped")

	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}

// loadAndValidateConfig loads the configuration file and validates it. A
// missing default file is not an error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}
}
