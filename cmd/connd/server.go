package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/connd/config"
	"github.com/migadu/connd/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newHTTPServer(cfg config.HTTPConfig, svc service) (*http.Server, error) {
	healthTimeout, err := cfg.GetHealthTimeout()
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(svc, cfg.MetricsPath, healthTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func newRouter(svc service, metricsPath string, healthTimeout time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealth(svc, healthTimeout)).Methods(http.MethodGet)
	r.HandleFunc("/status", handleStatus(svc)).Methods(http.MethodGet)
	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}

// handleHealth answers 200 once the daemon delivers a connection within
// timeout, 503 otherwise.
func handleHealth(svc service, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := svc.Check(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	}
}

func handleStatus(svc service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			logger.Warn("Failed to encode status", "error", err)
		}
	}
}

// serveHTTP runs server until ctx is cancelled, then shuts it down.
func serveHTTP(ctx context.Context, server *http.Server, errChan chan<- error) {
	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down HTTP server %s...", server.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP server", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("HTTP server failed: %w", err)
	}
}
