// Package daemon multiplexes many consumers onto one shared backend connection.
//
// A Daemon owns a single connection produced by a Driver. Requests made while
// the connection is healthy are served from cache; requests made while it is
// missing are queued behind one connect cycle, which retries failed attempts
// with a fixed delay and then answers every queued request, in order, with the
// same outcome. Once connected, a heartbeat probes the connection and discards
// it on the first failed probe, so the next request starts a new cycle.
//
// # Usage
//
//	opts := daemon.DefaultOptions()
//	opts.Name = "primary"
//	opts.RetryDelay = 500 * time.Millisecond
//	opts.Logger = logger.Named("primary")
//
//	d := daemon.New(url, db.NewPostgresDriver(), opts)
//	defer d.Close(context.Background())
//
//	// Continuation style
//	d.RequestConnection(func(conn *pgx.Conn, err error) {
//		...
//	})
//
//	// Blocking style
//	conn, err := d.Connection(ctx)
//
// # Contexts
//
// Sub-components get their own facade with CreateContext. All facades share
// the daemon's connection; only the logger differs:
//
//	imports := d.CreateContext("imports")
//	conn, err := imports.Connection(ctx)
//
// # Ordering
//
// Continuations run on a single delivery goroutine in the order the daemon
// decided their outcome. Requests queued during one cycle are answered in the
// order they were made. A connection handed out stays valid only until the
// next failed heartbeat.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/connd/logger"
	"github.com/migadu/connd/pkg/health"
	"github.com/migadu/connd/pkg/metrics"
	"github.com/migadu/connd/pkg/retry"
)

type Daemon[C any] struct {
	url               string
	driver            Driver[C]
	name              string
	policy            retry.Policy
	heartbeatInterval time.Duration
	probeTimeout      time.Duration
	log               logger.Logger
	loggerFactory     func(name string) logger.Logger

	// ctx ends on Close and aborts retry waits, connects and probes.
	ctx      context.Context
	cancel   context.CancelFunc
	dispatch *dispatcher
	cycles   sync.WaitGroup

	// Fields below are protected by mu
	mu             sync.Mutex
	conn           C
	connected      bool
	connID         string
	connectedSince time.Time
	waiters        []Continuation[C]
	heartbeat      *health.Heartbeat
	lastErr        error
	closed         bool
}

// Status is a point-in-time snapshot of a Daemon.
type Status struct {
	Name           string                 `json:"name"`
	State          health.ComponentStatus `json:"state"`
	ConnectionID   string                 `json:"connection_id,omitempty"`
	ConnectedSince *time.Time             `json:"connected_since,omitempty"`
	Waiters        int                    `json:"waiters"`
	LastError      string                 `json:"last_error,omitempty"`
	Closed         bool                   `json:"closed"`
}

// New creates a Daemon for url. Nothing connects until the first request.
//
// Options should start from DefaultOptions: a zero MaxRetries is a valid
// setting (one attempt per cycle) and is kept. A non-positive
// HeartbeatInterval and a MaxRetries below retry.Unlimited are replaced by
// their defaults.
func New[C any](url string, driver Driver[C], opts Options) *Daemon[C] {
	defaults := DefaultOptions()
	if opts.Name == "" {
		opts.Name = defaults.Name
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.MaxRetries < retry.Unlimited {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon[C]{
		url:    url,
		driver: driver,
		name:   opts.Name,
		policy: retry.Policy{
			Delay:      opts.RetryDelay,
			MaxRetries: opts.MaxRetries,
		},
		heartbeatInterval: opts.HeartbeatInterval,
		probeTimeout:      opts.ProbeTimeout,
		log:               opts.Logger,
		loggerFactory:     opts.LoggerFactory,
		ctx:               ctx,
		cancel:            cancel,
		dispatch:          newDispatcher(opts.Logger),
	}
	metrics.Connected.WithLabelValues(d.name).Set(0)
	return d
}

// Name returns the daemon's label.
func (d *Daemon[C]) Name() string {
	return d.name
}

// Logger returns the daemon's root logger.
func (d *Daemon[C]) Logger() logger.Logger {
	return d.log
}

// RequestConnection delivers the shared connection, or the error of the
// connect cycle it had to wait for, to fn.
func (d *Daemon[C]) RequestConnection(fn Continuation[C]) {
	d.request(d.log, fn)
}

// Connection blocks until a connection request is answered or ctx ends.
// It must not be called from inside a continuation.
func (d *Daemon[C]) Connection(ctx context.Context) (C, error) {
	return awaitConnection(ctx, d.RequestConnection)
}

// CreateContext returns a facade over this daemon whose logger is
// CreateLogger(name).
func (d *Daemon[C]) CreateContext(name string) *Context[C] {
	return NewContext(d, d.CreateLogger(name))
}

// CreateLogger returns the logger for a named context. Without a
// LoggerFactory this is the daemon's own logger and name is ignored.
func (d *Daemon[C]) CreateLogger(name string) logger.Logger {
	if d.loggerFactory != nil {
		if l := d.loggerFactory(name); l != nil {
			return l
		}
	}
	return d.log
}

func (d *Daemon[C]) request(log logger.Logger, fn Continuation[C]) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		var zero C
		d.dispatch.post(func() { fn(zero, ErrClosed) })
		return
	}

	if d.connected {
		conn, id := d.conn, d.connID
		d.dispatch.post(func() { fn(conn, nil) })
		d.mu.Unlock()

		metrics.RequestsTotal.WithLabelValues(d.name, "cache").Inc()
		log.Debug("Already connected, reusing connection", "daemon", d.name, "conn_id", id)
		return
	}

	d.waiters = append(d.waiters, fn)
	waiting := len(d.waiters)
	first := waiting == 1
	if first {
		d.cycles.Add(1)
	}
	d.mu.Unlock()

	metrics.WaitersCurrent.WithLabelValues(d.name).Set(float64(waiting))
	if !first {
		metrics.RequestsTotal.WithLabelValues(d.name, "queued").Inc()
		log.Debug("Connecting in progress, request queued", "daemon", d.name, "waiters", waiting)
		return
	}

	metrics.RequestsTotal.WithLabelValues(d.name, "connect").Inc()
	go d.connectCycle(log)
}

// connectCycle runs one bounded sequence of connect attempts and answers
// every waiter queued meanwhile.
func (d *Daemon[C]) connectCycle(log logger.Logger) {
	defer d.cycles.Done()

	target := redactURL(d.url)
	log.Debug("Connecting", "daemon", d.name, "url", target)

	start := time.Now()
	var conn C
	attempts, err := retry.Do(d.ctx, d.policy, func(ctx context.Context) error {
		c, err := d.driver.Connect(ctx, d.url)
		if err != nil {
			metrics.ConnectAttemptsTotal.WithLabelValues(d.name, "failure").Inc()
			return err
		}
		metrics.ConnectAttemptsTotal.WithLabelValues(d.name, "success").Inc()
		conn = c
		return nil
	}, func(attempt int, err error) {
		log.Warn("Connect attempt failed, retrying",
			"daemon", d.name, "url", target, "attempt", attempt, "total", d.policy.MaxRetries,
			"delay", d.policy.Delay, "error", err)
	})
	metrics.ConnectCycleDuration.WithLabelValues(d.name).Observe(time.Since(start).Seconds())

	if err != nil {
		d.failCycle(log, target, attempts, err)
		return
	}
	d.completeCycle(log, conn)
}

func (d *Daemon[C]) failCycle(log logger.Logger, target string, attempts int, err error) {
	if d.ctx.Err() != nil {
		err = errors.Join(ErrClosed, err)
	}
	cerr := &ConnectError{URL: target, Attempts: attempts, Err: err}
	log.Error("Failed to connect", "daemon", d.name, "url", target, "attempts", attempts, "error", err)

	var zero C
	d.mu.Lock()
	d.connected = false
	d.conn = zero
	d.connID = ""
	d.lastErr = cerr
	waiters := d.drainLocked()
	for _, fn := range waiters {
		d.dispatch.post(func() { fn(zero, cerr) })
	}
	d.mu.Unlock()

	metrics.ConnectCyclesTotal.WithLabelValues(d.name, "failure").Inc()
	metrics.Connected.WithLabelValues(d.name).Set(0)
}

func (d *Daemon[C]) completeCycle(log logger.Logger, conn C) {
	d.mu.Lock()
	if d.closed {
		var zero C
		waiters := d.drainLocked()
		for _, fn := range waiters {
			d.dispatch.post(func() { fn(zero, ErrClosed) })
		}
		d.mu.Unlock()

		log.Debug("Daemon closed while connecting, discarding new connection", "daemon", d.name)
		d.closeConnection(context.Background(), "", conn)
		return
	}

	id := uuid.NewString()
	d.conn = conn
	d.connected = true
	d.connID = id
	d.connectedSince = time.Now()
	d.lastErr = nil
	waiters := d.drainLocked()
	for _, fn := range waiters {
		d.dispatch.post(func() { fn(conn, nil) })
	}
	d.heartbeat = health.StartHeartbeat(d.ctx, health.HeartbeatConfig{
		Name:     d.name,
		Interval: d.heartbeatInterval,
		Timeout:  d.probeTimeout,
		Probe: func(ctx context.Context) error {
			return d.driver.Probe(ctx, conn)
		},
		OnFailure: func(err error) {
			d.connectionLost(id, conn, err)
		},
	})
	d.mu.Unlock()

	metrics.ConnectCyclesTotal.WithLabelValues(d.name, "success").Inc()
	metrics.Connected.WithLabelValues(d.name).Set(1)
	log.Debug("Successfully connected", "daemon", d.name, "conn_id", id, "waiters", len(waiters))
}

// drainLocked swaps out the waiter queue. Requests arriving after the swap
// see the new state and are never mixed into this batch.
func (d *Daemon[C]) drainLocked() []Continuation[C] {
	waiters := d.waiters
	d.waiters = nil
	metrics.WaitersCurrent.WithLabelValues(d.name).Set(0)
	return waiters
}

// connectionLost forgets the connection before closing it, so requests made
// while the close is in flight already start a new cycle.
func (d *Daemon[C]) connectionLost(id string, conn C, probeErr error) {
	d.log.Error("Heartbeat probe failed, discarding connection", "daemon", d.name, "conn_id", id, "error", probeErr)

	var zero C
	d.mu.Lock()
	if !d.connected || d.connID != id {
		d.mu.Unlock()
		return
	}
	d.connected = false
	d.conn = zero
	d.connID = ""
	d.lastErr = probeErr
	d.mu.Unlock()

	metrics.ConnectionLossesTotal.WithLabelValues(d.name).Inc()
	metrics.Connected.WithLabelValues(d.name).Set(0)

	ctx := context.Background()
	if d.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.probeTimeout)
		defer cancel()
	}
	d.closeConnection(ctx, id, conn)
}

func (d *Daemon[C]) closeConnection(ctx context.Context, id string, conn C) error {
	if err := d.driver.Close(ctx, conn); err != nil {
		metrics.CloseErrorsTotal.WithLabelValues(d.name).Inc()
		d.log.Error("Failed to close connection", "daemon", d.name, "conn_id", id, "error", err)
		return err
	}
	d.log.Debug("The connection was successfully closed", "daemon", d.name, "conn_id", id)
	return nil
}

// Status returns a snapshot of the daemon's state.
func (d *Daemon[C]) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Name:    d.name,
		Waiters: len(d.waiters),
		Closed:  d.closed,
	}
	switch {
	case d.connected:
		s.State = health.StatusHealthy
		s.ConnectionID = d.connID
		since := d.connectedSince
		s.ConnectedSince = &since
	case len(d.waiters) > 0:
		s.State = health.StatusConnecting
	case d.lastErr != nil:
		s.State = health.StatusUnhealthy
	default:
		s.State = health.StatusIdle
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// Close stops the daemon: pending and future requests get ErrClosed, retry
// waits and in-flight driver calls are cancelled, the heartbeat is stopped
// and the live connection, if any, is closed. The close error is returned
// only here. Close is idempotent and must not be called from a continuation.
func (d *Daemon[C]) Close(ctx context.Context) error {
	var zero C
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cancel()
	hb := d.heartbeat
	conn, connected, id := d.conn, d.connected, d.connID
	d.connected = false
	d.conn = zero
	d.connID = ""
	d.mu.Unlock()

	metrics.Connected.WithLabelValues(d.name).Set(0)

	var closeErr error
	if hb != nil {
		if err := waitFor(ctx, hb.Stop); err != nil {
			closeErr = err
		}
	}
	if connected {
		if err := d.closeConnection(ctx, id, conn); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if err := waitFor(ctx, d.cycles.Wait); err != nil && closeErr == nil {
		closeErr = err
	}
	d.dispatch.close()

	d.log.Debug("Connection daemon closed", "daemon", d.name)
	return closeErr
}

func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
