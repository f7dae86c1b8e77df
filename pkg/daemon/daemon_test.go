package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/migadu/connd/pkg/health"
	"github.com/migadu/connd/pkg/metrics"
	"github.com/migadu/connd/pkg/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Requester[*fakeConn] = (*Daemon[*fakeConn])(nil)

func TestConcurrentRequestsShareOneConnect(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	d := newTestDaemon(t, driver, testOptions(t))

	const n = 20
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		d.RequestConnection(func(conn *fakeConn, err error) {
			results <- outcome{conn, err}
		})
	}

	assert.Equal(t, n, d.Status().Waiters)
	assert.Equal(t, health.StatusConnecting, d.Status().State)
	close(driver.gate)

	var first *fakeConn
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			if first == nil {
				first = r.conn
			}
			assert.Same(t, first, r.conn)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d requests answered", i, n)
		}
	}
	assert.Equal(t, 1, driver.connectCount())
}

func TestCachedConnectionIsReused(t *testing.T) {
	driver := &fakeDriver{}
	opts := testOptions(t)
	log := &recordingLogger{}
	opts.Logger = log
	d := newTestDaemon(t, driver, opts)

	ctx := context.Background()
	c1, err := d.Connection(ctx)
	require.NoError(t, err)
	c2, err := d.Connection(ctx)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, driver.connectCount())
	assert.Equal(t, 1, log.count("debug", "Already connected, reusing connection"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues(opts.Name, "cache")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Connected.WithLabelValues(opts.Name)))
}

func TestWaitersAreAnsweredInRequestOrder(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	d := newTestDaemon(t, driver, testOptions(t))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, name := range []string{"A", "B", "C"} {
		wg.Add(1)
		d.RequestConnection(func(conn *fakeConn, err error) {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	close(driver.gate)
	wg.Wait()

	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestConnectCycleIsBounded(t *testing.T) {
	errSixth := errors.New("sixth attempt failed")
	driver := &fakeDriver{
		connectErr: func(attempt int) error {
			switch {
			case attempt < 6:
				return fmt.Errorf("attempt %d failed", attempt)
			case attempt == 6:
				return errSixth
			}
			return nil
		},
	}
	opts := testOptions(t)
	opts.RetryDelay = time.Millisecond
	opts.MaxRetries = 5
	log := &recordingLogger{}
	opts.Logger = log
	d := newTestDaemon(t, driver, opts)

	ctx := context.Background()
	conn, err := d.Connection(ctx)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, errSixth)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 6, cerr.Attempts)
	assert.NotContains(t, cerr.Error(), "secret")
	assert.Equal(t, 6, driver.connectCount())
	assert.Equal(t, 5, log.count("warn", "Connect attempt failed, retrying"))
	assert.Equal(t, 1, log.count("error", "Failed to connect"))

	status := d.Status()
	assert.Equal(t, health.StatusUnhealthy, status.State)
	assert.Contains(t, status.LastError, "sixth attempt failed")

	// A new request starts a fresh cycle with a fresh budget.
	conn, err = d.Connection(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 7, driver.connectCount())
	assert.Equal(t, health.StatusHealthy, d.Status().State)
}

func TestRetryDelayIsApplied(t *testing.T) {
	driver := &fakeDriver{
		connectErr: func(attempt int) error {
			if attempt <= 2 {
				return errors.New("refused")
			}
			return nil
		},
	}
	opts := testOptions(t)
	opts.RetryDelay = 30 * time.Millisecond
	d := newTestDaemon(t, driver, opts)

	start := time.Now()
	_, err := d.Connection(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 3, driver.connectCount())
}

func TestStopErrorEndsCycle(t *testing.T) {
	errBadURL := errors.New("malformed url")
	driver := &fakeDriver{
		connectErr: func(int) error { return retry.Stop(errBadURL) },
	}
	d := newTestDaemon(t, driver, testOptions(t))

	_, err := d.Connection(context.Background())
	require.ErrorIs(t, err, errBadURL)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Attempts)
	assert.Equal(t, 1, driver.connectCount())
}

func TestFailedHeartbeatReplacesConnection(t *testing.T) {
	driver := &fakeDriver{
		probeErr: func(conn *fakeConn, probe int64) error {
			if conn.id == 1 && probe == 4 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	opts := testOptions(t)
	log := &recordingLogger{}
	opts.Logger = log
	d := newTestDaemon(t, driver, opts)

	ctx := context.Background()
	first, err := d.Connection(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.id)

	require.Eventually(t, func() bool {
		return log.count("debug", "The connection was successfully closed") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.Equal(t, int64(4), first.probes.Load())
	assert.Equal(t, 1, log.count("error", "Heartbeat probe failed, discarding connection"))

	second, err := d.Connection(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, second.id)
	assert.Equal(t, 2, driver.connectCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectionLossesTotal.WithLabelValues(opts.Name)))

	// The failed heartbeat never re-arms.
	probes := first.probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, probes, first.probes.Load())
}

func TestLostConnectionIsIdleUntilRequested(t *testing.T) {
	driver := &fakeDriver{
		probeErr: func(conn *fakeConn, probe int64) error {
			if conn.id == 1 {
				return errors.New("gone")
			}
			return nil
		},
	}
	d := newTestDaemon(t, driver, testOptions(t))

	first, err := d.Connection(context.Background())
	require.NoError(t, err)
	require.Eventually(t, first.closed.Load, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, driver.connectCount())
	status := d.Status()
	assert.Equal(t, health.StatusUnhealthy, status.State)
	assert.Equal(t, "gone", status.LastError)
	assert.Empty(t, status.ConnectionID)
}

func TestCloseFailureIsLoggedNotDelivered(t *testing.T) {
	driver := &fakeDriver{
		probeErr: func(conn *fakeConn, probe int64) error {
			if conn.id == 1 {
				return errors.New("probe failed")
			}
			return nil
		},
		closeErr: errors.New("close failed"),
	}
	opts := testOptions(t)
	log := &recordingLogger{}
	opts.Logger = log
	d := newTestDaemon(t, driver, opts)

	first, err := d.Connection(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return log.count("error", "Failed to close connection") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CloseErrorsTotal.WithLabelValues(opts.Name)))

	second, err := d.Connection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.id)
}

func TestCloseRejectsRequests(t *testing.T) {
	driver := &fakeDriver{}
	d := newTestDaemon(t, driver, testOptions(t))

	conn, err := d.Connection(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Close(context.Background()))
	assert.True(t, conn.closed.Load())
	assert.True(t, d.Status().Closed)

	_, err = d.Connection(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Idempotent
	assert.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, driver.connectCount())
}

func TestCloseAnswersPendingRequests(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	opts := testOptions(t)
	opts.MaxRetries = retry.Unlimited
	d := newTestDaemon(t, driver, opts)

	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		d.RequestConnection(func(conn *fakeConn, err error) {
			results <- outcome{conn, err}
		})
	}

	require.NoError(t, d.Close(context.Background()))
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.ErrorIs(t, r.err, ErrClosed)
			assert.Nil(t, r.conn)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not answered after Close")
		}
	}
}

func TestCloseReturnsDriverError(t *testing.T) {
	driver := &fakeDriver{closeErr: errors.New("close failed")}
	d := newTestDaemon(t, driver, testOptions(t))

	_, err := d.Connection(context.Background())
	require.NoError(t, err)
	assert.EqualError(t, d.Close(context.Background()), "close failed")
}

func TestUnlimitedRetriesStopOnClose(t *testing.T) {
	driver := &fakeDriver{
		connectErr: func(int) error { return errors.New("refused") },
	}
	opts := testOptions(t)
	opts.MaxRetries = retry.Unlimited
	opts.RetryDelay = time.Millisecond
	d := newTestDaemon(t, driver, opts)

	done := make(chan error, 1)
	d.RequestConnection(func(conn *fakeConn, err error) { done <- err })

	require.Eventually(t, func() bool { return driver.connectCount() > 10 }, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Close(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request not answered after Close")
	}
}

func TestStatusReportsConnection(t *testing.T) {
	driver := &fakeDriver{}
	opts := testOptions(t)
	d := newTestDaemon(t, driver, opts)

	status := d.Status()
	assert.Equal(t, opts.Name, status.Name)
	assert.Equal(t, health.StatusIdle, status.State)
	assert.Nil(t, status.ConnectedSince)

	_, err := d.Connection(context.Background())
	require.NoError(t, err)

	status = d.Status()
	assert.Equal(t, health.StatusHealthy, status.State)
	assert.NotEmpty(t, status.ConnectionID)
	require.NotNil(t, status.ConnectedSince)
	assert.WithinDuration(t, time.Now(), *status.ConnectedSince, time.Second)
}

func TestContinuationPanicDoesNotStopDelivery(t *testing.T) {
	driver := &fakeDriver{}
	opts := testOptions(t)
	log := &recordingLogger{}
	opts.Logger = log
	d := newTestDaemon(t, driver, opts)

	d.RequestConnection(func(*fakeConn, error) { panic("boom") })
	conn, err := d.Connection(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, 1, log.count("error", "Connection continuation panicked"))
}

func TestConnectionHonoursCallerContext(t *testing.T) {
	driver := &fakeDriver{gate: make(chan struct{})}
	d := newTestDaemon(t, driver, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Connection(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cycle keeps running for later requests.
	close(driver.gate)
	conn, err := d.Connection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, conn.id)
}

func TestNewAppliesDefaults(t *testing.T) {
	for _, interval := range []time.Duration{-1, 0} {
		d := New[*fakeConn]("fake://", &fakeDriver{}, Options{HeartbeatInterval: interval})
		assert.Equal(t, "default", d.Name())
		assert.NotNil(t, d.Logger())
		assert.Equal(t, time.Second, d.heartbeatInterval, "interval %v", interval)
		assert.Equal(t, 0, d.policy.MaxRetries)
		d.Close(context.Background())
	}
}

func TestNewMaxRetries(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 3, want: 3},
		{in: 0, want: 0},
		{in: retry.Unlimited, want: retry.Unlimited},
		{in: -5, want: 5},
	}
	for _, tt := range tests {
		d := New[*fakeConn]("fake://", &fakeDriver{}, Options{MaxRetries: tt.in})
		assert.Equal(t, tt.want, d.policy.MaxRetries, "MaxRetries %d", tt.in)
		d.Close(context.Background())
	}
}

func TestZeroOptionsHeartbeatDoesNotSpin(t *testing.T) {
	driver := &fakeDriver{}
	d := newTestDaemon(t, driver, Options{Name: fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())})

	_, err := d.Connection(context.Background())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	conns := driver.connections()
	require.Len(t, conns, 1)
	assert.LessOrEqual(t, conns[0].probes.Load(), int64(2))
	assert.Equal(t, 1, driver.connectCount())
}
