// Package health provides the liveness probe loop bound to a single connection.
//
// A Heartbeat probes immediately, then again Interval after each successful
// probe. The first failed probe invokes OnFailure once and ends the loop for
// good; a new Heartbeat must be started for the next connection.
package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/migadu/connd/pkg/metrics"
)

type ComponentStatus string

const (
	StatusIdle       ComponentStatus = "idle"
	StatusConnecting ComponentStatus = "connecting"
	StatusHealthy    ComponentStatus = "healthy"
	StatusUnhealthy  ComponentStatus = "unhealthy"
)

// DefaultInterval replaces a non-positive HeartbeatConfig.Interval.
const DefaultInterval = time.Second

// ProbeFunc checks liveness. Any non-nil error means unhealthy.
type ProbeFunc func(ctx context.Context) error

type HeartbeatConfig struct {
	// Name labels log lines and metrics.
	Name string
	// Interval between the end of one probe and the start of the next.
	// Non-positive values select DefaultInterval.
	Interval time.Duration
	// Timeout bounds a single probe. Zero means no deadline.
	Timeout time.Duration
	Probe   ProbeFunc
	// OnFailure is called at most once, from the heartbeat goroutine.
	OnFailure func(err error)
}

type Heartbeat struct {
	cfg    HeartbeatConfig
	cancel context.CancelFunc
	done   chan struct{}
	probes atomic.Int64
}

// StartHeartbeat starts probing in a new goroutine. The loop ends on the
// first failed probe or when ctx is cancelled.
func StartHeartbeat(ctx context.Context, cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go hb.run(ctx)
	return hb
}

// Stop cancels the loop and waits for it to exit. An in-flight OnFailure
// call is allowed to finish.
func (hb *Heartbeat) Stop() {
	hb.cancel()
	<-hb.done
}

// Done is closed once the loop has exited.
func (hb *Heartbeat) Done() <-chan struct{} {
	return hb.done
}

// Probes returns the number of completed probes.
func (hb *Heartbeat) Probes() int64 {
	return hb.probes.Load()
}

func (hb *Heartbeat) run(ctx context.Context) {
	defer close(hb.done)
	defer hb.cancel()

	var timer *time.Timer
	for {
		err := hb.performProbe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if hb.cfg.OnFailure != nil {
				hb.cfg.OnFailure(err)
			}
			return
		}

		if timer == nil {
			timer = time.NewTimer(hb.cfg.Interval)
			defer timer.Stop()
		} else {
			timer.Reset(hb.cfg.Interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (hb *Heartbeat) performProbe(ctx context.Context) (err error) {
	// A panicking probe counts as a failed one.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		hb.probes.Add(1)
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.HeartbeatProbesTotal.WithLabelValues(hb.cfg.Name, result).Inc()
	}()

	if hb.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hb.cfg.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	err = hb.cfg.Probe(ctx)
	metrics.HeartbeatProbeDuration.WithLabelValues(hb.cfg.Name).Observe(time.Since(startTime).Seconds())
	return err
}
