package daemon

import (
	"time"

	"github.com/migadu/connd/logger"
)

// Options configures a Daemon. Start from DefaultOptions and override
// fields; the zero value means one connect attempt per cycle.
type Options struct {
	// Name labels log lines and metrics.
	Name string
	// RetryDelay is the fixed wait between failed connect attempts.
	RetryDelay time.Duration
	// MaxRetries bounds retries after the first attempt of a connect cycle.
	// Zero allows a single attempt. retry.Unlimited (-1) retries until Close;
	// smaller values select the default.
	MaxRetries int
	// HeartbeatInterval is the wait between liveness probes. Zero selects
	// the default.
	HeartbeatInterval time.Duration
	// ProbeTimeout bounds each probe. Zero means no deadline.
	ProbeTimeout time.Duration
	// Logger defaults to a silent logger.
	Logger logger.Logger
	// LoggerFactory routes CreateLogger. When nil every child context shares Logger.
	LoggerFactory func(name string) logger.Logger
}

// DefaultOptions returns the options New expects callers to start from.
func DefaultOptions() Options {
	return Options{
		Name:              "default",
		RetryDelay:        0,
		MaxRetries:        5,
		HeartbeatInterval: time.Second,
	}
}
