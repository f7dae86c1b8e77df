package daemon

import (
	"context"

	"github.com/migadu/connd/logger"
)

// Context is a named view of a Daemon. It shares the daemon's connection and
// only carries its own logger, which is used for the log lines its requests
// produce.
type Context[C any] struct {
	daemon *Daemon[C]
	log    logger.Logger
}

// NewContext wraps d. A nil log falls back to the daemon's logger.
func NewContext[C any](d *Daemon[C], log logger.Logger) *Context[C] {
	if log == nil {
		log = d.log
	}
	return &Context[C]{daemon: d, log: log}
}

func (c *Context[C]) RequestConnection(fn Continuation[C]) {
	c.daemon.request(c.log, fn)
}

func (c *Context[C]) Connection(ctx context.Context) (C, error) {
	return awaitConnection(ctx, c.RequestConnection)
}

// CreateContext returns a sibling context on the same daemon.
func (c *Context[C]) CreateContext(name string) *Context[C] {
	return c.daemon.CreateContext(name)
}

func (c *Context[C]) CreateLogger(name string) logger.Logger {
	return c.daemon.CreateLogger(name)
}

func (c *Context[C]) Daemon() *Daemon[C] {
	return c.daemon
}

func (c *Context[C]) Logger() logger.Logger {
	return c.log
}
