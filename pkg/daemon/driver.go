package daemon

import "context"

// Driver performs the backend operations the daemon coordinates. Connection
// parameters other than the URL (credentials, buckets, pool sizes) belong to
// the driver value itself.
type Driver[C any] interface {
	Connect(ctx context.Context, url string) (C, error)
	// Probe checks liveness. Any non-nil error means the connection is unhealthy.
	Probe(ctx context.Context, conn C) error
	Close(ctx context.Context, conn C) error
}

// DriverFuncs adapts plain functions to a Driver. A nil ProbeFunc always
// reports healthy and a nil CloseFunc is a no-op.
type DriverFuncs[C any] struct {
	ConnectFunc func(ctx context.Context, url string) (C, error)
	ProbeFunc   func(ctx context.Context, conn C) error
	CloseFunc   func(ctx context.Context, conn C) error
}

func (f DriverFuncs[C]) Connect(ctx context.Context, url string) (C, error) {
	return f.ConnectFunc(ctx, url)
}

func (f DriverFuncs[C]) Probe(ctx context.Context, conn C) error {
	if f.ProbeFunc == nil {
		return nil
	}
	return f.ProbeFunc(ctx, conn)
}

func (f DriverFuncs[C]) Close(ctx context.Context, conn C) error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc(ctx, conn)
}

// Continuation receives the outcome of one connection request. It is called
// exactly once, on the daemon's delivery goroutine, and must not block
// waiting for another continuation of the same daemon.
type Continuation[C any] func(conn C, err error)

// Requester is implemented by both Daemon and Context.
type Requester[C any] interface {
	RequestConnection(fn Continuation[C])
	Connection(ctx context.Context) (C, error)
}

func awaitConnection[C any](ctx context.Context, request func(Continuation[C])) (C, error) {
	type outcome struct {
		conn C
		err  error
	}
	ch := make(chan outcome, 1)
	request(func(conn C, err error) {
		ch <- outcome{conn: conn, err: err}
	})

	select {
	case <-ctx.Done():
		var zero C
		return zero, ctx.Err()
	case o := <-ch:
		return o.conn, o.err
	}
}
