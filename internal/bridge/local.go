package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"aura/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Worker computes the response payload for one request.
type Worker interface {
	Handle(ctx context.Context, req Request) (json.RawMessage, error)
}

// WorkerFunc adapts a function into a Worker.
type WorkerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Handle implements Worker.
func (f WorkerFunc) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// LocalTransport runs a Worker on a fixed pool of goroutines in this
// process. Each request is isolated: a worker error or panic becomes an
// error response, never a crash.
type LocalTransport struct {
	worker  Worker
	workers int
	jobs    chan Request

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	closeOnce sync.Once
}

// NewLocalTransport creates a transport with n worker goroutines.
func NewLocalTransport(w Worker, n int) *LocalTransport {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalTransport{
		worker:  w,
		workers: n,
		jobs:    make(chan Request, n*4),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start implements Transport.
func (t *LocalTransport) Start(resolve func(Response)) {
	for i := 0; i < t.workers; i++ {
		t.group.Go(func() error {
			for {
				select {
				case <-t.ctx.Done():
					return nil
				case req := <-t.jobs:
					resolve(t.run(req))
				}
			}
		})
	}
	logging.Bridge("local transport started with %d workers", t.workers)
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, req Request) error {
	select {
	case <-t.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case t.jobs <- req:
		return nil
	}
}

// Close stops the workers and waits for them to exit.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(t.cancel)
	return t.group.Wait()
}

func (t *LocalTransport) run(req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if p := recover(); p != nil {
			resp.Payload = nil
			resp.Error = fmt.Sprintf("worker panicked: %v", p)
		}
	}()

	payload, err := t.worker.Handle(t.ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
