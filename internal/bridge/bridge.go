// Package bridge correlates fire-and-forget requests to an isolated
// computation service with their eventual responses.
//
// Every Invoke generates a request id and parks a pending channel under it.
// The transport later hands the response to Resolve, which wakes the caller
// and forgets the id. Responses for unknown or already resolved ids are
// ignored.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aura/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Invoke after Close, and to callers still
	// waiting when Close runs.
	ErrClosed = errors.New("bridge closed")

	// ErrRemote wraps an error reported by the computation service.
	ErrRemote = errors.New("remote computation failed")
)

// Request is one invocation sent to the computation service.
type Request struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the service's answer to a Request.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the response payload into v.
func (r Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("response %s has no payload", r.ID)
	}
	return json.Unmarshal(r.Payload, v)
}

// Transport carries requests to the service. Start is called once by New
// with the function responses must be delivered to.
type Transport interface {
	Start(resolve func(Response))
	Send(ctx context.Context, req Request) error
	Close() error
}

// Bridge is the request/response correlator.
type Bridge struct {
	mu        sync.Mutex
	pending   map[string]chan Response
	closed    bool
	transport Transport
	limiter   *rate.Limiter
	timeout   time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRateLimit caps invocations per second. perSecond <= 0 means unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bridge) {
		if perSecond <= 0 {
			b.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout bounds each invocation. Zero means only ctx bounds it.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// New creates a bridge over t and starts the transport.
func New(t Transport, opts ...Option) *Bridge {
	b := &Bridge{
		pending:   make(map[string]chan Response),
		transport: t,
		limiter:   rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	t.Start(func(r Response) { b.Resolve(r) })
	return b
}

// Invoke sends payload and waits for the correlated response.
func (b *Bridge) Invoke(ctx context.Context, payload any) (Response, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}
	req := Request{ID: uuid.NewString(), Payload: raw}

	ch := make(chan Response, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Response{}, ErrClosed
	}
	b.pending[req.ID] = ch
	b.mu.Unlock()

	logging.BridgeDebug("invoke %s (%d bytes)", req.ID, len(raw))
	if err := b.transport.Send(ctx, req); err != nil {
		b.forget(req.ID)
		return Response{}, fmt.Errorf("send %s: %w", req.ID, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrClosed
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		b.forget(req.ID)
		logging.BridgeWarn("invoke %s abandoned: %v", req.ID, ctx.Err())
		return Response{}, ctx.Err()
	}
}

// Resolve delivers a response to its waiting caller. It reports whether the
// id was pending; unknown and stale ids are ignored.
func (b *Bridge) Resolve(resp Response) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[resp.ID]
	if !ok {
		logging.BridgeDebug("ignoring response for unknown id %s", resp.ID)
		return false
	}
	delete(b.pending, resp.ID)
	// Buffered with room for exactly this send
	ch <- resp
	return true
}

// Pending returns the number of unresolved requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails every pending invocation with ErrClosed and closes the
// transport.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()
	return b.transport.Close()
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
