// Package dispatch runs one backend's requests: a FIFO queue drained by a
// single consumer goroutine that hands every request to its own tracked
// worker.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/internal/metrics"
)

// Handler executes one request. It either completes req itself or
// returns an error, which the dispatcher translates into the terminal
// reply. Progressive operations call req.Progress before completing.
type Handler func(ctx context.Context, req *sboxd.Request) error

// Handlers maps each operation a backend serves to its handler.
type Handlers map[sboxd.Operation]Handler

// NotSupported is the handler for operations meaningless on a backend.
func NotSupported(_ context.Context, req *sboxd.Request) error {
	return sboxd.Errorf(sboxd.CodeNotSupported, "%s is not supported by this storage", req.Operation)
}

// Options configures a Dispatcher.
type Options struct {
	// Translate maps handler errors into the unified taxonomy. Defaults
	// to sboxd.AsError.
	Translate func(error) *sboxd.Error

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Dispatcher owns one backend's queue and consumer.
type Dispatcher struct {
	name      string
	handlers  Handlers
	translate func(error) *sboxd.Error
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*sboxd.Request
	closing bool

	workers  sync.WaitGroup
	consumer chan struct{}

	// dispatched observes dispatch order on the consumer goroutine.
	dispatched func(*sboxd.Request)

	// ctx is handed to handlers; it is only cancelled when a drain
	// exceeds the shutdown deadline.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a dispatcher for backend name and starts its consumer.
// The handler table is copied and never mutated afterwards.
func New(name string, handlers Handlers, opts Options) *Dispatcher {
	return newDispatcher(name, handlers, opts).start()
}

func newDispatcher(name string, handlers Handlers, opts Options) *Dispatcher {
	table := make(Handlers, len(handlers))
	for op, h := range handlers {
		table[op] = h
	}
	translate := opts.Translate
	if translate == nil {
		translate = sboxd.AsError
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		name:      name,
		handlers:  table,
		translate: translate,
		metrics:   opts.Metrics,
		consumer:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *Dispatcher) start() *Dispatcher {
	go d.consume()
	return d
}

// Name returns the backend name.
func (d *Dispatcher) Name() string { return d.name }

// Enqueue admits req without blocking. After Shutdown has begun, req is
// completed with an internal error and sboxd.ErrClosed is returned.
func (d *Dispatcher) Enqueue(req *sboxd.Request) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		req.Complete(sboxd.Failure(sboxd.Errorf(sboxd.CodeInternal, "%s storage is shutting down", d.name)))
		return sboxd.ErrClosed
	}
	d.queue = append(d.queue, req)
	depth := len(d.queue)
	d.cond.Signal()
	d.mu.Unlock()

	d.metrics.QueueDepth(d.name, depth)
	return nil
}

// Len returns the number of queued, not yet dispatched requests.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) consume() {
	defer close(d.consumer)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closing {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.workers.Add(1)
		d.mu.Unlock()

		d.metrics.QueueDepth(d.name, depth)
		if d.dispatched != nil {
			d.dispatched(req)
		}
		go d.run(req)
	}
}

func (d *Dispatcher) run(req *sboxd.Request) {
	defer d.workers.Done()

	start := time.Now()
	d.metrics.Started(d.name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				logger.KeyBackend, d.name,
				logger.KeyOperation, req.Operation.String(),
				logger.KeySession, req.SessionID,
				"panic", r,
				"stack", string(debug.Stack()))
			req.Fail(sboxd.Errorf(sboxd.CodeInternal, "internal error in %s", req.Operation))
		}
		result := req.Result()
		d.metrics.Finished(d.name, req.Operation.String(), result.OK(), time.Since(start))
		logger.Debug("Request completed",
			logger.KeyBackend, d.name,
			logger.KeyOperation, req.Operation.String(),
			logger.KeySession, req.SessionID,
			logger.KeyCode, result.ErrorCode(),
			logger.KeyDuration, time.Since(start).Milliseconds())
	}()

	handler, ok := d.handlers[req.Operation]
	if !ok {
		logger.Error("No handler for operation",
			logger.KeyBackend, d.name,
			logger.KeyOperation, req.Operation.String())
		req.Fail(sboxd.Errorf(sboxd.CodeInternal, "unknown operation %s", req.Operation))
		return
	}

	if err := handler(d.ctx, req); err != nil {
		e := d.translate(err)
		if e.Kind == sboxd.KindInternal {
			logger.Error("Request failed",
				logger.KeyBackend, d.name,
				logger.KeyOperation, req.Operation.String(),
				logger.KeyError, err)
		} else {
			logger.Debug("Request failed",
				logger.KeyBackend, d.name,
				logger.KeyOperation, req.Operation.String(),
				logger.KeyCode, e.Code,
				logger.KeyError, err)
		}
		req.Complete(sboxd.Reply(e.Fields()))
		return
	}

	if !req.Completed() {
		logger.Error("Handler returned without a reply",
			logger.KeyBackend, d.name,
			logger.KeyOperation, req.Operation.String())
		req.Fail(sboxd.Errorf(sboxd.CodeInternal, "%s produced no reply", req.Operation))
	}
}

// Shutdown stops admission and waits until the queue is empty and every
// worker has finished. If ctx expires first, running handlers see their
// context cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.cond.Broadcast()
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-d.consumer
		d.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("%s: drain interrupted: %w", d.name, ctx.Err())
	}
}
