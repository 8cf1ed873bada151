package billing

import (
	"context"
	"errors"
	"time"

	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// call tracks one caller request from acceptance until its reply has been
// delivered. Its methods run on the session goroutine only.
type call[T any] struct {
	s       *Session
	id      uint64
	op      string
	ctx     context.Context
	span    trace.Span
	started time.Time
	reply   func(T, error)

	stopCtx func() bool
	cleanup func()
	observe func(T, error)
	done    bool
}

// enter posts start to the session goroutine with a new call. When the session
// is already closed the reply is delivered on the caller's goroutine instead.
func enter[T any](s *Session, ctx context.Context, op string, reply func(T, error), start func(c *call[T])) {
	if ctx == nil {
		ctx = context.Background()
	}
	if reply == nil {
		reply = func(T, error) {}
	}

	accepted := s.post(func() {
		if c := startCall(s, ctx, op, reply); c != nil {
			start(c)
		}
	})
	if !accepted {
		var zero T
		reply(zero, internalerrors.Unavailable(op, internalerrors.ErrClosed))
	}
}

func startCall[T any](s *Session, ctx context.Context, op string, reply func(T, error)) *call[T] {
	spanCtx, span := s.tracer.Start(ctx, "billing."+op, trace.WithAttributes(attribute.String("billing.operation", op)))

	s.nextID++
	c := &call[T]{
		s:       s,
		id:      s.nextID,
		op:      op,
		ctx:     spanCtx,
		span:    span,
		started: time.Now(),
		reply:   reply,
	}

	if s.closed {
		c.fail(internalerrors.Unavailable(op, internalerrors.ErrClosed))
		return nil
	}
	if err := ctx.Err(); err != nil {
		c.fail(contextError(op, err))
		return nil
	}

	s.inflight[c.id] = func() { c.fail(internalerrors.Unavailable(op, internalerrors.ErrClosed)) }
	if ctx.Done() != nil {
		c.stopCtx = context.AfterFunc(ctx, func() {
			s.post(func() { c.fail(contextError(op, ctx.Err())) })
		})
	}
	return c
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return internalerrors.Timeout(op, err)
	}
	return internalerrors.Canceled(op, err)
}

// deferred wraps execute into a queueable operation bound to this call.
func (c *call[T]) deferred(execute func()) *deferredOp {
	op := &deferredOp{id: c.id, name: c.op}
	op.execute = func() {
		c.cleanup = nil
		if c.done {
			return
		}
		execute()
	}
	op.unavailable = func(err error) {
		c.cleanup = nil
		c.fail(err)
	}
	c.cleanup = func() { c.s.removeQueued(op) }
	return op
}

// detach stops caller cancellation from affecting the call and makes teardown
// resolve it with value instead of an error.
func (c *call[T]) detach(value T) {
	if c.stopCtx != nil {
		c.stopCtx()
		c.stopCtx = nil
	}
	c.cleanup = nil
	if !c.done {
		c.s.inflight[c.id] = func() { c.finish(value, nil) }
	}
}

func (c *call[T]) fail(err error) {
	var zero T
	c.finish(zero, err)
}

func (c *call[T]) finish(value T, err error) {
	if c.done {
		return
	}
	c.done = true

	delete(c.s.inflight, c.id)
	if c.stopCtx != nil {
		c.stopCtx()
		c.stopCtx = nil
	}
	if c.cleanup != nil {
		cleanup := c.cleanup
		c.cleanup = nil
		cleanup()
	}

	code := internalerrors.CodeOf(err)
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, string(code))
	}
	c.span.End()

	c.s.hooks.operationCompleted(c.op, code, time.Since(c.started))
	if c.observe != nil {
		c.observe(value, err)
	}
	c.reply(value, err)
}

type awaitResult[T any] struct {
	value T
	err   error
}

// Await runs an asynchronous session operation and blocks until it replies or
// ctx is done. Pass the same ctx to the operation so that giving up here also
// withdraws the request from the session.
//
//	products, err := billing.Await(ctx, func(reply func([]billing.Product, error)) {
//		session.FetchProducts(ctx, ids, reply)
//	})
func Await[T any](ctx context.Context, start func(reply func(T, error))) (T, error) {
	ch := make(chan awaitResult[T], 1)
	start(func(value T, err error) {
		select {
		case ch <- awaitResult[T]{value: value, err: err}:
		default:
		}
	})

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
