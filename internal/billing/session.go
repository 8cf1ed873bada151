// Package billing brokers calls between an application request channel and an
// asynchronous, connection-oriented in-app billing service.
//
// A Session owns the connection state machine, the queue of operations waiting
// for a connection and the table of purchase flows waiting for their outcome.
// All of that state is mutated on a single goroutine fed by a mailbox; public
// methods and billing service callbacks only post work to it.
package billing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/billing-bridge/internal/buffer"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rcourtman/billing-bridge/internal/billing"

// Config controls session behaviour. Zero durations disable the matching timeout.
type Config struct {
	QueueCapacity   int           // max operations waiting for a connection; <= 0 is unbounded
	QueueTimeout    time.Duration // max time an operation may wait for a connection
	PurchaseTimeout time.Duration // max time a launched purchase flow may stay unresolved
	ConnectTimeout  time.Duration // max time a connection attempt may take
	ConnectOnStart  bool          // start connecting as soon as the session is created
	Hooks           Hooks
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   64,
		QueueTimeout:    30 * time.Second,
		PurchaseTimeout: 10 * time.Minute,
		ConnectTimeout:  15 * time.Second,
		ConnectOnStart:  true,
	}
}

// deferredOp is work that must run against a connected service.
type deferredOp struct {
	id          uint64
	name        string
	execute     func()
	unavailable func(err error)
	timer       *time.Timer
}

func (op *deferredOp) stopTimer() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
}

// Session is a single billing service connection and everything queued on it.
type Session struct {
	svc    Service
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger
	tracer trace.Tracer

	mailbox *mailbox
	done    chan struct{}

	closeOnce sync.Once

	stateValue   atomic.Int32
	pendingValue atomic.Int32

	// Owned by the session goroutine.
	state        ConnectionState
	attempt      uint64
	connectTimer *time.Timer
	queue        *buffer.Queue[*deferredOp]
	purchases    *purchaseTable
	inflight     map[uint64]func()
	nextID       uint64
	closed       bool
}

// NewSession creates a session bound to svc and starts its goroutine.
func NewSession(svc Service, cfg Config) *Session {
	s := &Session{
		svc:       svc,
		cfg:       cfg,
		hooks:     cfg.Hooks,
		logger:    log.With().Str("component", "billing").Logger(),
		tracer:    otel.Tracer(tracerName),
		mailbox:   newMailbox(),
		done:      make(chan struct{}),
		state:     StateDisconnected,
		queue:     buffer.New[*deferredOp](cfg.QueueCapacity),
		purchases: newPurchaseTable(),
		inflight:  make(map[uint64]func()),
	}

	go s.run()

	// Warm-up starts connecting without taking a queue slot.
	if cfg.ConnectOnStart {
		s.post(func() {
			if !s.closed {
				s.ensureConnected()
			}
		})
	}

	return s
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.stateValue.Load())
}

// QueueLen returns the number of operations waiting for a connection.
func (s *Session) QueueLen() int {
	return s.queue.Len()
}

// PendingPurchases returns the number of launched purchase flows awaiting an outcome.
func (s *Session) PendingPurchases() int {
	return int(s.pendingValue.Load())
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down: the connection is ended if it is open, and
// every queued operation, pending purchase and in-flight call is resolved.
// Calling Close more than once is a no-op. Close must not be called from a reply.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.post(s.teardown)
	})
	<-s.done
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for range s.mailbox.wake {
		for _, fn := range s.mailbox.take() {
			fn()
		}
		if s.closed {
			// The mailbox is closed by now; whatever slipped in before that
			// still has to be answered.
			for _, fn := range s.mailbox.take() {
				fn()
			}
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	return s.mailbox.post(fn)
}

func (s *Session) setState(state ConnectionState) {
	if s.state == state {
		return
	}
	prev := s.state
	s.state = state
	s.stateValue.Store(int32(state))
	s.logger.Debug().
		Str("from", prev.String()).
		Str("to", state.String()).
		Msg("Billing connection state changed")
	s.hooks.stateChanged(state)
}

// submit runs op now when connected, otherwise queues it and makes sure a
// connection attempt is under way. It is the only path to the service.
func (s *Session) submit(op *deferredOp) {
	if s.closed {
		op.unavailable(internalerrors.Unavailable(op.name, internalerrors.ErrClosed))
		return
	}
	if s.state == StateConnected {
		op.execute()
		return
	}

	if !s.queue.Offer(op) {
		s.logger.Warn().
			Str("operation", op.name).
			Int("capacity", s.queue.Cap()).
			Msg("Billing request queue is full, rejecting request")
		op.unavailable(internalerrors.Unavailable(op.name, internalerrors.ErrQueueFull))
		return
	}
	if s.cfg.QueueTimeout > 0 {
		op.timer = time.AfterFunc(s.cfg.QueueTimeout, func() {
			s.post(func() { s.expireQueued(op) })
		})
	}
	s.hooks.queueDepth(s.queue.Len())

	s.ensureConnected()
}

func (s *Session) removeQueued(op *deferredOp) bool {
	_, ok := s.queue.RemoveFirst(func(candidate *deferredOp) bool { return candidate == op })
	if ok {
		op.stopTimer()
		s.hooks.queueDepth(s.queue.Len())
	}
	return ok
}

func (s *Session) expireQueued(op *deferredOp) {
	if !s.removeQueued(op) {
		return
	}
	s.logger.Warn().
		Str("operation", op.name).
		Dur("timeout", s.cfg.QueueTimeout).
		Msg("Billing request timed out waiting for a connection")
	op.unavailable(internalerrors.Timeout(op.name, internalerrors.ErrTimeout))
}

// drain empties the queue exactly once per connection attempt.
func (s *Session) drain(connected bool, cause error) {
	ops := s.queue.Drain()
	if len(ops) == 0 {
		return
	}
	s.hooks.queueDepth(0)

	for _, op := range ops {
		op.stopTimer()
		if connected {
			op.execute()
		} else {
			op.unavailable(internalerrors.Unavailable(op.name, cause))
		}
	}
}

func (s *Session) ensureConnected() {
	if s.state != StateDisconnected {
		return
	}

	s.attempt++
	attempt := s.attempt
	s.setState(StateConnecting)

	if s.cfg.ConnectTimeout > 0 {
		s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
			s.post(func() { s.connectTimedOut(attempt) })
		})
	}

	s.logger.Debug().Uint64("attempt", attempt).Msg("Starting billing service connection")
	s.svc.StartConnection(&attemptListener{session: s, attempt: attempt})
}

func (s *Session) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

func (s *Session) setupFinished(attempt uint64, code ResponseCode) {
	if attempt != s.attempt || s.state != StateConnecting {
		s.logger.Debug().
			Uint64("attempt", attempt).
			Uint64("current", s.attempt).
			Str("code", code.String()).
			Msg("Ignoring setup result from superseded connection attempt")
		if code == OK && s.state == StateDisconnected && !s.closed {
			s.svc.EndConnection()
		}
		return
	}
	s.stopConnectTimer()

	s.logger.Info().Str("code", code.String()).Msg("Billing service setup finished")

	if code == OK {
		s.setState(StateConnected)
		s.hooks.connectAttempt(ConnectOK)
		s.drain(true, nil)
		return
	}

	s.setState(StateDisconnected)
	s.hooks.connectAttempt(ConnectFailed)
	s.drain(false, nil)
}

func (s *Session) disconnected(attempt uint64) {
	if attempt != s.attempt || s.state == StateDisconnected {
		return
	}

	s.logger.Info().Str("state", s.state.String()).Msg("Billing service was disconnected")

	wasConnecting := s.state == StateConnecting
	s.stopConnectTimer()
	s.setState(StateDisconnected)

	// A drop before setup finished means this attempt will never report;
	// treat it as a failed attempt so queued callers are not left waiting.
	if wasConnecting {
		s.hooks.connectAttempt(ConnectDropped)
		s.drain(false, nil)
	}
}

func (s *Session) connectTimedOut(attempt uint64) {
	if attempt != s.attempt || s.state != StateConnecting {
		return
	}
	s.connectTimer = nil

	s.logger.Warn().
		Dur("timeout", s.cfg.ConnectTimeout).
		Msg("Billing service connection attempt timed out")

	s.setState(StateDisconnected)
	s.hooks.connectAttempt(ConnectTimeout)
	s.svc.EndConnection()
	s.drain(false, internalerrors.ErrTimeout)
}

func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.stopConnectTimer()

	if s.state != StateDisconnected || s.svc.IsReady() {
		s.logger.Info().Msg("Stopping billing service")
		s.svc.EndConnection()
	}
	s.setState(StateDisconnected)

	s.drain(false, internalerrors.ErrClosed)

	for _, p := range s.purchases.drain() {
		p.resolve(nil, internalerrors.Unavailable(p.op, internalerrors.ErrClosed))
	}
	s.pendingPurchasesChanged()

	aborts := make([]func(), 0, len(s.inflight))
	for _, abort := range s.inflight {
		aborts = append(aborts, abort)
	}
	for _, abort := range aborts {
		abort()
	}

	s.mailbox.close()
}

func (s *Session) pendingPurchasesChanged() {
	n := s.purchases.len()
	s.pendingValue.Store(int32(n))
	s.hooks.pendingPurchases(n)
}

// attemptListener tags service notifications with the attempt that produced them.
type attemptListener struct {
	session *Session
	attempt uint64
}

func (l *attemptListener) OnSetupFinished(code ResponseCode) {
	l.session.post(func() { l.session.setupFinished(l.attempt, code) })
}

func (l *attemptListener) OnDisconnected() {
	l.session.post(func() { l.session.disconnected(l.attempt) })
}

func (l *attemptListener) OnPurchasesUpdated(code ResponseCode, purchases []Purchase) {
	if purchases != nil {
		purchases = append(make([]Purchase, 0, len(purchases)), purchases...)
	}
	l.session.post(func() { l.session.purchasesUpdated(code, purchases) })
}

// mailbox is an unbounded FIFO of closures. Posting never blocks, so the
// service may call back synchronously from inside a call made by the session.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
