// Package events publishes purchase outcomes to a message broker so that
// fulfilment and analytics systems can react to them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcourtman/billing-bridge/internal/billing"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher delivers one encoded event. Implementations must be safe for use
// from a single worker goroutine.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// PurchaseEvent is the wire form of a resolved purchase attempt.
type PurchaseEvent struct {
	Token       string    `json:"token"`
	ProductID   string    `json:"productId"`
	Kind        string    `json:"kind"`
	Outcome     string    `json:"outcome"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Identifiers []string  `json:"identifiers"`
	At          time.Time `json:"at"`
}

// Outcome labels carried by PurchaseEvent.Outcome.
const (
	OutcomeSuccess     = "success"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
	OutcomeUnavailable = "unavailable"
	OutcomeFailed      = "failed"
)

// OutcomeLabel classifies a resolved purchase attempt.
func OutcomeLabel(outcome billing.PurchaseOutcome) string {
	if outcome.Succeeded() {
		return OutcomeSuccess
	}
	switch internalerrors.CodeOf(outcome.Err) {
	case internalerrors.CodeTimeout:
		return OutcomeTimeout
	case internalerrors.CodeCanceled:
		return OutcomeCanceled
	case internalerrors.CodeUnavailable:
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}

// NewPurchaseEvent converts a session outcome into its wire form.
func NewPurchaseEvent(outcome billing.PurchaseOutcome) PurchaseEvent {
	ids := outcome.Identifiers
	if ids == nil {
		ids = []string{}
	}
	ev := PurchaseEvent{
		Token:       outcome.Token,
		ProductID:   outcome.ProductID,
		Kind:        string(outcome.Kind),
		Outcome:     OutcomeLabel(outcome),
		Identifiers: ids,
		At:          outcome.Resolved.UTC(),
	}
	if outcome.Err != nil {
		ev.Code = string(internalerrors.CodeOf(outcome.Err))
		ev.Message = outcome.Err.Error()
	}
	return ev
}

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 5 * time.Second
)

// Dispatcher decouples the session goroutine from broker latency: Observe
// only enqueues, and a single worker publishes in order.
type Dispatcher struct {
	publisher Publisher
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	queue  chan PurchaseEvent
	closed bool
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher starts a dispatcher publishing through publisher. bufferSize
// bounds the number of events waiting to be sent; when it is full new events
// are dropped.
func NewDispatcher(publisher Publisher, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	d := &Dispatcher{
		publisher: publisher,
		timeout:   defaultPublishTimeout,
		logger:    log.With().Str("component", "events").Logger(),
		queue:     make(chan PurchaseEvent, bufferSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Observe queues the outcome for publishing. It never blocks.
func (d *Dispatcher) Observe(outcome billing.PurchaseOutcome) {
	ev := NewPurchaseEvent(outcome)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn().
			Str("product", ev.ProductID).
			Str("token", ev.Token).
			Msg("Purchase event buffer full, dropping event")
	}
}

// Hooks returns session hooks that publish every purchase resolution.
func (d *Dispatcher) Hooks() billing.Hooks {
	return billing.Hooks{PurchaseResolved: d.Observe}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.publish(ev)
	}
}

func (d *Dispatcher) publish(ev PurchaseEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("token", ev.Token).Msg("Failed to encode purchase event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, ev.ProductID, payload); err != nil {
		d.failed.Add(1)
		d.logger.Error().
			Err(err).
			Str("product", ev.ProductID).
			Str("token", ev.Token).
			Msg("Failed to publish purchase event")
		return
	}
	d.published.Add(1)
	d.logger.Debug().
		Str("product", ev.ProductID).
		Str("outcome", ev.Outcome).
		Msg("Published purchase event")
}

// Stats reports how many events were published, dropped and failed.
func (d *Dispatcher) Stats() (published, dropped, failed uint64) {
	return d.published.Load(), d.dropped.Load(), d.failed.Load()
}

// Close stops accepting events, flushes what is buffered and closes the
// publisher. If ctx expires first the remaining events are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(flushed)
	}()

	var flushErr error
	select {
	case <-flushed:
	case <-ctx.Done():
		flushErr = fmt.Errorf("flush purchase events: %w", ctx.Err())
	}

	if err := d.publisher.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return flushErr
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// Options selects and configures a publisher backend.
type Options struct {
	Backend      string // "", "nats" or "kafka"
	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string
}

// NewPublisher builds the publisher named by opts.Backend. An empty backend
// yields a NopPublisher.
func NewPublisher(opts Options) (Publisher, error) {
	switch opts.Backend {
	case "", "none":
		return NopPublisher{}, nil
	case "nats":
		return NewNATSPublisher(opts.NATSURL, opts.NATSSubject)
	case "kafka":
		return NewKafkaPublisher(opts.KafkaBrokers, opts.KafkaTopic)
	default:
		return nil, fmt.Errorf("unknown events backend %q", opts.Backend)
	}
}
