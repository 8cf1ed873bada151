// Package sandbox is a local, SQLite-backed billing service. It behaves like
// a platform store closely enough to run and test the bridge end to end:
// callbacks arrive on their own goroutines after configurable delays, and
// purchases stay owned until they are consumed.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome decides how a launched purchase flow ends.
type Outcome string

const (
	OutcomeApprove Outcome = "approve" // purchase succeeds
	OutcomeCancel  Outcome = "cancel"  // user backs out (USER_CANCELED)
	OutcomeDecline Outcome = "decline" // store rejects payment (ERROR)
)

// Options configures the sandbox behaviour.
type Options struct {
	ConnectDelay  time.Duration
	PurchaseDelay time.Duration
	FailConnect   bool
	Subscriptions bool
	Outcome       Outcome
}

// Service implements billing.Service on top of a Store.
type Service struct {
	store  *Store
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	listener   billing.Listener
	ready      bool
	generation uint64
	closed     bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ billing.Service = (*Service)(nil)

// NewService creates a sandbox service backed by store.
func NewService(store *Store, opts Options) *Service {
	if opts.Outcome == "" {
		opts.Outcome = OutcomeApprove
	}
	return &Service{
		store:  store,
		opts:   opts,
		logger: log.With().Str("component", "sandbox").Logger(),
		stopCh: make(chan struct{}),
	}
}

// after runs fn on its own goroutine once delay has passed, unless the
// service is closed first.
func (s *Service) after(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.stopCh:
				return
			}
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		fn()
	}()
}

func (s *Service) StartConnection(listener billing.Listener) {
	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.listener = listener
	s.ready = false
	s.mu.Unlock()

	s.logger.Debug().Uint64("generation", generation).Msg("Sandbox connection starting")

	s.after(s.opts.ConnectDelay, func() {
		s.mu.Lock()
		if generation != s.generation {
			s.mu.Unlock()
			return
		}
		code := billing.OK
		if s.opts.FailConnect {
			code = billing.BillingUnavailable
		} else {
			s.ready = true
		}
		s.mu.Unlock()

		listener.OnSetupFinished(code)
	})
}

func (s *Service) EndConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.ready = false
	s.listener = nil
	s.logger.Debug().Msg("Sandbox connection ended")
}

// Disconnect drops the connection as if the store process died.
func (s *Service) Disconnect() {
	s.mu.Lock()
	listener := s.listener
	wasReady := s.ready
	s.generation++
	s.ready = false
	s.listener = nil
	s.mu.Unlock()

	if listener != nil && wasReady {
		s.logger.Info().Msg("Sandbox connection dropped")
		listener.OnDisconnected()
	}
}

func (s *Service) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) QueryCatalog(ids []string, kind billing.Kind, done func(billing.ResponseCode, []billing.CatalogEntry)) {
	if !s.IsReady() {
		s.after(0, func() { done(billing.ServiceDisconnected, nil) })
		return
	}
	ids = append([]string(nil), ids...)

	s.after(0, func() {
		entries, err := s.store.Entries(context.Background(), ids, kind)
		if err != nil {
			s.logger.Error().Err(err).Msg("Sandbox catalog query failed")
			done(billing.ServiceError, nil)
			return
		}
		done(billing.OK, entries)
	})
}

func (s *Service) QueryPurchases(kind billing.Kind) (billing.ResponseCode, []billing.Purchase) {
	if !s.IsReady() {
		return billing.ServiceDisconnected, nil
	}
	purchases, err := s.store.OwnedPurchases(context.Background(), kind)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sandbox purchase query failed")
		return billing.ServiceError, nil
	}
	return billing.OK, purchases
}

func (s *Service) IsFeatureSupported(feature billing.Feature) billing.ResponseCode {
	if !s.IsReady() {
		return billing.ServiceDisconnected
	}
	if feature == billing.FeatureSubscriptions && !s.opts.Subscriptions {
		return billing.FeatureNotSupported
	}
	return billing.OK
}

func (s *Service) LaunchPurchaseFlow(productID string, kind billing.Kind) billing.ResponseCode {
	s.mu.Lock()
	ready, listener, generation, outcome := s.ready, s.listener, s.generation, s.opts.Outcome
	s.mu.Unlock()

	if !ready || listener == nil {
		return billing.ServiceDisconnected
	}
	if kind == billing.KindSubscription && !s.opts.Subscriptions {
		return billing.FeatureNotSupported
	}

	ctx := context.Background()
	entry, ok, err := s.store.Entry(ctx, productID)
	if err != nil {
		s.logger.Error().Err(err).Str("product", productID).Msg("Sandbox catalog lookup failed")
		return billing.ServiceError
	}
	if !ok || entry.Kind != kind {
		return billing.ItemUnavailable
	}
	owned, err := s.store.Owns(ctx, productID)
	if err != nil {
		s.logger.Error().Err(err).Str("product", productID).Msg("Sandbox ownership check failed")
		return billing.ServiceError
	}
	if owned {
		return billing.ItemAlreadyOwned
	}

	s.logger.Info().
		Str("product", productID).
		Str("outcome", string(outcome)).
		Dur("delay", s.opts.PurchaseDelay).
		Msg("Sandbox purchase flow launched")

	s.after(s.opts.PurchaseDelay, func() {
		s.mu.Lock()
		current := s.generation == generation
		s.mu.Unlock()
		if !current {
			s.logger.Debug().Str("product", productID).Msg("Dropping purchase result for ended connection")
			return
		}
		s.completePurchase(listener, productID, kind, outcome)
	})
	return billing.OK
}

func (s *Service) completePurchase(listener billing.Listener, productID string, kind billing.Kind, outcome Outcome) {
	switch outcome {
	case OutcomeCancel:
		listener.OnPurchasesUpdated(billing.UserCanceled, nil)
		return
	case OutcomeDecline:
		listener.OnPurchasesUpdated(billing.ServiceError, nil)
		return
	}

	purchase := billing.Purchase{ProductID: productID, Token: ulid.Make().String()}
	if err := s.store.AddPurchase(context.Background(), purchase, kind, time.Now()); err != nil {
		s.logger.Error().Err(err).Str("product", productID).Msg("Failed to record sandbox purchase")
		listener.OnPurchasesUpdated(billing.ServiceError, nil)
		return
	}
	listener.OnPurchasesUpdated(billing.OK, []billing.Purchase{purchase})
}

func (s *Service) Consume(token string, done func(billing.ResponseCode, string)) {
	if !s.IsReady() {
		s.after(0, func() { done(billing.ServiceDisconnected, token) })
		return
	}

	s.after(0, func() {
		found, err := s.store.DeletePurchase(context.Background(), token)
		switch {
		case err != nil:
			s.logger.Error().Err(err).Msg("Sandbox consume failed")
			done(billing.ServiceError, token)
		case !found:
			done(billing.ItemNotOwned, token)
		default:
			done(billing.OK, token)
		}
	})
}

// Close stops pending callbacks. It does not close the store.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.wg.Wait()
}
