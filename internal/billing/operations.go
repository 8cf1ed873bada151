package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
)

// Operation names, as used in errors, logs and metrics.
const (
	OpFetchProducts      = "fetchProducts"
	OpFetchSubscriptions = "fetchSubscriptions"
	OpFetchPurchases     = "fetchPurchases"
	OpPurchase           = "purchase"
	OpSubscribe          = "subscribe"
)

// FetchProducts lists catalog entries for one-time products. Identifiers the
// store does not know are omitted from the result.
func (s *Session) FetchProducts(ctx context.Context, ids []string, reply func([]Product, error)) {
	s.fetchCatalog(ctx, OpFetchProducts, ids, KindProduct, reply)
}

// FetchSubscriptions lists catalog entries for subscriptions.
func (s *Session) FetchSubscriptions(ctx context.Context, ids []string, reply func([]Product, error)) {
	s.fetchCatalog(ctx, OpFetchSubscriptions, ids, KindSubscription, reply)
}

func (s *Session) fetchCatalog(ctx context.Context, op string, ids []string, kind Kind, reply func([]Product, error)) {
	ids = append([]string(nil), ids...)

	enter(s, ctx, op, reply, func(c *call[[]Product]) {
		s.submit(c.deferred(func() {
			s.svc.QueryCatalog(ids, kind, func(code ResponseCode, entries []CatalogEntry) {
				s.post(func() {
					if code != OK {
						c.fail(internalerrors.New(internalerrors.CodeError, op, catalogFailureMessage(kind)).
							WithResponse(int(code)))
						return
					}
					c.finish(ProductsFromCatalog(entries), nil)
				})
			})
		}))
	})
}

func catalogFailureMessage(kind Kind) string {
	if kind == KindSubscription {
		return "Failed to fetch subscriptions!"
	}
	return "Failed to fetch products!"
}

// FetchPurchases lists the identifiers of everything currently owned. Both the
// product and the subscription query must succeed.
func (s *Session) FetchPurchases(ctx context.Context, reply func([]string, error)) {
	enter(s, ctx, OpFetchPurchases, reply, func(c *call[[]string]) {
		s.submit(c.deferred(func() {
			productCode, products := s.svc.QueryPurchases(KindProduct)
			subscriptionCode, subscriptions := s.svc.QueryPurchases(KindSubscription)

			if productCode != OK || subscriptionCode != OK {
				s.logger.Warn().
					Str("products", productCode.String()).
					Str("subscriptions", subscriptionCode.String()).
					Msg("Failed to query owned purchases")
				c.fail(internalerrors.New(internalerrors.CodeError, OpFetchPurchases,
					fmt.Sprintf("Failed to fetch purchases (products: %s, subscriptions: %s)", productCode, subscriptionCode)).
					WithResponses(int(productCode), int(subscriptionCode)))
				return
			}

			c.finish(union(identifiers(products), identifiers(subscriptions)), nil)
		}))
	})
}

func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Purchase launches the purchase flow for a one-time product. The reply is
// delivered when the matching purchase update arrives; with consume set the
// purchase is consumed first, and a consume failure is logged but does not
// fail the reply.
func (s *Session) Purchase(ctx context.Context, productID string, consume bool, reply func([]string, error)) {
	enter(s, ctx, OpPurchase, reply, func(c *call[[]string]) {
		if strings.TrimSpace(productID) == "" {
			c.fail(invalidIdentifier(OpPurchase))
			return
		}
		s.submit(c.deferred(func() {
			s.launchPurchase(c, productID, KindProduct, consume)
		}))
	})
}

// Subscribe launches the purchase flow for a subscription.
func (s *Session) Subscribe(ctx context.Context, productID string, reply func([]string, error)) {
	enter(s, ctx, OpSubscribe, reply, func(c *call[[]string]) {
		if strings.TrimSpace(productID) == "" {
			c.fail(invalidIdentifier(OpSubscribe))
			return
		}
		s.submit(c.deferred(func() {
			if code := s.svc.IsFeatureSupported(FeatureSubscriptions); code != OK {
				c.fail(internalerrors.New(internalerrors.CodeNotSupported, OpSubscribe, "Subscriptions are not supported.").
					WithResponse(int(code)).
					Wrap(internalerrors.ErrNotSupported))
				return
			}
			s.launchPurchase(c, productID, KindSubscription, false)
		}))
	})
}

func invalidIdentifier(op string) error {
	return internalerrors.New(internalerrors.CodeError, op, "Invalid or missing arguments!").
		Wrap(internalerrors.ErrInvalidInput)
}

func (s *Session) launchPurchase(c *call[[]string], productID string, kind Kind, consume bool) {
	if existing, busy := s.purchases.pendingFor(productID); busy {
		s.logger.Warn().
			Str("product", productID).
			Str("token", existing.token).
			Msg("Rejecting purchase, another attempt for this product is still pending")
		c.fail(internalerrors.New(internalerrors.CodeError, c.op,
			fmt.Sprintf("A purchase of %s is already in progress", productID)).
			Wrap(internalerrors.ErrPurchaseInProgress))
		return
	}

	code := s.svc.LaunchPurchaseFlow(productID, kind)
	if code != OK {
		message := fmt.Sprintf("Failed to launch billing flow to purchase an item with error %d", int(code))
		if kind == KindSubscription {
			message = fmt.Sprintf("Failed to subscribe with error %d", int(code))
		}
		c.fail(internalerrors.New(internalerrors.CodeError, c.op, message).WithResponse(int(code)))
		return
	}

	p := &pendingPurchase{
		token:     uuid.NewString(),
		productID: productID,
		kind:      kind,
		op:        c.op,
		consume:   consume,
		started:   time.Now(),
		resolve:   c.finish,
		beginConsume: func(ids []string) {
			c.detach(ids)
		},
	}
	s.purchases.add(p)
	s.pendingPurchasesChanged()

	c.span.SetAttributes(purchaseAttributes(p)...)
	c.cleanup = func() {
		if s.purchases.remove(p.token) != nil {
			s.pendingPurchasesChanged()
		}
	}
	c.observe = func(ids []string, err error) {
		s.hooks.purchaseResolved(PurchaseOutcome{
			Token:       p.token,
			ProductID:   p.productID,
			Kind:        p.kind,
			Consume:     p.consume,
			Identifiers: ids,
			Err:         err,
			Started:     p.started,
			Resolved:    time.Now(),
		})
	}

	if s.cfg.PurchaseTimeout > 0 {
		p.timer = time.AfterFunc(s.cfg.PurchaseTimeout, func() {
			s.post(func() { s.expirePurchase(p.token) })
		})
	}

	s.logger.Info().
		Str("product", productID).
		Str("kind", string(kind)).
		Str("token", p.token).
		Bool("consume", consume).
		Msg("Purchase flow launched")
}

func (s *Session) expirePurchase(token string) {
	p := s.purchases.remove(token)
	if p == nil {
		return
	}
	s.pendingPurchasesChanged()

	s.logger.Warn().
		Str("product", p.productID).
		Str("token", p.token).
		Dur("timeout", s.cfg.PurchaseTimeout).
		Msg("Purchase flow did not complete in time")
	p.resolve(nil, internalerrors.Timeout(p.op, internalerrors.ErrTimeout))
}

// purchasesUpdated demultiplexes a purchase update onto the pending attempts.
// A failure carries no per-product detail, so it fails every pending attempt.
func (s *Session) purchasesUpdated(code ResponseCode, purchases []Purchase) {
	if code == OK && purchases != nil {
		ids := identifiers(purchases)
		matched, owned := s.purchases.matching(purchases)
		if len(matched) > 0 {
			s.pendingPurchasesChanged()
		}

		for i, p := range matched {
			s.logger.Info().
				Str("product", p.productID).
				Str("token", p.token).
				Msg("Purchase completed")
			if p.consume {
				s.consume(p, owned[i], ids)
				continue
			}
			p.resolve(ids, nil)
		}

		if s.purchases.len() > 0 {
			s.logger.Debug().
				Int("pending", s.purchases.len()).
				Strs("updated", ids).
				Msg("Purchase update left attempts unmatched")
		}
		return
	}

	pending := s.purchases.drain()
	s.pendingPurchasesChanged()
	if len(pending) == 0 {
		s.logger.Debug().Str("code", code.String()).Msg("Purchase update with no pending attempts")
		return
	}

	s.logger.Warn().
		Str("code", code.String()).
		Int("pending", len(pending)).
		Msg("Purchase update reported failure, failing all pending attempts")
	for _, p := range pending {
		p.resolve(nil, internalerrors.New(internalerrors.CodeError, p.op,
			fmt.Sprintf("Failed to purchase an item with error %d", int(code))).
			WithResponse(int(code)))
	}
}

func (s *Session) consume(p *pendingPurchase, purchase Purchase, ids []string) {
	p.beginConsume(ids)
	s.svc.Consume(purchase.Token, func(code ResponseCode, _ string) {
		s.post(func() {
			if code != OK {
				s.logger.Warn().
					Str("product", p.productID).
					Str("code", code.String()).
					Msg("Failed to consume purchase")
			}
			p.resolve(ids, nil)
		})
	})
}
