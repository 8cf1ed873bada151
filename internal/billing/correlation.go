package billing

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// pendingPurchase is a launched purchase flow waiting for its purchase update.
type pendingPurchase struct {
	token     string // unique per attempt
	productID string
	kind      Kind
	op        string
	consume   bool
	started   time.Time
	timer     *time.Timer

	resolve      func(ids []string, err error)
	beginConsume func(ids []string)
}

// purchaseTable correlates purchase updates with the callers waiting on them.
// Entries are keyed by attempt token; at most one entry exists per product.
type purchaseTable struct {
	order     []*pendingPurchase
	byToken   map[string]*pendingPurchase
	byProduct map[string]*pendingPurchase
}

func newPurchaseTable() *purchaseTable {
	return &purchaseTable{
		byToken:   make(map[string]*pendingPurchase),
		byProduct: make(map[string]*pendingPurchase),
	}
}

func (t *purchaseTable) len() int {
	return len(t.order)
}

func (t *purchaseTable) pendingFor(productID string) (*pendingPurchase, bool) {
	p, ok := t.byProduct[productID]
	return p, ok
}

func (t *purchaseTable) add(p *pendingPurchase) bool {
	if _, exists := t.byProduct[p.productID]; exists {
		return false
	}
	t.order = append(t.order, p)
	t.byToken[p.token] = p
	t.byProduct[p.productID] = p
	return true
}

func (t *purchaseTable) remove(token string) *pendingPurchase {
	p, ok := t.byToken[token]
	if !ok {
		return nil
	}
	delete(t.byToken, token)
	delete(t.byProduct, p.productID)
	for i, candidate := range t.order {
		if candidate == p {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return p
}

// matching removes and returns the entries whose product appears in purchases,
// in launch order, paired with the matching purchase.
func (t *purchaseTable) matching(purchases []Purchase) ([]*pendingPurchase, []Purchase) {
	var matched []*pendingPurchase
	var owned []Purchase
	for _, p := range append([]*pendingPurchase(nil), t.order...) {
		purchase, ok := findPurchase(purchases, p.productID)
		if !ok {
			continue
		}
		t.remove(p.token)
		matched = append(matched, p)
		owned = append(owned, purchase)
	}
	return matched, owned
}

// drain removes every entry, oldest first.
func (t *purchaseTable) drain() []*pendingPurchase {
	all := t.order
	t.order = nil
	t.byToken = make(map[string]*pendingPurchase)
	t.byProduct = make(map[string]*pendingPurchase)
	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	return all
}

func purchaseAttributes(p *pendingPurchase) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("billing.product", p.productID),
		attribute.String("billing.kind", string(p.kind)),
		attribute.String("billing.attempt", p.token),
		attribute.Bool("billing.consume", p.consume),
	}
}
