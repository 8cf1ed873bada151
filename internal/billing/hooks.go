package billing

import (
	"time"

	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
)

// Connect attempt outcomes reported through Hooks.ConnectAttempt.
const (
	ConnectOK      = "ok"
	ConnectFailed  = "failed"
	ConnectTimeout = "timeout"
	ConnectDropped = "disconnected"
)

// PurchaseOutcome describes how a pending purchase attempt was resolved.
type PurchaseOutcome struct {
	Token       string
	ProductID   string
	Kind        Kind
	Consume     bool
	Identifiers []string
	Err         error
	Started     time.Time
	Resolved    time.Time
}

// Succeeded reports whether the purchase completed.
func (o PurchaseOutcome) Succeeded() bool {
	return o.Err == nil
}

// Hooks lets other packages observe the session without the session
// depending on them. Every hook runs on the session goroutine and must not block.
type Hooks struct {
	StateChanged       func(state ConnectionState)
	ConnectAttempt     func(outcome string)
	QueueDepth         func(depth int)
	PendingPurchases   func(count int)
	OperationCompleted func(op string, code internalerrors.Code, elapsed time.Duration)
	PurchaseResolved   func(outcome PurchaseOutcome)
}

func (h Hooks) stateChanged(state ConnectionState) {
	if h.StateChanged != nil {
		h.StateChanged(state)
	}
}

func (h Hooks) connectAttempt(outcome string) {
	if h.ConnectAttempt != nil {
		h.ConnectAttempt(outcome)
	}
}

func (h Hooks) queueDepth(depth int) {
	if h.QueueDepth != nil {
		h.QueueDepth(depth)
	}
}

func (h Hooks) pendingPurchases(count int) {
	if h.PendingPurchases != nil {
		h.PendingPurchases(count)
	}
}

func (h Hooks) operationCompleted(op string, code internalerrors.Code, elapsed time.Duration) {
	if h.OperationCompleted != nil {
		h.OperationCompleted(op, code, elapsed)
	}
}

func (h Hooks) purchaseResolved(outcome PurchaseOutcome) {
	if h.PurchaseResolved != nil {
		h.PurchaseResolved(outcome)
	}
}

// Chain combines hooks so several observers can be attached.
func Chain(hooks ...Hooks) Hooks {
	return Hooks{
		StateChanged: func(state ConnectionState) {
			for _, h := range hooks {
				h.stateChanged(state)
			}
		},
		ConnectAttempt: func(outcome string) {
			for _, h := range hooks {
				h.connectAttempt(outcome)
			}
		},
		QueueDepth: func(depth int) {
			for _, h := range hooks {
				h.queueDepth(depth)
			}
		},
		PendingPurchases: func(count int) {
			for _, h := range hooks {
				h.pendingPurchases(count)
			}
		},
		OperationCompleted: func(op string, code internalerrors.Code, elapsed time.Duration) {
			for _, h := range hooks {
				h.operationCompleted(op, code, elapsed)
			}
		},
		PurchaseResolved: func(outcome PurchaseOutcome) {
			for _, h := range hooks {
				h.purchaseResolved(outcome)
			}
		},
	}
}
