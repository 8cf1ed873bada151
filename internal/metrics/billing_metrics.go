package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rcourtman/billing-bridge/internal/billing"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
)

var (
	// Connection lifecycle metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_connection_state",
			Help: "Billing service connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_connect_attempts_total",
			Help: "Total number of billing service connection attempts by outcome",
		},
		[]string{"outcome"}, // ok, failed, timeout, disconnected
	)

	// Queue and correlation metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_queue_depth",
			Help: "Number of operations waiting for a billing service connection",
		},
	)

	PendingPurchases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_pending_purchases",
			Help: "Number of launched purchase flows awaiting their outcome",
		},
	)

	// Operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_operations_total",
			Help: "Total number of billing operations by operation and result code",
		},
		[]string{"operation", "code"},
	)

	PurchaseResolutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_purchase_resolution_seconds",
			Help:    "Time from launching a purchase flow to its resolution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}, // 1s to 10m
		},
		[]string{"outcome"},
	)
)

// RecordConnectionState records the current connection state
func RecordConnectionState(state billing.ConnectionState) {
	ConnectionState.Set(float64(state))
}

// RecordConnectAttempt records the outcome of a connection attempt
func RecordConnectAttempt(outcome string) {
	ConnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueDepth records the pending request queue length
func RecordQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// RecordPendingPurchases records the size of the purchase correlation table
func RecordPendingPurchases(count int) {
	PendingPurchases.Set(float64(count))
}

// RecordOperation records a completed operation. A nil error is recorded as "OK".
func RecordOperation(op string, code internalerrors.Code, _ time.Duration) {
	label := string(code)
	if label == "" {
		label = "OK"
	}
	OperationsTotal.WithLabelValues(op, label).Inc()
}

// RecordPurchaseResolved records how long a purchase attempt took to resolve
func RecordPurchaseResolved(outcome billing.PurchaseOutcome) {
	PurchaseResolutionSeconds.WithLabelValues(purchaseOutcomeLabel(outcome)).
		Observe(outcome.Resolved.Sub(outcome.Started).Seconds())
}

func purchaseOutcomeLabel(outcome billing.PurchaseOutcome) string {
	if outcome.Succeeded() {
		return "success"
	}
	switch internalerrors.CodeOf(outcome.Err) {
	case internalerrors.CodeTimeout:
		return "timeout"
	case internalerrors.CodeCanceled:
		return "canceled"
	case internalerrors.CodeUnavailable:
		return "unavailable"
	default:
		return "failed"
	}
}

// Hooks returns session hooks that feed the billing collectors.
func Hooks() billing.Hooks {
	return billing.Hooks{
		StateChanged:       RecordConnectionState,
		ConnectAttempt:     RecordConnectAttempt,
		QueueDepth:         RecordQueueDepth,
		PendingPurchases:   RecordPendingPurchases,
		OperationCompleted: RecordOperation,
		PurchaseResolved:   RecordPurchaseResolved,
	}
}
