// Package channel maps application method calls onto billing session operations.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/billing-bridge/internal/billing"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Method names accepted on the channel.
const (
	MethodFetchProducts      = "fetchProducts"
	MethodFetchSubscriptions = "fetchSubscriptions"
	MethodFetchPurchases     = "fetchPurchases"
	MethodPurchase           = "purchase"
	MethodSubscribe          = "subscribe"
	MethodGetReceipt         = "getReceipt"
)

const invalidArgumentsMessage = "Invalid or missing arguments!"

// MethodCall is one request arriving on the channel.
type MethodCall struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Result receives the outcome of a method call. Exactly one of its methods is
// called, exactly once, and possibly from another goroutine.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

// Broker is the set of billing operations the channel dispatches to.
// *billing.Session implements it.
type Broker interface {
	FetchProducts(ctx context.Context, ids []string, reply func([]billing.Product, error))
	FetchSubscriptions(ctx context.Context, ids []string, reply func([]billing.Product, error))
	FetchPurchases(ctx context.Context, reply func([]string, error))
	Purchase(ctx context.Context, productID string, consume bool, reply func([]string, error))
	Subscribe(ctx context.Context, productID string, reply func([]string, error))
}

// Handler dispatches method calls to a Broker.
type Handler struct {
	broker Broker
	logger zerolog.Logger
}

// NewHandler creates a handler backed by broker.
func NewHandler(broker Broker) *Handler {
	return &Handler{
		broker: broker,
		logger: log.With().Str("component", "channel").Logger(),
	}
}

// OnMethodCall handles one call. It never blocks on the billing service; the
// result is delivered when the operation completes. ctx bounds the operation.
func (h *Handler) OnMethodCall(ctx context.Context, call MethodCall, result Result) {
	h.logger.Debug().Str("method", call.Method).Msg("Method call received")

	switch call.Method {
	case MethodFetchProducts:
		ids, err := stringList(call.Arguments, "identifiers")
		if err != nil {
			h.invalid(call, result, err)
			return
		}
		h.broker.FetchProducts(ctx, ids, replyTo[[]billing.Product](result))

	case MethodFetchSubscriptions:
		ids, err := stringList(call.Arguments, "identifiers")
		if err != nil {
			h.invalid(call, result, err)
			return
		}
		h.broker.FetchSubscriptions(ctx, ids, replyTo[[]billing.Product](result))

	case MethodFetchPurchases:
		h.broker.FetchPurchases(ctx, replyTo[[]string](result))

	case MethodPurchase:
		id, err := identifier(call.Arguments)
		if err != nil {
			h.invalid(call, result, err)
			return
		}
		consume, err := optionalBool(call.Arguments, "consume")
		if err != nil {
			h.invalid(call, result, err)
			return
		}
		h.broker.Purchase(ctx, id, consume, replyTo[[]string](result))

	case MethodSubscribe:
		id, err := identifier(call.Arguments)
		if err != nil {
			h.invalid(call, result, err)
			return
		}
		h.broker.Subscribe(ctx, id, replyTo[[]string](result))

	case MethodGetReceipt:
		// Receipts are not validated here; the call exists for API parity.
		result.Success("")

	default:
		h.logger.Debug().Str("method", call.Method).Msg("Method not implemented")
		result.NotImplemented()
	}
}

func (h *Handler) invalid(call MethodCall, result Result, err error) {
	h.logger.Warn().Err(err).Str("method", call.Method).Msg("Rejecting method call with invalid arguments")
	result.Error(string(internalerrors.CodeError), invalidArgumentsMessage, nil)
}

// replyTo adapts result to a billing reply function.
func replyTo[T any](result Result) func(T, error) {
	return func(value T, err error) {
		if err != nil {
			Fail(result, err)
			return
		}
		result.Success(value)
	}
}

// Fail reports err on result with its caller-facing code. Details carry the
// billing response codes and whether reissuing the call may succeed.
func Fail(result Result, err error) {
	var details map[string]any
	if be, ok := asBillingError(err); ok {
		details = be.Details()
	}
	if internalerrors.IsRetryableError(err) {
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["retryable"] = true
	}
	if details == nil {
		result.Error(string(internalerrors.CodeOf(err)), err.Error(), nil)
		return
	}
	result.Error(string(internalerrors.CodeOf(err)), err.Error(), details)
}

func asBillingError(err error) (*internalerrors.BillingError, bool) {
	var be *internalerrors.BillingError
	ok := errors.As(err, &be)
	return be, ok
}

func identifier(args map[string]any) (string, error) {
	raw, ok := args["identifier"]
	if !ok {
		return "", fmt.Errorf("missing argument %q", "identifier")
	}
	id, ok := raw.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", "identifier")
	}
	return id, nil
}

func stringList(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing argument %q", key)
	}

	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q[%d] is %T, want string", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q is %T, want list of strings", key, raw)
	}
}

func optionalBool(args map[string]any, key string) (bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q is %T, want bool", key, raw)
	}
	return b, nil
}
