package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillingErrorIsMapsSentinelsToCodes(t *testing.T) {
	err := Unavailable("fetchProducts", nil)

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "Billing service is unavailable!", err.Error())

	wrapped := fmt.Errorf("outer: %w", Timeout("purchase", context.DeadlineExceeded))
	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"billing error", New(CodeNotSupported, "subscribe", "nope"), CodeNotSupported},
		{"closed sentinel", ErrClosed, CodeUnavailable},
		{"queue full", fmt.Errorf("submit: %w", ErrQueueFull), CodeUnavailable},
		{"timeout sentinel", ErrTimeout, CodeTimeout},
		{"plain error", errors.New("boom"), CodeError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestDetails(t *testing.T) {
	assert.Nil(t, New(CodeError, "op", "msg").Details())
	assert.Equal(t, map[string]any{"responseCode": 6}, New(CodeError, "op", "msg").WithResponse(6).Details())
	assert.Equal(t,
		map[string]any{"responseCodes": []int{0, 2}},
		New(CodeError, "op", "msg").WithResponse(2).WithResponses(0, 2).Details())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(Unavailable("op", nil)))
	assert.True(t, IsRetryableError(Timeout("op", context.DeadlineExceeded)))
	assert.False(t, IsRetryableError(New(CodeNotSupported, "op", "msg")))
	assert.False(t, IsRetryableError(New(CodeError, "purchase", "busy").Wrap(ErrPurchaseInProgress)))
	assert.True(t, IsRetryableError(New(CodeError, "purchase", "failed").WithResponse(6)))
}

// multiError is a value error type that cannot be used as a map key.
type multiError struct {
	errs []error
}

func (m multiError) Error() string { return fmt.Sprintf("%d errors", len(m.errs)) }

func TestBillingErrorIsToleratesUncomparableTargets(t *testing.T) {
	err := Unavailable("purchase", nil)
	target := multiError{errs: []error{ErrTimeout}}

	assert.NotPanics(t, func() {
		assert.False(t, errors.Is(err, target))
	})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestBillingErrorIsChecksWrappedSentinel(t *testing.T) {
	err := Unavailable("fetchPurchases", ErrTimeout)

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, ErrTimeout), "wrapped sentinel should still match")
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}
