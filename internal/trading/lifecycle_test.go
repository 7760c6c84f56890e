package trading

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func pendingOrder(quantity string) *types.Order {
	return &types.Order{
		ID:             1,
		MarketID:       "0xf62a1c",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeMarket,
		Outcome:        types.OutcomeYes,
		Quantity:       dec(quantity),
		FilledQuantity: decimal.Zero,
		Status:         types.OrderStatusPending,
		Version:        1,
	}
}

func TestApplyResultFullFill(t *testing.T) {
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		ExternalOrderID: "PMX-1",
		Status:          provider.ResultFilled,
		FilledQuantity:  dec("10"),
		FillPrice:       dec("0.62"),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, next.Status)
	assert.True(t, next.FilledQuantity.Equal(dec("10")))
	require.NotNil(t, next.AverageFillPrice)
	assert.True(t, next.AverageFillPrice.Equal(dec("0.62")))
	require.NotNil(t, next.ExternalOrderID)
	assert.Equal(t, "PMX-1", *next.ExternalOrderID)

	// The input order is untouched.
	assert.Equal(t, types.OrderStatusPending, order.Status)
	assert.True(t, order.FilledQuantity.IsZero())
}

func TestApplyResultPartialFill(t *testing.T) {
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		ExternalOrderID: "PMX-1",
		Status:          provider.ResultPartiallyFilled,
		FilledQuantity:  dec("4"),
		FillPrice:       dec("0.50"),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusPartiallyFilled, next.Status)
	assert.True(t, next.FilledQuantity.Equal(dec("4")))
	assert.True(t, next.AverageFillPrice.Equal(dec("0.50")))
}

func TestApplyResultWeightedAveragePrice(t *testing.T) {
	order := pendingOrder("10")

	first, err := ApplyResult(order, &provider.OrderResult{
		ExternalOrderID: "PMX-1",
		Status:          provider.ResultPartiallyFilled,
		FilledQuantity:  dec("4"),
		FillPrice:       dec("0.50"),
	})
	require.NoError(t, err)

	second, err := ApplyResult(first, &provider.OrderResult{
		Status:         provider.ResultFilled,
		FilledQuantity: dec("10"),
		FillPrice:      dec("0.60"),
	})
	require.NoError(t, err)

	// (0.50*4 + 0.60*6) / 10 = 0.56, exact decimal arithmetic.
	assert.Equal(t, types.OrderStatusFilled, second.Status)
	assert.True(t, second.AverageFillPrice.Equal(dec("0.56")),
		"got %s", second.AverageFillPrice)
}

func TestApplyResultAcceptedKeepsPending(t *testing.T) {
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		ExternalOrderID: "PMX-9",
		Status:          provider.ResultAccepted,
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusPending, next.Status)
	require.NotNil(t, next.ExternalOrderID)
	assert.Equal(t, "PMX-9", *next.ExternalOrderID)
	assert.True(t, next.FilledQuantity.IsZero())
}

func TestApplyResultRejected(t *testing.T) {
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		Status: provider.ResultRejected,
		Reason: "insufficient balance",
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFailed, next.Status)
	require.NotNil(t, next.FailureReason)
	assert.Equal(t, "insufficient balance", *next.FailureReason)
}

func TestApplyResultRejectedWithoutReason(t *testing.T) {
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{Status: provider.ResultRejected})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFailed, next.Status)
	require.NotNil(t, next.FailureReason)
	assert.NotEmpty(t, *next.FailureReason)
}

func TestApplyResultCancelledKeepsEarlierFills(t *testing.T) {
	order := pendingOrder("10")
	order.Status = types.OrderStatusPartiallyFilled
	order.FilledQuantity = dec("3")
	avg := dec("0.40")
	order.AverageFillPrice = &avg

	next, err := ApplyResult(order, &provider.OrderResult{
		Status:         provider.ResultCancelled,
		FilledQuantity: dec("3"),
		FillPrice:      dec("0.40"),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusCancelled, next.Status)
	assert.True(t, next.FilledQuantity.Equal(dec("3")))
}

func TestApplyResultCancelAfterFullFillIsFilled(t *testing.T) {
	// The cancel confirmation arrived after the last fill: the fills it
	// carries cover the whole quantity, so the cancel lost and the derived
	// status is FILLED, never CANCELLED with a complete fill.
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		Status:         provider.ResultCancelled,
		FilledQuantity: dec("10"),
		FillPrice:      dec("0.62"),
	})
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusFilled, next.Status)
	assert.True(t, next.FilledQuantity.Equal(dec("10")))
	require.NotNil(t, next.AverageFillPrice)
	assert.True(t, next.AverageFillPrice.Equal(dec("0.62")))
}

func TestApplyResultTerminalIsNoOp(t *testing.T) {
	for _, status := range []types.OrderStatus{
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusFailed,
	} {
		order := pendingOrder("10")
		order.Status = status

		_, err := ApplyResult(order, &provider.OrderResult{
			Status:         provider.ResultFilled,
			FilledQuantity: dec("10"),
			FillPrice:      dec("0.62"),
		})
		assert.ErrorIs(t, err, ErrTerminalTransition, "status %s", status)
	}
}

func TestApplyResultFillNeverRegresses(t *testing.T) {
	order := pendingOrder("10")
	order.Status = types.OrderStatusPartiallyFilled
	order.FilledQuantity = dec("6")
	avg := dec("0.55")
	order.AverageFillPrice = &avg

	// A stale poll reporting less than we already recorded is ignored.
	next, err := ApplyResult(order, &provider.OrderResult{
		Status:         provider.ResultPartiallyFilled,
		FilledQuantity: dec("4"),
		FillPrice:      dec("0.10"),
	})
	require.NoError(t, err)

	assert.True(t, next.FilledQuantity.Equal(dec("6")))
	assert.True(t, next.AverageFillPrice.Equal(dec("0.55")))
	assert.Equal(t, types.OrderStatusPartiallyFilled, next.Status)
}

func TestApplyResultFillAboveQuantityRejected(t *testing.T) {
	order := pendingOrder("10")

	_, err := ApplyResult(order, &provider.OrderResult{
		Status:         provider.ResultFilled,
		FilledQuantity: dec("11"),
		FillPrice:      dec("0.62"),
	})
	assert.ErrorIs(t, err, ErrFillExceedsQuantity)
}

func TestFail(t *testing.T) {
	order := pendingOrder("10")

	next, err := Fail(order, "retries exhausted")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFailed, next.Status)
	assert.Equal(t, "retries exhausted", *next.FailureReason)

	_, err = Fail(next, "again")
	assert.ErrorIs(t, err, ErrTerminalTransition)
}

func TestStatusDerivedFromFillFraction(t *testing.T) {
	// Even if the venue mislabels a full fill as partial, the derived
	// status honors filledQuantity == quantity <=> FILLED.
	order := pendingOrder("10")

	next, err := ApplyResult(order, &provider.OrderResult{
		Status:         provider.ResultPartiallyFilled,
		FilledQuantity: dec("10"),
		FillPrice:      dec("0.62"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, next.Status)
}
