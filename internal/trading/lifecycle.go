package trading

import (
	"errors"
	"fmt"

	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

// PartialFillPolicy decides what the executor does after a partial fill.
type PartialFillPolicy string

const (
	// PartialFillResting keeps polling the venue for further fills.
	PartialFillResting PartialFillPolicy = "resting"
	// PartialFillTerminal stops after the first partial fill report.
	PartialFillTerminal PartialFillPolicy = "terminal"
)

var (
	// ErrTerminalTransition signals an attempted transition out of a
	// terminal status. Callers must treat it as a no-op and log the
	// anomaly, never apply it.
	ErrTerminalTransition = errors.New("order is in a terminal status")

	// ErrFillExceedsQuantity signals a venue report whose cumulative fill
	// is larger than the order's requested quantity.
	ErrFillExceedsQuantity = errors.New("reported fill exceeds order quantity")
)

// ApplyResult advances an order by one venue result and returns the new
// state without mutating the input. The returned order's status is derived
// from the fill fraction, not taken from the venue's label, which keeps the
// FILLED <=> filledQuantity == quantity invariant by construction.
//
// All quantity arithmetic is exact decimal; averageFillPrice is the
// quantity-weighted mean over all fills observed so far.
func ApplyResult(order *types.Order, res *provider.OrderResult) (*types.Order, error) {
	if order.Status.IsTerminal() {
		return nil, ErrTerminalTransition
	}

	next := *order
	if res.ExternalOrderID != "" && next.ExternalOrderID == nil {
		ext := res.ExternalOrderID
		next.ExternalOrderID = &ext
	}

	switch res.Status {
	case provider.ResultAccepted:
		// Accepted onto the venue's book, nothing filled yet.

	case provider.ResultRejected:
		reason := res.Reason
		if reason == "" {
			reason = "rejected by venue"
		}
		next.Status = types.OrderStatusFailed
		next.FailureReason = &reason

	case provider.ResultCancelled:
		// A cancel confirmation may carry fills that landed before the
		// cancel took effect. If those fills already cover the full
		// quantity the cancel lost the race and the order is FILLED.
		if err := applyFill(&next, res); err != nil {
			return nil, err
		}
		if next.FilledQuantity.Equal(next.Quantity) {
			next.Status = types.OrderStatusFilled
		} else {
			next.Status = types.OrderStatusCancelled
		}

	case provider.ResultFilled, provider.ResultPartiallyFilled:
		if err := applyFill(&next, res); err != nil {
			return nil, err
		}
		switch {
		case next.FilledQuantity.Equal(next.Quantity):
			next.Status = types.OrderStatusFilled
		case next.FilledQuantity.IsPositive():
			next.Status = types.OrderStatusPartiallyFilled
		}

	default:
		return nil, fmt.Errorf("unknown venue result status %q", res.Status)
	}

	return &next, nil
}

// Fail moves a non-terminal order to FAILED with the given reason.
func Fail(order *types.Order, reason string) (*types.Order, error) {
	if order.Status.IsTerminal() {
		return nil, ErrTerminalTransition
	}
	next := *order
	next.Status = types.OrderStatusFailed
	next.FailureReason = &reason
	return &next, nil
}

// applyFill folds a cumulative fill report into the order. A report below
// the current filled quantity is ignored: filledQuantity is monotonically
// non-decreasing even when the venue answers out of order.
func applyFill(order *types.Order, res *provider.OrderResult) error {
	reported := res.FilledQuantity
	if reported.GreaterThan(order.Quantity) {
		return ErrFillExceedsQuantity
	}
	delta := reported.Sub(order.FilledQuantity)
	if !delta.IsPositive() {
		return nil
	}

	avg := res.FillPrice
	if order.AverageFillPrice != nil {
		notional := order.AverageFillPrice.Mul(order.FilledQuantity).Add(res.FillPrice.Mul(delta))
		avg = notional.Div(reported)
	}
	order.AverageFillPrice = &avg
	order.FilledQuantity = reported
	return nil
}
