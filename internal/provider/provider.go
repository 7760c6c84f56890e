// Package provider defines the capability interface the executor uses to
// target interchangeable trading venues.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pipethedev/polymarket-trader/internal/types"
)

// Capabilities enumerates which trading operations a venue supports. A
// read-only venue exposes price and health only; callers must check the
// relevant flag before dispatching a trading operation.
type Capabilities struct {
	PlaceOrders  bool
	CancelOrders bool
	OrderStatus  bool
}

// ErrCapabilityMissing signals that a trading operation was invoked against
// a venue that does not support it. This is a configuration error, not a
// venue failure, and is never retried.
func ErrCapabilityMissing(venue, operation string) error {
	return types.NewPermanentProviderError(
		"capability_missing",
		fmt.Sprintf("venue %s does not support %s", venue, operation),
		nil,
	)
}

// ResultStatus is the venue's view of an order after an operation.
type ResultStatus string

const (
	// ResultAccepted means the venue accepted the order onto its book
	// without filling it yet.
	ResultAccepted ResultStatus = "ACCEPTED"
	// ResultFilled means the venue reports the order fully filled.
	ResultFilled ResultStatus = "FILLED"
	// ResultPartiallyFilled means the venue reports a partial fill.
	ResultPartiallyFilled ResultStatus = "PARTIALLY_FILLED"
	// ResultCancelled means the venue confirmed cancellation.
	ResultCancelled ResultStatus = "CANCELLED"
	// ResultRejected means the venue deterministically rejected the order.
	ResultRejected ResultStatus = "REJECTED"
)

// PlaceRequest carries the order fields a venue needs to accept an order.
type PlaceRequest struct {
	MarketID  string
	Side      types.Side
	OrderType types.OrderType
	Outcome   types.Outcome
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	// Reference is the internal order id, forwarded so venue-side logs can
	// be correlated back to ours.
	Reference uint
}

// OrderResult is the venue's report for a place, cancel, or status call.
// FilledQuantity is cumulative as reported by the venue; FillPrice is the
// volume-weighted price of the fills covered by this report.
type OrderResult struct {
	ExternalOrderID string
	Status          ResultStatus
	FilledQuantity  decimal.Decimal
	FillPrice       decimal.Decimal
	Reason          string
	Timestamp       time.Time
}

// Provider is implemented once per trading venue. PlaceOrder, CancelOrder
// and GetOrderStatus are optional capabilities; Capabilities reports which
// of them the venue supports. Any call may fail with a transient or
// permanent provider error (types.ProviderError).
type Provider interface {
	Name() string
	Capabilities() Capabilities
	PlaceOrder(ctx context.Context, req PlaceRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, externalOrderID string) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, externalOrderID string) (*OrderResult, error)
	GetMarketPrice(ctx context.Context, marketID string, outcome types.Outcome) (decimal.Decimal, bool, error)
	HealthCheck(ctx context.Context) bool
}
