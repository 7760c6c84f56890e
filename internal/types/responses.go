package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderResponse is the lifecycle snapshot returned by intake and status reads.
type OrderResponse struct {
	OrderID          uint             `json:"order_id"`
	Status           OrderStatus      `json:"status"`
	MarketID         string           `json:"market_id"`
	Side             Side             `json:"side"`
	OrderType        OrderType        `json:"order_type"`
	Outcome          Outcome          `json:"outcome"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	FilledQuantity   decimal.Decimal  `json:"filled_quantity"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	ExternalOrderID  *string          `json:"external_order_id,omitempty"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewOrderResponse projects an order onto its API snapshot.
func NewOrderResponse(o *Order) OrderResponse {
	return OrderResponse{
		OrderID:          o.ID,
		Status:           o.Status,
		MarketID:         o.MarketID,
		Side:             o.Side,
		OrderType:        o.OrderType,
		Outcome:          o.Outcome,
		Quantity:         o.Quantity,
		Price:            o.Price,
		FilledQuantity:   o.FilledQuantity,
		AverageFillPrice: o.AverageFillPrice,
		FailureReason:    o.FailureReason,
		ExternalOrderID:  o.ExternalOrderID,
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// PriceResponse reports the venue's current price for one market outcome.
type PriceResponse struct {
	MarketID  string          `json:"market_id"`
	Outcome   Outcome         `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
