package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Outcome identifies which side of a binary prediction market an order trades.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether no further lifecycle transition is permitted.
// PARTIALLY_FILLED is non-terminal; whether the executor keeps polling a
// partially filled order is decided by its fill policy, not by the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// Metadata carries opaque venue-specific detail on an order, stored as JSON.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
}

// Order is the central entity of the execution subsystem. The numeric ID is
// assigned at creation and is the identity exposed to clients; ExternalOrderID
// is assigned by the venue once it accepts the order.
//
// Version is an optimistic-concurrency counter: every persisted mutation
// carries the version it read and increments it by one on success. The
// idempotency key is indexed but deliberately not unique at the storage
// layer; uniqueness is enforced by the idempotency store.
type Order struct {
	ID                uint             `gorm:"primarykey" json:"order_id"`
	IdempotencyKey    string           `gorm:"index" json:"-"`
	ClientID          string           `gorm:"index" json:"client_id"`
	MarketID          string           `gorm:"index" json:"market_id"`
	Side              Side             `json:"side"`
	OrderType         OrderType        `json:"order_type"`
	Outcome           Outcome          `json:"outcome"`
	Quantity          decimal.Decimal  `gorm:"type:decimal(20,8)" json:"quantity"`
	Price             *decimal.Decimal `gorm:"type:decimal(20,8)" json:"price,omitempty"`
	FilledQuantity    decimal.Decimal  `gorm:"type:decimal(20,8)" json:"filled_quantity"`
	AverageFillPrice  *decimal.Decimal `gorm:"type:decimal(20,8)" json:"average_fill_price,omitempty"`
	Status            OrderStatus      `gorm:"index" json:"status"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	ExternalOrderID   *string          `gorm:"index" json:"external_order_id,omitempty"`
	UserWalletAddress *string          `json:"user_wallet_address,omitempty"`
	Metadata          Metadata         `gorm:"type:text" json:"metadata,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Remaining returns the quantity not yet filled at the venue.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// PlaceOrderRequest is the client payload for order intake.
type PlaceOrderRequest struct {
	MarketID          string           `json:"market_id" binding:"required"`
	Side              Side             `json:"side" binding:"required"`
	OrderType         OrderType        `json:"order_type" binding:"required"`
	Outcome           Outcome          `json:"outcome" binding:"required"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	UserWalletAddress string           `json:"user_wallet_address,omitempty"`
}
