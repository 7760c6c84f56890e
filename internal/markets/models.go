package markets

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MarketStatus is the tradable state of a prediction market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// Market is the normalized snapshot of a venue market, maintained by the
// syncer with upsert-on-poll.
type Market struct {
	gorm.Model `json:"-"`
	MarketID   string          `gorm:"uniqueIndex" json:"market_id"`
	Question   string          `json:"question"`
	Slug       string          `json:"slug"`
	YesTokenID string          `json:"yes_token_id"`
	NoTokenID  string          `json:"no_token_id"`
	Status     MarketStatus    `gorm:"index" json:"status"`
	YesPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"yes_price"`
	NoPrice    decimal.Decimal `gorm:"type:decimal(20,8)" json:"no_price"`
	Volume     decimal.Decimal `gorm:"type:decimal(20,8)" json:"volume"`
	SyncedAt   time.Time       `json:"synced_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
