package markets

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertMarket inserts or refreshes a market snapshot keyed by its venue id.
func (d *Database) UpsertMarket(market *Market) error {
	market.SyncedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "market_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"question", "slug", "yes_token_id", "no_token_id",
			"status", "yes_price", "no_price", "volume", "synced_at", "updated_at",
		}),
	}).Create(market).Error
}

func (d *Database) GetMarket(marketID string) (*Market, error) {
	var market Market
	if err := d.db.Where("market_id = ?", marketID).First(&market).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &market, nil
}

func (d *Database) ListMarkets() ([]Market, error) {
	var list []Market
	if err := d.db.Order("market_id").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// MarketTradable reports whether the market is known and currently open.
// This is the read side consulted by intake validation.
func (d *Database) MarketTradable(marketID string) (bool, bool, error) {
	market, err := d.GetMarket(marketID)
	if err != nil {
		return false, false, err
	}
	if market == nil {
		return false, false, nil
	}
	return true, market.Status == MarketStatusOpen, nil
}
