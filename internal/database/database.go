package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pipethedev/polymarket-trader/internal/idempotency"
	"github.com/pipethedev/polymarket-trader/internal/markets"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

// NewDatabase opens the SQLite database at dsn and migrates the schema.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema. Orders intentionally carry no unique
// constraint on the idempotency key; uniqueness lives on the idempotency
// record table only.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&idempotency.Record{},
		&markets.Market{},
	)
}
