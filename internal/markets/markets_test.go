package markets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&Market{}))
	return NewDatabase(db)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func btcMarket() *Market {
	return &Market{
		MarketID:   "0xf62a1c",
		Question:   "Will Bitcoin reach $100k this year?",
		Slug:       "btc-100k",
		YesTokenID: "71321045",
		NoTokenID:  "52114319",
		Status:     MarketStatusOpen,
		YesPrice:   dec("0.62"),
		NoPrice:    dec("0.38"),
		Volume:     dec("1250000"),
	}
}

func TestUpsertMarketInsertsThenRefreshes(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.UpsertMarket(btcMarket()))

	stored, err := db.GetMarket("0xf62a1c")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.YesPrice.Equal(dec("0.62")))
	firstSync := stored.SyncedAt

	refreshed := btcMarket()
	refreshed.YesPrice = dec("0.65")
	refreshed.NoPrice = dec("0.35")
	refreshed.Status = MarketStatusClosed
	require.NoError(t, db.UpsertMarket(refreshed))

	stored, err = db.GetMarket("0xf62a1c")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.YesPrice.Equal(dec("0.65")))
	assert.Equal(t, MarketStatusClosed, stored.Status)
	assert.False(t, stored.SyncedAt.Before(firstSync))

	list, err := db.ListMarkets()
	require.NoError(t, err)
	assert.Len(t, list, 1, "upsert must not duplicate the market row")
}

func TestGetMarketUnknown(t *testing.T) {
	db := newTestDB(t)

	market, err := db.GetMarket("0xdeadbeef")
	require.NoError(t, err)
	assert.Nil(t, market)
}

func TestListMarketsOrdered(t *testing.T) {
	db := newTestDB(t)

	first := btcMarket()
	second := btcMarket()
	second.MarketID = "0x9b4de2"
	second.Slug = "fed-rate-cut"
	require.NoError(t, db.UpsertMarket(first))
	require.NoError(t, db.UpsertMarket(second))

	list, err := db.ListMarkets()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0x9b4de2", list[0].MarketID)
	assert.Equal(t, "0xf62a1c", list[1].MarketID)
}

func TestMarketTradable(t *testing.T) {
	db := newTestDB(t)

	open := btcMarket()
	closed := btcMarket()
	closed.MarketID = "0x3c81aa"
	closed.Status = MarketStatusClosed
	require.NoError(t, db.UpsertMarket(open))
	require.NoError(t, db.UpsertMarket(closed))

	exists, isOpen, err := db.MarketTradable("0xf62a1c")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, isOpen)

	exists, isOpen, err = db.MarketTradable("0x3c81aa")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, isOpen)

	exists, isOpen, err = db.MarketTradable("0xdeadbeef")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, isOpen)
}

type fakeCatalog struct {
	mu      sync.Mutex
	markets []Market
	err     error
	calls   int
}

func (c *fakeCatalog) ListMarkets(context.Context) ([]Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]Market, len(c.markets))
	copy(out, c.markets)
	return out, nil
}

func TestSyncOncePopulatesSnapshot(t *testing.T) {
	db := newTestDB(t)
	catalog := &fakeCatalog{markets: []Market{*btcMarket()}}

	syncer := NewSyncer(db, catalog, time.Minute)
	require.NoError(t, syncer.syncOnce(context.Background()))

	exists, isOpen, err := db.MarketTradable("0xf62a1c")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, isOpen)
}

func TestSyncOnceAppliesVenueUpdates(t *testing.T) {
	db := newTestDB(t)
	catalog := &fakeCatalog{markets: []Market{*btcMarket()}}
	syncer := NewSyncer(db, catalog, time.Minute)

	require.NoError(t, syncer.syncOnce(context.Background()))

	catalog.mu.Lock()
	catalog.markets[0].Status = MarketStatusResolved
	catalog.mu.Unlock()
	require.NoError(t, syncer.syncOnce(context.Background()))

	stored, err := db.GetMarket("0xf62a1c")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, MarketStatusResolved, stored.Status)

	exists, isOpen, err := db.MarketTradable("0xf62a1c")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, isOpen)
}

func TestSyncOnceSurfacesCatalogError(t *testing.T) {
	db := newTestDB(t)
	catalog := &fakeCatalog{err: errors.New("venue listing unavailable")}
	syncer := NewSyncer(db, catalog, time.Minute)

	err := syncer.syncOnce(context.Background())
	require.Error(t, err)

	list, lerr := db.ListMarkets()
	require.NoError(t, lerr)
	assert.Empty(t, list)
}

func TestSyncerRunsInitialSync(t *testing.T) {
	db := newTestDB(t)
	catalog := &fakeCatalog{markets: []Market{*btcMarket()}}
	syncer := NewSyncer(db, catalog, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exists, _, err := db.MarketTradable("0xf62a1c"); err == nil && exists {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	exists, _, err := db.MarketTradable("0xf62a1c")
	require.NoError(t, err)
	assert.True(t, exists, "first sync runs before the first tick")
}
