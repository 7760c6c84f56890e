package markets

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Catalog is the venue's market listing, polled by the syncer. Implemented
// by the venue client alongside the provider interface.
type Catalog interface {
	ListMarkets(ctx context.Context) ([]Market, error)
}

// Syncer keeps the local market snapshot current with upsert-on-poll.
type Syncer struct {
	db       *Database
	catalog  Catalog
	interval time.Duration
}

func NewSyncer(db *Database, catalog Catalog, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Syncer{db: db, catalog: catalog, interval: interval}
}

// Start begins the sync loop. The first sync runs immediately so intake
// validation has markets to check before the first tick.
func (s *Syncer) Start(ctx context.Context) {
	logger := log.With().Str("component", "market_syncer").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting market syncer")

	if err := s.syncOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("initial market sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down market syncer")
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("market sync failed")
			}
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	logger := log.With().Str("component", "market_syncer").Logger()

	list, err := s.catalog.ListMarkets(ctx)
	if err != nil {
		return err
	}

	var failed int
	for i := range list {
		if err := s.db.UpsertMarket(&list[i]); err != nil {
			failed++
			logger.Error().Err(err).Str("market_id", list[i].MarketID).Msg("failed to upsert market")
		}
	}

	logger.Info().Int("markets", len(list)).Int("failed", failed).Msg("market sync completed")
	return nil
}
