// Package idempotency implements the key/value cache that protects all
// mutating endpoints: a client-supplied key maps to a recorded response,
// with wall-clock expiry.
package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrReservationLost reports that a key's reservation disappeared or expired
// before a response was recorded. The waiting caller can reserve the key
// itself and run the operation instead of reporting it as in flight.
var ErrReservationLost = errors.New("idempotency reservation lost")

// DefaultTTL is how long a completed record is replayable.
const DefaultTTL = 24 * time.Hour

// pollInterval is how often Await re-reads an in-flight reservation.
const pollInterval = 50 * time.Millisecond

// Record is a reservation or a completed response snapshot for one key.
// A record with Completed=false marks a request in flight; once the
// originating operation finishes, the recorded status and body are replayed
// verbatim to every retry of the same key until the record expires.
type Record struct {
	gorm.Model
	IdempotencyKey string `gorm:"uniqueIndex"`
	Completed      bool
	Status         int
	Body           []byte
	ExpiresAt      time.Time
}

// Expired reports whether the record's replay window has passed. An expired
// record behaves as absent and its key may be reused as if new.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store owns Record lifetime. Reservation atomicity comes from the unique
// index on the key column: exactly one concurrent caller wins the insert.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

// Config controls record expiry.
type Config struct {
	TTL time.Duration
}

// NewStore creates a store around the given database connection.
func NewStore(db *gorm.DB, cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// Reserve atomically inserts a reservation for key if absent, returning
// whether this call created it. A false return means another call already
// owns or completed the key. An expired record is reclaimed as if absent;
// the reclaim is guarded by a compare-and-swap on the old expiry so that
// two concurrent reclaims cannot both win.
func (s *Store) Reserve(key string) (bool, error) {
	now := time.Now()
	rec := Record{
		IdempotencyKey: key,
		Completed:      false,
		ExpiresAt:      now.Add(s.ttl),
	}

	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing Record
	if err := s.db.Where("idempotency_key = ?", key).First(&existing).Error; err != nil {
		return false, err
	}
	if !existing.Expired(now) {
		return false, nil
	}

	claim := s.db.Model(&Record{}).
		Where("idempotency_key = ? AND expires_at = ?", key, existing.ExpiresAt).
		Updates(map[string]interface{}{
			"completed":  false,
			"status":     0,
			"body":       nil,
			"expires_at": now.Add(s.ttl),
		})
	if claim.Error != nil {
		return false, claim.Error
	}
	return claim.RowsAffected == 1, nil
}

// Complete attaches the response snapshot to an existing reservation and
// starts its expiry countdown. A zero ttl uses the store default.
func (s *Store) Complete(key string, status int, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.db.Model(&Record{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]interface{}{
			"completed":  true,
			"status":     status,
			"body":       body,
			"expires_at": time.Now().Add(ttl),
		}).Error
}

// Release drops the reservation for key so a retry may start over. Used
// when the originating operation hit a non-durable failure (e.g. a storage
// error) whose response must not be replayed to future retries.
func (s *Store) Release(key string) error {
	return s.db.Unscoped().Where("idempotency_key = ?", key).Delete(&Record{}).Error
}

// Get returns the record for key, or nil if it is absent or expired.
func (s *Store) Get(key string) (*Record, error) {
	var rec Record
	if err := s.db.Where("idempotency_key = ?", key).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Await polls for the completed record for key, up to maxWait. It returns
// nil if the key is still in flight when the wait expires so the caller
// can answer with a "processing" response instead of blocking. A key whose
// reservation vanished or expired unfinished yields ErrReservationLost
// immediately rather than in-flight until the deadline.
func (s *Store) Await(ctx context.Context, key string, maxWait time.Duration) (*Record, error) {
	deadline := time.Now().Add(maxWait)
	for {
		var rec Record
		err := s.db.Where("idempotency_key = ?", key).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, ErrReservationLost
		case err != nil:
			return nil, err
		}
		if rec.Expired(time.Now()) {
			return nil, ErrReservationLost
		}
		if rec.Completed {
			return &rec, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
