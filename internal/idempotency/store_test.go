package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&Record{}))
	return NewStore(db, Config{TTL: ttl})
}

func TestReserveCreatesOnce(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Reserve("k1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t, time.Hour)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.Reserve("contested")
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestCompleteAndGet(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	rec, err := store.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Completed)

	body := []byte(`{"success":true}`)
	require.NoError(t, store.Complete("k1", http.StatusAccepted, body, 0))

	rec, err = store.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Completed)
	assert.Equal(t, http.StatusAccepted, rec.Status)
	assert.Equal(t, body, rec.Body)
}

func TestGetUnknownKey(t *testing.T) {
	store := newTestStore(t, time.Hour)

	rec, err := store.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestExpiredRecordBehavesAsAbsent(t *testing.T) {
	store := newTestStore(t, 20*time.Millisecond)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.Complete("k1", http.StatusOK, []byte("{}"), 20*time.Millisecond))

	time.Sleep(40 * time.Millisecond)

	rec, err := store.Get("k1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The key may be reused as if new.
	created, err = store.Reserve("k1")
	require.NoError(t, err)
	assert.True(t, created)

	rec, err = store.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Completed, "reclaimed record must not carry the old response")
}

func TestRelease(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.Release("k1"))

	created, err = store.Reserve("k1")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAwaitReturnsCompletedRecord(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Complete("k1", http.StatusAccepted, []byte(`{"ok":true}`), 0)
	}()

	rec, err := store.Await(context.Background(), "k1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusAccepted, rec.Status)
}

func TestAwaitTimesOutWhileInFlight(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	rec, err := store.Await(context.Background(), "k1", 150*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAwaitReportsAbsentKeyAsLost(t *testing.T) {
	store := newTestStore(t, time.Hour)

	start := time.Now()
	_, err := store.Await(context.Background(), "never-reserved", time.Second)
	assert.ErrorIs(t, err, ErrReservationLost)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"a missing reservation must not be polled to the deadline")
}

func TestAwaitReportsReleasedKeyAsLost(t *testing.T) {
	store := newTestStore(t, time.Hour)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = store.Release("k1")
	}()

	_, err = store.Await(context.Background(), "k1", 5*time.Second)
	assert.ErrorIs(t, err, ErrReservationLost)
}

func TestAwaitReportsExpiredReservationAsLost(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)

	created, err := store.Reserve("k1")
	require.NoError(t, err)
	require.True(t, created)

	// The reservation expires without ever completing, as after a crash
	// between reserve and complete.
	_, err = store.Await(context.Background(), "k1", 5*time.Second)
	assert.ErrorIs(t, err, ErrReservationLost)
}
