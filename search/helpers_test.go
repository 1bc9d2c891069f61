package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"carsties/events"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "search.db")), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(newTestDB(t), WithStoreClock(func() time.Time { return testNow }))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func state(id, make, model string, end time.Time) events.AuctionState {
	return events.AuctionState{
		ID:           id,
		Make:         make,
		Model:        model,
		Color:        "White",
		Mileage:      1000,
		Year:         2020,
		Seller:       "bob",
		ReservePrice: 100,
		AuctionEnd:   end,
		CreatedAt:    testNow.Add(-24 * time.Hour),
		UpdatedAt:    testNow.Add(-24 * time.Hour),
	}
}

func withBid(s events.AuctionState, bidder string, amount int64) events.AuctionState {
	s.Winner = lo.ToPtr(bidder)
	s.CurrentHighBid = lo.ToPtr(amount)
	return s
}

// permutations 回傳 0..n-1 的所有排列
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			next := make([]int, 0, n)
			next = append(next, p[:i]...)
			next = append(next, n-1)
			next = append(next, p[i:]...)
			out = append(out, next)
		}
	}
	return out
}
