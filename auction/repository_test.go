package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carsties/events"
	"carsties/models"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedAuction(t *testing.T, repo *Repository) models.Auction {
	t.Helper()
	now := time.Now().UTC()
	auction := models.Auction{
		ID:           "a1",
		Seller:       "bob",
		ReservePrice: 20000,
		AuctionEnd:   now.Add(time.Hour),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Make:         "Ford",
		Model:        "GT",
		Color:        "White",
		Mileage:      50000,
		Year:         2020,
	}
	require.NoError(t, repo.Create(context.Background(), &auction, "corr"))
	return auction
}

func bid(id string, amount int64) events.BidPlaced {
	return events.BidPlaced{
		ID:        id,
		AuctionID: "a1",
		Bidder:    "bidder-" + id,
		Amount:    amount,
		Status:    events.BidStatusAccepted,
		PlacedAt:  time.Now().UTC(),
	}
}

func TestRepository_CreateWritesOutbox(t *testing.T) {
	repo := newTestRepository(t)
	auction := seedAuction(t, repo)

	got, err := repo.Get(context.Background(), auction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	envs := outbox(t, repo)
	require.Len(t, envs, 1)
	assert.Equal(t, events.KindAuctionCreated, envs[0].Kind)
	assert.Equal(t, "a1", envs[0].AggregateID)
	assert.Equal(t, int64(1), envs[0].Version)
	assert.Equal(t, "corr", envs[0].CorrelationID)
	created, ok := envs[0].Payload.(events.AuctionCreated)
	require.True(t, ok)
	assert.Equal(t, "GT", created.Model)
}

func TestRepository_CreateRollsBackOnOutboxFailure(t *testing.T) {
	repo := newTestRepository(t)
	seedAuction(t, repo)

	// 主鍵重複時整個交易回滾，不會多出 outbox 紀錄
	dup := models.Auction{ID: "a1", Seller: "bob", Make: "x", Model: "y", Version: 1}
	assert.Error(t, repo.Create(context.Background(), &dup, ""))
	assert.Len(t, outbox(t, repo), 1)
}

func TestRepository_GetNotFound(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_UpdateVersionCheck(t *testing.T) {
	repo := newTestRepository(t)
	auction := seedAuction(t, repo)
	ctx := context.Background()

	auction.Color = "Red"
	require.NoError(t, repo.Update(ctx, &auction, 1, ""))
	assert.Equal(t, int64(2), auction.Version)

	stale := auction
	stale.Color = "Blue"
	err := repo.Update(ctx, &stale, 1, "")
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, int64(2), stale.Version, "failed update must not touch the caller's copy")

	got, err := repo.Get(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, "Red", got.Color)

	envs := outbox(t, repo)
	require.Len(t, envs, 2)
	assert.Equal(t, events.KindAuctionUpdated, envs[1].Kind)
	assert.Equal(t, int64(2), envs[1].Version)
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepository(t)
	seedAuction(t, repo)
	ctx := context.Background()

	assert.ErrorIs(t, repo.Delete(ctx, "a1", 7, ""), ErrConcurrencyConflict)
	require.NoError(t, repo.Delete(ctx, "a1", 1, ""))

	_, err := repo.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	envs := outbox(t, repo)
	require.Len(t, envs, 2)
	assert.Equal(t, events.KindAuctionDeleted, envs[1].Kind)
	assert.Equal(t, int64(2), envs[1].Version)
}

func TestRepository_ListSince(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	repo := newTestRepository(t, WithRepositoryClock(func() time.Time { return clock }))
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		auction := models.Auction{
			ID: id, Seller: "bob", Make: "Ford", Model: "GT", Color: "White", Year: 2020,
			AuctionEnd: now.Add(time.Hour), Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, repo.Create(ctx, &auction, ""))
	}

	clock = now.Add(time.Minute)
	a2, err := repo.Get(ctx, "a2")
	require.NoError(t, err)
	a2.Color = "Black"
	require.NoError(t, repo.Update(ctx, &a2, a2.Version, ""))

	all, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	changed, err := repo.List(ctx, lo.ToPtr(now))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "a2", changed[0].ID)
}

func TestRepository_ApplyBidMonotonic(t *testing.T) {
	repo := newTestRepository(t)
	seedAuction(t, repo)
	ctx := context.Background()

	applied, err := repo.ApplyBid(ctx, bid("b1", 100), "")
	require.NoError(t, err)
	assert.True(t, applied)

	// 重複投遞
	applied, err = repo.ApplyBid(ctx, bid("b1", 100), "")
	require.NoError(t, err)
	assert.False(t, applied)

	// 較低的過期出價
	applied, err = repo.ApplyBid(ctx, bid("b0", 50), "")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.ApplyBid(ctx, bid("b2", 300), "")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentHighBid)
	assert.Equal(t, int64(300), *got.CurrentHighBid)
	assert.Equal(t, "bidder-b2", *got.Winner)
	assert.Equal(t, int64(3), got.Version)

	envs := outbox(t, repo)
	require.Len(t, envs, 3, "only raises are published")
	updated, ok := envs[2].Payload.(events.AuctionUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(300), *updated.CurrentHighBid)
	assert.Equal(t, int64(3), envs[2].Version)
}

func TestRepository_ApplyBidOrderIndependent(t *testing.T) {
	amounts := []int64{100, 300, 200, 300, 50}
	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
		{1, 1, 1, 0, 2},
	}
	for _, order := range orders {
		repo := newTestRepository(t)
		seedAuction(t, repo)
		for _, i := range order {
			_, err := repo.ApplyBid(context.Background(), bid(string(rune('a'+i)), amounts[i]), "")
			require.NoError(t, err)
		}
		got, err := repo.Get(context.Background(), "a1")
		require.NoError(t, err)
		require.NotNil(t, got.CurrentHighBid)
		assert.Equal(t, int64(300), *got.CurrentHighBid, "order %v", order)
	}
}

func TestRepository_ApplyBidConcurrent(t *testing.T) {
	repo := newTestRepository(t)
	seedAuction(t, repo)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := repo.ApplyBid(context.Background(), bid("b", amount*10), "")
			errs <- err
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), *got.CurrentHighBid)
}

func TestRepository_ApplyBidConflictRetry(t *testing.T) {
	// 在讀取與條件更新之間遞增版本，模擬另一個行程的寫入
	bumpVersion := func(tx *gorm.DB) {
		tx.Model(&models.Auction{}).Where("id = ?", "a1").Update("version", gorm.Expr("version + 1"))
	}

	t.Run("retries after a concurrent writer", func(t *testing.T) {
		repo := newTestRepository(t)
		seedAuction(t, repo)
		calls := 0
		repo.afterRead = func(tx *gorm.DB) {
			calls++
			if calls == 1 {
				bumpVersion(tx)
			}
		}

		applied, err := repo.ApplyBid(context.Background(), bid("b1", 100), "")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		repo := newTestRepository(t, WithRepositoryMaxConflictRetries(2))
		seedAuction(t, repo)
		calls := 0
		repo.afterRead = func(tx *gorm.DB) {
			calls++
			bumpVersion(tx)
		}

		applied, err := repo.ApplyBid(context.Background(), bid("b1", 100), "")
		assert.False(t, applied)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, 3, calls)

		got, err := repo.Get(context.Background(), "a1")
		require.NoError(t, err)
		assert.Nil(t, got.CurrentHighBid)
		assert.Len(t, outbox(t, repo), 1)
	})
}

func TestRepository_ApplyBidUnknownAuction(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.ApplyBid(context.Background(), bid("b1", 100), "")
	assert.True(t, errors.Is(err, ErrNotFound))
}
