package auction

import (
	"context"
	"testing"

	"carsties/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBidConsumer(t *testing.T) {
	repo := newTestRepository(t)
	seedAuction(t, repo)
	consumer := NewBidConsumer(repo, nil)
	ctx := context.Background()

	t.Run("rejected bids are ignored", func(t *testing.T) {
		for _, status := range []events.BidStatus{events.BidStatusTooLow, events.BidStatusFinished} {
			b := bid("low", 999999)
			b.Status = status
			require.NoError(t, consumer.Handle(ctx, events.NewEnvelope(b, 0, "")))
		}
		got, err := repo.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Nil(t, got.CurrentHighBid)
	})

	t.Run("accepted below reserve raises the high bid", func(t *testing.T) {
		b := bid("b1", 100)
		b.Status = events.BidStatusAcceptedBelowReserve
		env := events.NewEnvelope(b, 0, "corr-1")
		require.NoError(t, consumer.Handle(ctx, env))
		// 重複投遞
		require.NoError(t, consumer.Handle(ctx, env))

		got, err := repo.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), *got.CurrentHighBid)
		assert.Equal(t, int64(2), got.Version)

		envs := outbox(t, repo)
		require.Len(t, envs, 2)
		assert.Equal(t, "corr-1", envs[1].CorrelationID)
	})

	t.Run("unknown auction is not found", func(t *testing.T) {
		b := bid("b2", 100)
		b.AuctionID = "missing"
		err := consumer.Handle(ctx, events.NewEnvelope(b, 0, ""))

		var notFound *events.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing", notFound.ID)
		assert.False(t, events.IsTransient(err))
	})

	t.Run("lifecycle events are ignored", func(t *testing.T) {
		require.NoError(t, consumer.Handle(ctx, events.NewEnvelope(events.AuctionDeleted{ID: "a1"}, 9, "")))
		_, err := repo.Get(ctx, "a1")
		require.NoError(t, err)
	})
}
