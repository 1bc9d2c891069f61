package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"carsties/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleConsumer_OrderIndependent(t *testing.T) {
	created := state("a1", "Ford", "GT", testNow.Add(time.Hour))
	updated := created
	updated.Color = "Red"
	bid := withBid(updated, "alice", 500)

	envs := []events.Envelope{
		events.NewEnvelope(events.AuctionCreated(created), 1, ""),
		events.NewEnvelope(events.AuctionUpdated(updated), 2, ""),
		events.NewEnvelope(events.AuctionUpdated(bid), 3, ""),
	}

	for _, order := range permutations(len(envs)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			store := newTestStore(t)
			consumer := NewLifecycleConsumer(store, nil)
			ctx := context.Background()

			// 每個事件投遞兩次
			for _, i := range append(order, order...) {
				require.NoError(t, consumer.Handle(ctx, envs[i]))
			}

			item, err := store.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), item.Version)
			assert.Equal(t, "Red", item.Color)
			assert.Equal(t, "alice", item.Winner)
			require.NotNil(t, item.CurrentHighBid)
			assert.Equal(t, int64(500), *item.CurrentHighBid)
		})
	}
}

func TestLifecycleConsumer_DeleteIsTerminal(t *testing.T) {
	created := state("a1", "Ford", "GT", testNow.Add(time.Hour))
	envs := []events.Envelope{
		events.NewEnvelope(events.AuctionCreated(created), 1, ""),
		events.NewEnvelope(events.AuctionUpdated(created), 2, ""),
		events.NewEnvelope(events.AuctionDeleted{ID: "a1"}, 3, ""),
	}

	for _, order := range permutations(len(envs)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			store := newTestStore(t)
			consumer := NewLifecycleConsumer(store, nil)
			ctx := context.Background()

			for _, i := range append(order, order...) {
				require.NoError(t, consumer.Handle(ctx, envs[i]))
			}
			_, err := store.Get(ctx, "a1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLifecycleConsumer_Validation(t *testing.T) {
	store := newTestStore(t)
	consumer := NewLifecycleConsumer(store, nil)
	ctx := context.Background()

	tests := []struct {
		field  string
		modify func(*events.AuctionState)
	}{
		{"make", func(s *events.AuctionState) { s.Make = "" }},
		{"model", func(s *events.AuctionState) { s.Model = "" }},
		{"year", func(s *events.AuctionState) { s.Year = 3000 }},
		{"mileage", func(s *events.AuctionState) { s.Mileage = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			s := state("a1", "Ford", "GT", testNow)
			tt.modify(&s)
			err := consumer.Handle(ctx, events.NewEnvelope(events.AuctionCreated(s), 1, ""))

			var argErr *events.ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, tt.field, argErr.Field)
			assert.Equal(t, events.FaultKindArgument, events.Describe(err)[0].Kind)
		})
	}

	_, err := store.Get(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleConsumer_IgnoresBids(t *testing.T) {
	store := newTestStore(t)
	consumer := NewLifecycleConsumer(store, nil)

	env := events.NewEnvelope(events.BidPlaced{ID: "b1", AuctionID: "a1", Amount: 10, Status: events.BidStatusAccepted}, 0, "")
	require.NoError(t, consumer.Handle(context.Background(), env))
	_, err := store.Get(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}
