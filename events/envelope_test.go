package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type recordingVisitor struct {
	calls []Kind
}

func (v *recordingVisitor) AuctionCreated(ctx context.Context, env Envelope, payload AuctionCreated) error {
	v.calls = append(v.calls, payload.Kind())
	return nil
}

func (v *recordingVisitor) AuctionUpdated(ctx context.Context, env Envelope, payload AuctionUpdated) error {
	v.calls = append(v.calls, payload.Kind())
	return nil
}

func (v *recordingVisitor) AuctionDeleted(ctx context.Context, env Envelope, payload AuctionDeleted) error {
	v.calls = append(v.calls, payload.Kind())
	return nil
}

func (v *recordingVisitor) BidPlaced(ctx context.Context, env Envelope, payload BidPlaced) error {
	v.calls = append(v.calls, payload.Kind())
	return errors.New("bid failed")
}

func TestNewEnvelope(t *testing.T) {
	bid := BidPlaced{ID: "b1", AuctionID: "a1", Bidder: "bob", Amount: 10, Status: BidStatusAccepted}
	env := NewEnvelope(bid, 3, "")

	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, KindBidPlaced, env.Kind)
	assert.Equal(t, "a1", env.AggregateID)
	assert.Equal(t, int64(3), env.Version)
	assert.Equal(t, "bid.placed", env.Topic())

	env = NewEnvelope(AuctionDeleted{ID: "a2"}, 7, "corr")
	assert.Equal(t, "corr", env.CorrelationID)
	assert.Equal(t, "a2", env.AggregateID)
}

func TestEncodeDecode(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := AuctionState{
		ID:             "a1",
		Make:           "Ford",
		Model:          "GT",
		Color:          "White",
		Mileage:        50000,
		Year:           2020,
		Seller:         "alice",
		Winner:         lo.ToPtr("bob"),
		ReservePrice:   20000,
		CurrentHighBid: lo.ToPtr(int64(21000)),
		AuctionEnd:     end,
	}
	env := NewEnvelope(AuctionUpdated(state), 4, "corr")
	env.Compensations = 1

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, KindAuctionUpdated, got.Kind)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, 1, got.Compensations)
	assert.True(t, env.OccurredAt.Equal(got.OccurredAt))

	payload, ok := got.Payload.(AuctionUpdated)
	require.True(t, ok, "payload type %T", got.Payload)
	assert.Equal(t, "GT", payload.Model)
	assert.Equal(t, "bob", *payload.Winner)
	assert.Equal(t, int64(21000), *payload.CurrentHighBid)
	assert.True(t, end.Equal(payload.AuctionEnd))
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(Envelope{ID: "x", Kind: KindBidPlaced})
	assert.Error(t, err)

	mismatched := NewEnvelope(AuctionDeleted{ID: "a1"}, 1, "")
	mismatched.Kind = KindBidPlaced
	_, err = Encode(mismatched)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestDecodeUnknownKind(t *testing.T) {
	data, err := msgpack.Marshal(wireEnvelope{ID: "x", Kind: "AuctionFinished", Payload: msgpack.RawMessage{0xc0}})
	require.NoError(t, err)

	_, err = Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownKind.Error())
}

func TestFaultRoundTrip(t *testing.T) {
	env := NewEnvelope(AuctionCreated{ID: "a1", Make: "Ford"}, 1, "")
	fault := NewFault("search", env, &ArgumentError{Field: "model", Reason: "required"})

	data, err := msgpack.Marshal(fault)
	require.NoError(t, err)
	var got Fault
	require.NoError(t, msgpack.Unmarshal(data, &got))

	assert.Equal(t, fault.ID, got.ID)
	assert.Equal(t, "auction.created", got.Topic)
	assert.Equal(t, env.ID, got.Message.ID)
	assert.IsType(t, AuctionCreated{}, got.Message.Payload)
	assert.Equal(t, FaultKindArgument, got.Primary().Kind)
	assert.Equal(t, "model", got.Primary().Field)
}

func TestDispatch(t *testing.T) {
	v := &recordingVisitor{}
	ctx := context.Background()

	require.NoError(t, Dispatch(ctx, v, NewEnvelope(AuctionCreated{ID: "a"}, 1, "")))
	require.NoError(t, Dispatch(ctx, v, NewEnvelope(AuctionUpdated{ID: "a"}, 2, "")))
	require.NoError(t, Dispatch(ctx, v, NewEnvelope(AuctionDeleted{ID: "a"}, 3, "")))
	assert.EqualError(t, Dispatch(ctx, v, NewEnvelope(BidPlaced{AuctionID: "a"}, 0, "")), "bid failed")
	assert.Equal(t, []Kind{KindAuctionCreated, KindAuctionUpdated, KindAuctionDeleted, KindBidPlaced}, v.calls)

	assert.ErrorIs(t, Dispatch(ctx, v, Envelope{}), ErrPayloadMissing)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  FaultKind
		field string
	}{
		{name: "argument", err: fmt.Errorf("wrap: %w", &ArgumentError{Field: "year", Reason: "out of range"}), kind: FaultKindArgument, field: "year"},
		{name: "transient", err: Transient(errors.New("connection refused")), kind: FaultKindTransient},
		{name: "not found", err: &NotFoundError{Aggregate: "auction", ID: "a1"}, kind: FaultKindNotFound},
		{name: "unknown", err: errors.New("boom"), kind: FaultKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := Describe(tt.err)
			require.Len(t, desc, 1)
			assert.Equal(t, tt.kind, desc[0].Kind)
			assert.Equal(t, tt.field, desc[0].Field)
			assert.Equal(t, tt.err.Error(), desc[0].Message)
		})
	}

	joined := Describe(errors.Join(errors.New("first"), Transient(errors.New("second"))))
	require.Len(t, joined, 2)
	assert.Equal(t, FaultKindUnknown, joined[0].Kind)
	assert.Equal(t, FaultKindTransient, joined[1].Kind)

	assert.True(t, IsTransient(fmt.Errorf("x: %w", Transient(errors.New("y")))))
	assert.False(t, IsTransient(errors.New("y")))
	assert.Nil(t, Transient(nil))
}

func TestBidStatusAccepted(t *testing.T) {
	assert.True(t, BidStatusAccepted.Accepted())
	assert.True(t, BidStatusAcceptedBelowReserve.Accepted())
	assert.False(t, BidStatusTooLow.Accepted())
	assert.False(t, BidStatusFinished.Accepted())
}
