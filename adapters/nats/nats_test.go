package nats

import (
	"context"
	"errors"
	"testing"

	"carsties/events"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakePublisher struct {
	msgs []*nats.Msg
	opts [][]jetstream.PublishOpt
	err  error
}

func (f *fakePublisher) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	f.opts = append(f.opts, opts)
	return &jetstream.PubAck{Stream: "EVENTS", Sequence: uint64(len(f.msgs))}, nil
}

type fakeMsg struct {
	subject string
	data    []byte
	header  nats.Header
	acked   bool
	termed  bool
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Subject() string      { return m.subject }
func (m *fakeMsg) Headers() nats.Header { return m.header }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}

func (m *fakeMsg) Term() error {
	m.termed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	js := &fakePublisher{}
	publisher := newPublisher(js, nil)
	ctx := context.Background()

	env := events.NewEnvelope(events.BidPlaced{ID: "b1", AuctionID: "a1", Amount: 100, Status: events.BidStatusAccepted}, 0, "")
	require.NoError(t, publisher.Publish(ctx, env))

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "bid.placed", js.msgs[0].Subject)
	assert.Equal(t, "BidPlaced", js.msgs[0].Header.Get(headerKind))
	assert.Equal(t, "a1", js.msgs[0].Header.Get(headerAggregate))
	assert.Len(t, js.opts[0], 1, "message id option must be set")

	got, err := events.Decode(js.msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)

	assert.ErrorIs(t, publisher.Publish(ctx, events.Envelope{Kind: "Unknown"}), events.ErrUnknownKind)

	js.err = errors.New("no responders")
	assert.ErrorContains(t, publisher.Publish(ctx, env), "no responders")
}

func TestPublisher_Fault(t *testing.T) {
	js := &fakePublisher{}
	publisher := newPublisher(js, nil)
	ctx := context.Background()

	env := events.NewEnvelope(events.AuctionCreated{ID: "a1"}, 1, "")
	fault := events.NewFault("search", env, &events.ArgumentError{Field: "model", Reason: "required"})

	require.NoError(t, publisher.PublishFault(ctx, fault))
	require.NoError(t, publisher.DeadLetter(ctx, fault, errors.New("max compensations")))

	require.Len(t, js.msgs, 2)
	assert.Equal(t, "auction.created:fault", js.msgs[0].Subject)
	assert.Equal(t, "argument", js.msgs[0].Header.Get(headerKind))
	assert.Equal(t, "auction.created:dead-letter", js.msgs[1].Subject)
	assert.Equal(t, "max compensations", js.msgs[1].Header.Get(headerError))

	var got events.Fault
	require.NoError(t, msgpack.Unmarshal(js.msgs[0].Data, &got))
	assert.Equal(t, fault.ID, got.ID)
}

func TestMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("done acks once", func(t *testing.T) {
		raw := &fakeMsg{subject: "bid.placed", header: nats.Header{}}
		msg := &Message[string]{Data: "x", msg: raw, js: &fakePublisher{}}

		assert.Equal(t, "x", msg.Value())
		require.NoError(t, msg.Done(ctx))
		require.NoError(t, msg.Fail(ctx, errors.New("ignored after done")))
		assert.True(t, raw.acked)
		assert.False(t, raw.termed)
	})

	t.Run("fail dead-letters and terms", func(t *testing.T) {
		js := &fakePublisher{}
		raw := &fakeMsg{subject: "bid.placed", data: []byte("payload"), header: nats.Header{headerKind: []string{"BidPlaced"}}}
		msg := &Message[string]{Data: "x", msg: raw, js: js}

		require.NoError(t, msg.Fail(ctx, errors.New("handler failed")))
		assert.True(t, raw.termed)
		require.Len(t, js.msgs, 1)
		assert.Equal(t, "bid.placed:dead-letter", js.msgs[0].Subject)
		assert.Equal(t, []byte("payload"), js.msgs[0].Data)
		assert.Equal(t, "handler failed", js.msgs[0].Header.Get(headerError))
		assert.Equal(t, "BidPlaced", js.msgs[0].Header.Get(headerKind))
	})

	t.Run("fail keeps message when dead letter publish fails", func(t *testing.T) {
		raw := &fakeMsg{subject: "bid.placed", header: nats.Header{}}
		msg := &Message[string]{msg: raw, js: &fakePublisher{err: errors.New("timeout")}}

		assert.Error(t, msg.Fail(ctx, errors.New("handler failed")))
		assert.False(t, raw.termed)
	})
}

func TestNewSubscriber(t *testing.T) {
	decode := func(b []byte) (events.Envelope, error) { return events.Decode(b) }

	_, err := NewSubscriber[events.Envelope](nil, "EVENTS", "bid.placed", "auction", decode)
	assert.ErrorContains(t, err, "jetstream cannot be nil")
}
