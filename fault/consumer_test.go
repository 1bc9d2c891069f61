package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	redisAdapter "carsties/adapters/redis"
	"carsties/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	republisher *MockRepublisher
	sink        *MockDeadLetterSink
	archive     *MockArchive
	ledger      *redisAdapter.Ledger
	server      *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &fixture{
		republisher: NewMockRepublisher(ctrl),
		sink:        NewMockDeadLetterSink(ctrl),
		archive:     NewMockArchive(ctrl),
		ledger:      redisAdapter.NewLedger(client, redisAdapter.WithLedgerTTL(time.Hour)),
		server:      server,
	}
}

func (f *fixture) consumer(t *testing.T, opts ...ConsumerOption) *Consumer {
	t.Helper()
	consumer, err := NewConsumer(f.republisher, f.ledger, f.sink, opts...)
	require.NoError(t, err)
	return consumer
}

func invalidModelFault() events.Fault {
	state := events.AuctionState{ID: "a1", Make: "Ford", Year: 2020}
	env := events.NewEnvelope(events.AuctionCreated(state), 1, "corr")
	return events.NewFault("search", env, &events.ArgumentError{Field: "model", Reason: "is required"})
}

func TestNewConsumer(t *testing.T) {
	f := setup(t)
	_, err := NewConsumer(nil, f.ledger, f.sink)
	assert.Error(t, err)
	_, err = NewConsumer(f.republisher, nil, f.sink)
	assert.Error(t, err)
	_, err = NewConsumer(f.republisher, f.ledger, nil)
	assert.Error(t, err)
}

func TestConsumer_Classify(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	env := events.NewEnvelope(events.AuctionDeleted{ID: "a1"}, 2, "")

	assert.Equal(t, events.ClassValidation, consumer.Classify(invalidModelFault()))
	assert.Equal(t, events.ClassTransientInfra, consumer.Classify(events.NewFault("search", env, events.Transient(errors.New("timeout")))))
	assert.Equal(t, events.ClassFatal, consumer.Classify(events.NewFault("auction", env, &events.NotFoundError{Aggregate: "auction", ID: "a1"})))
	assert.Equal(t, events.ClassFatal, consumer.Classify(events.NewFault("search", env, errors.New("boom"))))
	assert.Equal(t, events.ClassFatal, consumer.Classify(events.Fault{}))

	// 未註冊補償方式時 argument 也是致命錯誤
	bare := f.consumer(t, WithConsumerCompensators(nil))
	assert.Equal(t, events.ClassFatal, bare.Classify(invalidModelFault()))
}

func TestConsumer_ValidationFaultRepublishesOnce(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	fault := invalidModelFault()
	ctx := context.Background()

	var republished events.Envelope
	f.republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, env events.Envelope) error {
			republished = env
			return nil
		}).Times(1)

	require.NoError(t, consumer.Handle(ctx, fault))
	// 故障重複投遞
	require.NoError(t, consumer.Handle(ctx, fault))

	payload, ok := republished.Payload.(events.AuctionCreated)
	require.True(t, ok)
	assert.Equal(t, "FooBar", payload.Model)
	assert.Equal(t, "Ford", payload.Make)
	assert.Equal(t, 1, republished.Compensations)
	assert.Equal(t, fault.Message.Version, republished.Version)
	assert.Equal(t, "corr", republished.CorrelationID)
	assert.NotEqual(t, fault.Message.ID, republished.ID)
}

func TestConsumer_FatalFaultDeadLetters(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t, WithConsumerArchive(f.archive))
	env := events.NewEnvelope(events.BidPlaced{ID: "b1", AuctionID: "missing"}, 0, "")
	fault := events.NewFault("auction", env, &events.NotFoundError{Aggregate: "auction", ID: "missing"})

	f.sink.EXPECT().DeadLetter(gomock.Any(), fault, gomock.Any()).Return(nil).Times(1)
	f.archive.EXPECT().Archive(gomock.Any(), fault, gomock.Any()).Return(errors.New("bucket unavailable")).Times(1)

	require.NoError(t, consumer.Handle(context.Background(), fault), "archive failures are only logged")
}

func TestConsumer_TransientFaultDeadLetters(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	env := events.NewEnvelope(events.AuctionDeleted{ID: "a1"}, 2, "")
	fault := events.NewFault("search", env, events.Transient(errors.New("connection reset")))

	f.sink.EXPECT().DeadLetter(gomock.Any(), fault, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ events.Fault, reason error) error {
			assert.ErrorContains(t, reason, "connection reset")
			return nil
		})
	require.NoError(t, consumer.Handle(context.Background(), fault))
}

func TestConsumer_MaxCompensations(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t, WithConsumerMaxCompensations(1))
	fault := invalidModelFault()
	fault.Message.Compensations = 1

	f.sink.EXPECT().DeadLetter(gomock.Any(), fault, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ events.Fault, reason error) error {
			assert.ErrorIs(t, reason, ErrMaxCompensations)
			return nil
		})
	require.NoError(t, consumer.Handle(context.Background(), fault))
}

func TestConsumer_NotCompensable(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	env := events.NewEnvelope(events.AuctionCreated{ID: "a1", Model: "GT"}, 1, "")
	fault := events.NewFault("search", env, &events.ArgumentError{Field: "make", Reason: "is required"})

	f.sink.EXPECT().DeadLetter(gomock.Any(), fault, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ events.Fault, reason error) error {
			assert.ErrorIs(t, reason, ErrNotCompensable)
			return nil
		})
	require.NoError(t, consumer.Handle(context.Background(), fault))
}

func TestConsumer_RepublishFailureReleasesLedger(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	fault := invalidModelFault()
	ctx := context.Background()

	gomock.InOrder(
		f.republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")),
		f.republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil),
	)

	err := consumer.Handle(ctx, fault)
	assert.True(t, events.IsTransient(err))

	// 重試時可以再次重送
	require.NoError(t, consumer.Handle(ctx, fault))
}

func TestConsumer_RepublishRetriedWhenLedgerCannotRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	republisher := NewMockRepublisher(ctrl)
	ledger := redisAdapter.NewMockILedger(ctrl)
	consumer, err := NewConsumer(republisher, ledger, NewMockDeadLetterSink(ctrl))
	require.NoError(t, err)
	fault := invalidModelFault()
	ctx := context.Background()

	outage := errors.New("connection refused")
	gomock.InOrder(
		// 第一次：登記成功，重送與釋放都因同一個 redis 中斷而失敗
		ledger.EXPECT().Claim(gomock.Any(), fault.ID).Return(redisAdapter.ClaimAcquired, nil),
		republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(outage),
		ledger.EXPECT().Release(gomock.Any(), fault.ID).Return(outage),
		// 重試：紀錄仍停在 claimed，必須再重送而不是直接確認
		ledger.EXPECT().Claim(gomock.Any(), fault.ID).Return(redisAdapter.ClaimUnpublished, nil),
		republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil),
		ledger.EXPECT().MarkPublished(gomock.Any(), fault.ID).Return(nil),
		// 之後的重複投遞
		ledger.EXPECT().Claim(gomock.Any(), fault.ID).Return(redisAdapter.ClaimPublished, nil),
	)

	err = consumer.Handle(ctx, fault)
	assert.True(t, events.IsTransient(err))
	require.NoError(t, consumer.Handle(ctx, fault))
	require.NoError(t, consumer.Handle(ctx, fault))
}

func TestConsumer_MarkPublishedFailureIsLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	republisher := NewMockRepublisher(ctrl)
	ledger := redisAdapter.NewMockILedger(ctrl)
	consumer, err := NewConsumer(republisher, ledger, NewMockDeadLetterSink(ctrl))
	require.NoError(t, err)
	fault := invalidModelFault()

	ledger.EXPECT().Claim(gomock.Any(), fault.ID).Return(redisAdapter.ClaimAcquired, nil)
	republisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)
	ledger.EXPECT().MarkPublished(gomock.Any(), fault.ID).Return(errors.New("timeout"))

	assert.NoError(t, consumer.Handle(context.Background(), fault))
}

func TestConsumer_InfrastructureFailuresAreTransient(t *testing.T) {
	f := setup(t)
	consumer := f.consumer(t)
	ctx := context.Background()

	env := events.NewEnvelope(events.AuctionDeleted{ID: "a1"}, 2, "")
	f.sink.EXPECT().DeadLetter(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("redis down"))
	err := consumer.Handle(ctx, events.NewFault("search", env, errors.New("boom")))
	assert.True(t, events.IsTransient(err))

	f.server.Close()
	err = consumer.Handle(ctx, invalidModelFault())
	assert.True(t, events.IsTransient(err), "ledger failures are retried")
}
