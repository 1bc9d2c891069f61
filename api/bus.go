package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	natsAdapter "carsties/adapters/nats"
	redisAdapter "carsties/adapters/redis"
	"carsties/events"
	"carsties/fault"
	"carsties/worker"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// lifecycle 是 server 依序啟動、反向關閉的背景元件
type lifecycle interface {
	Start() error
	Close() error
}

// eventBus 是匯流排的發佈端，redis 與 nats 的 Publisher 都符合這個介面
type eventBus interface {
	Publish(ctx context.Context, env events.Envelope) error
	PublishFault(ctx context.Context, fault events.Fault) error
}

// bus 封裝目前使用的匯流排實作
type bus struct {
	driver    string
	publisher eventBus
	sink      fault.DeadLetterSink
	redis     *redis.Client
	nc        *nats.Conn
	js        jetstream.JetStream
	config    ServerConfig
	logger    *slog.Logger
}

func newBus(ctx context.Context, config ServerConfig, redisClient *redis.Client) (*bus, error) {
	const op = "newBus"
	b := &bus{
		driver: config.Bus.Driver,
		redis:  redisClient,
		config: config,
		logger: slog.Default().With(slog.String("caller", "Bus")),
	}

	switch config.Bus.Driver {
	case BusRedis, "":
		b.driver = BusRedis
		publisher, err := redisAdapter.NewPublisher(redisClient,
			redisAdapter.WithPublisherLogger(slog.Default()),
			redisAdapter.WithPublisherMaxLen(config.Redis.MaxLen),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create redis publisher, err=%w", op, err)
		}
		sink, err := redisAdapter.NewDeadLetterSink(redisClient, slog.Default(), config.Redis.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create dead letter sink, err=%w", op, err)
		}
		b.publisher = publisher
		b.sink = sink

	case BusNATS:
		nc, err := nats.Connect(config.Bus.NATS.URL, nats.Name(config.ID))
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to connect to nats, err=%w", op, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("[%s] Fail to create jetstream context, err=%w", op, err)
		}
		if err := natsAdapter.EnsureStream(ctx, js, config.Bus.NATS.Stream, natsSubjects(), config.Bus.NATS.MaxAge); err != nil {
			nc.Close()
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
		publisher, err := natsAdapter.NewPublisher(js, slog.Default())
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("[%s] Fail to create nats publisher, err=%w", op, err)
		}
		b.nc = nc
		b.js = js
		b.publisher = publisher
		b.sink = publisher

	default:
		return nil, fmt.Errorf("[%s] unsupported bus driver %q", op, config.Bus.Driver)
	}
	return b, nil
}

func (b *bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// natsSubjects 列出 stream 需要承載的所有 subject：事件、故障與兩者的死信
func natsSubjects() []string {
	var subjects []string
	for _, topic := range events.Topics() {
		faultTopic := events.FaultTopic(topic)
		subjects = append(subjects,
			topic,
			faultTopic,
			natsAdapter.DeadLetterSubject(topic),
			natsAdapter.DeadLetterSubject(faultTopic),
		)
	}
	return subjects
}

// durableName 產生 JetStream durable 名稱，名稱中不能出現 '.'
func durableName(group, topic string) string {
	return strings.NewReplacer(".", "-", ":", "-").Replace(group + "-" + topic)
}

// subscribe 為 topic 建立一個消費者群組的訂閱，並交由 worker.Runner 處理
func subscribe[T any](b *bus, topic, group string, decode func([]byte) (T, error), handler worker.Handler[T], opts ...worker.RunnerOption[T]) (lifecycle, error) {
	const op = "subscribe"
	w := b.config.Worker
	opts = append([]worker.RunnerOption[T]{
		worker.WithRunnerLogger[T](slog.Default()),
		worker.WithRunnerName[T](group + "/" + topic),
		worker.WithRunnerWorkers[T](w.Workers),
		worker.WithRunnerMaxInFlight[T](w.MaxInFlight),
		worker.WithRunnerRetry[T](w.MaxTries, w.InitialInterval, w.MaxInterval),
		worker.WithRunnerHandleTimeout[T](w.HandleTimeout),
	}, opts...)

	switch b.driver {
	case BusNATS:
		source, err := natsAdapter.NewSubscriber[T](b.js, b.config.Bus.NATS.Stream, topic, durableName(group, topic), decode,
			natsAdapter.WithSubscriberLogger[T](slog.Default()),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create nats subscriber for %s, err=%w", op, topic, err)
		}
		runner, err := worker.NewRunner[T, *natsAdapter.Message[T]](source, handler, opts...)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create runner for %s, err=%w", op, topic, err)
		}
		return runner, nil
	default:
		source, err := redisAdapter.NewGroupConsumer[T](b.redis, topic, group, b.config.ID,
			redisAdapter.WithGroupConsumerLogger[T](slog.Default()),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create group consumer for %s, err=%w", op, topic, err)
		}
		runner, err := worker.NewRunner[T, *redisAdapter.Message[T]](source, handler, opts...)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create runner for %s, err=%w", op, topic, err)
		}
		return runner, nil
	}
}

// subscribeEvents 訂閱事件主題，重試用盡的事件以故障信封發佈到故障主題
func (b *bus) subscribeEvents(topic, group string, handler worker.Handler[events.Envelope]) (lifecycle, error) {
	return subscribe[events.Envelope](b, topic, group, events.Decode, handler,
		worker.WithRunnerKey[events.Envelope](func(env events.Envelope) string { return env.AggregateID }),
		worker.WithRunnerFailureHook[events.Envelope](func(ctx context.Context, env events.Envelope, err error) error {
			return b.publisher.PublishFault(ctx, events.NewFault(group, env, err))
		}),
	)
}

// subscribeFaults 訂閱 topic 的故障主題，處理失敗的故障由訂閱端送往死信
func (b *bus) subscribeFaults(topic, group string, handler worker.Handler[events.Fault]) (lifecycle, error) {
	return subscribe[events.Fault](b, events.FaultTopic(topic), group, decodeFault, handler,
		worker.WithRunnerKey[events.Fault](func(f events.Fault) string { return f.Message.AggregateID }),
	)
}

func decodeFault(data []byte) (events.Fault, error) {
	var f events.Fault
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return events.Fault{}, err
	}
	return f, nil
}
