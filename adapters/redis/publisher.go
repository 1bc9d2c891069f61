package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"carsties/events"

	"github.com/redis/go-redis/v9"
)

type publisherOptions struct {
	logger *slog.Logger
	maxLen int64
}

type PublisherOption func(*publisherOptions)

// WithPublisherLogger 設置日誌記錄器
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(o *publisherOptions) {
		o.logger = logger
	}
}

// WithPublisherMaxLen 設置每個 stream 的近似長度上限
func WithPublisherMaxLen(maxLen int64) PublisherOption {
	return func(o *publisherOptions) {
		o.maxLen = maxLen
	}
}

// Publisher 依照信封的主題將事件寫入對應的 stream，故障信封寫入 <topic>:fault
type Publisher struct {
	client    *redis.Client
	logger    *slog.Logger
	mu        sync.Mutex
	envelopes map[string]IProducer[events.Envelope]
	faults    map[string]IProducer[events.Fault]
	options   publisherOptions
}

func NewPublisher(client *redis.Client, opts ...PublisherOption) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	options := publisherOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher{
		client:    client,
		logger:    options.logger.With(slog.String("caller", "Publisher")),
		envelopes: make(map[string]IProducer[events.Envelope]),
		faults:    make(map[string]IProducer[events.Fault]),
		options:   options,
	}, nil
}

// Publish 將事件寫入事件主題的 stream
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	const op = "Publisher.Publish"
	topic := env.Topic()
	if topic == "" {
		return fmt.Errorf("[%s] %w: %q", op, events.ErrUnknownKind, env.Kind)
	}

	p.mu.Lock()
	producer, err := producerFor(p.envelopes, topic, func() (IProducer[events.Envelope], error) {
		return NewProducer(p.client, topic,
			WithProducerLogger[events.Envelope](p.options.logger),
			WithProducerMaxLen[events.Envelope](p.options.maxLen),
			WithProducerParseFunc(EnvelopeToMessage),
		)
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}

	if _, err := producer.Publish(ctx, env); err != nil {
		return fmt.Errorf("[%s] Fail to publish event %s, err=%w", op, env.ID, err)
	}
	return nil
}

// PublishFault 將故障信封寫入原事件主題的故障 stream
func (p *Publisher) PublishFault(ctx context.Context, fault events.Fault) error {
	const op = "Publisher.PublishFault"
	topic := events.FaultTopic(fault.Topic)

	p.mu.Lock()
	producer, err := producerFor(p.faults, topic, func() (IProducer[events.Fault], error) {
		return NewProducer(p.client, topic,
			WithProducerLogger[events.Fault](p.options.logger),
			WithProducerMaxLen[events.Fault](p.options.maxLen),
			WithProducerParseFunc(FaultToMessage),
		)
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}

	if _, err := producer.Publish(ctx, fault); err != nil {
		return fmt.Errorf("[%s] Fail to publish fault %s, err=%w", op, fault.ID, err)
	}
	p.logger.Warn("fault published",
		slog.String("faultId", fault.ID),
		slog.String("topic", fault.Topic),
		slog.String("consumer", fault.Consumer),
	)
	return nil
}

func producerFor[T any](cache map[string]IProducer[T], topic string, create func() (IProducer[T], error)) (IProducer[T], error) {
	if producer, ok := cache[topic]; ok {
		return producer, nil
	}
	producer, err := create()
	if err != nil {
		return nil, err
	}
	cache[topic] = producer
	return producer, nil
}
