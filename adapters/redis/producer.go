package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type producerOptions[T any] struct {
	logger    *slog.Logger
	maxLen    int64
	parseFunc func(T) (map[string]any, error)
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerMaxLen 設置 stream 的近似長度上限，0 表示不裁切
func WithProducerMaxLen[T any](maxLen int64) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxLen = maxLen
	}
}

// WithProducerParseFunc 設置消息序列化函數
func WithProducerParseFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.parseFunc = fn
	}
}

// Producer 同步寫入 stream，Publish 回傳時訊息已經被 redis 接受
type Producer[T any] struct {
	client  *redis.Client
	stream  string
	logger  *slog.Logger
	options producerOptions[T]
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := producerOptions[T]{
		logger:    slog.Default(),
		parseFunc: DefaultParseToMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Producer[T]{
		client:  client,
		stream:  stream,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

// Publish 序列化並寫入一筆訊息，回傳 stream 訊息 ID
func (p *Producer[T]) Publish(ctx context.Context, data T) (string, error) {
	const op = "Producer.Publish"

	message, err := p.options.parseFunc(data)
	if err != nil {
		return "", fmt.Errorf("[%s] parse message error: %w", op, err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: message,
	}
	if p.options.maxLen > 0 {
		args.MaxLen = p.options.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("[%s] publish message error: %w", op, err)
	}

	p.logger.Debug("message published", slog.String("messageId", id))
	return id, nil
}
