// Package sse 將訊息推送給以 Server-Sent Events 連線的客戶端。
//
// 每個節點各自保存本地的訂閱者，Publish 寫入共用的 redis stream，所有節點都
// 從 stream 尾端讀取並廣播給自己的訂閱者，因此客戶端連到哪個節點都能收到訊息。
package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redisAdapter "carsties/adapters/redis"

	"github.com/redis/go-redis/v9"
)

var ErrHubClosed = errors.New("hub is closed")

// PublishRequest 是在節點之間轉送的訊息
type PublishRequest[T any] struct {
	Channel string `msgpack:"channel"`
	Message T      `msgpack:"message"`
}

type hubOptions struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	retryDelay   time.Duration
	maxLen       int64
}

type HubOption func(*hubOptions)

// WithHubLogger 設置日誌記錄器
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// WithHubBufferSize 設置每個訂閱者的收件匣大小
func WithHubBufferSize(n int) HubOption {
	return func(o *hubOptions) {
		o.bufferSize = n
	}
}

// WithHubBlockTimeout 設置 XREAD 的阻塞時間
func WithHubBlockTimeout(d time.Duration) HubOption {
	return func(o *hubOptions) {
		o.blockTimeout = d
	}
}

// WithHubMaxLen 設置 stream 的近似最大長度
func WithHubMaxLen(n int64) HubOption {
	return func(o *hubOptions) {
		o.maxLen = n
	}
}

// Hub 管理所有頻道的本地訂閱者，並透過 redis stream 在節點之間轉送訊息
type Hub[T any] struct {
	client     *redis.Client
	stream     string
	producer   redisAdapter.IProducer[PublishRequest[T]]
	channels   map[string]*Channel[T]
	mu         sync.RWMutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    hubOptions
}

func NewHub[T any](client *redis.Client, stream string, opts ...HubOption) (*Hub[T], error) {
	const op = "NewHub"
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := hubOptions{
		logger:       slog.Default(),
		bufferSize:   16,
		blockTimeout: time.Second,
		retryDelay:   100 * time.Millisecond,
		maxLen:       10000,
	}
	for _, opt := range opts {
		opt(&options)
	}

	producer, err := redisAdapter.NewProducer(client, stream,
		redisAdapter.WithProducerLogger[PublishRequest[T]](options.logger),
		redisAdapter.WithProducerMaxLen[PublishRequest[T]](options.maxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}

	return &Hub[T]{
		client:   client,
		stream:   stream,
		producer: producer,
		channels: make(map[string]*Channel[T]),
		closed:   true,
		logger:   options.logger.With(slog.String("caller", "SSEHub"), slog.String("stream", stream)),
		options:  options,
	}, nil
}

// Start 從 stream 目前的尾端開始讀取，Start 之前寫入的訊息不會被廣播
func (h *Hub[T]) Start() error {
	const op = "Hub.Start"
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	lastID, err := h.tail(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("[%s] Fail to read stream tail, err=%w", op, err)
	}
	h.cancelFunc = cancel
	h.closed = false

	h.logger.Info("starting hub", slog.String("from", lastID))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.logger.Info("hub listener stopped")
		h.listen(ctx, lastID)
	}()
	return nil
}

// Close 停止讀取並關閉所有訂閱者的通道
func (h *Hub[T]) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.cancelFunc()
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.channels {
		c.UnsubscribeAll()
	}
	clear(h.channels)
	h.logger.Info("hub closed")
	return nil
}

// Subscribe 訂閱指定的頻道
func (h *Hub[T]) Subscribe(channelName string) (<-chan T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	c, ok := h.channels[channelName]
	if !ok {
		c = NewChannel[T](h.options.bufferSize)
		h.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱，頻道沒有訂閱者時一併移除
func (h *Hub[T]) Unsubscribe(channelName string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.channels[channelName]
	if !ok {
		return
	}
	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(h.channels, channelName)
	}
}

// Publish 將訊息寫入 stream，所有節點上訂閱該頻道的客戶端都會收到
func (h *Hub[T]) Publish(ctx context.Context, channelName string, message T) error {
	const op = "Hub.Publish"
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	_, err := h.producer.Publish(ctx, PublishRequest[T]{
		Channel: channelName,
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to publish to channel %s, err=%w", op, channelName, err)
	}
	return nil
}

func (h *Hub[T]) tail(ctx context.Context) (string, error) {
	messages, err := h.client.XRevRangeN(ctx, h.stream, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "0-0", nil
	}
	return messages[0].ID, nil
}

func (h *Hub[T]) listen(ctx context.Context, lastID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{h.stream, lastID},
			Count:   64,
			Block:   h.options.blockTimeout,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			h.logger.Error("error reading from stream", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.options.retryDelay):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				request, err := redisAdapter.DefaultParseFromMessage[PublishRequest[T]](message.Values)
				if err != nil {
					h.logger.Error("unmarshal error",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					continue
				}
				h.broadcast(request.Channel, request.Message)
			}
		}
	}
}

func (h *Hub[T]) broadcast(channelName string, message T) {
	h.mu.RLock()
	c, ok := h.channels[channelName]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if dropped := c.Broadcast(message); dropped > 0 {
		h.logger.Warn("slow subscribers skipped a message",
			slog.String("channel", channelName),
			slog.Int("dropped", dropped))
	}
}
