package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// DeadLetterStream 回傳 stream 對應的死信 stream 名稱
func DeadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

// Message 封裝消息和ack所需資料
type Message[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string

	raw map[string]any
	// settle 在 Done/Fail 後通知消費者這筆訊息已不在處理中
	settle func(id string)
}

// Value 回傳解析後的消息內容
func (m *Message[T]) Value() T {
	return m.Data
}

// ID 回傳 stream 訊息 ID
func (m *Message[T]) ID() string {
	return m.messageID
}

// Done 確認消息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	// 確認失敗時訊息仍在 pending，交給 reclaim 取回
	defer m.release()
	err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將消息移到死信 stream 並確認
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}
	defer m.release()

	values := make(map[string]any, len(m.raw)+1)
	for k, v := range m.raw {
		values[k] = v
	}
	if failErr != nil {
		values["error"] = failErr.Error()
	}
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(m.stream),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	err = m.client.XAck(ctx, m.stream, m.group, m.messageID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

func (m *Message[T]) release() {
	if m.settle != nil {
		m.settle(m.messageID)
	}
}

type GroupConsumer[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Message[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	// reclaimed 是 XAUTOCLAIM 取回、尚未送往下游的訊息
	reclaimed   []redis.XMessage
	lastReclaim time.Time
	// inFlight 是已送往下游、尚未 Done/Fail 的訊息 ID，reclaim 不會取回它們
	inFlight   map[string]struct{}
	inFlightMu sync.Mutex
	options    groupConsumerOptions[T]
}

type groupConsumerOptions[T any] struct {
	logger          *slog.Logger
	parseFunc       func(map[string]any) (T, error)
	bufferSize      int
	blockTimeout    time.Duration
	retryDelay      time.Duration
	reclaimInterval time.Duration
	minIdle         time.Duration
	maxDeliveries   int64
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerRetryDelay 設置與 redis 通訊失敗後的等待時間
func WithGroupConsumerRetryDelay[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.retryDelay = d
	}
}

// WithGroupConsumerReclaim 設置取回閒置 pending 訊息的週期與閒置門檻
func WithGroupConsumerReclaim[T any](interval, minIdle time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.reclaimInterval = interval
		o.minIdle = minIdle
	}
}

// WithGroupConsumerMaxDeliveries 設置訊息最多投遞次數，超過後直接送往死信
func WithGroupConsumerMaxDeliveries[T any](n int64) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.maxDeliveries = n
	}
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (*GroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:          slog.Default(),
		parseFunc:       DefaultParseFromMessage[T],
		bufferSize:      1,
		blockTimeout:    time.Second,
		retryDelay:      500 * time.Millisecond,
		reclaimInterval: 30 * time.Second,
		minIdle:         time.Minute,
		maxDeliveries:   10,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &GroupConsumer[T]{
		logger:   options.logger.With(slog.String("caller", "GroupConsumer"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}, nil
}

// EnsureGroup 建立消費者群組，stream 不存在時一併建立
func (s *GroupConsumer[T]) EnsureGroup(ctx context.Context) error {
	const op = "GroupConsumer.EnsureGroup"
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] failed to create group: %w", op, err)
	}
	return nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	if err := s.EnsureGroup(context.Background()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.reclaimed = nil
	s.lastReclaim = time.Time{}
	s.inFlightMu.Lock()
	s.inFlight = make(map[string]struct{})
	s.inFlightMu.Unlock()
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("group consumer goroutine stopped")
		defer close(s.downStream)

		for {
			err := s.messagesWorkflow(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			s.logger.Error("error processing messages, restarting group consumer", slog.Any("error", err))
			if !s.wait(ctx) {
				return
			}
		}
	}()

	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()

	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

// messagesWorkflow 處理消息的工作流程
func (s *GroupConsumer[T]) messagesWorkflow(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			// 其他的錯誤一般是server跟redis之間的通訊異常，稍後重試即可
			s.logger.Error("fetch message error", slog.Any("error", err))
			if !s.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		if message.ID == "" {
			continue
		}
		data, err := s.options.parseFunc(message.Values)
		if err != nil {
			// 解析失敗不會因為重試就成功，先將消息移動到dead-letter，繼續處理下一條消息
			s.logger.Error("failed to parse message",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			if deadLetterErr := s.moveToDeadLetter(ctx, message, err); deadLetterErr != nil {
				// 訊息會以 pending 的形式留在 stream 中，閒置超過門檻後由 reclaim 取回
				return deadLetterErr
			}
			continue
		}
		msg := &Message[T]{
			Data:      data,
			messageID: message.ID,
			stream:    s.stream,
			group:     s.group,
			client:    s.client,
			raw:       message.Values,
			settle:    s.settle,
		}
		if err := s.moveToDownStream(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	if len(s.reclaimed) == 0 && s.options.reclaimInterval > 0 && time.Since(s.lastReclaim) >= s.options.reclaimInterval {
		s.lastReclaim = time.Now()
		if err := s.reclaim(ctx); err != nil {
			return redis.XMessage{}, err
		}
	}

	if len(s.reclaimed) > 0 {
		message := s.reclaimed[0]
		s.reclaimed = s.reclaimed[1:]
		return message, nil
	}

	// 讀取新消息
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		return streams[0].Messages[0], nil
	}
	return redis.XMessage{}, nil
}

// reclaim 取回閒置超過門檻的 pending 訊息，投遞次數超過上限的直接送往死信。
// XPENDING 只讀取不改變投遞次數；自己仍在處理中的訊息會被略過，
// 其餘才以 XCLAIM 認領並計入一次投遞。
func (s *GroupConsumer[T]) reclaim(ctx context.Context) error {
	const op = "GroupConsumer.reclaim"
	const pageSize = 100
	start := "-"
	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Idle:   s.options.minIdle,
			Start:  start,
			End:    "+",
			Count:  pageSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("[%s] failed to list pending messages: %w", op, err)
		}

		idle := make([]string, 0, len(pending))
		for _, p := range pending {
			if !s.isInFlight(p.ID) {
				idle = append(idle, p.ID)
			}
		}
		if len(idle) > 0 {
			if err := s.claim(ctx, idle); err != nil {
				return err
			}
		}

		if len(pending) < pageSize {
			return nil
		}
		start = nextStreamID(pending[len(pending)-1].ID)
	}
}

// nextStreamID 回傳緊接在 id 之後的 stream ID，用於分頁
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (s *GroupConsumer[T]) claim(ctx context.Context, ids []string) error {
	const op = "GroupConsumer.claim"
	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		// 掃描之後可能已被其他消費者認領，閒置時間不足的會被 redis 略過
		MinIdle:  s.options.minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("[%s] failed to claim: %w", op, err)
	}

	claimed := 0
	for _, message := range messages {
		deliveries, err := s.deliveryCount(ctx, message.ID)
		if err != nil {
			return err
		}
		if s.options.maxDeliveries > 0 && deliveries > s.options.maxDeliveries {
			s.logger.Warn("message exceeded max deliveries",
				slog.String("messageId", message.ID),
				slog.Int64("deliveries", deliveries),
			)
			if err := s.moveToDeadLetter(ctx, message, fmt.Errorf("exceeded %d deliveries", s.options.maxDeliveries)); err != nil {
				return err
			}
			continue
		}
		s.reclaimed = append(s.reclaimed, message)
		claimed++
	}
	if claimed > 0 {
		s.logger.Info("reclaimed idle pending messages", slog.Int("count", claimed))
	}
	return nil
}

func (s *GroupConsumer[T]) deliveryCount(ctx context.Context, id string) (int64, error) {
	const op = "GroupConsumer.deliveryCount"
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("[%s] error getting pending message: %w", op, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}

// moveToDeadLetter 將訊息移到死信 stream 並確認原訊息
func (s *GroupConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage, cause error) error {
	const op = "GroupConsumer.moveToDeadLetter"
	values := make(map[string]any, len(message.Values)+1)
	for k, v := range message.Values {
		values[k] = v
	}
	if cause != nil {
		values["error"] = cause.Error()
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(s.stream),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	// 確認原消息
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

// moveToDownStream 處理發送消息到下游channel
func (s *GroupConsumer[T]) moveToDownStream(ctx context.Context, message *Message[T]) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	s.track(message.messageID)
	select {
	case <-ctx.Done():
		s.settle(message.messageID)
		return context.Canceled
	case s.downStream <- message:
		return nil
	}
}

func (s *GroupConsumer[T]) track(id string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	s.inFlight[id] = struct{}{}
}

func (s *GroupConsumer[T]) settle(id string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, id)
}

func (s *GroupConsumer[T]) isInFlight(id string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *GroupConsumer[T]) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.options.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
