package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ackMsg 是 jetstream.Msg 中 Message 需要的部分
type ackMsg interface {
	Data() []byte
	Subject() string
	Headers() nats.Header
	Ack() error
	Term() error
}

// Message 封裝 JetStream 訊息與確認操作
type Message[T any] struct {
	Data T

	msg  ackMsg
	js   msgPublisher
	done bool
}

// Value 回傳解析後的消息內容
func (m *Message[T]) Value() T {
	return m.Data
}

// Done 確認訊息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "nats.Message.Done"
	if m.done {
		return nil
	}
	if err := m.msg.Ack(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將原始訊息寫入死信 subject，並終止重送
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "nats.Message.Fail"
	if m.done {
		return nil
	}
	if err := deadLetter(ctx, m.js, m.msg, failErr); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	if err := m.msg.Term(); err != nil {
		return fmt.Errorf("[%s] failed to term message: %w", op, err)
	}
	m.done = true
	return nil
}

func deadLetter(ctx context.Context, js msgPublisher, msg ackMsg, cause error) error {
	dl := nats.NewMsg(DeadLetterSubject(msg.Subject()))
	dl.Data = msg.Data()
	for k, v := range msg.Headers() {
		dl.Header[k] = v
	}
	if cause != nil {
		dl.Header.Set(headerError, cause.Error())
	}
	if _, err := js.PublishMsg(ctx, dl); err != nil {
		return fmt.Errorf("failed to move message to dead letter subject: %w", err)
	}
	return nil
}

type subscriberOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	ackWait    time.Duration
	maxDeliver int
}

type SubscriberOption[T any] func(*subscriberOptions[T])

// WithSubscriberLogger 設置日誌記錄器
func WithSubscriberLogger[T any](logger *slog.Logger) SubscriberOption[T] {
	return func(o *subscriberOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriberBufferSize 設置下游channel的緩衝大小
func WithSubscriberBufferSize[T any](size int) SubscriberOption[T] {
	return func(o *subscriberOptions[T]) {
		o.bufferSize = size
	}
}

// WithSubscriberAckWait 設置未確認訊息重送前的等待時間
func WithSubscriberAckWait[T any](d time.Duration) SubscriberOption[T] {
	return func(o *subscriberOptions[T]) {
		o.ackWait = d
	}
}

// WithSubscriberMaxDeliver 設置訊息最多投遞次數
func WithSubscriberMaxDeliver[T any](n int) SubscriberOption[T] {
	return func(o *subscriberOptions[T]) {
		o.maxDeliver = n
	}
}

// Subscriber 以 durable consumer 訂閱一個主題，同名 durable 的所有實例共同分擔訊息
type Subscriber[T any] struct {
	js         jetstream.JetStream
	stream     string
	subject    string
	durable    string
	decode     func([]byte) (T, error)
	downStream chan *Message[T]
	iter       jetstream.MessagesContext
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    subscriberOptions[T]
}

func NewSubscriber[T any](
	js jetstream.JetStream,
	stream, subject, durable string,
	decode func([]byte) (T, error),
	opts ...SubscriberOption[T],
) (*Subscriber[T], error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if stream == "" || subject == "" || durable == "" {
		return nil, errors.New("stream, subject and durable cannot be empty")
	}
	if decode == nil {
		return nil, errors.New("decode function cannot be nil")
	}

	options := subscriberOptions[T]{
		logger:     slog.Default(),
		bufferSize: 1,
		ackWait:    30 * time.Second,
		maxDeliver: 10,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Subscriber[T]{
		js:      js,
		stream:  stream,
		subject: subject,
		durable: durable,
		decode:  decode,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "NatsSubscriber"), slog.String("subject", subject), slog.String("durable", durable)),
		options: options,
	}, nil
}

func (s *Subscriber[T]) Start() error {
	const op = "NatsSubscriber.Start"
	if !s.closed {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Durable:       s.durable,
		FilterSubject: s.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.options.ackWait,
		MaxDeliver:    s.options.maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	iter, err := consumer.Messages()
	if err != nil {
		cancel()
		return fmt.Errorf("[%s] Fail to open message iterator, err=%w", op, err)
	}

	s.iter = iter
	s.cancelFunc = cancel
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.closed = false
	s.logger.Info("starting subscriber")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("subscriber goroutine stopped")
		defer close(s.downStream)

		for {
			msg, err := iter.Next()
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
					return
				}
				s.logger.Error("fetch message error", slog.Any("error", err))
				continue
			}
			if !s.forward(ctx, msg) {
				return
			}
		}
	}()
	return nil
}

// forward 解析訊息並送往下游，回傳 false 表示已經關閉
func (s *Subscriber[T]) forward(ctx context.Context, msg jetstream.Msg) bool {
	data, err := s.decode(msg.Data())
	if err != nil {
		// 解析失敗不會因為重送而成功，直接送往死信
		s.logger.Error("failed to parse message", slog.String("subject", msg.Subject()), slog.Any("error", err))
		if err := deadLetter(ctx, s.js, msg, err); err != nil {
			s.logger.Error("error moving message to dead letter", slog.Any("error", err))
			return true
		}
		if err := msg.Term(); err != nil {
			s.logger.Error("error terminating message", slog.Any("error", err))
		}
		return true
	}

	select {
	case <-ctx.Done():
		return false
	case s.downStream <- &Message[T]{Data: data, msg: msg, js: s.js}:
		return true
	}
}

// Subscribe 返回Message通道
func (s *Subscriber[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *Subscriber[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing subscriber")
	s.closed = true
	s.cancelFunc()
	s.iter.Stop()
	s.wg.Wait()
	s.logger.Info("subscriber closed gracefully")
	return nil
}
