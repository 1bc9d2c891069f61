package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carsties/events"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
)

// msgPublisher 是 jetstream.JetStream 中 Publisher 需要的部分
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

const (
	headerKind      = "Carsties-Kind"
	headerAggregate = "Carsties-Aggregate"
	headerError     = "Carsties-Error"
)

// DeadLetterSubject 回傳主題對應的死信 subject
func DeadLetterSubject(subject string) string {
	return subject + ":dead-letter"
}

// EnsureStream 建立或更新承載所有事件主題的 JetStream stream
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string, maxAge time.Duration) error {
	const op = "nats.EnsureStream"
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "auction lifecycle and bid events",
		Subjects:    subjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      maxAge,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to create or update stream %s, err=%w", op, name, err)
	}
	return nil
}

// Publisher 將事件與故障信封發佈到 JetStream，訊息 ID 使用信封 ID，讓 broker 在 dedupe 視窗內過濾重送
type Publisher struct {
	js     msgPublisher
	logger *slog.Logger
}

func NewPublisher(js jetstream.JetStream, logger *slog.Logger) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	return newPublisher(js, logger), nil
}

func newPublisher(js msgPublisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		logger: logger.With(slog.String("caller", "NatsPublisher")),
	}
}

// Publish 發佈事件到事件主題
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	const op = "NatsPublisher.Publish"
	subject := env.Topic()
	if subject == "" {
		return fmt.Errorf("[%s] %w: %q", op, events.ErrUnknownKind, env.Kind)
	}
	data, err := events.Encode(env)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode event, err=%w", op, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerKind, string(env.Kind))
	msg.Header.Set(headerAggregate, env.AggregateID)

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(env.ID))
	if err != nil {
		return fmt.Errorf("[%s] Fail to publish event %s, err=%w", op, env.ID, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.Debug("duplicate event dropped by broker", slog.String("eventId", env.ID))
	}
	return nil
}

// PublishFault 發佈故障信封到原主題的故障 subject
func (p *Publisher) PublishFault(ctx context.Context, fault events.Fault) error {
	const op = "NatsPublisher.PublishFault"
	data, err := msgpack.Marshal(fault)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode fault, err=%w", op, err)
	}

	msg := nats.NewMsg(events.FaultTopic(fault.Topic))
	msg.Data = data
	msg.Header.Set(headerKind, string(fault.Primary().Kind))
	msg.Header.Set(headerAggregate, fault.Message.AggregateID)

	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(fault.ID)); err != nil {
		return fmt.Errorf("[%s] Fail to publish fault %s, err=%w", op, fault.ID, err)
	}
	return nil
}

// DeadLetter 將無法處理的故障寫入原主題的死信 subject
func (p *Publisher) DeadLetter(ctx context.Context, fault events.Fault, reason error) error {
	const op = "NatsPublisher.DeadLetter"
	data, err := msgpack.Marshal(fault)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode fault, err=%w", op, err)
	}

	msg := nats.NewMsg(DeadLetterSubject(fault.Topic))
	msg.Data = data
	if reason != nil {
		msg.Header.Set(headerError, reason.Error())
	}
	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID("dl-"+fault.ID)); err != nil {
		return fmt.Errorf("[%s] Fail to publish dead letter %s, err=%w", op, fault.ID, err)
	}

	p.logger.Warn("fault dead-lettered",
		slog.String("faultId", fault.ID),
		slog.String("topic", fault.Topic),
		slog.Any("reason", reason),
	)
	return nil
}
