// Package fault 處理消費者發出的故障信封：可補償的故障修正後重送一次，其餘送往死信。
package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redisAdapter "carsties/adapters/redis"
	"carsties/events"

	"github.com/google/uuid"
)

var ErrMaxCompensations = errors.New("maximum compensations reached")

type consumerOptions struct {
	logger           *slog.Logger
	compensators     map[events.FaultKind]Compensator
	maxCompensations int
	archive          Archive
}

type ConsumerOption func(*consumerOptions)

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// WithConsumerCompensator 註冊某個故障類型的補償方式
func WithConsumerCompensator(kind events.FaultKind, c Compensator) ConsumerOption {
	return func(o *consumerOptions) {
		o.compensators[kind] = c
	}
}

// WithConsumerCompensators 以 m 取代整個補償註冊表
func WithConsumerCompensators(m map[events.FaultKind]Compensator) ConsumerOption {
	return func(o *consumerOptions) {
		o.compensators = make(map[events.FaultKind]Compensator, len(m))
		for kind, c := range m {
			o.compensators[kind] = c
		}
	}
}

// WithConsumerMaxCompensations 設置同一個事件最多被補償重送的次數
func WithConsumerMaxCompensations(n int) ConsumerOption {
	return func(o *consumerOptions) {
		o.maxCompensations = n
	}
}

// WithConsumerArchive 設置死信的額外備份
func WithConsumerArchive(archive Archive) ConsumerOption {
	return func(o *consumerOptions) {
		o.archive = archive
	}
}

// Consumer 分類故障並決定補償重送或送往死信
type Consumer struct {
	republisher Republisher
	ledger      redisAdapter.ILedger
	sink        DeadLetterSink
	logger      *slog.Logger
	options     consumerOptions
}

func NewConsumer(republisher Republisher, ledger redisAdapter.ILedger, sink DeadLetterSink, opts ...ConsumerOption) (*Consumer, error) {
	if republisher == nil {
		return nil, errors.New("republisher cannot be nil")
	}
	if ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("dead letter sink cannot be nil")
	}

	// 默認選項
	options := consumerOptions{
		logger:           slog.Default(),
		compensators:     DefaultCompensators(nil),
		maxCompensations: 3,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Consumer{
		republisher: republisher,
		ledger:      ledger,
		sink:        sink,
		logger:      options.logger.With(slog.String("caller", "FaultConsumer")),
		options:     options,
	}, nil
}

// Classify 依第一個失敗描述分類故障
func (c *Consumer) Classify(fault events.Fault) events.Class {
	kind := fault.Primary().Kind
	if _, ok := c.options.compensators[kind]; ok {
		return events.ClassValidation
	}
	if kind == events.FaultKindTransient {
		return events.ClassTransientInfra
	}
	return events.ClassFatal
}

// Handle 是 worker.Runner 的 handler。
// 回傳的 TransientError 代表 ledger、重送或死信暫時失敗，runner 會重試。
func (c *Consumer) Handle(ctx context.Context, fault events.Fault) error {
	class := c.Classify(fault)
	logger := c.logger.With(
		slog.String("faultId", fault.ID),
		slog.String("topic", fault.Topic),
		slog.String("class", string(class)),
	)

	switch class {
	case events.ClassValidation:
		return c.compensate(ctx, logger, fault)
	case events.ClassTransientInfra:
		// 消費端已經用完重試次數
		return c.deadLetter(ctx, fault, fmt.Errorf("transient fault persisted: %s", fault.Primary().Message))
	default:
		return c.deadLetter(ctx, fault, fmt.Errorf("unrecoverable fault: %s", fault.Primary().Message))
	}
}

func (c *Consumer) compensate(ctx context.Context, logger *slog.Logger, fault events.Fault) error {
	if fault.Message.Compensations >= c.options.maxCompensations {
		return c.deadLetter(ctx, fault, fmt.Errorf("%w (%d)", ErrMaxCompensations, fault.Message.Compensations))
	}

	compensator := c.options.compensators[fault.Primary().Kind]
	env, err := compensator.Compensate(fault.Message, fault.Primary())
	if err != nil {
		return c.deadLetter(ctx, fault, err)
	}
	// 內容已經改變，使用新的事件 ID
	env.ID = uuid.NewString()
	env.Compensations = fault.Message.Compensations + 1

	state, err := c.ledger.Claim(ctx, fault.ID)
	if err != nil {
		return events.Transient(err)
	}
	switch state {
	case redisAdapter.ClaimPublished:
		logger.Info("fault already compensated, skipping")
		return nil
	case redisAdapter.ClaimUnpublished:
		// 先前的重送沒有被確認，可能已送出也可能沒有，下游以版本檢查吸收重複
		logger.Warn("previous republish was not confirmed, republishing")
	}

	if err := c.republisher.Publish(ctx, env); err != nil {
		// 釋放紀錄讓重試可以再次重送；釋放失敗時紀錄停在 claimed，重試仍會重送
		if releaseErr := c.ledger.Release(ctx, fault.ID); releaseErr != nil {
			logger.Error("failed to release ledger entry", slog.Any("error", releaseErr))
		}
		return events.Transient(err)
	}
	if err := c.ledger.MarkPublished(ctx, fault.ID); err != nil {
		// 已經送出，確認失敗只會讓重複投遞的故障再重送一次
		logger.Error("failed to mark fault as republished", slog.Any("error", err))
	}

	logger.Info("fault compensated and republished",
		slog.String("eventId", env.ID),
		slog.String("field", fault.Primary().Field),
		slog.Int("compensations", env.Compensations),
	)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, fault events.Fault, reason error) error {
	if err := c.sink.DeadLetter(ctx, fault, reason); err != nil {
		return events.Transient(err)
	}
	if c.options.archive != nil {
		// 死信已經保存，備份失敗只記錄
		if err := c.options.archive.Archive(ctx, fault, reason); err != nil {
			c.logger.Error("failed to archive dead letter",
				slog.String("faultId", fault.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
