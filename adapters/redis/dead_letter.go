package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carsties/events"

	"github.com/redis/go-redis/v9"
)

// DeadLetterSink 將無法處理的故障寫入原事件主題的死信 stream
type DeadLetterSink struct {
	client *redis.Client
	logger *slog.Logger
	maxLen int64
}

func NewDeadLetterSink(client *redis.Client, logger *slog.Logger, maxLen int64) (*DeadLetterSink, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterSink{
		client: client,
		logger: logger.With(slog.String("caller", "DeadLetterSink")),
		maxLen: maxLen,
	}, nil
}

// DeadLetter 寫入死信，reason 會被保存在 error 欄位
func (d *DeadLetterSink) DeadLetter(ctx context.Context, fault events.Fault, reason error) error {
	const op = "DeadLetterSink.DeadLetter"
	values, err := FaultToMessage(fault)
	if err != nil {
		return fmt.Errorf("[%s] Fail to encode fault, err=%w", op, err)
	}
	values["consumer"] = fault.Consumer
	if reason != nil {
		values["error"] = reason.Error()
	}

	args := &redis.XAddArgs{
		Stream: DeadLetterStream(fault.Topic),
		Values: values,
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to add dead letter, err=%w", op, err)
	}

	d.logger.Warn("fault dead-lettered",
		slog.String("faultId", fault.ID),
		slog.String("topic", fault.Topic),
		slog.Any("reason", reason),
	)
	return nil
}
