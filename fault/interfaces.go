//go:generate mockgen -package=fault -destination=mock.go -source=interfaces.go

package fault

import (
	"context"

	"carsties/events"
)

// Republisher 將補償後的事件送回原本的主題
type Republisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// DeadLetterSink 保存無法恢復的故障，redis 與 nats 的 adapter 都有實作
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, fault events.Fault, reason error) error
}

// Archive 另外保存一份死信供日後重放
type Archive interface {
	Archive(ctx context.Context, fault events.Fault, reason error) error
}
