//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go

package redis

import (
	"context"
)

// IProducer 定義了 Producer 的操作介面
type IProducer[T any] interface {
	Publish(ctx context.Context, data T) (string, error)
}

// IGroupConsumer 定義了 GroupConsumer 的操作介面
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// ILeaderLock 定義了 LeaderLock 的操作介面
type ILeaderLock interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// ILedger 定義了補償重送紀錄的操作介面
type ILedger interface {
	Claim(ctx context.Context, id string) (ClaimState, error)
	MarkPublished(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}
