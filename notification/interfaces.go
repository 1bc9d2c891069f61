package notification

import "context"

//go:generate mockgen -source=interfaces.go -destination=mock.go -package=notification

// Publisher 將更新送往某個頻道，sse.Hub 符合這個介面
type Publisher interface {
	Publish(ctx context.Context, channel string, update Update) error
}
