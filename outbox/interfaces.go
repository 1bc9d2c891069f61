//go:generate mockgen -package=outbox -destination=mock.go -source=interfaces.go

package outbox

import (
	"context"

	"carsties/events"
)

// Publisher 是 relay 轉送事件的目的地，回傳 nil 代表訊息匯流排已經確認收到
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}
