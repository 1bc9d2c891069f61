// Package notification 將拍賣與出價事件轉成推送給瀏覽器的即時更新。
package notification

import (
	"context"
	"log/slog"
	"time"

	"carsties/events"
)

// AllChannel 接收所有拍賣的更新，個別拍賣的更新另外送到以拍賣 ID 命名的頻道
const AllChannel = "auctions"

// Update 是推送給客戶端的一則更新。
// 通知至少送達一次，客戶端以 AuctionID 與 Version 去除重複。
type Update struct {
	Kind           events.Kind `json:"kind" msgpack:"kind"`
	AuctionID      string      `json:"auctionId" msgpack:"auction_id"`
	Version        int64       `json:"version,omitempty" msgpack:"version"`
	Make           string      `json:"make,omitempty" msgpack:"make"`
	Model          string      `json:"model,omitempty" msgpack:"model"`
	Seller         string      `json:"seller,omitempty" msgpack:"seller"`
	Winner         *string     `json:"winner,omitempty" msgpack:"winner"`
	CurrentHighBid *int64      `json:"currentHighBid,omitempty" msgpack:"current_high_bid"`
	AuctionEnd     *time.Time  `json:"auctionEnd,omitempty" msgpack:"auction_end"`
	Bidder         string      `json:"bidder,omitempty" msgpack:"bidder"`
	Amount         int64       `json:"amount,omitempty" msgpack:"amount"`
	BidStatus      string      `json:"bidStatus,omitempty" msgpack:"bid_status"`
	OccurredAt     time.Time   `json:"occurredAt" msgpack:"occurred_at"`
}

// Consumer 訂閱事件並發出即時更新
type Consumer struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewConsumer(publisher Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		publisher: publisher,
		logger:    logger.With(slog.String("caller", "NotificationConsumer")),
	}
}

// Handle 是 worker.Runner 的 handler
func (c *Consumer) Handle(ctx context.Context, env events.Envelope) error {
	return events.Dispatch(ctx, c, env)
}

func (c *Consumer) AuctionCreated(ctx context.Context, env events.Envelope, payload events.AuctionCreated) error {
	return c.publish(ctx, stateUpdate(env, events.AuctionState(payload)))
}

func (c *Consumer) AuctionUpdated(ctx context.Context, env events.Envelope, payload events.AuctionUpdated) error {
	return c.publish(ctx, stateUpdate(env, events.AuctionState(payload)))
}

func (c *Consumer) AuctionDeleted(ctx context.Context, env events.Envelope, payload events.AuctionDeleted) error {
	return c.publish(ctx, Update{
		Kind:       env.Kind,
		AuctionID:  payload.ID,
		Version:    env.Version,
		OccurredAt: env.OccurredAt,
	})
}

func (c *Consumer) BidPlaced(ctx context.Context, env events.Envelope, payload events.BidPlaced) error {
	return c.publish(ctx, Update{
		Kind:       env.Kind,
		AuctionID:  payload.AuctionID,
		Bidder:     payload.Bidder,
		Amount:     payload.Amount,
		BidStatus:  string(payload.Status),
		OccurredAt: env.OccurredAt,
	})
}

func (c *Consumer) publish(ctx context.Context, update Update) error {
	for _, channel := range []string{AllChannel, update.AuctionID} {
		if err := c.publisher.Publish(ctx, channel, update); err != nil {
			return events.Transient(err)
		}
	}
	c.logger.Debug("update published",
		slog.String("auctionId", update.AuctionID),
		slog.String("kind", string(update.Kind)),
	)
	return nil
}

func stateUpdate(env events.Envelope, state events.AuctionState) Update {
	end := state.AuctionEnd
	return Update{
		Kind:           env.Kind,
		AuctionID:      state.ID,
		Version:        env.Version,
		Make:           state.Make,
		Model:          state.Model,
		Seller:         state.Seller,
		Winner:         state.Winner,
		CurrentHighBid: state.CurrentHighBid,
		AuctionEnd:     &end,
		OccurredAt:     env.OccurredAt,
	}
}
