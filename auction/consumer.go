package auction

import (
	"context"
	"errors"
	"log/slog"

	"carsties/events"
)

// BidConsumer 將出價事件套用到拍賣的目前最高出價
type BidConsumer struct {
	repo   *Repository
	logger *slog.Logger
}

func NewBidConsumer(repo *Repository, logger *slog.Logger) *BidConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BidConsumer{
		repo:   repo,
		logger: logger.With(slog.String("caller", "BidConsumer")),
	}
}

// Handle 是 worker.Runner 的 handler
func (c *BidConsumer) Handle(ctx context.Context, env events.Envelope) error {
	return events.Dispatch(ctx, c, env)
}

// 拍賣服務只訂閱 bid.placed，生命週期事件是自己發出的
func (c *BidConsumer) AuctionCreated(ctx context.Context, env events.Envelope, payload events.AuctionCreated) error {
	return nil
}

func (c *BidConsumer) AuctionUpdated(ctx context.Context, env events.Envelope, payload events.AuctionUpdated) error {
	return nil
}

func (c *BidConsumer) AuctionDeleted(ctx context.Context, env events.Envelope, payload events.AuctionDeleted) error {
	return nil
}

// BidPlaced 未被接受的出價不影響最高出價；重複或過期的出價依單調規則自然成為無效操作
func (c *BidConsumer) BidPlaced(ctx context.Context, env events.Envelope, payload events.BidPlaced) error {
	if !payload.Status.Accepted() {
		c.logger.Debug("ignoring bid that was not accepted",
			slog.String("bidId", payload.ID),
			slog.String("status", string(payload.Status)),
		)
		return nil
	}

	applied, err := c.repo.ApplyBid(ctx, payload, env.CorrelationID)
	switch {
	case errors.Is(err, ErrNotFound):
		return &events.NotFoundError{Aggregate: "auction", ID: payload.AuctionID}
	case err != nil:
		// 並行衝突與資料庫錯誤都交給 runner 退避重試
		return events.Transient(err)
	}

	if applied {
		c.logger.Info("current high bid raised",
			slog.String("auctionId", payload.AuctionID),
			slog.Int64("amount", payload.Amount),
		)
	}
	return nil
}
