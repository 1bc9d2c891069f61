package search

import (
	"context"
	"log/slog"

	"carsties/events"
)

const (
	minYear = 1900
	maxYear = 2100
)

// LifecycleConsumer 將拍賣生命週期事件套用到投影
type LifecycleConsumer struct {
	store  *Store
	logger *slog.Logger
}

func NewLifecycleConsumer(store *Store, logger *slog.Logger) *LifecycleConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleConsumer{
		store:  store,
		logger: logger.With(slog.String("caller", "LifecycleConsumer")),
	}
}

// Handle 是 worker.Runner 的 handler
func (c *LifecycleConsumer) Handle(ctx context.Context, env events.Envelope) error {
	return events.Dispatch(ctx, c, env)
}

func (c *LifecycleConsumer) AuctionCreated(ctx context.Context, env events.Envelope, payload events.AuctionCreated) error {
	return c.upsert(ctx, env, events.AuctionState(payload))
}

func (c *LifecycleConsumer) AuctionUpdated(ctx context.Context, env events.Envelope, payload events.AuctionUpdated) error {
	return c.upsert(ctx, env, events.AuctionState(payload))
}

func (c *LifecycleConsumer) AuctionDeleted(ctx context.Context, env events.Envelope, payload events.AuctionDeleted) error {
	removed, err := c.store.Delete(ctx, payload.ID, env.Version)
	if err != nil {
		return events.Transient(err)
	}
	c.logger.Info("projection removed",
		slog.String("auctionId", payload.ID),
		slog.Bool("existed", removed),
	)
	return nil
}

// BidPlaced 最高出價經由拍賣服務發出的 AuctionUpdated 進入投影
func (c *LifecycleConsumer) BidPlaced(ctx context.Context, env events.Envelope, payload events.BidPlaced) error {
	return nil
}

func (c *LifecycleConsumer) upsert(ctx context.Context, env events.Envelope, state events.AuctionState) error {
	if err := validateState(state); err != nil {
		return err
	}
	applied, err := c.store.Upsert(ctx, ItemFromState(state, env.Version))
	if err != nil {
		return events.Transient(err)
	}
	if !applied {
		c.logger.Debug("stale or deleted projection update ignored",
			slog.String("auctionId", state.ID),
			slog.Int64("version", env.Version),
		)
		return nil
	}
	c.logger.Info("projection updated",
		slog.String("auctionId", state.ID),
		slog.Int64("version", env.Version),
		slog.String("kind", string(env.Kind)),
	)
	return nil
}

func validateState(state events.AuctionState) error {
	switch {
	case state.ID == "":
		return &events.ArgumentError{Field: "id", Reason: "is required"}
	case state.Make == "":
		return &events.ArgumentError{Field: "make", Reason: "is required"}
	case state.Model == "":
		return &events.ArgumentError{Field: "model", Reason: "is required"}
	case state.Year < minYear || state.Year > maxYear:
		return &events.ArgumentError{Field: "year", Reason: "is out of range"}
	case state.Mileage < 0:
		return &events.ArgumentError{Field: "mileage", Reason: "must not be negative"}
	}
	return nil
}
