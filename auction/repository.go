package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carsties/events"
	"carsties/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound            = errors.New("auction not found")
	ErrForbidden           = errors.New("auction belongs to another seller")
	ErrInvalidInput        = errors.New("invalid auction input")
	ErrConcurrencyConflict = errors.New("auction was modified concurrently")
)

type repositoryOptions struct {
	logger             *slog.Logger
	maxConflictRetries int
	now                func() time.Time
}

type RepositoryOption func(*repositoryOptions)

// WithRepositoryLogger 設置日誌記錄器
func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		o.logger = logger
	}
}

// WithRepositoryMaxConflictRetries 設置出價遇到並行寫入時的重試次數
func WithRepositoryMaxConflictRetries(n int) RepositoryOption {
	return func(o *repositoryOptions) {
		o.maxConflictRetries = n
	}
}

// WithRepositoryClock 設置時間來源
func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(o *repositoryOptions) {
		o.now = now
	}
}

// Repository 保存拍賣，每次變更都和 outbox 紀錄寫在同一個交易中
type Repository struct {
	db      *gorm.DB
	logger  *slog.Logger
	options repositoryOptions

	// afterRead 只在測試中使用，用來模擬讀取與寫入之間的並行寫入
	afterRead func(tx *gorm.DB)
}

func NewRepository(db *gorm.DB, opts ...RepositoryOption) *Repository {
	options := repositoryOptions{
		logger:             slog.Default(),
		maxConflictRetries: 5,
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Repository{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "AuctionRepository")),
		options: options,
	}
}

// Migrate 建立拍賣與 outbox 資料表
func (r *Repository) Migrate(ctx context.Context) error {
	const op = "AuctionRepository.Migrate"
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Auction{}, &models.OutboxMessage{}); err != nil {
		return fmt.Errorf("[%s] Fail to migrate, err=%w", op, err)
	}
	return nil
}

// Get 讀取單一拍賣
func (r *Repository) Get(ctx context.Context, id string) (models.Auction, error) {
	const op = "AuctionRepository.Get"
	var auction models.Auction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&auction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Auction{}, ErrNotFound
	}
	if err != nil {
		return models.Auction{}, fmt.Errorf("[%s] Fail to get auction, err=%w", op, err)
	}
	return auction, nil
}

// List 列出拍賣，since 不為 nil 時只回傳之後有變更的拍賣
func (r *Repository) List(ctx context.Context, since *time.Time) ([]models.Auction, error) {
	const op = "AuctionRepository.List"
	query := r.db.WithContext(ctx).Model(&models.Auction{})
	if since != nil {
		query = query.Where("updated_at > ?", since.UTC())
	}
	var auctions []models.Auction
	if err := query.Order("updated_at").Order("id").Find(&auctions).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to list auctions, err=%w", op, err)
	}
	return auctions, nil
}

// Create 新增拍賣並寫入 AuctionCreated
func (r *Repository) Create(ctx context.Context, auction *models.Auction, correlationID string) error {
	const op = "AuctionRepository.Create"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(auction).Error; err != nil {
			return err
		}
		return appendOutbox(tx, events.AuctionCreated(auction.State()), auction.Version, correlationID)
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to create auction, err=%w", op, err)
	}
	return nil
}

// Update 以 expectedVersion 做樂觀鎖更新拍賣並寫入 AuctionUpdated，auction.Version 會被遞增
func (r *Repository) Update(ctx context.Context, auction *models.Auction, expectedVersion int64, correlationID string) error {
	const op = "AuctionRepository.Update"
	next := *auction
	next.Version = expectedVersion + 1
	next.UpdatedAt = r.options.now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND version = ?", auction.ID, expectedVersion).
			Updates(map[string]any{
				"make":       next.Make,
				"model":      next.Model,
				"color":      next.Color,
				"mileage":    next.Mileage,
				"year":       next.Year,
				"image_url":  next.ImageURL,
				"version":    next.Version,
				"updated_at": next.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		return appendOutbox(tx, events.AuctionUpdated(next.State()), next.Version, correlationID)
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to update auction, err=%w", op, err)
	}
	*auction = next
	return nil
}

// Delete 以 expectedVersion 做樂觀鎖刪除拍賣並寫入 AuctionDeleted
func (r *Repository) Delete(ctx context.Context, id string, expectedVersion int64, correlationID string) error {
	const op = "AuctionRepository.Delete"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&models.Auction{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		// 刪除也是一次變更，墓碑的版本必須高於所有先前的事件
		return appendOutbox(tx, events.AuctionDeleted{ID: id}, expectedVersion+1, correlationID)
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to delete auction, err=%w", op, err)
	}
	return nil
}

// ApplyBid 將已接受的出價套用到目前最高出價。
// 只有出價高於目前最高出價(或尚無出價)時才會更新，重複或過期的出價回傳 false。
// 讀取後的條件更新若遇到並行寫入會重新讀取，超過重試次數回傳 ErrConcurrencyConflict。
func (r *Repository) ApplyBid(ctx context.Context, bid events.BidPlaced, correlationID string) (bool, error) {
	const op = "AuctionRepository.ApplyBid"
	for attempt := 0; attempt <= r.options.maxConflictRetries; attempt++ {
		applied, err := r.applyBidOnce(ctx, bid, correlationID)
		if errors.Is(err, ErrConcurrencyConflict) {
			r.logger.Debug("bid conflicted with a concurrent writer, retrying",
				slog.String("auctionId", bid.AuctionID),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
	return false, fmt.Errorf("[%s] %w after %d retries", op, ErrConcurrencyConflict, r.options.maxConflictRetries)
}

func (r *Repository) applyBidOnce(ctx context.Context, bid events.BidPlaced, correlationID string) (bool, error) {
	const op = "AuctionRepository.applyBidOnce"
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var auction models.Auction
		err := tx.Where("id = ?", bid.AuctionID).First(&auction).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if r.afterRead != nil {
			r.afterRead(tx)
		}

		if auction.CurrentHighBid != nil && bid.Amount <= *auction.CurrentHighBid {
			return nil
		}

		amount := bid.Amount
		bidder := bid.Bidder
		next := auction
		next.CurrentHighBid = &amount
		next.Winner = &bidder
		next.Version = auction.Version + 1
		next.UpdatedAt = r.options.now()

		result := tx.Model(&models.Auction{}).
			Where("id = ? AND version = ?", auction.ID, auction.Version).
			Updates(map[string]any{
				"current_high_bid": amount,
				"winner":           bidder,
				"version":          next.Version,
				"updated_at":       next.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		applied = true
		return appendOutbox(tx, events.AuctionUpdated(next.State()), next.Version, correlationID)
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrencyConflict) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("[%s] Fail to apply bid, err=%w", op, err)
	}
	return applied, nil
}

// appendOutbox 在同一個交易中寫入 outbox 紀錄
func appendOutbox(tx *gorm.DB, payload events.Payload, version int64, correlationID string) error {
	env := events.NewEnvelope(payload, version, correlationID)
	data, err := events.Encode(env)
	if err != nil {
		return err
	}
	return tx.Create(&models.OutboxMessage{
		ID:          env.ID,
		Topic:       env.Topic(),
		Kind:        string(env.Kind),
		AggregateID: env.AggregateID,
		Version:     env.Version,
		Payload:     data,
		Status:      models.OutboxStatusPending,
		CreatedAt:   env.OccurredAt,
	}).Error
}
