package auction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carsties/models"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	minYear = 1900
	maxYear = 2100
)

// CreateAuctionInput 是建立拍賣需要的資料
type CreateAuctionInput struct {
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Color        string    `json:"color"`
	Mileage      int       `json:"mileage"`
	Year         int       `json:"year"`
	ImageURL     string    `json:"imageUrl"`
	ReservePrice int64     `json:"reservePrice"`
	AuctionEnd   time.Time `json:"auctionEnd"`
}

// UpdateAuctionInput 是更新拍賣的資料，nil 欄位保留原值
type UpdateAuctionInput struct {
	Make    *string `json:"make"`
	Model   *string `json:"model"`
	Color   *string `json:"color"`
	Mileage *int    `json:"mileage"`
	Year    *int    `json:"year"`
}

// Service 是拍賣服務的應用層，負責輸入檢查、擁有者檢查與呼叫 Repository
type Service struct {
	repo   *Repository
	policy *bluemonday.Policy
	now    func() time.Time
	logger *slog.Logger
}

func NewService(repo *Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		policy: bluemonday.StrictPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("caller", "AuctionService")),
	}
}

// CreateAuction 建立拍賣，AuctionCreated 與拍賣在同一個交易中寫入
func (s *Service) CreateAuction(ctx context.Context, seller string, in CreateAuctionInput) (models.Auction, error) {
	const op = "AuctionService.CreateAuction"
	if strings.TrimSpace(seller) == "" {
		return models.Auction{}, fmt.Errorf("[%s] %w: seller is required", op, ErrInvalidInput)
	}

	now := s.now()
	auction := models.Auction{
		ID:           uuid.NewString(),
		Seller:       seller,
		ReservePrice: in.ReservePrice,
		AuctionEnd:   in.AuctionEnd.UTC(),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Make:         s.sanitize(in.Make),
		Model:        s.sanitize(in.Model),
		Color:        s.sanitize(in.Color),
		Mileage:      in.Mileage,
		Year:         in.Year,
		ImageURL:     strings.TrimSpace(in.ImageURL),
	}
	if err := validate(auction); err != nil {
		return models.Auction{}, fmt.Errorf("[%s] %w", op, err)
	}
	if in.ReservePrice < 0 {
		return models.Auction{}, fmt.Errorf("[%s] %w: reserve price must not be negative", op, ErrInvalidInput)
	}
	if !auction.AuctionEnd.After(now) {
		return models.Auction{}, fmt.Errorf("[%s] %w: auction end must be in the future", op, ErrInvalidInput)
	}

	if err := s.repo.Create(ctx, &auction, uuid.NewString()); err != nil {
		return models.Auction{}, err
	}
	s.logger.Info("auction created", slog.String("auctionId", auction.ID), slog.String("seller", seller))
	return auction, nil
}

// UpdateAuction 更新拍賣商品資訊，只有賣家本人可以更新
func (s *Service) UpdateAuction(ctx context.Context, seller, id string, in UpdateAuctionInput) (models.Auction, error) {
	const op = "AuctionService.UpdateAuction"
	auction, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.Auction{}, err
	}
	if auction.Seller != seller {
		return models.Auction{}, ErrForbidden
	}

	if in.Make != nil {
		auction.Make = s.sanitize(*in.Make)
	}
	if in.Model != nil {
		auction.Model = s.sanitize(*in.Model)
	}
	if in.Color != nil {
		auction.Color = s.sanitize(*in.Color)
	}
	if in.Mileage != nil {
		auction.Mileage = *in.Mileage
	}
	if in.Year != nil {
		auction.Year = *in.Year
	}
	if err := validate(auction); err != nil {
		return models.Auction{}, fmt.Errorf("[%s] %w", op, err)
	}

	if err := s.repo.Update(ctx, &auction, auction.Version, uuid.NewString()); err != nil {
		return models.Auction{}, err
	}
	s.logger.Info("auction updated", slog.String("auctionId", auction.ID), slog.Int64("version", auction.Version))
	return auction, nil
}

// DeleteAuction 刪除拍賣，只有賣家本人可以刪除
func (s *Service) DeleteAuction(ctx context.Context, seller, id string) error {
	auction, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if auction.Seller != seller {
		return ErrForbidden
	}
	if err := s.repo.Delete(ctx, id, auction.Version, uuid.NewString()); err != nil {
		return err
	}
	s.logger.Info("auction deleted", slog.String("auctionId", id))
	return nil
}

func (s *Service) GetAuction(ctx context.Context, id string) (models.Auction, error) {
	return s.repo.Get(ctx, id)
}

// ListAuctions 列出拍賣，since 不為 nil 時只列出之後變更過的拍賣
func (s *Service) ListAuctions(ctx context.Context, since *time.Time) ([]models.Auction, error) {
	return s.repo.List(ctx, since)
}

func (s *Service) sanitize(v string) string {
	return strings.TrimSpace(s.policy.Sanitize(v))
}

func validate(a models.Auction) error {
	switch {
	case a.Make == "":
		return fmt.Errorf("%w: make is required", ErrInvalidInput)
	case a.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidInput)
	case a.Year < minYear || a.Year > maxYear:
		return fmt.Errorf("%w: year must be between %d and %d", ErrInvalidInput, minYear, maxYear)
	case a.Mileage < 0:
		return fmt.Errorf("%w: mileage must not be negative", ErrInvalidInput)
	}
	return nil
}
