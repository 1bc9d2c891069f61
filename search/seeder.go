package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carsties/events"
)

// Snapshot 是拍賣在某個版本下的完整快照
type Snapshot struct {
	State   events.AuctionState
	Version int64
}

// AuctionSource 提供拍賣快照，since 不為 nil 時只回傳之後有變更的拍賣
type AuctionSource interface {
	Snapshots(ctx context.Context, since *time.Time) ([]Snapshot, error)
}

// Seeder 從拍賣服務拉取快照補齊投影，用於初次啟動或事件遺失後的修復
type Seeder struct {
	store  *Store
	source AuctionSource
	logger *slog.Logger
}

func NewSeeder(store *Store, source AuctionSource, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		store:  store,
		source: source,
		logger: logger.With(slog.String("caller", "Seeder")),
	}
}

// Seed 只拉取投影最後更新時間之後變更過的拍賣，並以版本檢查寫入，回傳實際改變的筆數
func (s *Seeder) Seed(ctx context.Context) (int, error) {
	const op = "Seeder.Seed"
	since, err := s.store.LastUpdated(ctx)
	if err != nil {
		return 0, fmt.Errorf("[%s] %w", op, err)
	}
	snapshots, err := s.source.Snapshots(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to fetch auctions, err=%w", op, err)
	}

	applied := 0
	for _, snapshot := range snapshots {
		if err := validateState(snapshot.State); err != nil {
			s.logger.Warn("skipping invalid auction snapshot",
				slog.String("auctionId", snapshot.State.ID),
				slog.Any("error", err),
			)
			continue
		}
		ok, err := s.store.Upsert(ctx, ItemFromState(snapshot.State, snapshot.Version))
		if err != nil {
			return applied, fmt.Errorf("[%s] %w", op, err)
		}
		if ok {
			applied++
		}
	}
	s.logger.Info("projection seeded", slog.Int("fetched", len(snapshots)), slog.Int("applied", applied))
	return applied, nil
}

// HTTPSource 經由拍賣服務的 GET /api/auctions?date= 取得快照
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, client *http.Client) (*HTTPSource, error) {
	if baseURL == "" {
		return nil, errors.New("base url cannot be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

// auctionDTO 對應拍賣服務回應的 JSON
type auctionDTO struct {
	ID             string    `json:"id"`
	Make           string    `json:"make"`
	Model          string    `json:"model"`
	Color          string    `json:"color"`
	Mileage        int       `json:"mileage"`
	Year           int       `json:"year"`
	ImageURL       string    `json:"imageUrl"`
	Seller         string    `json:"seller"`
	Winner         *string   `json:"winner"`
	ReservePrice   int64     `json:"reservePrice"`
	CurrentHighBid *int64    `json:"currentHighBid"`
	AuctionEnd     time.Time `json:"auctionEnd"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Version        int64     `json:"version"`
}

func (s *HTTPSource) Snapshots(ctx context.Context, since *time.Time) ([]Snapshot, error) {
	const op = "HTTPSource.Snapshots"
	endpoint := s.baseURL + "/api/auctions"
	if since != nil {
		endpoint += "?" + url.Values{"date": []string{since.UTC().Format(time.RFC3339Nano)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to build request, err=%w", op, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to request auctions, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("[%s] Unexpected status %d", op, resp.StatusCode)
	}

	var dtos []auctionDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("[%s] Fail to decode auctions, err=%w", op, err)
	}
	snapshots := make([]Snapshot, len(dtos))
	for i, dto := range dtos {
		snapshots[i] = Snapshot{
			State: events.AuctionState{
				ID:             dto.ID,
				Make:           dto.Make,
				Model:          dto.Model,
				Color:          dto.Color,
				Mileage:        dto.Mileage,
				Year:           dto.Year,
				ImageURL:       dto.ImageURL,
				Seller:         dto.Seller,
				Winner:         dto.Winner,
				ReservePrice:   dto.ReservePrice,
				CurrentHighBid: dto.CurrentHighBid,
				AuctionEnd:     dto.AuctionEnd,
				CreatedAt:      dto.CreatedAt,
				UpdatedAt:      dto.UpdatedAt,
			},
			Version: dto.Version,
		}
	}
	return snapshots, nil
}
