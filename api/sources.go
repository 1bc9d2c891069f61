package api

import (
	"context"
	"time"

	"carsties/auction"
	"carsties/models"
	"carsties/search"

	"github.com/samber/lo"
)

// serviceSource 讓同一個行程中的搜尋服務直接讀取拍賣服務補齊投影
type serviceSource struct {
	auctions *auction.Service
}

func newServiceSource(auctions *auction.Service) *serviceSource {
	return &serviceSource{auctions: auctions}
}

func (s *serviceSource) Snapshots(ctx context.Context, since *time.Time) ([]search.Snapshot, error) {
	auctions, err := s.auctions.ListAuctions(ctx, since)
	if err != nil {
		return nil, err
	}
	return lo.Map(auctions, func(a models.Auction, _ int) search.Snapshot {
		return search.Snapshot{State: a.State(), Version: a.Version}
	}), nil
}
