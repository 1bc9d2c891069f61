package events

import (
	"strings"
	"time"
)

// AuctionState 是拍賣在某個版本下的完整快照，Created 與 Updated 事件都攜帶這份資料
type AuctionState struct {
	ID             string    `msgpack:"id"`
	Make           string    `msgpack:"make"`
	Model          string    `msgpack:"model"`
	Color          string    `msgpack:"color"`
	Mileage        int       `msgpack:"mileage"`
	Year           int       `msgpack:"year"`
	ImageURL       string    `msgpack:"image_url"`
	Seller         string    `msgpack:"seller"`
	Winner         *string   `msgpack:"winner"`
	ReservePrice   int64     `msgpack:"reserve_price"`
	CurrentHighBid *int64    `msgpack:"current_high_bid"`
	AuctionEnd     time.Time `msgpack:"auction_end"`
	CreatedAt      time.Time `msgpack:"created_at"`
	UpdatedAt      time.Time `msgpack:"updated_at"`
}

// AuctionCreated 在拍賣建立後發出
type AuctionCreated AuctionState

func (AuctionCreated) Kind() Kind            { return KindAuctionCreated }
func (p AuctionCreated) aggregateID() string { return p.ID }
func (AuctionCreated) sealed()               {}

// AuctionUpdated 在拍賣內容或最高出價改變後發出
type AuctionUpdated AuctionState

func (AuctionUpdated) Kind() Kind            { return KindAuctionUpdated }
func (p AuctionUpdated) aggregateID() string { return p.ID }
func (AuctionUpdated) sealed()               {}

// AuctionDeleted 是拍賣的刪除墓碑
type AuctionDeleted struct {
	ID string `msgpack:"id"`
}

func (AuctionDeleted) Kind() Kind            { return KindAuctionDeleted }
func (p AuctionDeleted) aggregateID() string { return p.ID }
func (AuctionDeleted) sealed()               {}

// BidStatus 是出價服務判定的出價狀態
type BidStatus string

const (
	BidStatusAccepted             BidStatus = "Accepted"
	BidStatusAcceptedBelowReserve BidStatus = "AcceptedBelowReserve"
	BidStatusTooLow               BidStatus = "TooLow"
	BidStatusFinished             BidStatus = "Finished"
)

// Accepted 回報出價是否被接受（包含低於底價的接受）
func (s BidStatus) Accepted() bool {
	return strings.HasPrefix(string(s), string(BidStatusAccepted))
}

// BidPlaced 在出價服務處理一筆出價後發出，聚合根為被出價的拍賣
type BidPlaced struct {
	ID        string    `msgpack:"id"`
	AuctionID string    `msgpack:"auction_id"`
	Bidder    string    `msgpack:"bidder"`
	Amount    int64     `msgpack:"amount"`
	Status    BidStatus `msgpack:"status"`
	PlacedAt  time.Time `msgpack:"placed_at"`
}

func (BidPlaced) Kind() Kind            { return KindBidPlaced }
func (p BidPlaced) aggregateID() string { return p.AuctionID }
func (BidPlaced) sealed()               {}
