package models

import (
	"time"

	"carsties/events"
)

// Auction 代表拍賣服務擁有的拍賣聚合根
// 包含商品資訊、賣家、目前最高出價與版本號，版本號每次變更都會遞增
type Auction struct {
	ID             string  `gorm:"type:varchar(36);primaryKey"`
	Seller         string  `gorm:"type:varchar(255);not null;index"`
	Winner         *string `gorm:"type:varchar(255)"`
	ReservePrice   int64   `gorm:"not null;default:0"`
	CurrentHighBid *int64
	AuctionEnd     time.Time `gorm:"not null"`
	Version        int64     `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;index"`

	// 商品資訊
	Make     string `gorm:"type:varchar(255);not null"`
	Model    string `gorm:"type:varchar(255);not null"`
	Color    string `gorm:"type:varchar(255);not null"`
	Mileage  int    `gorm:"not null"`
	Year     int    `gorm:"not null"`
	ImageURL string `gorm:"type:text;not null;default:''"`
}

// State 回傳拍賣目前的事件快照
func (a Auction) State() events.AuctionState {
	return events.AuctionState{
		ID:             a.ID,
		Make:           a.Make,
		Model:          a.Model,
		Color:          a.Color,
		Mileage:        a.Mileage,
		Year:           a.Year,
		ImageURL:       a.ImageURL,
		Seller:         a.Seller,
		Winner:         a.Winner,
		ReservePrice:   a.ReservePrice,
		CurrentHighBid: a.CurrentHighBid,
		AuctionEnd:     a.AuctionEnd.UTC(),
		CreatedAt:      a.CreatedAt.UTC(),
		UpdatedAt:      a.UpdatedAt.UTC(),
	}
}
