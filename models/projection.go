package models

import "time"

// ProjectionItem 是搜尋服務的拍賣讀取副本，可以從事件流重建，不是資料來源
type ProjectionItem struct {
	ID             string `gorm:"type:varchar(36);primaryKey"`
	Make           string `gorm:"type:varchar(255);not null"`
	Model          string `gorm:"type:varchar(255);not null"`
	Color          string `gorm:"type:varchar(255);not null"`
	Mileage        int    `gorm:"not null"`
	Year           int    `gorm:"not null"`
	ImageURL       string `gorm:"type:text;not null;default:''"`
	Seller         string `gorm:"type:varchar(255);not null;index"`
	Winner         string `gorm:"type:varchar(255);not null;default:'';index"`
	ReservePrice   int64  `gorm:"not null;default:0"`
	CurrentHighBid *int64
	AuctionEnd     time.Time `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
	// SearchText 是 make/model/color 正規化後的全文比對欄位，前後與單字之間以空白分隔
	SearchText string `gorm:"type:text;not null;default:''"`
	Version    int64  `gorm:"not null"`
}

// ProjectionTombstone 記錄已刪除的拍賣，拒絕之後抵達的舊事件
type ProjectionTombstone struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"`
	Version   int64     `gorm:"not null"`
	RemovedAt time.Time `gorm:"not null"`
}
