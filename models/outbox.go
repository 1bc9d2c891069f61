package models

import "time"

// OutboxStatus 是 outbox 訊息的轉送狀態
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed 是無法解碼的訊息，不再轉送，需人工處理後重新排入
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage 是與聚合根變更寫在同一個交易中的事件紀錄
// 由獨立的 relay 轉送到訊息匯流排後標記為已送出
type OutboxMessage struct {
	ID          string       `gorm:"type:varchar(36);primaryKey"`
	Topic       string       `gorm:"type:varchar(255);not null"`
	Kind        string       `gorm:"type:varchar(64);not null"`
	AggregateID string       `gorm:"type:varchar(36);not null;index"`
	Version     int64        `gorm:"not null"`
	Payload     []byte       `gorm:"not null"`
	Status      OutboxStatus `gorm:"type:varchar(16);not null;index:idx_outbox_status_created,priority:1"`
	Attempts    int          `gorm:"not null;default:0"`
	LastError   string       `gorm:"type:text;not null;default:''"`
	// relay 依 CreatedAt 的順序轉送
	CreatedAt time.Time `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	SentAt    *time.Time
}
