package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger 記錄補償重送的故障 ID，確認重送成功的故障不會再被重送
type Ledger struct {
	client  *redis.Client
	options LedgerOptions
}

// LedgerOptions 定義了 Ledger 的配置選項
type LedgerOptions struct {
	Prefix string
	TTL    time.Duration
}

type LedgerOption func(*LedgerOptions)

// WithLedgerPrefix 設定 key 前綴
func WithLedgerPrefix(prefix string) LedgerOption {
	return func(o *LedgerOptions) {
		o.Prefix = prefix
	}
}

// WithLedgerTTL 設定紀錄保留時間
func WithLedgerTTL(ttl time.Duration) LedgerOption {
	return func(o *LedgerOptions) {
		o.TTL = ttl
	}
}

// NewLedger 建立一個新的 Ledger 實例
func NewLedger(client *redis.Client, opts ...LedgerOption) *Ledger {
	options := LedgerOptions{
		Prefix: "fault:republished:",
		TTL:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Ledger{
		client:  client,
		options: options,
	}
}

// ClaimState 是故障在 ledger 中的狀態
type ClaimState int

const (
	// ClaimAcquired 表示這次呼叫取得了登記
	ClaimAcquired ClaimState = iota
	// ClaimUnpublished 表示先前已登記但沒有確認重送成功，需要再重送一次
	ClaimUnpublished
	// ClaimPublished 表示已經重送成功
	ClaimPublished
)

const (
	ledgerClaimed   = "claimed"
	ledgerPublished = "published"
)

// Claim 登記故障 ID 並回傳登記前的狀態。
// 登記與確認分成兩步，重送失敗且 Release 也失敗時，之後的重試仍會看到 ClaimUnpublished。
func (l *Ledger) Claim(ctx context.Context, id string) (ClaimState, error) {
	const op = "redis.Ledger.Claim"
	key := l.options.Prefix + id
	ok, err := l.client.SetNX(ctx, key, ledgerClaimed, l.options.TTL).Result()
	if err != nil {
		return ClaimUnpublished, fmt.Errorf("%s: failed to set key: %w", op, err)
	}
	if ok {
		return ClaimAcquired, nil
	}

	value, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// 兩次呼叫之間被 Release 或過期
		return ClaimUnpublished, nil
	}
	if err != nil {
		return ClaimUnpublished, fmt.Errorf("%s: failed to get key: %w", op, err)
	}
	if value == ledgerPublished {
		return ClaimPublished, nil
	}
	return ClaimUnpublished, nil
}

// MarkPublished 確認故障已經重送成功
func (l *Ledger) MarkPublished(ctx context.Context, id string) error {
	const op = "redis.Ledger.MarkPublished"
	if err := l.client.Set(ctx, l.options.Prefix+id, ledgerPublished, l.options.TTL).Err(); err != nil {
		return fmt.Errorf("%s: failed to set key: %w", op, err)
	}
	return nil
}

// Release 移除登記，讓重送失敗的故障可以再次被處理
func (l *Ledger) Release(ctx context.Context, id string) error {
	const op = "redis.Ledger.Release"
	if err := l.client.Del(ctx, l.options.Prefix+id).Err(); err != nil {
		return fmt.Errorf("%s: failed to delete key: %w", op, err)
	}
	return nil
}
