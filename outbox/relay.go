// Package outbox 將 outbox 資料表中待送出的事件轉送到訊息匯流排。
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redisAdapter "carsties/adapters/redis"
	"carsties/events"
	"carsties/models"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxLastErrorLength = 1024

type relayOptions struct {
	logger          *slog.Logger
	batchSize       int
	pollInterval    time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	retention       time.Duration
	lock            redisAdapter.ILeaderLock
	now             func() time.Time
}

type RelayOption func(*relayOptions)

// WithRelayLogger 設置日誌記錄器
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		o.logger = logger
	}
}

// WithRelayBatchSize 設置每批轉送的最大筆數
func WithRelayBatchSize(n int) RelayOption {
	return func(o *relayOptions) {
		o.batchSize = n
	}
}

// WithRelayPollInterval 設置沒有待送訊息時的輪詢間隔
func WithRelayPollInterval(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.pollInterval = d
	}
}

// WithRelayBackoff 設置轉送失敗後的退避區間
func WithRelayBackoff(initial, max time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.initialInterval = initial
		o.maxInterval = max
	}
}

// WithRelayRetention 設置已送出訊息的保留時間，0 表示永久保留
func WithRelayRetention(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.retention = d
	}
}

// WithRelayLeaderLock 設置領導鎖，多個實例中只有持有鎖的實例會轉送
func WithRelayLeaderLock(lock redisAdapter.ILeaderLock) RelayOption {
	return func(o *relayOptions) {
		o.lock = lock
	}
}

// WithRelayClock 設置時間來源
func WithRelayClock(now func() time.Time) RelayOption {
	return func(o *relayOptions) {
		o.now = now
	}
}

// Relay 依建立順序將待送出的 outbox 訊息轉送到 Publisher。
// 轉送失敗只會記錄在 outbox 列上並退避重試，不會影響寫入事件的原操作。
type Relay struct {
	db         *gorm.DB
	publisher  Publisher
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	options    relayOptions
}

func NewRelay(db *gorm.DB, publisher Publisher, opts ...RelayOption) (*Relay, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	// 默認選項
	options := relayOptions{
		logger:          slog.Default(),
		batchSize:       100,
		pollInterval:    500 * time.Millisecond,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     30 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.batchSize <= 0 {
		options.batchSize = 1
	}

	return &Relay{
		db:        db,
		publisher: publisher,
		logger:    options.logger.With(slog.String("caller", "OutboxRelay")),
		closed:    true,
		options:   options,
	}, nil
}

func (r *Relay) Start() error {
	if !r.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.closed = false

	r.logger.Info("starting relay", slog.Int("batchSize", r.options.batchSize))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("relay stopped")
		r.run(ctx)
	}()
	return nil
}

func (r *Relay) Close() error {
	if r.closed {
		return nil
	}
	r.logger.Info("closing relay")
	r.closed = true
	r.cancelFunc()
	r.wg.Wait()
	return nil
}

func (r *Relay) run(ctx context.Context) {
	for ctx.Err() == nil {
		if r.options.lock == nil {
			r.forwardLoop(ctx)
			return
		}

		lockCtx, err := r.options.lock.Lock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to acquire leadership", slog.Any("error", err))
			if !sleep(ctx, r.options.maxInterval) {
				return
			}
			continue
		}
		// 失去領導權時 lockCtx 會被取消，回到搶鎖
		r.forwardLoop(lockCtx)
		if _, err := r.options.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release leadership", slog.Any("error", err))
		}
	}
}

func (r *Relay) forwardLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.options.initialInterval
	b.MaxInterval = r.options.maxInterval

	for {
		sent, err := r.Forward(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			wait = b.NextBackOff()
			r.logger.Warn("forwarding failed, backing off",
				slog.Any("error", err),
				slog.Duration("wait", wait),
			)
		case sent == r.options.batchSize:
			// 還有積壓，立刻處理下一批
			b.Reset()
		default:
			b.Reset()
			wait = r.options.pollInterval
			if sent == 0 && r.options.retention > 0 {
				if _, err := r.Purge(ctx, r.options.now().Add(-r.options.retention)); err != nil {
					r.logger.Warn("failed to purge sent messages", slog.Any("error", err))
				}
			}
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// Forward 轉送一批待送出的訊息並回傳成功筆數。
// 任一筆發佈失敗時記錄失敗並停止這一批，保持之後的訊息仍依建立順序轉送。
func (r *Relay) Forward(ctx context.Context) (int, error) {
	const op = "Relay.Forward"
	sent := 0
	var publishErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", models.OutboxStatusPending).
			Order("created_at").
			Order("id").
			Limit(r.options.batchSize)
		if tx.Dialector.Name() == "postgres" {
			// 未使用領導鎖時，多個 relay 各自取得不重疊的批次
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var rows []models.OutboxMessage
		if err := query.Find(&rows).Error; err != nil {
			return err
		}

		for _, row := range rows {
			env, err := events.Decode(row.Payload)
			if err != nil {
				// 重試不會讓它變得可解碼，留在 pending 會擋住之後的訊息
				r.logger.Error("parking undecodable outbox message",
					slog.String("id", row.ID),
					slog.String("kind", row.Kind),
					slog.Any("error", err),
				)
				if err := r.markFailed(tx, row.ID, err); err != nil {
					return err
				}
				continue
			}

			if err := r.publisher.Publish(ctx, env); err != nil {
				publishErr = err
				return r.recordFailure(tx, row.ID, err)
			}

			now := r.options.now()
			err = tx.Model(&models.OutboxMessage{}).
				Where("id = ?", row.ID).
				Updates(map[string]any{
					"status":   models.OutboxStatusSent,
					"sent_at":  now,
					"attempts": gorm.Expr("attempts + 1"),
				}).Error
			if err != nil {
				return err
			}
			sent++
			r.logger.Debug("outbox message forwarded",
				slog.String("id", row.ID),
				slog.String("topic", row.Topic),
				slog.String("aggregateId", row.AggregateID),
			)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to forward outbox messages, err=%w", op, err)
	}
	if publishErr != nil {
		return sent, fmt.Errorf("[%s] Fail to publish outbox message, err=%w", op, publishErr)
	}
	return sent, nil
}

// Pending 回傳尚未送出的訊息數量
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	const op = "Relay.Pending"
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("status = ?", models.OutboxStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to count pending messages, err=%w", op, err)
	}
	return count, nil
}

// Purge 刪除 before 之前已送出的訊息
func (r *Relay) Purge(ctx context.Context, before time.Time) (int64, error) {
	const op = "Relay.Purge"
	result := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", models.OutboxStatusSent, before.UTC()).
		Delete(&models.OutboxMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("[%s] Fail to purge sent messages, err=%w", op, result.Error)
	}
	return result.RowsAffected, nil
}

// Requeue 將 failed 的訊息重新排入轉送，回傳被重新排入的筆數。
// 用於新版本部署後，舊 relay 無法解碼的訊息。
func (r *Relay) Requeue(ctx context.Context, ids ...string) (int64, error) {
	const op = "Relay.Requeue"
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id IN ? AND status = ?", ids, models.OutboxStatusFailed).
		Update("status", models.OutboxStatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("[%s] Fail to requeue failed messages, err=%w", op, result.Error)
	}
	return result.RowsAffected, nil
}

func (r *Relay) markFailed(tx *gorm.DB, id string, cause error) error {
	return tx.Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.OutboxStatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateError(cause),
		}).Error
}

func truncateError(cause error) string {
	msg := cause.Error()
	if len(msg) > maxLastErrorLength {
		msg = msg[:maxLastErrorLength]
	}
	return msg
}

func (r *Relay) recordFailure(tx *gorm.DB, id string, cause error) error {
	return tx.Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateError(cause),
		}).Error
}

// sleep 等待 d 或 ctx 取消，ctx 取消時回傳 false
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
