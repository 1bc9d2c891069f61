package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// LeaderLock 是帶自動續期的分散式鎖，用來保證同一時間只有一個實例執行某個工作(例如 outbox relay)。
// Lock 回傳的 context 會在續期失敗或 Unlock 時被取消，持有者應以它作為工作的 context。
type LeaderLock struct {
	mutex    *redsync.Mutex
	logger   *slog.Logger
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  leaderLockOptions
}

type leaderLockOptions struct {
	logger        *slog.Logger
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	skipLockError bool
}

type LeaderLockOption func(*leaderLockOptions)

// WithLeaderLockLogger 設置日誌記錄器
func WithLeaderLockLogger(logger *slog.Logger) LeaderLockOption {
	return func(o *leaderLockOptions) {
		o.logger = logger
	}
}

// WithLeaderLockRenewInterval 設置自動續期間隔
func WithLeaderLockRenewInterval(d time.Duration) LeaderLockOption {
	return func(o *leaderLockOptions) {
		o.renewInterval = d
	}
}

// WithLeaderLockRetryDelay 設置搶鎖失敗後的重試延遲
func WithLeaderLockRetryDelay(d time.Duration) LeaderLockOption {
	return func(o *leaderLockOptions) {
		o.retryDelay = d
	}
}

// WithLeaderLockExpiry 設置鎖過期時間
func WithLeaderLockExpiry(d time.Duration) LeaderLockOption {
	return func(o *leaderLockOptions) {
		o.expiry = d
	}
}

// WithLeaderLockSkipLockError 設置是否忽略 redis 通訊錯誤並持續重試
func WithLeaderLockSkipLockError(skip bool) LeaderLockOption {
	return func(o *leaderLockOptions) {
		o.skipLockError = skip
	}
}

// NewLeaderLock 創建一個帶自動續期功能的領導鎖
func NewLeaderLock(client *redis.Client, key string, opts ...LeaderLockOption) *LeaderLock {
	// 默認選項
	options := leaderLockOptions{
		logger:     slog.Default(),
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	if options.expiry <= 0 {
		options.expiry = 8 * time.Second
	}
	// 未設置續期間隔時使用過期時間的1/3
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	rs := redsync.New(goredis.NewPool(client))
	mutex := rs.NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
		redsync.WithRetryDelay(options.retryDelay),
	)

	return &LeaderLock{
		mutex:   mutex,
		logger:  options.logger.With(slog.String("caller", "LeaderLock"), slog.String("key", key)),
		options: options,
	}
}

// Lock 阻塞直到取得鎖或 ctx 取消，取得後啟動自動續期
func (m *LeaderLock) Lock(ctx context.Context) (context.Context, error) {
	const op = "LeaderLock.Lock"
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			err := m.mutex.LockContext(ctx)
			if err == nil {
				lockCtx, cancel := context.WithCancel(ctx)
				m.mu.Lock()
				m.cancel = cancel
				m.mu.Unlock()
				m.startAutoRenew(lockCtx)
				m.logger.Info("leadership acquired")
				return lockCtx, nil
			}
			// 鎖被其他實例持有時重試；redis 通訊錯誤只有在 skipLockError 時才重試
			var commErr *redsync.RedisError
			if !m.options.skipLockError && errors.As(err, &commErr) {
				return nil, fmt.Errorf("[%s] failed to acquire lock: %w", op, err)
			}
			timer.Reset(m.options.retryDelay)
		}
	}
}

// Unlock 停止自動續期並釋放鎖
func (m *LeaderLock) Unlock() (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()
	ok, err := m.mutex.Unlock()
	if err == nil {
		m.logger.Info("leadership released")
	}
	return ok, err
}

// Valid 檢查鎖是否仍然有效
func (m *LeaderLock) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.mutex.Until())
}

func (m *LeaderLock) startAutoRenew(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.renewing {
		return
	}

	m.renewing = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				success, err := m.mutex.Extend()
				if err != nil || !success {
					m.logger.Warn("leadership lost", slog.Any("error", err))
					m.stopAutoRenew()
					return
				}
			}
		}
	}()
}

func (m *LeaderLock) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.renewing {
		return
	}

	m.renewing = false
	if m.cancel != nil {
		m.cancel()
	}
}
