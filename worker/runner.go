// Package worker 將訊息來源的投遞分派給固定數量的 worker 處理。
//
// 同一個 key(通常是聚合根 ID)的投遞永遠落在同一個 worker，因此單一行程內
// 不會同時處理同一個聚合根的兩個事件；跨行程的並行由各消費者的版本檢查處理。
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"carsties/events"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallnest/chanx"
)

// Delivery 是一次訊息投遞，Done 確認處理完成，Fail 將訊息送往死信
type Delivery[T any] interface {
	Value() T
	Done(ctx context.Context) error
	Fail(ctx context.Context, err error) error
}

// Source 是投遞的來源，redis GroupConsumer 與 nats Subscriber 都符合這個介面
type Source[T any, M Delivery[T]] interface {
	Start() error
	Subscribe() <-chan M
	Close() error
}

// Handler 處理一筆訊息，回傳的錯誤若是 events.TransientError 會以退避重試
type Handler[T any] func(ctx context.Context, value T) error

// FailureHook 在重試用盡後被呼叫，通常用來發佈故障信封；回傳 nil 時投遞會被確認
type FailureHook[T any] func(ctx context.Context, value T, err error) error

type runnerOptions[T any] struct {
	logger          *slog.Logger
	name            string
	workers         int
	bufferSize      int
	maxInFlight     int
	key             func(T) string
	onFailure       FailureHook[T]
	retryable       func(error) bool
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	handleTimeout   time.Duration
}

type RunnerOption[T any] func(*runnerOptions[T])

// WithRunnerLogger 設置日誌記錄器
func WithRunnerLogger[T any](logger *slog.Logger) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.logger = logger
	}
}

// WithRunnerName 設置 runner 名稱，用於日誌
func WithRunnerName[T any](name string) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.name = name
	}
}

// WithRunnerWorkers 設置 worker 數量
func WithRunnerWorkers[T any](n int) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.workers = n
	}
}

// WithRunnerBufferSize 設置每個 worker 收件匣的初始容量
func WithRunnerBufferSize[T any](n int) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.bufferSize = n
	}
}

// WithRunnerMaxInFlight 設置已從來源取出但尚未確認的投遞上限，0 表示 workers * bufferSize。
// 達到上限時不再向來源讀取，來源的 pending 訊息不會因為排隊過久而被當成遺失。
func WithRunnerMaxInFlight[T any](n int) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.maxInFlight = n
	}
}

// WithRunnerKey 設置分派用的 key，相同 key 的訊息依序處理
func WithRunnerKey[T any](fn func(T) string) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.key = fn
	}
}

// WithRunnerFailureHook 設置重試用盡後的處理
func WithRunnerFailureHook[T any](fn FailureHook[T]) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.onFailure = fn
	}
}

// WithRunnerRetryable 設置判斷錯誤是否可重試的函數
func WithRunnerRetryable[T any](fn func(error) bool) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.retryable = fn
	}
}

// WithRunnerRetry 設置重試次數與退避區間
func WithRunnerRetry[T any](maxTries uint, initial, max time.Duration) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.maxTries = maxTries
		o.initialInterval = initial
		o.maxInterval = max
	}
}

// WithRunnerHandleTimeout 設置單次處理的逾時，0 表示不限制
func WithRunnerHandleTimeout[T any](d time.Duration) RunnerOption[T] {
	return func(o *runnerOptions[T]) {
		o.handleTimeout = d
	}
}

// Runner 從 Source 取得投遞，依 key 分派給 worker 處理
type Runner[T any, M Delivery[T]] struct {
	source     Source[T, M]
	handler    Handler[T]
	logger     *slog.Logger
	inboxes    []*chanx.UnboundedChan[M]
	slots      chan struct{}
	next       int
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	options    runnerOptions[T]
}

func NewRunner[T any, M Delivery[T]](source Source[T, M], handler Handler[T], opts ...RunnerOption[T]) (*Runner[T, M], error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	// 默認選項
	options := runnerOptions[T]{
		logger:          slog.Default(),
		name:            "runner",
		workers:         4,
		bufferSize:      16,
		retryable:       events.IsTransient,
		maxTries:        5,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     5 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.workers <= 0 {
		options.workers = 1
	}
	if options.maxTries == 0 {
		options.maxTries = 1
	}
	if options.maxInFlight <= 0 {
		options.maxInFlight = options.workers * max(options.bufferSize, 1)
	}

	return &Runner[T, M]{
		source:  source,
		handler: handler,
		logger:  options.logger.With(slog.String("caller", "Runner"), slog.String("name", options.name)),
		closed:  true,
		options: options,
	}, nil
}

func (r *Runner[T, M]) Start() error {
	const op = "Runner.Start"
	if !r.closed {
		return nil
	}
	if err := r.source.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start source, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.closed = false
	r.slots = make(chan struct{}, r.options.maxInFlight)
	r.inboxes = make([]*chanx.UnboundedChan[M], r.options.workers)
	for i := range r.inboxes {
		r.inboxes[i] = chanx.NewUnboundedChan[M](ctx, r.options.bufferSize)
	}
	r.logger.Info("starting runner", slog.Int("workers", r.options.workers), slog.Int("maxInFlight", r.options.maxInFlight))

	for _, inbox := range r.inboxes {
		r.wg.Add(1)
		go func(inbox *chanx.UnboundedChan[M]) {
			defer r.wg.Done()
			for delivery := range inbox.Out {
				if ctx.Err() != nil {
					return
				}
				r.process(ctx, delivery)
				<-r.slots
			}
		}(inbox)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("dispatcher stopped")
		defer func() {
			for _, inbox := range r.inboxes {
				close(inbox.In)
			}
		}()

		deliveries := r.source.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				// 取得名額後才交給 worker，名額用完時停止讀取來源
				select {
				case <-ctx.Done():
					return
				case r.slots <- struct{}{}:
				}
				select {
				case <-ctx.Done():
					return
				case r.inboxes[r.shard(delivery.Value())].In <- delivery:
				}
			}
		}
	}()

	return nil
}

func (r *Runner[T, M]) Close() error {
	if r.closed {
		return nil
	}
	r.logger.Info("closing runner")
	r.closed = true
	r.cancelFunc()
	err := r.source.Close()
	r.wg.Wait()
	r.logger.Info("runner closed gracefully")
	return err
}

func (r *Runner[T, M]) shard(value T) int {
	if r.options.key == nil {
		// 沒有 key 時輪流分派
		r.next = (r.next + 1) % len(r.inboxes)
		return r.next
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.options.key(value)))
	return int(h.Sum32() % uint32(len(r.inboxes)))
}

func (r *Runner[T, M]) process(ctx context.Context, delivery M) {
	value := delivery.Value()
	err := r.handleWithRetry(ctx, value)
	if err == nil {
		if err := delivery.Done(ctx); err != nil {
			r.logger.Error("failed to ack delivery", slog.Any("error", err))
		}
		return
	}
	if ctx.Err() != nil {
		// 關閉中，不確認也不送死信，訊息稍後會被重新投遞
		return
	}

	r.logger.Error("delivery failed", slog.Any("error", err))
	if r.options.onFailure != nil {
		hookErr := r.options.onFailure(ctx, value, err)
		if hookErr == nil {
			if err := delivery.Done(ctx); err != nil {
				r.logger.Error("failed to ack delivery", slog.Any("error", err))
			}
			return
		}
		r.logger.Error("failure hook failed, moving delivery to dead letter", slog.Any("error", hookErr))
		err = errors.Join(err, hookErr)
	}
	if err := delivery.Fail(ctx, err); err != nil {
		r.logger.Error("failed to dead-letter delivery", slog.Any("error", err))
	}
}

func (r *Runner[T, M]) handleWithRetry(ctx context.Context, value T) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.options.initialInterval
	b.MaxInterval = r.options.maxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.safeHandle(ctx, value)
		if err == nil {
			return struct{}{}, nil
		}
		if !r.options.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.logger.Warn("transient error, retrying", slog.Any("error", err))
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.options.maxTries),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// safeHandle 執行 handler，panic 會被轉換為錯誤
func (r *Runner[T, M]) safeHandle(ctx context.Context, value T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	if r.options.handleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.handleTimeout)
		defer cancel()
	}
	return r.handler(ctx, value)
}
