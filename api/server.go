package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redisAdapter "carsties/adapters/redis"
	internalS3 "carsties/adapters/s3"
	"carsties/adapters/sse"
	"carsties/auction"
	"carsties/events"
	"carsties/fault"
	"carsties/notification"
	"carsties/outbox"
	"carsties/search"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	groupAuction      = "auction"
	groupSearch       = "search"
	groupNotification = "notification"
	groupFault        = "fault"
)

type ServerImpl struct {
	redisClient *redis.Client
	bus         *bus
	auctionDB   *gorm.DB
	searchDB    *gorm.DB

	auctions *auction.Service
	query    *search.QueryEngine
	seeder   *search.Seeder
	hub      *sse.Hub[notification.Update]

	// components 依序啟動，反向關閉
	components []lifecycle
	started    int
	logger     *slog.Logger

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	ctx := context.Background()
	logger := slog.Default()

	if !config.runsAuction() && !config.runsSearch() {
		return nil, fmt.Errorf("[%s] unsupported service %q", op, config.Service)
	}

	impl := &ServerImpl{
		logger: logger.With(slog.String("caller", "Server")),
		config: config,
	}

	// 初始化Redis連線
	impl.redisClient = redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	b, err := newBus(ctx, config, impl.redisClient)
	if err != nil {
		impl.Close()
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	impl.bus = b

	faultConsumer, err := impl.newFaultConsumer(ctx)
	if err != nil {
		impl.Close()
		return nil, fmt.Errorf("[%s] %w", op, err)
	}

	if config.runsAuction() {
		if err := impl.initAuction(ctx, faultConsumer); err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
	}
	if config.runsSearch() {
		if err := impl.initSearch(ctx, faultConsumer); err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] %w", op, err)
		}
	}
	return impl, nil
}

// newFaultConsumer 建立故障消費者，有設定 bucket 時死信會另外備份到 S3
func (impl *ServerImpl) newFaultConsumer(ctx context.Context) (*fault.Consumer, error) {
	const op = "newFaultConsumer"
	config := impl.config
	opts := []fault.ConsumerOption{
		fault.WithConsumerLogger(slog.Default()),
		fault.WithConsumerCompensators(fault.DefaultCompensators(config.Fault.Fallbacks)),
	}
	if config.Fault.MaxCompensations > 0 {
		opts = append(opts, fault.WithConsumerMaxCompensations(config.Fault.MaxCompensations))
	}

	if config.S3.Bucket != "" {
		// 初始化S3客戶端
		s3Cfg, err := awsCfg.LoadDefaultConfig(
			ctx,
			awsCfg.WithBaseEndpoint(config.S3.Endpoint),
			awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
			awsCfg.WithRegion("auto"),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
		}
		archiveOpts := []internalS3.ArchiveOption{internalS3.WithArchiveLogger(slog.Default())}
		if config.S3.Prefix != "" {
			archiveOpts = append(archiveOpts, internalS3.WithArchivePrefix(config.S3.Prefix))
		}
		archive, err := internalS3.NewDeadLetterArchive(s3.NewFromConfig(s3Cfg), config.S3.Bucket, archiveOpts...)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create dead letter archive, err=%w", op, err)
		}
		opts = append(opts, fault.WithConsumerArchive(archive))
	}

	ledgerOpts := []redisAdapter.LedgerOption{}
	if config.Fault.LedgerTTL > 0 {
		ledgerOpts = append(ledgerOpts, redisAdapter.WithLedgerTTL(config.Fault.LedgerTTL))
	}
	ledger := redisAdapter.NewLedger(impl.redisClient, ledgerOpts...)

	consumer, err := fault.NewConsumer(impl.bus.publisher, ledger, impl.bus.sink, opts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create fault consumer, err=%w", op, err)
	}
	return consumer, nil
}

// initAuction 建立拍賣服務、outbox relay 與出價消費者
func (impl *ServerImpl) initAuction(ctx context.Context, faultConsumer *fault.Consumer) error {
	const op = "initAuction"
	config := impl.config
	db, err := openDatabase(config.AuctionDB)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	impl.auctionDB = db

	repo := auction.NewRepository(db, auction.WithRepositoryLogger(slog.Default()))
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	impl.auctions = auction.NewService(repo, slog.Default())

	relayOpts := []outbox.RelayOption{
		outbox.WithRelayLogger(slog.Default()),
		outbox.WithRelayRetention(config.Relay.Retention),
	}
	if config.Relay.BatchSize > 0 {
		relayOpts = append(relayOpts, outbox.WithRelayBatchSize(config.Relay.BatchSize))
	}
	if config.Relay.PollInterval > 0 {
		relayOpts = append(relayOpts, outbox.WithRelayPollInterval(config.Relay.PollInterval))
	}
	if config.Relay.LockKey != "" {
		relayOpts = append(relayOpts, outbox.WithRelayLeaderLock(
			redisAdapter.NewLeaderLock(impl.redisClient, config.Relay.LockKey, redisAdapter.WithLeaderLockLogger(slog.Default())),
		))
	}
	relay, err := outbox.NewRelay(db, impl.bus.publisher, relayOpts...)
	if err != nil {
		return fmt.Errorf("[%s] Fail to create outbox relay, err=%w", op, err)
	}

	bidTopic := events.KindBidPlaced.Topic()
	bids, err := impl.bus.subscribeEvents(bidTopic, groupAuction, auction.NewBidConsumer(repo, slog.Default()).Handle)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	faults, err := impl.bus.subscribeFaults(bidTopic, groupFault, faultConsumer.Handle)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}

	impl.components = append(impl.components, relay, bids, faults)
	return nil
}

// initSearch 建立投影、查詢引擎、生命週期消費者與即時通知
func (impl *ServerImpl) initSearch(ctx context.Context, faultConsumer *fault.Consumer) error {
	const op = "initSearch"
	config := impl.config
	db, err := openDatabase(config.SearchDB)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	impl.searchDB = db

	store := search.NewStore(db, search.WithStoreLogger(slog.Default()))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	impl.query = search.NewQueryEngine(db, search.WithQueryLogger(slog.Default()))

	var source search.AuctionSource
	switch {
	case config.AuctionServiceURL != "":
		httpSource, err := search.NewHTTPSource(config.AuctionServiceURL, nil)
		if err != nil {
			return fmt.Errorf("[%s] Fail to create auction source, err=%w", op, err)
		}
		source = httpSource
	case impl.auctions != nil:
		source = newServiceSource(impl.auctions)
	}
	if source != nil {
		impl.seeder = search.NewSeeder(store, source, slog.Default())
	}

	hub, err := sse.NewHub[notification.Update](impl.redisClient, config.Redis.StreamKeys.SSE, sse.WithHubLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("[%s] Fail to create sse hub, err=%w", op, err)
	}
	impl.hub = hub
	// hub 必須先於通知消費者啟動
	impl.components = append(impl.components, hub)

	lifecycleConsumer := search.NewLifecycleConsumer(store, slog.Default())
	notifier := notification.NewConsumer(hub, slog.Default())
	for _, kind := range []events.Kind{events.KindAuctionCreated, events.KindAuctionUpdated, events.KindAuctionDeleted} {
		topic := kind.Topic()
		runner, err := impl.bus.subscribeEvents(topic, groupSearch, lifecycleConsumer.Handle)
		if err != nil {
			return fmt.Errorf("[%s] %w", op, err)
		}
		faults, err := impl.bus.subscribeFaults(topic, groupFault, faultConsumer.Handle)
		if err != nil {
			return fmt.Errorf("[%s] %w", op, err)
		}
		impl.components = append(impl.components, runner, faults)
	}
	for _, topic := range events.Topics() {
		runner, err := impl.bus.subscribeEvents(topic, groupNotification, notifier.Handle)
		if err != nil {
			return fmt.Errorf("[%s] %w", op, err)
		}
		impl.components = append(impl.components, runner)
	}
	return nil
}

// Start 補齊投影後依序啟動所有背景元件，任何一個失敗時關閉已啟動的元件
func (impl *ServerImpl) Start() error {
	const op = "Server.Start"
	if impl.seeder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		_, err := impl.seeder.Seed(ctx)
		cancel()
		if err != nil {
			// 投影可以從事件流補齊，補齊失敗不阻止服務啟動
			impl.logger.Error("failed to seed projection", slog.Any("error", err))
		}
	}

	for _, component := range impl.components {
		if err := component.Start(); err != nil {
			impl.stopComponents()
			return fmt.Errorf("[%s] Fail to start component, err=%w", op, err)
		}
		impl.started++
	}
	impl.logger.Info("server started",
		slog.String("service", impl.config.Service),
		slog.String("bus", impl.bus.driver),
		slog.Int("components", len(impl.components)),
	)
	return nil
}

func (impl *ServerImpl) stopComponents() error {
	var errs []error
	for i := impl.started - 1; i >= 0; i-- {
		if err := impl.components[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	impl.started = 0
	return errors.Join(errs...)
}

// Close 反向關閉所有背景元件後釋放連線
func (impl *ServerImpl) Close() error {
	errs := []error{impl.stopComponents()}
	if impl.bus != nil {
		impl.bus.Close()
	}
	errs = append(errs, closeDatabase(impl.auctionDB), closeDatabase(impl.searchDB))
	if impl.redisClient != nil {
		errs = append(errs, impl.redisClient.Close())
	}
	impl.logger.Info("server closed")
	return errors.Join(errs...)
}
