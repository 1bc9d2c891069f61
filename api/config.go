package api

import "time"

const (
	ServiceAll     = "all"
	ServiceAuction = "auction"
	ServiceSearch  = "search"

	BusRedis = "redis"
	BusNATS  = "nats"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type ServerConfig struct {
	// ID 是節點名稱，作為 redis 消費者群組中的消費者名稱
	ID string
	// Service 決定這個行程扮演的角色：all、auction 或 search
	Service string

	AuctionDB DBConfig
	SearchDB  DBConfig
	Redis     RedisConfig
	Bus       BusConfig
	Worker    WorkerConfig
	Relay     RelayConfig
	Fault     FaultConfig
	S3        S3Config

	// AuctionServiceURL 不為空時，搜尋服務從這個位址補齊投影，否則直接讀取同一行程的拍賣服務
	AuctionServiceURL string
}

type DBConfig struct {
	Driver   string
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
	// Path 是 sqlite 的檔案路徑
	Path string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	StreamKeys RedisStreamKeys
	// MaxLen 是事件 stream 的近似長度上限
	MaxLen int64
}

type RedisStreamKeys struct {
	SSE string
}

type BusConfig struct {
	Driver string
	NATS   NATSConfig
}

type NATSConfig struct {
	URL    string
	Stream string
	MaxAge time.Duration
}

type WorkerConfig struct {
	Workers         int
	MaxInFlight     int
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HandleTimeout   time.Duration
}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	LockKey      string
	Retention    time.Duration
}

type FaultConfig struct {
	MaxCompensations int
	// Fallbacks 是欄位補償時使用的替代值，例如 model=FooBar
	Fallbacks map[string]string
	LedgerTTL time.Duration
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	Prefix          string
}

func (c ServerConfig) runsAuction() bool {
	return c.Service == ServiceAll || c.Service == ServiceAuction
}

func (c ServerConfig) runsSearch() bool {
	return c.Service == ServiceAll || c.Service == ServiceSearch
}
