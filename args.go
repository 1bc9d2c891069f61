package main

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"carsties/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "", "node name, used as the redis consumer name")
	pflag.String("service", api.ServiceAll, "all, auction or search")
	pflag.String("log-level", "info", "debug, info, warn or error")

	// db config
	for _, prefix := range []string{"auction-db", "search-db"} {
		pflag.String(prefix+"-driver", api.DriverPostgres, "postgres or sqlite")
		pflag.String(prefix+"-user", "", "")
		pflag.String(prefix+"-password", "", "")
		pflag.String(prefix+"-host", "", "")
		pflag.Int(prefix+"-port", 5432, "")
		pflag.String(prefix+"-database", "", "")
		pflag.String(prefix+"-schema", "public", "")
		pflag.String(prefix+"-path", "", "sqlite file path")
	}

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.Int64("redis-stream-max-len", 100000, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-sse", "carsties-shared-sse-stream", "")

	// bus config
	pflag.String("bus-driver", api.BusRedis, "redis or nats")
	pflag.String("nats-url", "nats://127.0.0.1:4222", "")
	pflag.String("nats-stream", "CARSTIES", "")
	pflag.Duration("nats-max-age", 7*24*time.Hour, "")

	// worker config
	pflag.Int("worker-count", 4, "")
	pflag.Int("worker-max-in-flight", 64, "")
	pflag.Uint("worker-max-tries", 5, "")
	pflag.Duration("worker-initial-interval", 100*time.Millisecond, "")
	pflag.Duration("worker-max-interval", 5*time.Second, "")
	pflag.Duration("worker-handle-timeout", 30*time.Second, "")

	// outbox relay config
	pflag.Int("relay-batch-size", 100, "")
	pflag.Duration("relay-poll-interval", 500*time.Millisecond, "")
	pflag.String("relay-lock-key", "carsties:outbox-relay", "")
	pflag.Duration("relay-retention", 7*24*time.Hour, "")

	// fault config
	pflag.Int("fault-max-compensations", 3, "")
	pflag.StringToString("fault-fallbacks", map[string]string{"model": "FooBar"}, "field=value substitutions for compensated events")
	pflag.Duration("fault-ledger-ttl", 24*time.Hour, "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "dead letters are archived when set")
	pflag.String("s3-prefix", "dead-letter", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	pflag.String("auction-service-url", "", "search service seeds its projection from this url")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CARSTIES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  level,
		ServerConfig: api.ServerConfig{
			ID:        viper.GetString("server-id"),
			Service:   viper.GetString("service"),
			AuctionDB: dbConfig("auction-db"),
			SearchDB:  dbConfig("search-db"),
			Redis: api.RedisConfig{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
				MaxLen:   viper.GetInt64("redis-stream-max-len"),
				StreamKeys: api.RedisStreamKeys{
					SSE: viper.GetString("redis-stream-key-for-sse"),
				},
			},
			Bus: api.BusConfig{
				Driver: viper.GetString("bus-driver"),
				NATS: api.NATSConfig{
					URL:    viper.GetString("nats-url"),
					Stream: viper.GetString("nats-stream"),
					MaxAge: viper.GetDuration("nats-max-age"),
				},
			},
			Worker: api.WorkerConfig{
				Workers:         viper.GetInt("worker-count"),
				MaxInFlight:     viper.GetInt("worker-max-in-flight"),
				MaxTries:        viper.GetUint("worker-max-tries"),
				InitialInterval: viper.GetDuration("worker-initial-interval"),
				MaxInterval:     viper.GetDuration("worker-max-interval"),
				HandleTimeout:   viper.GetDuration("worker-handle-timeout"),
			},
			Relay: api.RelayConfig{
				BatchSize:    viper.GetInt("relay-batch-size"),
				PollInterval: viper.GetDuration("relay-poll-interval"),
				LockKey:      viper.GetString("relay-lock-key"),
				Retention:    viper.GetDuration("relay-retention"),
			},
			Fault: api.FaultConfig{
				MaxCompensations: viper.GetInt("fault-max-compensations"),
				Fallbacks:        viper.GetStringMapString("fault-fallbacks"),
				LedgerTTL:        viper.GetDuration("fault-ledger-ttl"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				Prefix:          viper.GetString("s3-prefix"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			AuctionServiceURL: viper.GetString("auction-service-url"),
		},
	}
}

func dbConfig(prefix string) api.DBConfig {
	return api.DBConfig{
		Driver:   viper.GetString(prefix + "-driver"),
		User:     viper.GetString(prefix + "-user"),
		Password: viper.GetString(prefix + "-password"),
		Host:     viper.GetString(prefix + "-host"),
		Port:     viper.GetInt(prefix + "-port"),
		Database: viper.GetString(prefix + "-database"),
		Schema:   viper.GetString(prefix + "-schema"),
		Path:     viper.GetString(prefix + "-path"),
	}
}

type Args struct {
	ServerURL    string
	LogLevel     slog.Level
	ServerConfig api.ServerConfig
}

func (args Args) Validate() error {
	config := args.ServerConfig
	var errs []error
	if args.ServerURL == "" {
		errs = append(errs, errors.New("server-url is required"))
	}
	if config.ID == "" {
		errs = append(errs, errors.New("server-id is required"))
	}
	if config.Redis.Addr == "" {
		errs = append(errs, errors.New("redis-addr is required"))
	}
	switch config.Service {
	case api.ServiceAll, api.ServiceAuction, api.ServiceSearch:
	default:
		errs = append(errs, errors.New("service must be all, auction or search"))
	}
	switch config.Bus.Driver {
	case api.BusRedis:
	case api.BusNATS:
		if config.Bus.NATS.URL == "" || config.Bus.NATS.Stream == "" {
			errs = append(errs, errors.New("nats-url and nats-stream are required for the nats bus"))
		}
	default:
		errs = append(errs, errors.New("bus-driver must be redis or nats"))
	}
	if config.Service != api.ServiceSearch {
		errs = append(errs, validateDB("auction-db", config.AuctionDB))
	}
	if config.Service != api.ServiceAuction {
		errs = append(errs, validateDB("search-db", config.SearchDB))
	}
	return errors.Join(errs...)
}

func validateDB(name string, config api.DBConfig) error {
	switch config.Driver {
	case api.DriverPostgres:
		if config.Host == "" || config.Database == "" {
			return errors.New(name + "-host and " + name + "-database are required")
		}
	case api.DriverSQLite:
		if config.Path == "" {
			return errors.New(name + "-path is required")
		}
	default:
		return errors.New(name + "-driver must be postgres or sqlite")
	}
	return nil
}
