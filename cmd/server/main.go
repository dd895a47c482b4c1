package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duochat/internal/config"
	"duochat/internal/repository/memory"
	"duochat/internal/repository/message"
	"duochat/internal/repository/token"
	"duochat/internal/repository/user"
	"duochat/internal/service/broker"
	"duochat/internal/service/lock"
	redisSvc "duochat/internal/service/redis"
	"duochat/internal/service/server"
	"duochat/internal/utils/log"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type flags struct {
	configPath string
	envFile    string
	logLevel   string
	logFile    string
	addr       string
	store      string
	broker     string
}

func main() {
	f := &flags{}

	cmd := &cli.Command{
		Name:  "duochat-server",
		Usage: "Serve the two-party chat API and its notification websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML config file",
				Sources:     cli.EnvVars("DUOCHAT_CONFIG"),
				Value:       "duochat-server.yaml",
				Destination: &f.configPath,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "path to a .env file",
				Value:       ".env",
				Destination: &f.envFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("DUOCHAT_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("DUOCHAT_LOG_FILE"),
				Destination: &f.logFile,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address, overrides the config file",
				Sources:     cli.EnvVars("DUOCHAT_ADDR"),
				Destination: &f.addr,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "storage backend (mongo, memory), overrides the config file",
				Destination: &f.store,
			},
			&cli.StringFlag{
				Name:        "broker",
				Usage:       "signal broker (local, redis, nats), overrides the config file",
				Destination: &f.broker,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func run(ctx context.Context, f *flags) error {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return err
	}
	if err := log.Init(f.logLevel, f.logFile); err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	users, messages, tokens, closeStore, err := initStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redisSvc.RedisService
	if cfg.Broker == config.BrokerRedis || cfg.Locker == config.LockerRedis {
		rdb = redisSvc.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	b, err := initBroker(cfg, rdb)
	if err != nil {
		return err
	}
	if cfg.Broker != config.BrokerRedis {
		defer b.Close()
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Locker == config.LockerRedis {
		locker = lock.NewRedis(rdb, cfg.LockTTL)
	}

	log.Info("starting server",
		zap.String("store", cfg.Store),
		zap.String("broker", cfg.Broker),
		zap.String("locker", cfg.Locker))

	srv := server.NewHttpServer(users, messages, tokens, b, locker, server.Options{
		AccessTTL:      cfg.Tokens.AccessTTL,
		RefreshTTL:     cfg.Tokens.RefreshTTL,
		RotationGrace:  cfg.Tokens.RotationGrace,
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookies:  cfg.Tokens.SecureCookies,
	})
	return srv.Run(ctx, cfg.Addr)
}

func loadConfig(f *flags) (*config.ServerConfig, error) {
	cfg, err := config.LoadServer(f.configPath)
	if err != nil {
		return nil, err
	}

	if f.addr == "" && f.store == "" && f.broker == "" {
		return cfg, nil
	}
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.store != "" {
		cfg.Store = f.store
	}
	if f.broker != "" {
		cfg.Broker = f.broker
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initStores(ctx context.Context, cfg *config.ServerConfig) (server.UserStore, server.MessageStore, server.TokenStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		return memory.NewUserStore(), memory.NewMessageStore(), memory.NewTokenStore(), func() {}, nil
	}

	client, err := initMongo(ctx, cfg.Mongo)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			log.Error("disconnect mongo failed", zap.Error(err))
		}
	}

	db := client.Database(cfg.Mongo.Database)
	users := user.NewUserRepo(db)
	messages := message.NewMessageRepo(db)
	tokens := token.NewTokenRepo(db)

	for name, ensure := range map[string]func(context.Context) error{
		"users":    users.EnsureIndexes,
		"messages": messages.EnsureIndexes,
		"tokens":   tokens.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			closeFn()
			return nil, nil, nil, nil, fmt.Errorf("create %s indexes: %w", name, err)
		}
	}
	return users, messages, tokens, closeFn, nil
}

func initMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

// initBroker builds the configured broker. The redis broker shares the
// redis connection, which run closes itself.
func initBroker(cfg *config.ServerConfig, rdb *redisSvc.RedisService) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		return broker.NewRedis(rdb, broker.DefaultChannel), nil
	case config.BrokerNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("duochat-server"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return broker.NewNATS(nc, cfg.NATS.Subject), nil
	}
	return broker.NewLocal(), nil
}
