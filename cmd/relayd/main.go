package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun/dialect/pgdialect"
	"gopkg.in/yaml.v3"

	relay "github.com/edulure/go-relay"
	"github.com/edulure/go-relay/adapters/gocommand"
	"github.com/edulure/go-relay/adapters/gologger"
	"github.com/edulure/go-relay/adapters/redislock"
	"github.com/edulure/go-relay/core"
	relaymigrations "github.com/edulure/go-relay/migrations"
	sqlstore "github.com/edulure/go-relay/store/sql"
)

type persistenceConfig struct {
	dsn   string
	debug bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return "postgres" }
func (c persistenceConfig) GetServer() string             { return c.dsn }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "relayd" }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(os.Getenv("RELAY_LOG_LEVEL")); err == nil {
		base.SetLevel(level)
	}
	provider := gologger.NewLogrusProvider(base)
	logger := provider.GetLogger("relayd")
	if err := run(ctx, provider, logger); err != nil {
		logger.Error("relayd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, provider glog.LoggerProvider, logger glog.Logger) error {
	dsn := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if dsn == "" {
		return errors.New("RELAY_DATABASE_URL is required")
	}

	raw, err := loadConfigFile(os.Getenv("RELAY_CONFIG_FILE"))
	if err != nil {
		return err
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	client, err := persistence.New(persistenceConfig{dsn: dsn, debug: os.Getenv("RELAY_SQL_DEBUG") == "true"}, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("persistence client: %w", err)
	}
	defer client.Close()

	if _, err := relaymigrations.RegisterClient(ctx, client, relaymigrations.DialectPostgres); err != nil {
		return fmt.Errorf("register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = 30 * time.Second
	subscriptionCache, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return fmt.Errorf("subscription cache: %w", err)
	}

	opts := []relay.Option{
		relay.WithLoggerProvider(provider),
		relay.WithPersistenceClient(client),
		relay.WithRepositoryFactory(sqlstore.NewRepositoryFactory(sqlstore.WithSubscriptionCache(subscriptionCache))),
		relay.WithConfigProvider(core.NewCfgxConfigProvider(core.StaticConfigLoader{Values: raw})),
	}
	if addr := strings.TrimSpace(os.Getenv("RELAY_REDIS_ADDR")); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		locker, err := redislock.NewFromRedis(rdb)
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithJobLocker(locker))
	}

	engine, err := relay.NewEngine(ctx, relay.Config{}, opts...)
	if err != nil {
		return err
	}

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subscriptions, err := engine.RegisterCommands(adapter)
	if err != nil {
		return err
	}
	defer subscriptions.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		return err
	}

	logger.Info("relayd started", "service", engine.Config().ServiceName, "integrations", engine.Orchestrator().Integrations())
	return engine.Run(ctx, nil)
}

// loadConfigFile decodes an optional YAML or JSON config file into the raw
// layer consumed by the cfgx provider.
func loadConfigFile(path string) (map[string]any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	return raw, nil
}
