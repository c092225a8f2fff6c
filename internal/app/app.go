// Package app assembles the rate cache and its collaborators from config.
package app

import (
	"context"
	"fmt"
	"time"

	"cbrf-exchange/internal/adapter/cbr"
	"cbrf-exchange/internal/adapter/memory"
	"cbrf-exchange/internal/adapter/postgres"
	"cbrf-exchange/internal/adapter/redisstore"
	"cbrf-exchange/internal/feed"
	"cbrf-exchange/internal/metrics"
	"cbrf-exchange/internal/service"
	"cbrf-exchange/internal/usecase"
	"cbrf-exchange/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Purger is implemented by stores that keep expired rows until asked.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type App struct {
	Client   *cbr.Client
	Parser   *feed.Parser
	Store    service.Store
	Settings *service.SettingsService
	Cache    *service.RateCache
	Pricing  *usecase.Pricing
	Metrics  *metrics.Metrics

	closers []func()
	purger  Purger
	logger  *logrus.Logger
}

// New wires every component. Close releases the store connections.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *logrus.Logger) (*App, error) {
	a := &App{logger: logger}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	logger.Infof("Initialized %s store", cfg.Cache.Backend)

	a.Metrics = metrics.New(reg)
	a.Client = cbr.NewClient(cfg.Feed.URL, cfg.Feed.Timeout, logger)
	a.Parser = feed.NewParser(cfg.Store.BaseCurrency)
	a.Settings = service.NewSettingsService(store, cfg.Cache.SettingsKey,
		cfg.Currencies.Available, cfg.Currencies.Selected, cfg.Cache.TTLHours, logger)

	a.Cache = service.NewRateCache(a.Client, a.Parser, store, a.Settings, service.CacheConfig{
		Key:         cfg.Cache.Key,
		SettingsKey: cfg.Cache.SettingsKey,
		Retention:   cfg.Cache.Retention,
	}, time.Now, a.Metrics, logger)
	logger.Info("Initialized service layer")

	a.Pricing = usecase.NewPricing(a.Cache, a.Settings, a.Client, a.Parser, a.Metrics, logger)
	logger.Info("Initialized usecase layer")

	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (service.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return redisstore.NewStore(client, cfg.Redis.Prefix, a.logger), nil

	case config.BackendPostgres:
		pool, err := postgres.InitDBPool(ctx, *cfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		store := postgres.NewStore(pool, time.Now, a.logger)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		a.purger = store
		return store, nil

	default:
		return memory.NewStore(time.Now, a.logger), nil
	}
}

// Refresh is the scheduled job: a new snapshot, then store housekeeping.
func (a *App) Refresh(ctx context.Context) error {
	if _, err := a.Cache.Refresh(ctx); err != nil {
		return err
	}
	if a.purger != nil {
		n, err := a.purger.PurgeExpired(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to purge expired cache entries")
		} else if n > 0 {
			a.logger.Infof("Purged %d expired cache entries", n)
		}
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
