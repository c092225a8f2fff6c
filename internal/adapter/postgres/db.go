package postgres

import (
	"cbrf-exchange/pkg/config"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	connectAttempts = 5
	attemptTimeout  = 5 * time.Second
)

// InitDBPool connects with a linear backoff between attempts. The cache only
// needs a handful of connections.
func InitDBPool(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	for i := 0; i < connectAttempts; i++ {
		logger.Infof("DB connection attempt #%d", i+1)

		var pool *pgxpool.Pool
		pool, err = connect(ctx, poolConfig)
		if err == nil {
			logger.Infof("successfully connected to DB on attempt #%d", i+1)
			return pool, nil
		}
		logger.Warnf("DB attempt #%d failed: %v", i+1, err)

		if i < connectAttempts-1 {
			wait := time.Second * time.Duration(i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	logger.Errorf("Failed to connect to DB after %d attempts: %v", connectAttempts, err)
	return nil, fmt.Errorf("connect to DB after %d attempts: %w", connectAttempts, err)
}

func connect(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
