package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Store struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewStore(client *redis.Client, prefix string, logger *logrus.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Connect builds a client and pings it once.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to set redis key")
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.logger.WithFields(logrus.Fields{"key": key, "ttl": ttl}).Debug("Redis store set")
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.logger.WithField("key", key).Debug("Redis store miss")
			return nil, false, nil
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to get redis key")
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to delete redis key")
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
