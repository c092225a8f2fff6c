package service

import (
	"context"
	"time"
)

// Store is the key-value persistence the cache and settings live in.
// A ttl <= 0 keeps the value until it is deleted.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}
