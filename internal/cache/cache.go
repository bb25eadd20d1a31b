package cache

import (
	"context"
	"time"
)

// BytesCache — best-effort кэш байтов. Ошибки кэша никогда не фатальны для
// читающих путей.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
