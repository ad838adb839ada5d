// Package cache stores rendered report payloads keyed by the record store
// generation, so any accepted write naturally invalidates every entry.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

const keyPrefix = "pooltrace:report"

// Cache is a byte-oriented report cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Key builds a cache key scoped to a store generation.
func Key(generation uint64, parts ...string) string {
	return fmt.Sprintf("%s:g%d:%s", keyPrefix, generation, strings.Join(parts, ":"))
}

// New builds the cache selected by configuration.
func New(cfg domain.CacheConfig, logger *logrus.Logger) (Cache, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryCache(cfg.MaxEntries, cfg.TTL), nil
	case "redis":
		return NewRedisCache(cfg, logger)
	case "none":
		return Noop{}, nil
	default:
		return nil, domain.NewValidationError("cache.driver", "must be memory, redis or none", cfg.Driver)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) Close() error                                      { return nil }
