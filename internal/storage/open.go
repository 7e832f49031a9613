package storage

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/metrics"
)

// Open tries the configured Redis URL first and falls back to an in-memory
// adapter with identical semantics if Redis is unreachable. An explicitly
// unconfigured backend is not degraded mode; in-memory is then the chosen
// store.
func Open(ctx context.Context, redisURL string) Adapter {
	if redisURL == "" {
		log.Info().Msg("no REDIS_URL configured, using in-memory storage adapter")
		metrics.StorageDegraded.Set(0)
		return NewMemoryAdapter(false)
	}

	adapter, err := NewRedisAdapter(ctx, redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unreachable, falling back to in-memory storage adapter (degraded mode)")
		metrics.StorageDegraded.Set(1)
		return NewMemoryAdapter(true)
	}

	log.Info().Msg("redis storage adapter connected")
	metrics.StorageDegraded.Set(0)
	return adapter
}
