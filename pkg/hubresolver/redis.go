package hubresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-hub/pkg/devicesim"
)

// RedisConfig holds the configuration for the Redis cache layer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// RedisResolver caches resolved connection targets in Redis, falling back to
// a source Resolver on a miss and writing the result back in the background.
type RedisResolver struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	fallback    Resolver
}

// NewRedisResolver creates and connects a RedisResolver. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisResolver(ctx context.Context, cfg *RedisConfig, fallback Resolver, logger zerolog.Logger) (*RedisResolver, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback resolver cannot be nil")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisResolver{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisResolver").Logger(),
		ttl:         cfg.CacheTTL,
		fallback:    fallback,
	}, nil
}

// Resolve checks Redis first. On a miss it resolves from the fallback and
// writes the target back to Redis off the request path.
func (r *RedisResolver) Resolve(ctx context.Context, hubName string) (devicesim.ConnectionTarget, error) {
	cached, err := r.redisClient.Get(ctx, cacheKey(hubName)).Result()
	if err == nil {
		var target devicesim.ConnectionTarget
		if unmarshalErr := json.Unmarshal([]byte(cached), &target); unmarshalErr == nil {
			r.logger.Debug().Str("hub", hubName).Msg("Resolver cache hit.")
			return target, nil
		}
		r.logger.Warn().Str("hub", hubName).Msg("Discarding undecodable cache entry.")
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Error().Err(err).Msg("Unexpected Redis error during resolve.")
		return devicesim.ConnectionTarget{}, err
	}

	target, err := r.fallback.Resolve(ctx, hubName)
	if err != nil {
		return devicesim.ConnectionTarget{}, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		payload, marshalErr := json.Marshal(target)
		if marshalErr != nil {
			r.logger.Error().Err(marshalErr).Str("hub", hubName).Msg("Failed to marshal target for caching.")
			return
		}
		if writeErr := r.redisClient.Set(writeCtx, cacheKey(hubName), payload, r.ttl).Err(); writeErr != nil {
			r.logger.Error().Err(writeErr).Str("hub", hubName).Msg("Failed to write target to cache in background.")
		}
	}()

	return target, nil
}

// Close closes the Redis client connection.
func (r *RedisResolver) Close() error {
	if r.redisClient != nil {
		r.logger.Info().Msg("Closing Redis client connection...")
		return r.redisClient.Close()
	}
	return nil
}

func cacheKey(hubName string) string {
	return "hubtarget:" + hubName
}
