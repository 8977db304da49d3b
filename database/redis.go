package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nsvirk/ibstreamapi/config"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// ConnectRedis connects to the optional Redis used for the live tick
// pub/sub channel. Returns (nil, nil) when no address is configured.
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		zaplogger.Info("Redis not configured, tick publishing disabled")
		return nil, nil
	}

	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Connecting to Redis")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	zaplogger.Info("  * connected")
	return redisClient, nil
}
