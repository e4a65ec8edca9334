package client

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the go-redis client used for rate limiting and CSRF
// token storage.
type RedisClient struct {
	client *redis.Client
	config *config.Config
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	opts.DB = cfg.Redis.DB
	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = 10
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	util.Info("Connected to Redis", util.String("addr", opts.Addr))

	return &RedisClient{client: rdb, config: cfg}, nil
}

// Client exposes the raw go-redis client for caches that need pipelines or
// scripting.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Eval runs a Lua script against the connected server.
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return r.client.Eval(ctx, script, keys, args...).Result()
}

// IncrWithExpire atomically increments a counter and sets its TTL when the
// counter is created.
func (r *RedisClient) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	util.Info("Closing Redis connection")
	return r.client.Close()
}
