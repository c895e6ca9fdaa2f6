package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("Connected to Redis")
	return NewFromClient(rdb, logger), nil
}

// NewFromClient wraps an existing connection, typically one pointed at an
// in-process server in tests.
func NewFromClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger.With().Str("component", "redis").Logger(),
	}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
