package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig is the client used by the signaling relay (pub/sub) and the
// price cache. Zero fields take the defaults below.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

var defaultRedis = RedisConfig{
	DialTimeout:     3 * time.Second,
	ReadTimeout:     2 * time.Second,
	WriteTimeout:    2 * time.Second,
	PoolSize:        20,
	PoolTimeout:     4 * time.Second,
	ConnMaxIdleTime: 5 * time.Minute,
	ConnMaxLifetime: 30 * time.Minute,
	PingTimeout:     2 * time.Second,
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	d := defaultRedis
	out.DialTimeout = orDuration(c.DialTimeout, d.DialTimeout)
	out.ReadTimeout = orDuration(c.ReadTimeout, d.ReadTimeout)
	out.WriteTimeout = orDuration(c.WriteTimeout, d.WriteTimeout)
	out.PoolTimeout = orDuration(c.PoolTimeout, d.PoolTimeout)
	out.ConnMaxIdleTime = orDuration(c.ConnMaxIdleTime, d.ConnMaxIdleTime)
	out.ConnMaxLifetime = orDuration(c.ConnMaxLifetime, d.ConnMaxLifetime)
	out.PingTimeout = orDuration(c.PingTimeout, d.PingTimeout)
	if out.PoolSize <= 0 {
		out.PoolSize = d.PoolSize
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	return out
}

func (c RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		DialTimeout:     c.DialTimeout,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		PoolTimeout:     c.PoolTimeout,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// OpenRedis builds a client and fails fast if PING does not answer.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(cfg.options())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
