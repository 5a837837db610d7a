package config

// Redis backs the distributed rate limiter and the settings response cache.
// Neither is load-bearing: when the server cannot be reached at startup the
// constructor returns nil and callers fall back (in-process limiter, no
// cache).

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection.  Addr takes precedence over
// Host/Port when both are set.
type RedisConfig struct {
	Addr     string `envconfig:"ADDR"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	TLS      bool   `envconfig:"TLS"`
}

func (c RedisConfig) address() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.Host != "" && c.Port != "" {
		return c.Host + ":" + c.Port
	}
	return "localhost:6379"
}

// NewRedisClient instantiates a Redis client and pings it with a short
// timeout.  The returned client is nil if the ping fails.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.address(),
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
