package config

import (
	"strings"
	"time"
)

// CacheConfig defines settings for the response cache middleware.  When
// Enabled is false or no Redis client is available, caching is disabled.
// Methods lists the HTTP methods to cache.  KeyStrategy determines which
// parts of the request contribute to the cache key.
type CacheConfig struct {
	Enabled      bool          `envconfig:"ENABLED" default:"true"`
	Methods      []string      `envconfig:"METHODS" default:"GET"`
	TTL          time.Duration `envconfig:"TTL" default:"30s"`
	KeyStrategy  string        `envconfig:"KEY_STRATEGY" default:"route_query"`
	Prefix       string        `envconfig:"PREFIX" default:"cache"`
	MaxBodyBytes int           `envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

func (c *CacheConfig) normalize() {
	out := c.Methods[:0]
	for _, m := range c.Methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			out = append(out, m)
		}
	}
	c.Methods = out
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
}

// Caches reports whether responses to method are cached.
func (c CacheConfig) Caches(method string) bool {
	for _, m := range c.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
