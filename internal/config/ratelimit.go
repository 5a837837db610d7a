package config

import "time"

// RateLimitConfig drives the token bucket placed in front of the booking
// and payment initiation endpoints.  Capacity tokens are available up front
// and RefillTokens are added every RefillInterval.
type RateLimitConfig struct {
	Enabled        bool          `envconfig:"ENABLED" default:"true"`
	Capacity       int           `envconfig:"CAPACITY" default:"10"`
	RefillTokens   int           `envconfig:"REFILL_TOKENS" default:"1"`
	RefillInterval time.Duration `envconfig:"REFILL_INTERVAL" default:"6s"`
	TTL            time.Duration `envconfig:"TTL" default:"10m"`
	KeyStrategy    string        `envconfig:"KEY_STRATEGY" default:"ip_route"`
	Prefix         string        `envconfig:"PREFIX" default:"rl"`
	Debug          bool          `envconfig:"DEBUG"`
}

func (c *RateLimitConfig) normalize() {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
}

// PerSecond is the sustained refill rate, used by the in-process fallback
// limiter.
func (c RateLimitConfig) PerSecond() float64 {
	return float64(c.RefillTokens) / c.RefillInterval.Seconds()
}
