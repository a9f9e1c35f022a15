package resilience

import (
	"time"

	"github.com/Underflow0/kid-bank/internal/config"
)

// Config configures the breaker and deadline around a storage engine.
type Config struct {
	// Timeout bounds each storage call. Zero disables the per-call deadline.
	Timeout time.Duration

	// MaxRequests is how many trial calls pass while the breaker is half-open.
	MaxRequests uint32

	// Interval is the closed-state window after which failure counts reset.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before going half-open.
	OpenTimeout time.Duration

	// FailureThreshold is the number of consecutive infrastructure failures
	// that trips the breaker.
	FailureThreshold uint32
}

func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		MaxRequests:      5,
		Interval:         60 * time.Second,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
	}
}

// FromStorageConfig maps the process configuration onto a Config.
func FromStorageConfig(c config.StorageConfig) Config {
	cfg := Config{
		Timeout:          c.Timeout,
		MaxRequests:      c.BreakerMaxRequests,
		Interval:         c.BreakerInterval,
		OpenTimeout:      c.BreakerTimeout,
		FailureThreshold: c.BreakerFailureThreshold,
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return cfg
}
