package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/openrdma/internal/logging"
)

var ErrInvalidConfig = errors.New("retry: invalid config")

// Config controls the monitor. CheckingInterval is the poll resolution and
// should stay at or below 1% of RetryTimeout; resends land within
// [RetryTimeout, RetryTimeout+CheckingInterval) of the previous attempt.
type Config struct {
	Enabled          bool
	MaxRetry         uint32
	RetryTimeout     time.Duration
	CheckingInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxRetry:         3,
		RetryTimeout:     time.Second,
		CheckingInterval: 10 * time.Millisecond,
	}
}

// Validate rejects a non-positive timeout or interval. An interval above 1%
// of the timeout is accepted with a warning.
func (c Config) Validate() error {
	if c.RetryTimeout <= 0 {
		return fmt.Errorf("%w: retry_timeout must be > 0, got %s", ErrInvalidConfig, c.RetryTimeout)
	}
	if c.CheckingInterval <= 0 {
		return fmt.Errorf("%w: checking_interval must be > 0, got %s", ErrInvalidConfig, c.CheckingInterval)
	}
	if c.CheckingInterval*100 > c.RetryTimeout {
		logging.Warnf("retry.Config checking_interval=%s above 1%% of retry_timeout=%s; resend timing will drift",
			c.CheckingInterval, c.RetryTimeout)
	}
	return nil
}
