// Package worker supervises the pull-based event workers: one claim loop
// per (event type, consumer group) pair, plus the janitor that reclaims
// stale claims and sweeps delivered rows.
package worker

import (
	"fmt"
	"time"

	"github.com/osa-io/osa/internal/domain"
)

// Config bounds one worker's claim loop. Validated at construction so a
// bad handler declaration fails boot, not the first poll.
type Config struct {
	// BatchSize is the maximum number of deliveries claimed per poll.
	BatchSize int

	// BatchTimeout is the processing budget for one claimed batch.
	BatchTimeout time.Duration

	// PollInterval is the idle sleep between claim attempts, and the base
	// of the failure backoff.
	PollInterval time.Duration

	// MaxRetries is the number of retryable failures before a delivery is
	// parked failed.
	MaxRetries int

	// ClaimTimeout is how long a claim may be held before the janitor
	// returns it to pending. Must exceed BatchTimeout, otherwise a healthy
	// worker's claims get reclaimed mid-batch.
	ClaimTimeout time.Duration
}

// DefaultConfig is the baseline worker configuration; handlers override
// individual fields.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		BatchTimeout: 5 * time.Minute,
		PollInterval: time.Second,
		MaxRetries:   3,
		ClaimTimeout: 10 * time.Minute,
	}
}

// Validate enforces the configuration bounds.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", domain.ErrConfiguration, c.BatchSize)
	}

	if c.BatchTimeout <= 0 {
		return fmt.Errorf("%w: batch_timeout must be > 0, got %s", domain.ErrConfiguration, c.BatchTimeout)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be > 0, got %s", domain.ErrConfiguration, c.PollInterval)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", domain.ErrConfiguration, c.MaxRetries)
	}

	if c.ClaimTimeout <= c.BatchTimeout {
		return fmt.Errorf("%w: claim_timeout (%s) must exceed batch_timeout (%s)",
			domain.ErrConfiguration, c.ClaimTimeout, c.BatchTimeout)
	}

	return nil
}

// MaxClaimTimeout returns the longest ClaimTimeout across the base config
// and every override. The janitor must reclaim with at least this value,
// otherwise it pulls claims out from under a healthy worker that is still
// inside its batch budget.
func MaxClaimTimeout(base Config, overrides map[string]Config) time.Duration {
	longest := base.ClaimTimeout

	for _, cfg := range overrides {
		if cfg.ClaimTimeout > longest {
			longest = cfg.ClaimTimeout
		}
	}

	return longest
}
