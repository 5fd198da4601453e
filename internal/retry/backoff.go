// Package retry provides bounded retry and polling helpers used while driving
// block jobs and host storage tools.
package retry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultConfig is used for host storage commands (iscsiadm, mount) that can
// fail transiently while the remote side settles.
var DefaultConfig = Config{
	MaxAttempts: 3,
	Delays:      []time.Duration{500 * time.Millisecond, 2 * time.Second},
}

// ParseConfig builds a Config from an attempt count and a comma separated list
// of millisecond delays. Invalid or empty values fall back to DefaultConfig.
func ParseConfig(attemptsStr, backoffStr string) Config {
	cfg := Config{
		MaxAttempts: DefaultConfig.MaxAttempts,
		Delays:      append([]time.Duration(nil), DefaultConfig.Delays...),
	}

	if attemptsStr != "" {
		if attempts, err := strconv.Atoi(attemptsStr); err == nil && attempts > 0 {
			cfg.MaxAttempts = attempts
		}
	}

	if backoffStr != "" {
		var parsed []time.Duration
		for _, delayStr := range strings.Split(backoffStr, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(delayStr)); err == nil && ms > 0 {
				parsed = append(parsed, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(parsed) > 0 {
			cfg.Delays = parsed
		}
	}

	return cfg
}

// WithRetry executes fn until it succeeds or MaxAttempts is reached, sleeping
// Delays[i-1] before attempt i. When Delays runs out the last delay is reused.
// The operation name is only used for logging.
func WithRetry(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 && len(cfg.Delays) > 0 {
			delayIndex := attempt - 1
			if delayIndex >= len(cfg.Delays) {
				delayIndex = len(cfg.Delays) - 1
			}

			select {
			case <-time.After(cfg.Delays[delayIndex]):
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt + 1,
			"max":       cfg.MaxAttempts,
		}).WithError(err).Debug("Attempt failed")
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}
