package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry_Success_FirstAttempt(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, "login", func(context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_Success_AfterRetries(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, "login", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ExhaustedAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, "iscsi login", func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "iscsi login failed after 3 attempts")
	assert.Contains(t, err.Error(), "persistent error")
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	cfg := Config{
		MaxAttempts: 10,
		Delays:      []time.Duration{50 * time.Millisecond},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	startTime := time.Now()
	err := WithRetry(ctx, cfg, "mount", func(context.Context) error {
		return errors.New("transient error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, time.Since(startTime), 200*time.Millisecond)
}

func TestWithRetry_NoDelays(t *testing.T) {
	cfg := Config{MaxAttempts: 4}

	attempts := 0
	err := WithRetry(context.Background(), cfg, "op", func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestWithRetry_EmptyMaxAttempts_DefaultsToOne(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), Config{}, "op", func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		attempts string
		backoff  string
		expected Config
	}{
		{
			name:     "defaults",
			expected: DefaultConfig,
		},
		{
			name:     "custom values",
			attempts: "5",
			backoff:  "100, 250",
			expected: Config{
				MaxAttempts: 5,
				Delays:      []time.Duration{100 * time.Millisecond, 250 * time.Millisecond},
			},
		},
		{
			name:     "invalid values ignored",
			attempts: "-1",
			backoff:  "abc,0",
			expected: DefaultConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseConfig(tt.attempts, tt.backoff))
		})
	}
}
