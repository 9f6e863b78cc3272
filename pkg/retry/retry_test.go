package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"serialization failure", errors.New("ERROR: could not serialize access due to serialization failure"), true},
		{"io timeout", errors.New("write tcp: i/o timeout"), true},
		{"wrapped transient", fmt.Errorf("failed to upsert: %w", errors.New("connection refused")), true},
		{"config error", errors.New("entity type \"customer\": scd.business_key_columns: empty"), false},
		{"integrity violation", errors.New("2 violation(s) for entity type \"customer\""), false},
		{"not found", errors.New("resource not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoIfTransient_SucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := DoIfTransient(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoIfTransient_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastConfig()
	cfg.InitialDelay = time.Second

	err := DoIfTransient(ctx, cfg, func() error { return errors.New("connection refused") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoIfTransient_NonTransientFailsImmediately(t *testing.T) {
	attempts := 0
	wantErr := errors.New("invalid configuration")
	err := DoIfTransient(context.Background(), fastConfig(), func() error {
		attempts++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts)
}

func TestDoIfTransient_TransientRetries(t *testing.T) {
	attempts := 0
	err := DoIfTransient(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoIfTransient_ExhaustsRetries(t *testing.T) {
	attempts := 0
	err := DoIfTransient(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestApplyJitter(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, base, applyJitter(base, 0))

	for i := 0; i < 50; i++ {
		jittered := applyJitter(base, 0.1)
		assert.InDelta(t, float64(base), float64(jittered), float64(base)*0.1)
	}
}
