package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemill/sitemill/internal/provider"
)

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limit", http.StatusTooManyRequests, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"internal error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"payment required", http.StatusPaymentRequired, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := provider.FromHTTPStatus("openai", "embed", tt.status, "boom")
			assert.Equal(t, tt.transient, provider.IsTransient(err))
			assert.Equal(t, !tt.transient, provider.IsFatal(err))
		})
	}
}

func TestError_CarriesDetail(t *testing.T) {
	t.Parallel()

	err := provider.FromHTTPStatus("mistral", "rewrite", http.StatusTooManyRequests, "slow down")
	assert.Contains(t, err.Error(), "mistral")
	assert.Contains(t, err.Error(), "rewrite")
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestKeyRing_RoundRobin(t *testing.T) {
	t.Parallel()

	ring := provider.NewKeyRing([]string{"k1", "", "k2", "k3"})
	require.Equal(t, 3, ring.Len())

	var got []string
	for range 6 {
		key, err := ring.Next()
		require.NoError(t, err)
		got = append(got, key)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3"}, got)
}

func TestKeyRing_Empty(t *testing.T) {
	t.Parallel()

	ring := provider.NewKeyRing(nil)
	_, err := ring.Next()
	assert.ErrorIs(t, err, provider.ErrNoAPIKeys)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	t.Parallel()

	cfg := provider.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	retries := 0
	err := provider.Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return provider.NewTransient("openai", "embed", "rate limited")
		}
		return nil
	}, func(attempt int, err error) {
		retries++
		assert.True(t, provider.IsTransient(err))
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries, "one callback per retried attempt")
}

func TestRetry_FatalStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	err := provider.Retry(context.Background(), provider.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func() error {
		calls++
		return provider.NewFatal("openai", "embed", "bad key")
	}, nil)

	assert.True(t, provider.IsFatal(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := provider.Retry(context.Background(), provider.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, func() error {
		calls++
		return provider.NewTransient("voyage", "embed", "timeout")
	}, nil)

	assert.ErrorIs(t, err, provider.ErrMaxAttemptsExceeded)
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := provider.Retry(ctx, provider.DefaultRetryConfig(), func() error {
		return errors.New("never called")
	}, nil)

	assert.ErrorIs(t, err, provider.ErrRetryCancelled)
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, provider.EstimateTokens(""))
	assert.Equal(t, 1, provider.EstimateTokens("abc"))
	assert.Equal(t, 25, provider.EstimateTokens(string(make([]byte, 100))))
}
