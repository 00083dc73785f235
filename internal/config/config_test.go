package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1000, cfg.BuyRateLimit)
	assert.Equal(t, time.Second, cfg.BuyRateWindow)
	assert.Equal(t, 5*time.Second, cfg.ThrottleRetryCap)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BUY_RATE_LIMIT", "5")
	t.Setenv("BREAKER_COOLDOWN_SEC", "30")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("GATEWAY_FAILURE_RATE", "0.3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BuyRateLimit)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.InDelta(t, 0.3, cfg.GatewayFailureRate, 1e-9)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"BUY_RATE_LIMIT":       "0",
		"BREAKER_THRESHOLD":    "-1",
		"RETRY_ATTEMPTS":       "abc",
		"GATEWAY_FAILURE_RATE": "1.5",
		"BUY_RATE_WINDOW_SEC":  "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
