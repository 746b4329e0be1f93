package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRunConfigIsValid(t *testing.T) {
	cfg := DefaultRunConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1800*time.Second, cfg.AccountDeadline)
	assert.Equal(t, 20*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentAccounts)
	assert.Equal(t, "auto", cfg.FallbackDisplay)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Zero(t, cfg.ViolationThreshold, "first blocked call aborts by default")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"zero accounts", func(c *RunConfig) { c.MaxConcurrentAccounts = 0 }},
		{"zero service workers", func(c *RunConfig) { c.ServiceWorkers = 0 }},
		{"zero enrich workers", func(c *RunConfig) { c.EnrichWorkers = 0 }},
		{"negative deadline", func(c *RunConfig) { c.AccountDeadline = -time.Second }},
		{"zero operation timeout", func(c *RunConfig) { c.OperationTimeout = 0 }},
		{"timeout equals deadline", func(c *RunConfig) {
			c.AccountDeadline = 20 * time.Second
			c.OperationTimeout = 20 * time.Second
		}},
		{"timeout above deadline", func(c *RunConfig) {
			c.AccountDeadline = 10 * time.Second
			c.OperationTimeout = time.Minute
		}},
		{"negative retries", func(c *RunConfig) { c.MaxRetries = -1 }},
		{"negative threshold", func(c *RunConfig) { c.ViolationThreshold = -1 }},
		{"negative retention", func(c *RunConfig) { c.RetentionDays = -5 }},
		{"bogus display", func(c *RunConfig) { c.FallbackDisplay = "sometimes" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultRunConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateAllowsEmptyDisplay(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.FallbackDisplay = ""
	assert.NoError(t, cfg.Validate(), "empty display falls back to auto downstream")
}
