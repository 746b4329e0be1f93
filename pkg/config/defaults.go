// Package config defines the run configuration knobs, their defaults, and
// the validation applied before any AWS call is made.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid marks a configuration rejected at startup.
var ErrInvalid = errors.New("invalid run configuration")

// Defaults.
const (
	DefaultAccountDeadline       = 1800 * time.Second
	DefaultOperationTimeout      = 20 * time.Second
	DefaultMaxConcurrentAccounts = 4
	DefaultServiceWorkers        = 4
	DefaultEnrichWorkers         = 4
	DefaultMaxRetries            = 5
	DefaultFallbackDisplay       = "auto"
	DefaultRetentionDays         = 30
)

// RunConfig bounds one engine run: concurrency, deadlines, discovery scope,
// and snapshot behavior. The CLI populates it from flags and the config
// file; embedders fill it directly.
type RunConfig struct {
	// MaxConcurrentAccounts caps the account fan-out.
	MaxConcurrentAccounts int
	// ServiceWorkers caps concurrent discovery scopes per account.
	ServiceWorkers int
	// EnrichWorkers caps concurrent per-resource enrichment calls.
	EnrichWorkers int

	// AccountDeadline bounds one account's whole pipeline.
	AccountDeadline time.Duration
	// OperationTimeout bounds a single AWS API call.
	OperationTimeout time.Duration
	// MaxRetries is the throttle retry budget per call, not counting the
	// first attempt.
	MaxRetries int

	// ViolationThreshold is how many blocked calls are tolerated before
	// the run aborts. Zero means the first violation aborts.
	ViolationThreshold int

	// FallbackDisplay controls whether fallback-only resources appear in
	// the inventory: auto, always, or never.
	FallbackDisplay string

	// IncludeManaged keeps AWS-managed resources (default VPCs, service
	// roles) that are suppressed otherwise.
	IncludeManaged bool

	// Services restricts discovery to the named handlers. Empty means all.
	Services []string

	// StateDir is where snapshots live: a local directory or an
	// s3://bucket/prefix URL. Empty disables snapshots and deltas.
	StateDir string
	// DisableDelta skips the comparison against the previous snapshot
	// even when snapshots are written.
	DisableDelta bool
	// RetentionDays is the prune horizon. Pruning only happens on
	// explicit request, never during a run.
	RetentionDays int
}

// DefaultRunConfig returns the documented defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxConcurrentAccounts: DefaultMaxConcurrentAccounts,
		ServiceWorkers:        DefaultServiceWorkers,
		EnrichWorkers:         DefaultEnrichWorkers,
		AccountDeadline:       DefaultAccountDeadline,
		OperationTimeout:      DefaultOperationTimeout,
		MaxRetries:            DefaultMaxRetries,
		FallbackDisplay:       DefaultFallbackDisplay,
		RetentionDays:         DefaultRetentionDays,
	}
}

// Validate rejects configurations that could never produce a sound run.
// All errors wrap ErrInvalid.
func (c *RunConfig) Validate() error {
	if c.MaxConcurrentAccounts < 1 {
		return fmt.Errorf("%w: max concurrent accounts must be at least 1, got %d", ErrInvalid, c.MaxConcurrentAccounts)
	}
	if c.ServiceWorkers < 1 {
		return fmt.Errorf("%w: service workers must be at least 1, got %d", ErrInvalid, c.ServiceWorkers)
	}
	if c.EnrichWorkers < 1 {
		return fmt.Errorf("%w: enrich workers must be at least 1, got %d", ErrInvalid, c.EnrichWorkers)
	}
	if c.AccountDeadline <= 0 {
		return fmt.Errorf("%w: account deadline must be positive, got %s", ErrInvalid, c.AccountDeadline)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%w: operation timeout must be positive, got %s", ErrInvalid, c.OperationTimeout)
	}
	if c.OperationTimeout >= c.AccountDeadline {
		return fmt.Errorf("%w: operation timeout %s must be shorter than the account deadline %s",
			ErrInvalid, c.OperationTimeout, c.AccountDeadline)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative, got %d", ErrInvalid, c.MaxRetries)
	}
	if c.ViolationThreshold < 0 {
		return fmt.Errorf("%w: violation threshold cannot be negative, got %d", ErrInvalid, c.ViolationThreshold)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%w: retention days cannot be negative, got %d", ErrInvalid, c.RetentionDays)
	}
	switch c.FallbackDisplay {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("%w: fallback display must be auto, always, or never, got %q", ErrInvalid, c.FallbackDisplay)
	}
	return nil
}
