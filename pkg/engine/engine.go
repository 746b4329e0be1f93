// Package engine drives the scan pipeline: per-account sessions, two-tier
// discovery, enrichment, analyzers, compliance, snapshots, and delta
// comparison, every AWS call routed through the read-only safety gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/compliance"
	"github.com/inventag/inventag/pkg/config"
	"github.com/inventag/inventag/pkg/discovery"
	"github.com/inventag/inventag/pkg/enrich"
	"github.com/inventag/inventag/pkg/policy"
	"github.com/inventag/inventag/pkg/report"
	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/state"
	"github.com/inventag/inventag/pkg/storage"
	"github.com/inventag/inventag/pkg/telemetry"
	"github.com/inventag/inventag/pkg/version"
)

// ErrPartialResult indicates the run finished but at least one account came
// back partial or failed. Returned only in strict mode.
var ErrPartialResult = errors.New("run completed with partial results")

// ErrSafetyAbort indicates an account crossed the violation threshold and
// the remaining work was cancelled.
var ErrSafetyAbort = errors.New("run aborted by safety gate")

// ErrAllAccountsFailed indicates no account produced any inventory.
var ErrAllAccountsFailed = errors.New("every account failed")

// Config holds engine settings.
type Config struct {
	// Accounts to scan. Empty falls back to the ambient credential chain
	// as a single account.
	Accounts []awsx.AccountDescriptor

	// PolicyFile is a YAML or HCL tag policy path. Policy, when set,
	// wins over PolicyFile. With neither, compliance evaluation is
	// skipped and every verdict stays empty.
	PolicyFile string
	Policy     *policy.TagPolicy

	// Run bounds concurrency, deadlines, discovery scope, and snapshots.
	Run config.RunConfig

	// OutputDir receives report.json and inventory.csv. An s3:// value
	// renders locally first and uploads after the run.
	OutputDir string

	// WithCosts appends the month-to-date Cost Explorer summary to each
	// account section.
	WithCosts bool

	// StrictMode forces a non-zero result when any account is partial.
	StrictMode bool

	Verbose  bool
	JSONLogs bool

	// Endpoint overrides the AWS endpoint for every client. Used against
	// localstack.
	Endpoint string

	// Telemetry config.
	OtelEndpoint  string
	SkipTelemetry bool

	// Dependencies.
	Logger *slog.Logger
}

// Engine is the runtime core.
type Engine struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	// Immutable config.
	config    Config
	run       config.RunConfig
	outputDir string
	s3Target  string

	// Compiled policy. Nil when no policy was configured.
	tagPolicy *policy.TagPolicy
	comp      *compliance.Engine

	// Snapshot store. Nil when snapshots are disabled.
	store *state.Store

	registry  *discovery.Registry
	enrichReg *enrich.Registry
	factory   awsx.Factory
	blob      storage.BlobStore
	metrics   *telemetry.RunMetrics
	shutdown  func(context.Context) error
	clock     func() time.Time
}

// Option defines a functional configuration override.
type Option func(*Engine)

// WithConfig sets raw config.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
		e.run = cfg.Run
		if cfg.OutputDir != "" {
			if strings.HasPrefix(cfg.OutputDir, "s3://") {
				e.s3Target = cfg.OutputDir
				e.outputDir = defaultOutputDir
			} else {
				e.outputDir = cfg.OutputDir
			}
		}
		if cfg.Logger != nil {
			e.Logger = cfg.Logger
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithDiscoveryRegistry substitutes the primary-tier handler set.
func WithDiscoveryRegistry(r *discovery.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithEnrichmentRegistry substitutes the enrichment handler set.
func WithEnrichmentRegistry(r *enrich.Registry) Option {
	return func(e *Engine) { e.enrichReg = r }
}

// WithClientFactory injects a client factory, used by tests to substitute
// spies for real SDK clients.
func WithClientFactory(f awsx.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithBlobStore overrides the snapshot backend regardless of Run.StateDir.
func WithBlobStore(b storage.BlobStore) Option {
	return func(e *Engine) { e.blob = b }
}

// WithClock pins time for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

const defaultOutputDir = "inventag-out"

// New initializes the Engine. Configuration errors surface here, before
// any AWS call is made.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		Tracer:    otel.Tracer("inventag/engine"),
		registry:  discovery.DefaultRegistry(),
		enrichReg: enrich.DefaultRegistry(),
		run:       config.DefaultRunConfig(),
		outputDir: defaultOutputDir,
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.Logger == nil {
		e.Logger = NewLogger(e.config.Verbose, e.config.JSONLogs)
	}
	slog.SetDefault(e.Logger)

	if !e.config.SkipTelemetry {
		shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, e.config.OtelEndpoint)
		if err != nil {
			e.Logger.Warn("telemetry init failed", "error", err)
		} else {
			e.shutdown = shutdown
		}
	}
	if metrics, err := telemetry.NewRunMetrics("inventag/engine"); err == nil {
		e.metrics = metrics
	} else {
		e.Logger.Warn("metrics init failed", "error", err)
	}

	if err := e.run.Validate(); err != nil {
		return nil, err
	}

	switch {
	case e.config.Policy != nil:
		e.tagPolicy = e.config.Policy
		if err := e.tagPolicy.Validate(); err != nil {
			return nil, err
		}
	case e.config.PolicyFile != "":
		p, err := policy.Load(e.config.PolicyFile)
		if err != nil {
			return nil, err
		}
		e.tagPolicy = p
	}
	if e.tagPolicy != nil {
		comp, err := compliance.NewEngine(e.tagPolicy, e.Logger)
		if err != nil {
			return nil, err
		}
		e.comp = comp
	}

	if e.blob == nil && e.run.StateDir != "" {
		store, err := OpenStore(ctx, e.run.StateDir, e.Logger, "S3:PutObject")
		if err != nil {
			return nil, err
		}
		e.store = store
	} else if e.blob != nil {
		e.store = state.NewStore(e.blob,
			state.WithStoreLogger(e.Logger),
			state.WithClock(e.clock))
	}

	return e, nil
}

// OpenStore opens the snapshot store behind target: an s3://bucket/prefix
// URL or a local directory. extraOps widens the S3 session's allow-list
// beyond read-only, e.g. S3:PutObject for runs that write snapshots or
// S3:DeleteObject for explicit pruning; local directories need none.
func OpenStore(ctx context.Context, target string, logger *slog.Logger, extraOps ...string) (*state.Store, error) {
	bucket, prefix, ok := storage.ParseS3URL(target)
	if !ok {
		return state.NewStore(storage.NewLocalStore(target), state.WithStoreLogger(logger)), nil
	}

	gate := safety.NewGate(
		safety.WithUploadAllowance(extraOps...),
		safety.WithLogger(logger),
	)
	gate.Freeze()
	sess, err := awsx.NewSession(ctx, awsx.AccountDescriptor{Source: awsx.CredentialDefault}, gate,
		awsx.WithSessionLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("state store session: %w", err)
	}
	return state.NewStore(storage.NewS3Store(sess.Config(), bucket, prefix), state.WithStoreLogger(logger)), nil
}

// Run scans every configured account and assembles the report. The report
// is returned even when err is non-nil, carrying whatever completed.
func (e *Engine) Run(ctx context.Context) (*report.Report, error) {
	ctx, span := e.Tracer.Start(ctx, "engine.run")
	defer span.End()

	// Crash safety.
	defer e.recoverPanic(ctx)

	accounts := e.config.Accounts
	if len(accounts) == 0 {
		accounts = []awsx.AccountDescriptor{{Source: awsx.CredentialDefault}}
	}

	runID := uuid.NewString()
	rep := report.New(runID)
	started := e.clock()

	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.accounts", len(accounts)),
	)
	e.Logger.Info("starting run",
		"run_id", runID,
		"accounts", len(accounts),
		"max_concurrent", e.run.MaxConcurrentAccounts,
		"deadline", e.run.AccountDeadline.String())

	results := make([]*report.AccountReport, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.run.MaxConcurrentAccounts)
	for i, desc := range accounts {
		g.Go(func() error {
			ar, err := e.runAccount(gctx, desc)
			results[i] = ar
			// Only safety aborts propagate; they cancel the
			// sibling accounts through the group context.
			return err
		})
	}
	safetyErr := g.Wait()

	for _, ar := range results {
		if ar != nil {
			rep.Accounts = append(rep.Accounts, *ar)
		}
	}
	rep.DurationMS = e.clock().Sub(started).Milliseconds()

	status := rep.Status()
	span.SetAttributes(
		attribute.String("run.status", string(status)),
		attribute.Int("run.resources", rep.TotalResources()),
		attribute.Int("run.violations", rep.TotalViolations()),
	)

	if safetyErr != nil {
		span.SetStatus(codes.Error, "safety abort")
		e.Logger.Error("run aborted by safety gate", "error", safetyErr)
		return rep, safetyErr
	}

	if status == report.StatusFailed && e.allFailed(rep) {
		span.SetStatus(codes.Error, "all accounts failed")
		return rep, e.firstFailure(rep)
	}

	if status != report.StatusDone {
		span.SetAttributes(attribute.Bool("run.partial", true))
		if e.config.StrictMode {
			e.Logger.Error("strict mode: failing due to partial results")
			return rep, ErrPartialResult
		}
		e.Logger.Warn("run finished with partial results", "status", string(status))
	}

	e.Logger.Info("run complete",
		"run_id", runID,
		"status", string(status),
		"resources", rep.TotalResources(),
		"duration_ms", rep.DurationMS)
	return rep, nil
}

// Close flushes telemetry. Safe to call once after the last Run.
func (e *Engine) Close(ctx context.Context) error {
	if e.shutdown == nil {
		return nil
	}
	return e.shutdown(ctx)
}

func (e *Engine) allFailed(rep *report.Report) bool {
	for i := range rep.Accounts {
		if rep.Accounts[i].Status != report.StatusFailed {
			return false
		}
	}
	return len(rep.Accounts) > 0
}

func (e *Engine) firstFailure(rep *report.Report) error {
	for i := range rep.Accounts {
		if rep.Accounts[i].Error != "" {
			return fmt.Errorf("%w: %s", ErrAllAccountsFailed, rep.Accounts[i].Error)
		}
	}
	return ErrAllAccountsFailed
}

// recoverPanic handles failures.
func (e *Engine) recoverPanic(ctx context.Context) {
	if r := recover(); r != nil {
		tr := otel.Tracer("inventag/engine")
		_, span := tr.Start(ctx, "CriticalPanic")

		stack := debug.Stack()
		span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
		span.SetStatus(codes.Error, "CRITICAL FAILURE")
		span.SetAttributes(
			attribute.String("crash.stack", string(stack)),
			attribute.String("crash.reason", fmt.Sprintf("%v", r)),
		)
		span.End()

		// Log instead of exiting so embedders can handle the error state.
		e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
	}
}

// NewLogger builds the default structured logger: JSON or text on stderr,
// with sensitive keys scrubbed.
func NewLogger(verbose, jsonLogs bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSensitiveData,
	}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// redactSensitiveData scrubs credential material from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password": true, "access_key": true, "access_key_id": true,
		"secret_access_key": true, "token": true, "session_token": true,
		"secret": true, "api_key": true, "private_key": true,
		"auth_token": true, "refresh_token": true, "certificate": true,
		"signature": true, "credential": true, "ssh_key": true,
		"connection_string": true, "external_id": true,
	}

	if sensitiveKeys[a.Key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}
