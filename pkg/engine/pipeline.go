package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/inventag/inventag/pkg/analyzers"
	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/delta"
	"github.com/inventag/inventag/pkg/discovery"
	"github.com/inventag/inventag/pkg/enrich"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/report"
	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/state"
)

// pipelineState tracks where one account currently is. Terminal outcomes
// are recorded on the report as done, failed, or partial.
type pipelineState string

const (
	stateQueued      pipelineState = "queued"
	stateDiscovering pipelineState = "discovering"
	stateEnriching   pipelineState = "enriching"
	stateAnalyzing   pipelineState = "analyzing"
	stateComparing   pipelineState = "comparing"
)

// accountRun threads one account's pipeline bookkeeping.
type accountRun struct {
	label  string
	logger *slog.Logger
	rep    *report.AccountReport
	state  pipelineState
}

func (r *accountRun) transition(next pipelineState) {
	r.logger.Debug("pipeline transition", "from", string(r.state), "to", string(next))
	r.state = next
}

// stage times one pipeline phase and records it on the report.
func (r *accountRun) stage(name string, next pipelineState, fn func() error) error {
	if next != "" {
		r.transition(next)
	}
	start := time.Now()
	err := fn()
	r.rep.Stages = append(r.rep.Stages, report.StageTiming{
		Stage:  name,
		Millis: time.Since(start).Milliseconds(),
	})
	return err
}

func accountLabel(desc awsx.AccountDescriptor) string {
	switch {
	case desc.Name != "":
		return desc.Name
	case desc.AccountID != "":
		return desc.AccountID
	case desc.Profile != "":
		return desc.Profile
	default:
		return "default"
	}
}

// runAccount executes the full pipeline for one account. The returned error
// is non-nil only for safety aborts, which must cancel sibling accounts;
// every other failure is recorded on the account report instead.
func (e *Engine) runAccount(ctx context.Context, desc awsx.AccountDescriptor) (*report.AccountReport, error) {
	label := accountLabel(desc)
	ctx, span := e.Tracer.Start(ctx, "engine.account",
		trace.WithAttributes(attribute.String("run.account", label)))
	defer span.End()

	logger := e.Logger.With("scope", label)
	run := &accountRun{
		label:  label,
		logger: logger,
		rep: &report.AccountReport{
			AccountID: desc.AccountID,
			Resources: []inventory.Resource{},
		},
		state: stateQueued,
	}
	ar := run.rep

	actx, cancel := context.WithTimeout(ctx, e.run.AccountDeadline)
	defer cancel()

	gate, err := e.buildGate(logger)
	if err != nil {
		return e.fail(run, span, "gate setup", err), nil
	}
	defer func() {
		ar.Audit = gate.Audit()
		ar.APICalls = gate.Calls()
		ar.Violations = gate.Violations()
		span.SetAttributes(
			attribute.Int64("account.api_calls", ar.APICalls),
			attribute.Int("account.violations", ar.Violations),
			attribute.String("account.status", string(ar.Status)),
		)
	}()

	sess, err := awsx.NewSession(actx, desc, gate, e.sessionOptions(logger)...)
	if err != nil {
		return e.fail(run, span, "session setup", err), nil
	}
	identity, err := sess.VerifyIdentity(actx)
	if err != nil {
		return e.fail(run, span, "identity verification", err), nil
	}
	ar.Identity = identity
	ar.AccountID = identity.AccountID
	logger.Info("verified identity", "identity_type", string(identity.Type))

	display, err := discovery.ParseFallbackDisplay(e.run.FallbackDisplay)
	if err != nil {
		return e.fail(run, span, "fallback display", err), nil
	}

	// Discovery: primary handlers plus the tagging-API sweep.
	var result *discovery.Result
	err = run.stage("discover", stateDiscovering, func() error {
		orch := discovery.NewOrchestrator(
			discovery.WithRegistry(e.registry),
			discovery.WithServices(e.scanServices(desc)),
			discovery.WithServiceWorkers(e.run.ServiceWorkers),
			discovery.WithAccountDeadline(remaining(actx, e.run.AccountDeadline)),
			discovery.WithFallbackDisplay(display),
			discovery.WithIncludeManaged(e.run.IncludeManaged),
			discovery.WithLogger(logger),
			discovery.WithMetrics(e.metrics),
		)
		var derr error
		result, derr = orch.Run(actx, sess)
		return derr
	})
	if err != nil {
		if aborted, aerr := e.safetyAbort(run, span, gate); aborted {
			return ar, aerr
		}
		return e.fail(run, span, "discovery", err), nil
	}

	resources := make([]inventory.Resource, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = *r
	}
	if len(desc.TagFilter) > 0 {
		before := len(resources)
		resources = filterByTags(resources, desc.TagFilter)
		logger.Info("tag filter applied", "kept", len(resources), "dropped", before-len(resources))
	}
	ar.Regions = result.Regions
	ar.PrimaryHits = result.PrimaryHits
	ar.Excluded = result.Meta.Excluded
	ar.FailedScopes = result.Meta.FailedScopes
	span.SetAttributes(attribute.Int("account.resources", len(resources)))

	if aborted, aerr := e.safetyAbort(run, span, gate); aborted {
		return ar, aerr
	}

	// Enrichment deepens resources in place; failures degrade confidence
	// but never abort.
	_ = run.stage("enrich", stateEnriching, func() error {
		eng := enrich.NewEngine(e.enrichReg, gate, sess.Clients,
			enrich.WithWorkers(e.run.EnrichWorkers),
			enrich.WithLogger(logger),
			enrich.WithMetrics(e.metrics),
		)
		ar.EnrichmentFailures = eng.Run(actx, resources)
		return nil
	})
	if aborted, aerr := e.safetyAbort(run, span, gate); aborted {
		return ar, aerr
	}

	// Analyzers are pure functions over the inventory; run both at once.
	_ = run.stage("analyze", stateAnalyzing, func() error {
		var g errgroup.Group
		g.Go(func() error {
			ar.Network = analyzers.NewNetworkAnalyzer(logger).Analyze(resources)
			return nil
		})
		g.Go(func() error {
			ar.Security = analyzers.NewSecurityAnalyzer(logger).Analyze(resources)
			return nil
		})
		return g.Wait()
	})

	if e.comp != nil {
		_ = run.stage("comply", "", func() error {
			ar.Compliance = e.comp.Evaluate(resources)
			return nil
		})
	}

	// Snapshot write and delta against the previous one.
	snapshotFailed := false
	if e.store != nil {
		err = run.stage("compare", stateComparing, func() error {
			return e.snapshotAndDelta(actx, ar, resources)
		})
		if err != nil {
			snapshotFailed = true
			logger.Warn("snapshot stage failed", "error", err)
			ar.FailedScopes = append(ar.FailedScopes, inventory.ScopeError{
				Scope: ar.AccountID + " [snapshot]",
				Error: err.Error(),
			})
		}
	}

	if e.config.WithCosts {
		_ = run.stage("costs", "", func() error {
			costs, cerr := report.FetchMonthToDate(actx, sess.Clients(awsx.DefaultRegion).CostExplorer, gate, e.clock())
			if cerr != nil {
				logger.Warn("cost summary failed", "error", cerr)
				return nil
			}
			ar.Costs = costs
			return nil
		})
	}

	ar.Resources = resources

	if aborted, aerr := e.safetyAbort(run, span, gate); aborted {
		return ar, aerr
	}

	switch {
	case errors.Is(actx.Err(), context.Canceled):
		ar.Status = report.StatusFailed
		ar.Error = "run cancelled"
		span.SetStatus(codes.Error, "cancelled")
	case result.Meta.Partial || snapshotFailed || errors.Is(actx.Err(), context.DeadlineExceeded):
		ar.Status = report.StatusPartial
		logger.Warn("account finished partial",
			"resources", len(resources),
			"failed_scopes", len(ar.FailedScopes))
	default:
		ar.Status = report.StatusDone
		logger.Info("account complete",
			"resources", len(resources),
			"api_calls", gate.Calls())
	}
	return ar, nil
}

// buildGate constructs the per-account gate with both registries declared
// and frozen. Nothing mutating ever lands on the allow-list here.
func (e *Engine) buildGate(logger *slog.Logger) (*safety.Gate, error) {
	opts := []safety.Option{
		safety.WithViolationThreshold(e.run.ViolationThreshold),
		safety.WithOperationTimeout(e.run.OperationTimeout),
		safety.WithLogger(logger),
	}
	if e.metrics != nil {
		opts = append(opts, safety.WithMetrics(e.metrics.APICalls, e.metrics.Violations))
	}
	gate := safety.NewGate(opts...)
	if err := e.registry.RegisterOps(gate); err != nil {
		return nil, err
	}
	if err := e.enrichReg.RegisterOps(gate); err != nil {
		return nil, err
	}
	gate.Freeze()
	return gate, nil
}

func (e *Engine) sessionOptions(logger *slog.Logger) []awsx.SessionOption {
	opts := []awsx.SessionOption{
		awsx.WithSessionLogger(logger),
		awsx.WithMaxRetries(e.run.MaxRetries),
	}
	if e.factory != nil {
		opts = append(opts, awsx.WithFactory(e.factory))
	}
	if e.config.Endpoint != "" {
		opts = append(opts, awsx.WithEndpoint(e.config.Endpoint))
	}
	return opts
}

// scanServices merges the run-level service filter with the per-account
// one; the account descriptor wins when both are set.
func (e *Engine) scanServices(desc awsx.AccountDescriptor) []string {
	if len(desc.Services) > 0 {
		return desc.Services
	}
	return e.run.Services
}

// filterByTags keeps resources carrying every key=value pair of the
// descriptor's tag filter. Filtering happens before enrichment so no call
// is spent on resources the operator asked to ignore.
func filterByTags(resources []inventory.Resource, filter map[string]string) []inventory.Resource {
	kept := resources[:0]
	for _, r := range resources {
		match := true
		for k, v := range filter {
			if r.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, r)
		}
	}
	return kept
}

// snapshotAndDelta reads the previous snapshot before writing the new one,
// then diffs the two. A missing baseline is the first run, not an error.
func (e *Engine) snapshotAndDelta(ctx context.Context, ar *report.AccountReport, resources []inventory.Resource) error {
	var baseline *state.Snapshot
	if !e.run.DisableDelta {
		prev, _, err := e.store.Latest(ctx, ar.AccountID)
		switch {
		case err == nil:
			baseline = prev
		case errors.Is(err, state.ErrNoSnapshots):
			// first run for this account
		default:
			return fmt.Errorf("read baseline: %w", err)
		}
	}

	snap, key, err := e.store.Write(ctx, ar.AccountID, ar.Regions, resources)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	ar.SnapshotKey = key
	ar.SnapshotChecksum = snap.Checksum

	if baseline != nil {
		ar.Delta = delta.Compute(baseline, snap)
	}
	return nil
}

// safetyAbort checks the gate after a stage. Exceeding the threshold fails
// the account and propagates ErrSafetyAbort so the run cancels.
func (e *Engine) safetyAbort(run *accountRun, span trace.Span, gate *safety.Gate) (bool, error) {
	if !gate.Exceeded() {
		return false, nil
	}
	run.rep.Status = report.StatusFailed
	run.rep.Error = fmt.Sprintf("safety violations exceeded threshold: %d blocked calls", gate.Violations())
	span.SetStatus(codes.Error, "safety violations")
	run.logger.Error("aborting account, safety violations over threshold",
		"violations", gate.Violations(),
		"threshold", e.run.ViolationThreshold)
	return true, fmt.Errorf("account %s: %w", run.label, ErrSafetyAbort)
}

// fail marks the account failed with a labeled error.
func (e *Engine) fail(run *accountRun, span trace.Span, what string, err error) *report.AccountReport {
	run.rep.Status = report.StatusFailed
	run.rep.Error = fmt.Sprintf("%s: %v", what, err)
	run.logger.Error("account failed", "stage", what, "error", err)
	span.SetStatus(codes.Error, what)
	span.RecordError(err)
	return run.rep
}

// remaining returns the budget left on ctx, falling back to the configured
// deadline when none is set.
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	if left := time.Until(dl); left > 0 {
		return left
	}
	return time.Millisecond
}
