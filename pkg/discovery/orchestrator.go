package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/inventag/inventag/internal/pool"
	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/telemetry"
)

// FallbackDisplay is the exposure policy for fallback-tier records.
//
// auto hides fallback records for services whose primary handler produced
// at least one resource; always keeps everything; never drops every
// fallback record. Merged tags survive all three: the policy filters
// records, not the tag union.
type FallbackDisplay string

const (
	DisplayAuto   FallbackDisplay = "auto"
	DisplayAlways FallbackDisplay = "always"
	DisplayNever  FallbackDisplay = "never"
)

// ParseFallbackDisplay validates a policy string from config or flags.
func ParseFallbackDisplay(s string) (FallbackDisplay, error) {
	switch d := FallbackDisplay(strings.ToLower(s)); d {
	case "":
		return DisplayAuto, nil
	case DisplayAuto, DisplayAlways, DisplayNever:
		return d, nil
	default:
		return "", fmt.Errorf("discovery: unknown fallback display %q", s)
	}
}

const (
	// DefaultServiceWorkers bounds concurrent discovery scopes per account.
	DefaultServiceWorkers = 4

	// DefaultAccountDeadline bounds one account's whole discovery pass.
	DefaultAccountDeadline = 30 * time.Minute

	// windDownGrace is how long in-flight calls get to finish after the
	// account deadline before the orchestrator complains about them.
	windDownGrace = 5 * time.Second
)

// Orchestrator fans discovery scopes out over the worker pool and merges
// everything through one inventory. A scope is (handler, region) for
// regional services, (handler) for global ones, plus one fallback sweep per
// region.
type Orchestrator struct {
	registry       *Registry
	services       []string
	workers        int
	deadline       time.Duration
	display        FallbackDisplay
	includeManaged bool
	logger         *slog.Logger
	metrics        *telemetry.RunMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry substitutes the handler registry, usually for tests.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithServices restricts discovery to the named services. An account
// descriptor's own service list takes precedence over this.
func WithServices(services []string) Option {
	return func(o *Orchestrator) { o.services = services }
}

// WithServiceWorkers sets the per-account worker ceiling.
func WithServiceWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithAccountDeadline bounds a whole account pass.
func WithAccountDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithFallbackDisplay sets the fallback exposure policy.
func WithFallbackDisplay(d FallbackDisplay) Option {
	return func(o *Orchestrator) {
		if d != "" {
			o.display = d
		}
	}
}

// WithIncludeManaged keeps AWS-managed resources handlers normally suppress.
func WithIncludeManaged(include bool) Option {
	return func(o *Orchestrator) { o.includeManaged = include }
}

// WithLogger sets the structured logger for discovery events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics attaches run counters.
func WithMetrics(m *telemetry.RunMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator builds an orchestrator with the default registry, four
// workers, a thirty minute account deadline, and the auto display policy.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: DefaultRegistry(),
		workers:  DefaultServiceWorkers,
		deadline: DefaultAccountDeadline,
		display:  DisplayAuto,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry exposes the handler registry so callers can register its
// operations on the gate before freezing it.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Result is one account's merged discovery output.
type Result struct {
	Resources   []*inventory.Resource
	Meta        inventory.Metadata
	PrimaryHits map[string]int
	Regions     []string
	Display     FallbackDisplay
	Pool        pool.Stats
}

// Run discovers one account across its regions. The session's gate must
// already carry this registry's operations, frozen; Run only calls through
// it. Scope failures never abort the pass: they mark the result partial and
// the remaining scopes keep going. The returned error is reserved for
// account-level failures such as the region listing.
func (o *Orchestrator) Run(ctx context.Context, session *awsx.Session) (*Result, error) {
	dctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	regions, err := session.ListRegions(dctx)
	if err != nil {
		return nil, err
	}

	account := session.Identity.AccountID
	if account == "" {
		account = session.Account.AccountID
	}

	services := o.services
	if len(session.Account.Services) > 0 {
		services = session.Account.Services
	}
	handlers := o.registry.Handlers(services)

	o.logger.Info("discovery starting",
		slog.String("account_id", account),
		slog.Int("regions", len(regions)),
		slog.Int("handlers", len(handlers)),
		slog.String("fallback_display", string(o.display)),
	)

	inv := inventory.New()

	// The pool deliberately outlives the account deadline: every submitted
	// scope must execute so it either adds resources or records its failure.
	// Tasks see the deadline through dctx and abort fast once it passes.
	eng := pool.NewEngine(o.workers, awsx.IsThrottle)
	eng.Start(context.Background())

	var wg sync.WaitGroup
	submit := func(service, region string, discover func(context.Context, *Context) ([]inventory.Resource, error)) {
		dc := o.scope(session, inv, account, region, service)
		scope := fmt.Sprintf("%s:%s [%s]", account, region, service)
		wg.Add(1)
		eng.Submit(func(context.Context) error {
			defer wg.Done()
			return o.runScope(dctx, dc, inv, scope, service, discover)
		})
	}

	for _, h := range handlers {
		if h.Global() {
			submit(h.Service(), awsx.GlobalRegion, h.Discover)
			continue
		}
		for _, region := range regions {
			submit(h.Service(), region, h.Discover)
		}
	}
	for _, region := range regions {
		submit(fallbackService, region, DiscoverFallback)
	}

	o.waitWindDown(dctx, &wg)

	stats := eng.GetStats()
	eng.Stop()
	inv.CloseAndWait()

	meta := inv.Meta()
	resources := o.filterDisplay(inv.Resources(), inv)

	o.logger.Info("discovery complete",
		slog.String("account_id", account),
		slog.Int("resources", len(resources)),
		slog.Bool("partial", meta.Partial),
		slog.Int64("tasks", stats.TasksCompleted),
		slog.Int64("throttles", stats.Throttles),
	)

	return &Result{
		Resources:   resources,
		Meta:        meta,
		PrimaryHits: inv.PrimaryHits(),
		Regions:     regions,
		Display:     o.display,
		Pool:        stats,
	}, nil
}

func (o *Orchestrator) scope(session *awsx.Session, inv *inventory.Inventory, account, region, service string) *Context {
	return &Context{
		Clients:        session.Clients(region),
		Gate:           session.Gate(),
		Region:         region,
		AccountID:      account,
		Logger:         o.logger,
		ClientsFor:     session.Clients,
		IncludeManaged: o.includeManaged,
		exclude:        func(n int) { inv.AddExcluded(service, n) },
	}
}

// runScope executes one unit of discovery. Partial results are kept even
// when the handler also returns an error; the error marks the run partial
// and feeds the pool's throttle detection.
func (o *Orchestrator) runScope(ctx context.Context, dc *Context, inv *inventory.Inventory, scope, service string, discover func(context.Context, *Context) ([]inventory.Resource, error)) error {
	if err := ctx.Err(); err != nil {
		inv.AddError(scope, err)
		return err
	}

	start := time.Now()
	resources, err := discover(ctx, dc)
	for i := range resources {
		inv.Add(&resources[i])
	}
	if o.metrics != nil && len(resources) > 0 {
		o.metrics.Resources.Add(ctx, int64(len(resources)), metric.WithAttributes(
			attribute.String("aws.service", service),
		))
	}
	if err != nil {
		inv.AddError(scope, err)
		o.logger.Warn("discovery scope failed",
			slog.String("scope", scope),
			slog.Int("resources", len(resources)),
			slog.Any("error", err),
		)
		return err
	}

	o.logger.Debug("discovery scope done",
		slog.String("scope", scope),
		slog.Int("resources", len(resources)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// waitWindDown blocks until every submitted scope finished. After the
// deadline a short grace period covers calls already on the wire; scopes
// still running past it get logged, then waited for anyway because the
// inventory cannot close while producers remain.
func (o *Orchestrator) waitWindDown(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(windDownGrace):
		o.logger.Warn("wind-down grace exceeded, waiting for in-flight scopes",
			slog.Duration("grace", windDownGrace))
		<-done
	}
}

func (o *Orchestrator) filterDisplay(resources []*inventory.Resource, inv *inventory.Inventory) []*inventory.Resource {
	if o.display == DisplayAlways {
		return resources
	}
	out := make([]*inventory.Resource, 0, len(resources))
	for _, r := range resources {
		if r.Priority == inventory.PriorityFallback {
			if o.display == DisplayNever || inv.PrimaryProduced(r.Service) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}
