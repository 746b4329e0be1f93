// Package enrich attaches service-specific attributes to discovered
// resources through a registry of per-service handlers, with a pattern
// probing fallback for services nobody wrote a handler for.
package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/telemetry"
)

// Context carries everything a handler may touch for one resource.
type Context struct {
	Clients *awsx.ClientSet
	Gate    *safety.Gate
	Cache   *Cache
	Logger  *slog.Logger
}

// Handler enriches resources of one service. Ops declares every operation
// the handler may invoke; the set is registered with the gate and frozen
// before the first call.
type Handler interface {
	Service() string
	Handles(service, resourceType string) bool
	Ops() []string
	Enrich(ctx context.Context, ec *Context, res *inventory.Resource) error
}

// Registry resolves the handler for a resource: first specific match wins,
// otherwise the dynamic fallback.
type Registry struct {
	specific []Handler
	dynamic  Handler
}

// NewRegistry builds a registry from specific handlers plus an optional
// dynamic fallback (nil disables fallback probing).
func NewRegistry(dynamic Handler, specific ...Handler) *Registry {
	return &Registry{specific: specific, dynamic: dynamic}
}

// DefaultRegistry wires the handlers this package ships.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewDynamicHandler(),
		&S3Enricher{},
		&EC2Enricher{},
		&RDSEnricher{},
		&LambdaEnricher{},
	)
}

// HandlerFor picks the handler for a (service, type) pair.
func (r *Registry) HandlerFor(service, resourceType string) Handler {
	for _, h := range r.specific {
		if h.Handles(service, resourceType) {
			return h
		}
	}
	return r.dynamic
}

// opRegistrar is implemented by handlers whose operations span services and
// must be declared under each service name individually.
type opRegistrar interface {
	registerOps(gate *safety.Gate) error
}

// RegisterOps declares every handler's operations on the gate. Call once
// before Freeze.
func (r *Registry) RegisterOps(gate *safety.Gate) error {
	for _, h := range append(append([]Handler{}, r.specific...), r.dynamic) {
		if h == nil {
			continue
		}
		if multi, ok := h.(opRegistrar); ok {
			if err := multi.registerOps(gate); err != nil {
				return err
			}
			continue
		}
		if err := gate.RegisterOps(h.Service(), h.Ops()...); err != nil {
			return err
		}
	}
	return nil
}

// Engine runs enrichment across an inventory with bounded parallelism.
type Engine struct {
	registry   *Registry
	gate       *safety.Gate
	clientsFor func(region string) *awsx.ClientSet
	cache      *Cache
	workers    int
	logger     *slog.Logger
	metrics    *telemetry.RunMetrics
}

// EngineOption tweaks engine construction.
type EngineOption func(*Engine)

// WithWorkers bounds concurrent per-resource enrichment.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches run counters.
func WithMetrics(m *telemetry.RunMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithCache replaces the probe cache, for tests.
func WithCache(c *Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// NewEngine builds an enrichment engine. clientsFor maps a region to its
// client set, normally Session.Clients.
func NewEngine(registry *Registry, gate *safety.Gate, clientsFor func(string) *awsx.ClientSet, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:   registry,
		gate:       gate,
		clientsFor: clientsFor,
		cache:      NewCache(0, 0),
		workers:    4,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run enriches every resource in place. Errors land on the resource, never
// on the return value: a half-enriched inventory beats an empty one. The
// returned count is how many resources recorded at least one error.
func (e *Engine) Run(ctx context.Context, resources []inventory.Resource) int {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := range resources {
		res := &resources[i]
		g.Go(func() error {
			e.enrichOne(ctx, res)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	failed := 0
	for i := range resources {
		if len(resources[i].EnrichmentErrors) > 0 {
			failed++
		}
	}
	return failed
}

func (e *Engine) enrichOne(ctx context.Context, res *inventory.Resource) {
	defer func() { res.Confidence = Score(res) }()

	if err := ctx.Err(); err != nil {
		res.EnrichmentErrors = append(res.EnrichmentErrors, "enrichment skipped: "+err.Error())
		return
	}
	handler := e.registry.HandlerFor(res.Service, res.Type)
	if handler == nil {
		return
	}
	ec := &Context{
		Clients: e.clientsFor(res.Region),
		Gate:    e.gate,
		Cache:   e.cache,
		Logger:  e.logger,
	}
	if err := handler.Enrich(ctx, ec, res); err != nil {
		res.EnrichmentErrors = append(res.EnrichmentErrors, err.Error())
		e.logger.Debug("enrichment failed",
			slog.String("service", res.Service),
			slog.String("resource", res.Key()),
			slog.String("error", err.Error()),
		)
	}
	if e.metrics != nil && e.metrics.Resources != nil {
		e.metrics.Resources.Add(ctx, 1)
	}
}

// setAttr initializes the attribute map lazily; handlers use it so partial
// enrichment still lands whatever was fetched before the failure.
func setAttr(res *inventory.Resource, key string, value any) {
	if value == nil {
		return
	}
	if res.ServiceAttributes == nil {
		res.ServiceAttributes = make(map[string]any)
	}
	res.ServiceAttributes[key] = value
}

// guardCall wraps one API call in the gate with a context label for errors.
func guardCall(ctx context.Context, ec *Context, service, op string, call func(context.Context) error) error {
	if err := ec.Gate.Guard(ctx, service, op, call); err != nil {
		return fmt.Errorf("%s.%s: %w", service, op, err)
	}
	return nil
}
