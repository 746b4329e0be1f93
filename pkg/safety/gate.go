// Package safety classifies every outbound AWS operation and refuses to run
// anything that is not read-only. Discovery and enrichment handlers declare
// their operations up front; the gate is the single point those operations
// pass through on their way to the SDK.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Decision is the classification of one API operation.
type Decision string

const (
	DecisionReadOnly Decision = "read_only"
	DecisionMutating Decision = "mutating"
	DecisionUnknown  Decision = "unknown"
)

// ErrViolation is the sentinel wrapped by every blocked call.
var ErrViolation = errors.New("safety violation")

// ViolationError carries the classification that caused a block.
type ViolationError struct {
	Service   string
	Operation string
	Decision  Decision
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("safety violation: %s:%s classified %s", e.Service, e.Operation, e.Decision)
}

func (e *ViolationError) Unwrap() error { return ErrViolation }

// AuditEntry records one classification decision.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason"`
}

// Classification rule tables. Order matters: the allow-list is consulted
// before either prefix table, and mutating prefixes only apply to names the
// read-only table did not claim.
var readOnlyPrefixes = []string{
	"Describe", "Get", "List", "Head", "Select", "Query", "Scan", "BatchGet", "Lookup",
}

var mutatingPrefixes = []string{
	"Create", "Update", "Delete", "Put", "Modify", "Attach", "Detach",
	"Associate", "Disassociate", "Start", "Stop", "Reboot", "Terminate",
	"Run", "Revoke", "Authorize", "Enable", "Disable",
}

// Gate guards every outbound call of a run. One Gate per run; no process
// globals.
type Gate struct {
	mu         sync.Mutex
	allow      map[string]struct{}
	frozen     bool
	audit      []AuditEntry
	violations int
	calls      int64

	threshold int
	opTimeout time.Duration
	logger    *slog.Logger

	apiCalls       metric.Int64Counter
	violationCount metric.Int64Counter
}

// Option configures a Gate.
type Option func(*Gate)

// WithViolationThreshold sets how many violations a run tolerates before it
// must abort. The default of 0 aborts on the first one.
func WithViolationThreshold(n int) Option {
	return func(g *Gate) { g.threshold = n }
}

// WithOperationTimeout sets the per-call deadline applied by Guard.
func WithOperationTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.opTimeout = d
		}
	}
}

// WithUploadAllowance opts specific mutating operations into the allow-list.
// The artifact uploader passes S3:PutObject here; nothing in the core
// registries ever does.
func WithUploadAllowance(ops ...string) Option {
	return func(g *Gate) {
		for _, op := range ops {
			g.allow[op] = struct{}{}
		}
	}
}

// WithLogger routes block decisions to a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics attaches counters for admitted calls and violations.
func WithMetrics(apiCalls, violations metric.Int64Counter) Option {
	return func(g *Gate) {
		g.apiCalls = apiCalls
		g.violationCount = violations
	}
}

// NewGate builds a gate with the default 20s operation timeout and zero
// violation tolerance.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		allow:     make(map[string]struct{}),
		threshold: 0,
		opTimeout: 20 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func allowKey(service, operation string) string {
	return service + ":" + operation
}

// RegisterOps adds a handler's declared operations to the allow-list.
// Registration closes once Freeze is called.
func (g *Gate) RegisterOps(service string, ops ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return fmt.Errorf("safety gate is frozen; cannot register %s operations", service)
	}
	for _, op := range ops {
		g.allow[allowKey(service, op)] = struct{}{}
	}
	return nil
}

// Freeze seals the allow-list. Called once all handlers are registered,
// before any discovery starts.
func (g *Gate) Freeze() {
	g.mu.Lock()
	g.frozen = true
	g.mu.Unlock()
}

// Classify applies the rule tables in order. It is total: every operation
// name maps to exactly one decision.
func (g *Gate) Classify(service, operation string) Decision {
	g.mu.Lock()
	_, allowed := g.allow[allowKey(service, operation)]
	g.mu.Unlock()
	if allowed {
		return DecisionReadOnly
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(operation, p) {
			return DecisionReadOnly
		}
	}
	for _, p := range mutatingPrefixes {
		if strings.HasPrefix(operation, p) {
			return DecisionMutating
		}
	}
	return DecisionUnknown
}

// Guard wraps one outbound call. It refuses anything not read-only, applies
// the operation deadline, and appends an audit entry either way.
func (g *Gate) Guard(ctx context.Context, service, operation string, call func(context.Context) error) error {
	decision := g.Classify(service, operation)
	reason := g.reasonFor(service, operation, decision)

	g.mu.Lock()
	g.audit = append(g.audit, AuditEntry{
		Timestamp: time.Now().UTC(),
		Service:   service,
		Operation: operation,
		Decision:  decision,
		Reason:    reason,
	})
	if decision != DecisionReadOnly {
		g.violations++
	} else {
		g.calls++
	}
	g.mu.Unlock()

	if decision != DecisionReadOnly {
		if g.violationCount != nil {
			g.violationCount.Add(ctx, 1, metric.WithAttributes(
				attribute.String("aws.service", service),
				attribute.String("aws.operation", operation),
			))
		}
		g.logger.Error("blocked non-read-only operation",
			"service", service, "operation", operation, "decision", string(decision))
		return &ViolationError{Service: service, Operation: operation, Decision: decision}
	}

	if g.apiCalls != nil {
		g.apiCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aws.service", service),
			attribute.String("aws.operation", operation),
		))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	err := call(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("operation %s:%s timed out after %s: %w", service, operation, g.opTimeout, err)
	}
	return err
}

func (g *Gate) reasonFor(service, operation string, d Decision) string {
	g.mu.Lock()
	_, allowed := g.allow[allowKey(service, operation)]
	g.mu.Unlock()
	switch {
	case allowed:
		return "allow-list"
	case d == DecisionReadOnly:
		return "read-only prefix"
	case d == DecisionMutating:
		return "mutating prefix"
	default:
		return "unclassified"
	}
}

// Violations returns the number of blocked calls so far.
func (g *Gate) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}

// Calls returns the number of admitted calls so far.
func (g *Gate) Calls() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Exceeded reports whether the violation count passed the configured
// threshold and the run must abort.
func (g *Gate) Exceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations > g.threshold
}

// Audit returns a copy of the audit log.
func (g *Gate) Audit() []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEntry, len(g.audit))
	copy(out, g.audit)
	return out
}

// RegisteredOps returns the allow-list grouped by service, ops sorted. It
// reflects explicit registrations only, not the prefix tables.
func (g *Gate) RegisteredOps() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string)
	for key := range g.allow {
		if svc, op, ok := strings.Cut(key, ":"); ok {
			out[svc] = append(out[svc], op)
		}
	}
	for svc := range out {
		sort.Strings(out[svc])
	}
	return out
}

// OperationTimeout exposes the configured per-call deadline.
func (g *Gate) OperationTimeout() time.Duration {
	return g.opTimeout
}
