// Package discovery runs the two-tier resource census: service-native
// handlers first, then one tagging-aggregator sweep per region that catches
// every tagged resource the handlers missed.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
)

// Context is the scope one handler invocation works in: one account, one
// region (or the global pseudo-region), one client set.
type Context struct {
	Clients   *awsx.ClientSet
	Gate      *safety.Gate
	Region    string
	AccountID string
	Logger    *slog.Logger

	// ClientsFor resolves clients for another region. S3 needs it: buckets
	// are listed once but their tag sets live in the bucket's home region.
	ClientsFor func(region string) *awsx.ClientSet

	// IncludeManaged keeps resources handlers normally suppress as AWS
	// noise: default VPCs and security groups, service-linked roles,
	// reverse-DNS zones.
	IncludeManaged bool

	exclude func(n int)
}

// clientsFor returns region-scoped clients, falling back to the scope's own.
func (dc *Context) clientsFor(region string) *awsx.ClientSet {
	if dc.ClientsFor != nil {
		if cs := dc.ClientsFor(region); cs != nil {
			return cs
		}
	}
	return dc.Clients
}

// Exclude counts suppressed AWS-managed resources toward run metadata.
func (dc *Context) Exclude(n int) {
	if dc.exclude != nil && n > 0 {
		dc.exclude(n)
	}
}

// Handler is one service's primary-tier discovery. Ops declares every
// operation the handler may invoke; the gate freezes the set before any
// discovery starts.
type Handler interface {
	Service() string
	// Global handlers run once per account instead of once per region.
	Global() bool
	Ops() []string
	Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error)
}

// fallbackService is the gate namespace for the aggregator tier.
const fallbackService = "ResourceGroupsTaggingAPI"

// Registry holds the primary-tier handlers for a run.
type Registry struct {
	handlers []Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// DefaultRegistry wires every handler this package ships.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&EC2Handler{},
		&S3Handler{},
		&RDSHandler{},
		&DynamoDBHandler{},
		&ElastiCacheHandler{},
		&RedshiftHandler{},
		&LambdaHandler{},
		&ECSHandler{},
		&EKSHandler{},
		&ECRHandler{},
		&ELBv2Handler{},
		&CloudWatchHandler{},
		&LogsHandler{},
		&CloudTrailHandler{},
		&WAFv2Handler{},
		&IAMHandler{},
		&Route53Handler{},
		&CloudFrontHandler{},
	)
}

// Handlers filters to the requested services, case-insensitively. Empty
// means all.
func (r *Registry) Handlers(services []string) []Handler {
	if len(services) == 0 {
		return append([]Handler(nil), r.handlers...)
	}
	want := make(map[string]bool, len(services))
	for _, s := range services {
		want[strings.ToLower(s)] = true
	}
	out := make([]Handler, 0, len(services))
	for _, h := range r.handlers {
		if want[strings.ToLower(h.Service())] {
			out = append(out, h)
		}
	}
	return out
}

// Services lists the registered service names in registry order.
func (r *Registry) Services() []string {
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Service())
	}
	return out
}

// RegisterOps declares every handler's operations plus the fallback tier's
// single aggregator call on the gate. Call once, then Freeze.
func (r *Registry) RegisterOps(gate *safety.Gate) error {
	for _, h := range r.handlers {
		if err := gate.RegisterOps(h.Service(), h.Ops()...); err != nil {
			return err
		}
	}
	return gate.RegisterOps(fallbackService, "GetResources")
}

// guard funnels one outbound call through the gate with an error label.
func guard(ctx context.Context, dc *Context, service, op string, fn func(context.Context) error) error {
	if err := dc.Gate.Guard(ctx, service, op, fn); err != nil {
		return fmt.Errorf("%s.%s: %w", service, op, err)
	}
	return nil
}

// via labels a resource with the operation that produced it.
func via(service, op string) string {
	return service + ":" + op
}

// partitionFor maps a region to its ARN partition.
func partitionFor(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	default:
		return "aws"
	}
}

// buildARN assembles an ARN for services whose list calls do not return
// one. Matching the aggregator tier's ARNs is what makes the two tiers
// merge instead of duplicate.
func buildARN(region, accountID, service, resource string) string {
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", partitionFor(region), service, region, accountID, resource)
}
