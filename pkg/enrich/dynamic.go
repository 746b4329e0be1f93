package enrich

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/redshift"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
)

// probe is one candidate (operation, parameter shape) for a service. The
// search space is plain data: covering another service means adding rows,
// not reflecting over SDK clients.
type probe struct {
	op     string
	kind   string // resource type the row was derived from; "" matches any
	params string // parameter shape, for logs
	call   func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error)
}

// DynamicHandler enriches resources of services that have no dedicated
// handler. It walks the probe catalog for the service, invokes the first
// candidate the gate classifies read-only, and keeps whatever payload comes
// back. Successful operations are remembered per service:type, and so are
// dead ends, so each shape is probed at most once per cache window.
type DynamicHandler struct {
	catalog map[string][]probe
}

// NewDynamicHandler builds the fallback prober with the stock catalog.
func NewDynamicHandler() *DynamicHandler {
	return &DynamicHandler{catalog: probeCatalog()}
}

func (*DynamicHandler) Service() string { return "Dynamic" }

func (h *DynamicHandler) Handles(service, resourceType string) bool {
	_, ok := h.catalog[service]
	return ok
}

// Ops returns every operation the catalog may invoke, across services.
func (h *DynamicHandler) Ops() []string {
	seen := map[string]struct{}{}
	var ops []string
	for _, rows := range h.catalog {
		for _, p := range rows {
			if _, dup := seen[p.op]; dup {
				continue
			}
			seen[p.op] = struct{}{}
			ops = append(ops, p.op)
		}
	}
	sort.Strings(ops)
	return ops
}

// registerOps declares each probe under its own service name so the gate's
// allow-list matches what Guard sees at call time.
func (h *DynamicHandler) registerOps(gate *safety.Gate) error {
	services := make([]string, 0, len(h.catalog))
	for svc := range h.catalog {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		ops := make([]string, 0, len(h.catalog[svc]))
		for _, p := range h.catalog[svc] {
			ops = append(ops, p.op)
		}
		if err := gate.RegisterOps(svc, ops...); err != nil {
			return err
		}
	}
	return nil
}

func (h *DynamicHandler) Enrich(ctx context.Context, ec *Context, res *inventory.Resource) error {
	candidates := h.candidatesFor(res)
	if len(candidates) == 0 {
		return nil
	}
	missKey := probeKey("miss", res.Service, res.Type)
	hitKey := probeKey("hit", res.Service, res.Type)
	if ec.Cache != nil {
		if _, dead := ec.Cache.Get(missKey); dead {
			return nil
		}
		if v, ok := ec.Cache.Get(hitKey); ok {
			if op, ok := v.(string); ok {
				candidates = preferOp(candidates, op)
			}
		}
	}

	for _, p := range candidates {
		if ec.Gate.Classify(res.Service, p.op) != safety.DecisionReadOnly {
			continue
		}
		var payload map[string]any
		err := guardCall(ctx, ec, res.Service, p.op, func(ctx context.Context) error {
			out, err := p.call(ctx, ec, res)
			if err != nil {
				return err
			}
			payload = extractPayload(out)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			ec.Logger.Debug("probe failed",
				"service", res.Service, "operation", p.op, "params", p.params, "error", err.Error())
			continue
		}
		if len(payload) == 0 {
			continue
		}
		attrs, _ := snakeValue(payload).(map[string]any)
		for k, v := range attrs {
			if res.ServiceAttributes != nil {
				if _, exists := res.ServiceAttributes[k]; exists {
					continue
				}
			}
			setAttr(res, k, v)
		}
		promoteProbed(res, attrs)
		if ec.Cache != nil {
			ec.Cache.Put(hitKey, p.op)
		}
		return nil
	}

	if ec.Cache != nil {
		ec.Cache.Put(missKey, true)
	}
	return nil
}

// candidatesFor narrows the service's rows to ones that fit the resource.
func (h *DynamicHandler) candidatesFor(res *inventory.Resource) []probe {
	rows := h.catalog[res.Service]
	if len(rows) == 0 || ident(res) == "" {
		return nil
	}
	out := make([]probe, 0, len(rows))
	for _, p := range rows {
		if p.kind != "" && p.kind != res.Type {
			continue
		}
		out = append(out, p)
	}
	return out
}

func probeKey(outcome, service, resourceType string) string {
	return "probe:" + outcome + ":" + service + ":" + resourceType
}

// preferOp moves the previously successful operation to the front.
func preferOp(probes []probe, op string) []probe {
	out := make([]probe, 0, len(probes))
	for _, p := range probes {
		if p.op == op {
			out = append(out, p)
		}
	}
	for _, p := range probes {
		if p.op != op {
			out = append(out, p)
		}
	}
	return out
}

func ident(res *inventory.Resource) string {
	if res.ID != "" {
		return res.ID
	}
	return res.Name
}

func nameFirst(res *inventory.Resource) string {
	if res.Name != "" {
		return res.Name
	}
	return res.ID
}

// promoteProbed copies identity-grade fields out of a probed payload when
// discovery left them blank.
func promoteProbed(res *inventory.Resource, attrs map[string]any) {
	if res.State == "" {
		for _, k := range []string{"status", "state", "table_status", "cluster_status"} {
			if s, ok := attrs[k].(string); ok && s != "" {
				res.State = s
				break
			}
		}
	}
	if len(res.Tags) == 0 {
		if raw, ok := attrs["tags"].(map[string]any); ok && len(raw) > 0 {
			tags := make(map[string]string, len(raw))
			for k, v := range raw {
				if s, ok := v.(string); ok {
					tags[k] = s
				}
			}
			if len(tags) > 0 {
				res.Tags = tags
			}
		}
	}
}

// extractPayload flattens one SDK response. The wrapper and paging fields
// carry no resource data; the largest remaining object is the payload. A
// response whose candidate objects are all empty yields nil, which the
// caller treats as a failed probe.
func extractPayload(out any) map[string]any {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	// Failures is how ECS-style batch describes report misses.
	for _, k := range []string{"ResultMetadata", "NextToken", "NextMarker", "Marker", "Failures"} {
		delete(m, k)
	}
	var best map[string]any
	for _, v := range m {
		obj := payloadObject(v)
		if len(obj) > len(best) {
			best = obj
		}
	}
	if best != nil {
		return best
	}
	return flatPayload(m)
}

// payloadObject unwraps a nested object, including a single-element list.
// Multi-element lists are ambiguous for a probe keyed to one resource.
func payloadObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) > 0 {
			return t
		}
	case []any:
		if len(t) == 1 {
			if obj, ok := t[0].(map[string]any); ok {
				return obj
			}
		}
	}
	return nil
}

// flatPayload keeps responses with top-level scalars, like trail status.
func flatPayload(m map[string]any) map[string]any {
	for _, v := range m {
		switch t := v.(type) {
		case nil:
			continue
		case []any:
			if len(t) == 0 {
				continue
			}
		case map[string]any:
			if len(t) == 0 {
				continue
			}
		}
		return m
	}
	return nil
}

// snakeValue rewrites map keys to snake_case recursively and drops nulls,
// so probed attributes read like the ones specific handlers emit.
func snakeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			if inner == nil {
				continue
			}
			out[snakeKey(k)] = snakeValue(inner)
		}
		return out
	case []any:
		for i := range t {
			t[i] = snakeValue(t[i])
		}
		return t
	default:
		return v
	}
}

func snakeKey(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range rs {
		if unicode.IsUpper(r) {
			boundary := i > 0 && (unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1]) ||
				(i+1 < len(rs) && unicode.IsLower(rs[i+1])))
			if boundary {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// probeCatalog is the search space: per service, the candidate operations
// and the parameter shape each one takes.
func probeCatalog() map[string][]probe {
	return map[string][]probe{
		"DynamoDB": {{
			op: "DescribeTable", kind: "Table", params: "{TableName: id}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{
					TableName: aws.String(ident(res)),
				})
			},
		}},
		"EKS": {{
			op: "DescribeCluster", kind: "Cluster", params: "{Name: id}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{
					Name: aws.String(ident(res)),
				})
			},
		}},
		"ECS": {{
			op: "DescribeClusters", kind: "Cluster", params: "{Clusters: [id]}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.ECS.DescribeClusters(ctx, &ecs.DescribeClustersInput{
					Clusters: []string{ident(res)},
				})
			},
		}},
		"ElastiCache": {{
			op: "DescribeCacheClusters", kind: "CacheCluster", params: "{CacheClusterId: id}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.ElastiCache.DescribeCacheClusters(ctx, &elasticache.DescribeCacheClustersInput{
					CacheClusterId: aws.String(ident(res)),
				})
			},
		}},
		"Redshift": {{
			op: "DescribeClusters", kind: "Cluster", params: "{ClusterIdentifier: id}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.Redshift.DescribeClusters(ctx, &redshift.DescribeClustersInput{
					ClusterIdentifier: aws.String(ident(res)),
				})
			},
		}},
		"CloudTrail": {{
			op: "GetTrailStatus", kind: "Trail", params: "{Name: id}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.CloudTrail.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{
					Name: aws.String(ident(res)),
				})
			},
		}},
		"CloudWatch": {{
			op: "DescribeAlarms", kind: "Alarm", params: "{AlarmNames: [name]}",
			call: func(ctx context.Context, ec *Context, res *inventory.Resource) (any, error) {
				return ec.Clients.CloudWatch.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
					AlarmNames: []string{nameFirst(res)},
				})
			},
		}},
	}
}
