// Package compliance evaluates a tag policy against an enriched inventory,
// producing per-resource verdicts and an aggregate summary.
package compliance

import (
	"log/slog"
	"math"
	"sort"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/policy"
)

// Violation pairs a resource with the CEL rules it tripped.
type Violation struct {
	ARN   string           `json:"arn,omitempty"`
	ID    string           `json:"id"`
	Name  string           `json:"name,omitempty"`
	Hits  []policy.RuleHit `json:"hits"`
	Scope string           `json:"scope"` // service:region
}

// Summary aggregates verdict counts. Percentage is nil when every resource
// is exempt (or the inventory is empty): 0/0 is "nothing to measure", not
// zero percent.
type Summary struct {
	Total        int      `json:"total"`
	Compliant    int      `json:"compliant"`
	NonCompliant int      `json:"non_compliant"`
	Untagged     int      `json:"untagged"`
	Exempt       int      `json:"exempt"`
	Percentage   *float64 `json:"compliance_percentage"`

	ByService map[string]*ServiceSummary `json:"by_service,omitempty"`

	RuleViolations []Violation `json:"rule_violations,omitempty"`
}

// ServiceSummary is the per-service slice of the same counters.
type ServiceSummary struct {
	Total        int `json:"total"`
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
	Untagged     int `json:"untagged"`
	Exempt       int `json:"exempt"`
}

// Engine holds a validated policy plus its compiled rule programs.
type Engine struct {
	policy *policy.TagPolicy
	rules  *policy.RuleEngine
	logger *slog.Logger
}

// NewEngine compiles the policy's custom rules up front so a broken
// expression surfaces before any API call is spent.
func NewEngine(p *policy.TagPolicy, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := policy.NewRuleEngine(p.CustomRules, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{policy: p, rules: rules, logger: logger}, nil
}

// Evaluate stamps a verdict on every resource in place and returns the
// summary. Evaluation order per resource: exemptions, then the untagged
// check, then required-tag constraints.
func (e *Engine) Evaluate(resources []inventory.Resource) *Summary {
	sum := &Summary{ByService: make(map[string]*ServiceSummary)}

	for i := range resources {
		res := &resources[i]
		verdict := e.evaluateOne(res)
		res.ComplianceStatus = verdict
		sum.count(res.Service, verdict)

		if verdict != inventory.StatusExempt && !e.rules.Empty() {
			if hits := e.rules.Evaluate(ruleVars(res)); len(hits) > 0 {
				sum.RuleViolations = append(sum.RuleViolations, Violation{
					ARN:   res.ARN,
					ID:    res.ID,
					Name:  res.Name,
					Hits:  hits,
					Scope: res.Service + ":" + res.Region,
				})
			}
		}
	}

	if measured := sum.Total - sum.Exempt; measured > 0 {
		pct := math.Round(float64(sum.Compliant)/float64(measured)*1000) / 10
		sum.Percentage = &pct
	}
	return sum
}

func (e *Engine) evaluateOne(res *inventory.Resource) inventory.ComplianceStatus {
	if _, ok := e.policy.ExemptionFor(res.Service, res.Type, res.Name, res.ID, res.ARN); ok {
		res.MissingRequiredTags = nil
		res.InvalidTagValues = nil
		return inventory.StatusExempt
	}
	if len(res.Tags) == 0 {
		res.MissingRequiredTags = nil
		res.InvalidTagValues = nil
		return inventory.StatusUntagged
	}

	var missing []string
	invalid := make(map[string]string)
	for _, req := range e.policy.RequiredFor(res.Service, res.Type) {
		value, present := res.Tags[req.Key]
		if !present {
			missing = append(missing, req.Key)
			continue
		}
		if ok, reason := req.Check(value); !ok {
			invalid[req.Key] = reason
		}
	}
	sort.Strings(missing)

	res.MissingRequiredTags = missing
	if len(invalid) > 0 {
		res.InvalidTagValues = invalid
	} else {
		res.InvalidTagValues = nil
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return inventory.StatusCompliant
	}
	return inventory.StatusNonCompliant
}

func (s *Summary) count(service string, verdict inventory.ComplianceStatus) {
	s.Total++
	svc := s.ByService[service]
	if svc == nil {
		svc = &ServiceSummary{}
		s.ByService[service] = svc
	}
	svc.Total++
	switch verdict {
	case inventory.StatusCompliant:
		s.Compliant++
		svc.Compliant++
	case inventory.StatusNonCompliant:
		s.NonCompliant++
		svc.NonCompliant++
	case inventory.StatusUntagged:
		s.Untagged++
		svc.Untagged++
	case inventory.StatusExempt:
		s.Exempt++
		svc.Exempt++
	}
}

func ruleVars(res *inventory.Resource) map[string]any {
	tags := res.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	attrs := res.ServiceAttributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"arn":        res.ARN,
		"id":         res.ID,
		"name":       res.Name,
		"kind":       res.Type,
		"service":    res.Service,
		"region":     res.Region,
		"account_id": res.AccountID,
		"state":      res.State,
		"tags":       tags,
		"attrs":      attrs,
		"public":     res.PublicAccess,
		"encrypted":  string(res.Encrypted),
	}
}
