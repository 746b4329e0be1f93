// Package inventory holds the central Resource model and the concurrent
// merger every discovery tier feeds into.
package inventory

import (
	"sort"
	"time"

	"github.com/inventag/inventag/internal/intern"
)

// Priority marks which discovery tier produced a resource.
type Priority string

const (
	PriorityPrimary  Priority = "primary"
	PriorityFallback Priority = "fallback"
)

// FallbackSource is the discovered_via value for the tagging-API tier.
const FallbackSource = "ResourceGroupsTaggingAPI:Fallback"

// TriState covers attributes AWS may not report at all.
type TriState string

const (
	TriTrue    TriState = "true"
	TriFalse   TriState = "false"
	TriUnknown TriState = "unknown"
)

// TriFromBool converts a definite answer.
func TriFromBool(b bool) TriState {
	if b {
		return TriTrue
	}
	return TriFalse
}

// ComplianceStatus is the verdict assigned by the compliance engine.
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "compliant"
	StatusNonCompliant ComplianceStatus = "non_compliant"
	StatusUntagged     ComplianceStatus = "untagged"
	StatusExempt       ComplianceStatus = "exempt"
)

// Resource is the unit everything downstream operates on. Field order is
// part of the snapshot wire format; do not reorder casually.
type Resource struct {
	ARN       string            `json:"arn,omitempty"`
	ID        string            `json:"id"`
	Service   string            `json:"service"`
	Type      string            `json:"type"`
	Region    string            `json:"region"`
	AccountID string            `json:"account_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
	State     string            `json:"state,omitempty"`

	DiscoveredVia string   `json:"discovered_via"`
	Priority      Priority `json:"priority"`

	ServiceAttributes map[string]any `json:"service_attributes,omitempty"`
	VPCID             string         `json:"vpc_id,omitempty"`
	SubnetIDs         []string       `json:"subnet_ids,omitempty"`
	SecurityGroupIDs  []string       `json:"security_group_ids,omitempty"`
	PublicAccess      bool           `json:"public_access,omitempty"`
	Encrypted         TriState       `json:"encrypted,omitempty"`

	Confidence       float64  `json:"confidence"`
	EnrichmentErrors []string `json:"enrichment_errors,omitempty"`

	ComplianceStatus    ComplianceStatus  `json:"compliance_status,omitempty"`
	MissingRequiredTags []string          `json:"missing_required_tags,omitempty"`
	InvalidTagValues    map[string]string `json:"invalid_tag_values,omitempty"`
}

// Key returns the merge key: the ARN when present, else service:region:id.
func (r *Resource) Key() string {
	if r.ARN != "" {
		return r.ARN
	}
	return r.Service + ":" + r.Region + ":" + r.ID
}

// SortKey orders resources by (service, region, arn-or-id) for the final
// inventory.
func (r *Resource) SortKey() [3]string {
	third := r.ARN
	if third == "" {
		third = r.ID
	}
	return [3]string{r.Service, r.Region, third}
}

// Intern canonicalizes the hot identity strings.
func (r *Resource) Intern() {
	r.Service = intern.String(r.Service)
	r.Type = intern.String(r.Type)
	r.Region = intern.String(r.Region)
	r.AccountID = intern.String(r.AccountID)
}

// Clone deep-copies a resource so merges never alias caller maps.
func (r *Resource) Clone() *Resource {
	out := *r
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	if r.ServiceAttributes != nil {
		out.ServiceAttributes = make(map[string]any, len(r.ServiceAttributes))
		for k, v := range r.ServiceAttributes {
			out.ServiceAttributes[k] = v
		}
	}
	out.SubnetIDs = append([]string(nil), r.SubnetIDs...)
	out.SecurityGroupIDs = append([]string(nil), r.SecurityGroupIDs...)
	out.EnrichmentErrors = append([]string(nil), r.EnrichmentErrors...)
	out.MissingRequiredTags = append([]string(nil), r.MissingRequiredTags...)
	if r.InvalidTagValues != nil {
		out.InvalidTagValues = make(map[string]string, len(r.InvalidTagValues))
		for k, v := range r.InvalidTagValues {
			out.InvalidTagValues[k] = v
		}
	}
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		out.CreatedAt = &t
	}
	return &out
}

// Sort orders the final inventory deterministically.
func Sort(resources []*Resource) {
	sort.Slice(resources, func(i, j int) bool {
		a, b := resources[i].SortKey(), resources[j].SortKey()
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})
}
