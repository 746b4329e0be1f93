// Package policy loads and validates declarative tag policies. A policy
// names the tags every resource must carry, per-service additions, resources
// exempt from the check, and optional CEL rules for conditions a static
// schema cannot express.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// ErrConfig wraps every policy parse or validation failure so callers can
// distinguish operator mistakes from runtime faults.
var ErrConfig = errors.New("policy: invalid configuration")

// RequiredTag is one tag constraint. A bare YAML string ("Owner") means
// presence only; the object form adds value checks.
type RequiredTag struct {
	Key            string   `yaml:"key" json:"key"`
	AllowedValues  []string `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
	RequiredValues []string `yaml:"required_values,omitempty" json:"required_values,omitempty"`
	Pattern        string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	re *regexp.Regexp
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (r *RequiredTag) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Key)
	}
	type plain RequiredTag
	return value.Decode((*plain)(r))
}

// Check validates a tag value against this constraint. The empty reason
// means the value passes.
func (r *RequiredTag) Check(value string) (ok bool, reason string) {
	if len(r.AllowedValues) > 0 && !contains(r.AllowedValues, value) {
		return false, fmt.Sprintf("value %q not in allowed set [%s]", value, strings.Join(r.AllowedValues, ", "))
	}
	if len(r.RequiredValues) > 0 && !contains(r.RequiredValues, value) {
		return false, fmt.Sprintf("value %q not in required set [%s]", value, strings.Join(r.RequiredValues, ", "))
	}
	if r.re != nil && !r.re.MatchString(value) {
		return false, fmt.Sprintf("value %q does not match pattern %q", value, r.Pattern)
	}
	return true, ""
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ServiceRule adds required tags for one resource type of one service.
type ServiceRule struct {
	AdditionalRequiredTags []RequiredTag `yaml:"additional_required_tags,omitempty" json:"additional_required_tags,omitempty"`
}

// Exemption excludes matching resources from the policy. Service is
// mandatory; the narrowing fields are optional and AND together.
type Exemption struct {
	Service     string   `yaml:"service" json:"service"`
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"`
	NamePattern string   `yaml:"name_pattern,omitempty" json:"name_pattern,omitempty"`
	ResourceIDs []string `yaml:"resource_ids,omitempty" json:"resource_ids,omitempty"`
	Reason      string   `yaml:"reason" json:"reason"`
}

// Matches reports whether the exemption covers the given resource identity.
func (e *Exemption) Matches(service, rtype, name, id, arn string) bool {
	if !strings.EqualFold(e.Service, service) {
		return false
	}
	if e.Type != "" && !strings.EqualFold(e.Type, rtype) {
		return false
	}
	if e.NamePattern != "" {
		ok, err := path.Match(e.NamePattern, name)
		if err != nil || !ok {
			return false
		}
	}
	if len(e.ResourceIDs) > 0 && !contains(e.ResourceIDs, id) && !contains(e.ResourceIDs, arn) {
		return false
	}
	return true
}

// CustomRule is a CEL expression evaluated per resource. A rule that
// evaluates true flags the resource.
type CustomRule struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Expression  string `yaml:"expression" json:"expression"`
	Severity    string `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// TagPolicy is the full policy document.
type TagPolicy struct {
	Version         string                            `yaml:"version,omitempty" json:"version,omitempty"`
	Name            string                            `yaml:"name,omitempty" json:"name,omitempty"`
	RequiredTags    []RequiredTag                     `yaml:"required_tags" json:"required_tags"`
	ServiceSpecific map[string]map[string]ServiceRule `yaml:"service_specific,omitempty" json:"service_specific,omitempty"`
	Exemptions      []Exemption                       `yaml:"exemptions,omitempty" json:"exemptions,omitempty"`
	CustomRules     []CustomRule                      `yaml:"custom_rules,omitempty" json:"custom_rules,omitempty"`
}

// Load reads a policy file, dispatching on extension: .hcl parses as HCL,
// everything else as YAML (JSON is a YAML subset).
func Load(filename string) (*TagPolicy, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, filename, err)
	}
	if strings.EqualFold(filepath.Ext(filename), ".hcl") {
		return LoadHCL(filename, data)
	}
	return LoadYAML(data)
}

// LoadYAML parses and validates a YAML policy document.
func LoadYAML(data []byte) (*TagPolicy, error) {
	var p TagPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrConfig, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks internal consistency and compiles patterns. It is
// idempotent; Load calls it, and callers constructing policies in code
// should too.
func (p *TagPolicy) Validate() error {
	if len(p.RequiredTags) == 0 && len(p.ServiceSpecific) == 0 && len(p.CustomRules) == 0 {
		return fmt.Errorf("%w: policy constrains nothing", ErrConfig)
	}
	seen := make(map[string]bool, len(p.RequiredTags))
	for i := range p.RequiredTags {
		if err := compileTag(&p.RequiredTags[i]); err != nil {
			return err
		}
		key := p.RequiredTags[i].Key
		if seen[key] {
			return fmt.Errorf("%w: duplicate required tag %q", ErrConfig, key)
		}
		seen[key] = true
	}
	for svc, types := range p.ServiceSpecific {
		for rtype, rule := range types {
			for i := range rule.AdditionalRequiredTags {
				if err := compileTag(&rule.AdditionalRequiredTags[i]); err != nil {
					return fmt.Errorf("service %s/%s: %w", svc, rtype, err)
				}
			}
		}
	}
	for i, e := range p.Exemptions {
		if e.Service == "" {
			return fmt.Errorf("%w: exemption %d has no service", ErrConfig, i)
		}
		if e.Reason == "" {
			return fmt.Errorf("%w: exemption for %s has no reason", ErrConfig, e.Service)
		}
		if e.NamePattern != "" {
			if _, err := path.Match(e.NamePattern, "probe"); err != nil {
				return fmt.Errorf("%w: exemption name_pattern %q: %v", ErrConfig, e.NamePattern, err)
			}
		}
	}
	for _, r := range p.CustomRules {
		if r.Name == "" || r.Expression == "" {
			return fmt.Errorf("%w: custom rule needs name and expression", ErrConfig)
		}
	}
	return nil
}

func compileTag(r *RequiredTag) error {
	if r.Key == "" {
		return fmt.Errorf("%w: required tag with empty key", ErrConfig)
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("%w: tag %q pattern: %v", ErrConfig, r.Key, err)
		}
		r.re = re
	}
	return nil
}

// RequiredFor returns the constraints applying to one (service, type) pair:
// the global list plus the service-specific additions, in declaration order
// with service additions last.
func (p *TagPolicy) RequiredFor(service, rtype string) []RequiredTag {
	out := make([]RequiredTag, 0, len(p.RequiredTags)+2)
	out = append(out, p.RequiredTags...)
	if types, ok := p.ServiceSpecific[service]; ok {
		if rule, ok := types[rtype]; ok {
			out = append(out, rule.AdditionalRequiredTags...)
		} else if rule, ok := types["*"]; ok {
			out = append(out, rule.AdditionalRequiredTags...)
		}
	}
	return out
}

// ExemptionFor returns the first exemption matching the resource identity.
func (p *TagPolicy) ExemptionFor(service, rtype, name, id, arn string) (*Exemption, bool) {
	for i := range p.Exemptions {
		if p.Exemptions[i].Matches(service, rtype, name, id, arn) {
			return &p.Exemptions[i], true
		}
	}
	return nil, false
}

// RequiredKeys lists every distinct required tag key, sorted. Reports use
// it for column headers.
func (p *TagPolicy) RequiredKeys() []string {
	set := make(map[string]bool)
	for _, t := range p.RequiredTags {
		set[t.Key] = true
	}
	for _, types := range p.ServiceSpecific {
		for _, rule := range types {
			for _, t := range rule.AdditionalRequiredTags {
				set[t.Key] = true
			}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
