package policy

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// LoadHCL parses the HCL policy dialect:
//
//	policy "org-default" {
//	  required_tag "Environment" {
//	    allowed_values = ["production", "staging", "development"]
//	  }
//	  service "EC2" {
//	    type "Instance" {
//	      additional_required_tags = ["Backup"]
//	    }
//	  }
//	  exemption {
//	    service      = "EC2"
//	    name_pattern = "bastion-*"
//	    reason       = "break-glass hosts"
//	  }
//	  rule "prod-owner" {
//	    expression = "tags['Environment'] == 'production' && !('Owner' in tags)"
//	  }
//	}
//
// Multiple policy blocks merge in file order.
func LoadHCL(filename string, data []byte) (*TagPolicy, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: parse hcl: %v", ErrConfig, diags)
	}
	body, ok := f.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not native hcl syntax", ErrConfig, filename)
	}

	p := &TagPolicy{ServiceSpecific: map[string]map[string]ServiceRule{}}
	for _, block := range body.Blocks {
		if block.Type != "policy" {
			return nil, fmt.Errorf("%w: unexpected top-level block %q at %s", ErrConfig, block.Type, block.Range())
		}
		if len(block.Labels) > 0 {
			p.Name = block.Labels[0]
		}
		if err := decodePolicyBlock(block.Body, p); err != nil {
			return nil, err
		}
	}
	if len(p.ServiceSpecific) == 0 {
		p.ServiceSpecific = nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePolicyBlock(body *hclsyntax.Body, p *TagPolicy) error {
	if attr, ok := body.Attributes["version"]; ok {
		v, err := attrString(attr)
		if err != nil {
			return err
		}
		p.Version = v
	}

	for _, block := range body.Blocks {
		switch block.Type {
		case "required_tag":
			tag, err := decodeRequiredTag(block)
			if err != nil {
				return err
			}
			p.RequiredTags = append(p.RequiredTags, tag)
		case "service":
			if len(block.Labels) != 1 {
				return fmt.Errorf("%w: service block needs one label at %s", ErrConfig, block.Range())
			}
			if err := decodeServiceBlock(block, p); err != nil {
				return err
			}
		case "exemption":
			ex, err := decodeExemption(block)
			if err != nil {
				return err
			}
			p.Exemptions = append(p.Exemptions, ex)
		case "rule":
			rule, err := decodeRule(block)
			if err != nil {
				return err
			}
			p.CustomRules = append(p.CustomRules, rule)
		default:
			return fmt.Errorf("%w: unexpected block %q at %s", ErrConfig, block.Type, block.Range())
		}
	}
	return nil
}

func decodeRequiredTag(block *hclsyntax.Block) (RequiredTag, error) {
	var tag RequiredTag
	if len(block.Labels) != 1 {
		return tag, fmt.Errorf("%w: required_tag needs a key label at %s", ErrConfig, block.Range())
	}
	tag.Key = block.Labels[0]
	for name, attr := range block.Body.Attributes {
		switch name {
		case "allowed_values":
			vals, err := attrStringList(attr)
			if err != nil {
				return tag, err
			}
			tag.AllowedValues = vals
		case "required_values":
			vals, err := attrStringList(attr)
			if err != nil {
				return tag, err
			}
			tag.RequiredValues = vals
		case "pattern":
			v, err := attrString(attr)
			if err != nil {
				return tag, err
			}
			tag.Pattern = v
		default:
			return tag, fmt.Errorf("%w: required_tag %q: unknown attribute %q", ErrConfig, tag.Key, name)
		}
	}
	return tag, nil
}

func decodeServiceBlock(block *hclsyntax.Block, p *TagPolicy) error {
	service := block.Labels[0]
	for _, inner := range block.Body.Blocks {
		if inner.Type != "type" || len(inner.Labels) != 1 {
			return fmt.Errorf("%w: service %q: expected type blocks at %s", ErrConfig, service, inner.Range())
		}
		rtype := inner.Labels[0]
		var rule ServiceRule
		if attr, ok := inner.Body.Attributes["additional_required_tags"]; ok {
			keys, err := attrStringList(attr)
			if err != nil {
				return err
			}
			for _, k := range keys {
				rule.AdditionalRequiredTags = append(rule.AdditionalRequiredTags, RequiredTag{Key: k})
			}
		}
		for _, tagBlock := range inner.Body.Blocks {
			if tagBlock.Type != "required_tag" {
				return fmt.Errorf("%w: service %q type %q: unexpected block %q", ErrConfig, service, rtype, tagBlock.Type)
			}
			tag, err := decodeRequiredTag(tagBlock)
			if err != nil {
				return err
			}
			rule.AdditionalRequiredTags = append(rule.AdditionalRequiredTags, tag)
		}
		if p.ServiceSpecific[service] == nil {
			p.ServiceSpecific[service] = map[string]ServiceRule{}
		}
		p.ServiceSpecific[service][rtype] = rule
	}
	return nil
}

func decodeExemption(block *hclsyntax.Block) (Exemption, error) {
	var ex Exemption
	for name, attr := range block.Body.Attributes {
		switch name {
		case "service":
			v, err := attrString(attr)
			if err != nil {
				return ex, err
			}
			ex.Service = v
		case "type":
			v, err := attrString(attr)
			if err != nil {
				return ex, err
			}
			ex.Type = v
		case "name_pattern":
			v, err := attrString(attr)
			if err != nil {
				return ex, err
			}
			ex.NamePattern = v
		case "resource_ids":
			vals, err := attrStringList(attr)
			if err != nil {
				return ex, err
			}
			ex.ResourceIDs = vals
		case "reason":
			v, err := attrString(attr)
			if err != nil {
				return ex, err
			}
			ex.Reason = v
		default:
			return ex, fmt.Errorf("%w: exemption: unknown attribute %q", ErrConfig, name)
		}
	}
	return ex, nil
}

func decodeRule(block *hclsyntax.Block) (CustomRule, error) {
	var rule CustomRule
	if len(block.Labels) != 1 {
		return rule, fmt.Errorf("%w: rule needs a name label at %s", ErrConfig, block.Range())
	}
	rule.Name = block.Labels[0]
	for name, attr := range block.Body.Attributes {
		switch name {
		case "description":
			v, err := attrString(attr)
			if err != nil {
				return rule, err
			}
			rule.Description = v
		case "expression":
			v, err := attrString(attr)
			if err != nil {
				return rule, err
			}
			rule.Expression = v
		case "severity":
			v, err := attrString(attr)
			if err != nil {
				return rule, err
			}
			rule.Severity = v
		default:
			return rule, fmt.Errorf("%w: rule %q: unknown attribute %q", ErrConfig, rule.Name, name)
		}
	}
	return rule, nil
}

func attrString(attr *hclsyntax.Attribute) (string, error) {
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("%w: attribute %q: %v", ErrConfig, attr.Name, diags)
	}
	if v.Type() != cty.String {
		return "", fmt.Errorf("%w: attribute %q: expected string, got %s", ErrConfig, attr.Name, v.Type().FriendlyName())
	}
	return v.AsString(), nil
}

func attrStringList(attr *hclsyntax.Attribute) ([]string, error) {
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: attribute %q: %v", ErrConfig, attr.Name, diags)
	}
	t := v.Type()
	if !t.IsTupleType() && !t.IsListType() && !t.IsSetType() {
		return nil, fmt.Errorf("%w: attribute %q: expected list of strings, got %s", ErrConfig, attr.Name, t.FriendlyName())
	}
	var out []string
	for _, elem := range v.AsValueSlice() {
		if elem.Type() != cty.String {
			return nil, fmt.Errorf("%w: attribute %q: list element is %s, want string", ErrConfig, attr.Name, elem.Type().FriendlyName())
		}
		out = append(out, elem.AsString())
	}
	return out, nil
}
