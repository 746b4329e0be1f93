package enrich

import (
	"context"

	"github.com/inventag/inventag/pkg/inventory"
)

// EC2Enricher normalizes what discovery already fetched: typed network
// fields, encryption tri-state for volumes, public exposure for instances.
// It makes no API calls of its own.
type EC2Enricher struct{}

func (*EC2Enricher) Service() string { return "EC2" }

func (*EC2Enricher) Handles(service, resourceType string) bool {
	if service != "EC2" {
		return false
	}
	switch resourceType {
	case "Instance", "Volume", "NatGateway":
		return true
	}
	return false
}

func (*EC2Enricher) Ops() []string { return nil }

func (*EC2Enricher) Enrich(_ context.Context, _ *Context, res *inventory.Resource) error {
	attrs := res.ServiceAttributes
	switch res.Type {
	case "Instance":
		if res.VPCID == "" {
			res.VPCID = strAttr(attrs, "vpc_id")
		}
		if len(res.SubnetIDs) == 0 {
			if subnet := strAttr(attrs, "subnet_id"); subnet != "" {
				res.SubnetIDs = []string{subnet}
			}
		}
		if len(res.SecurityGroupIDs) == 0 {
			res.SecurityGroupIDs = strSliceAttr(attrs, "security_group_ids")
		}
		res.PublicAccess = strAttr(attrs, "public_ip") != ""
	case "Volume":
		if enc, ok := boolAttr(attrs, "encrypted"); ok {
			res.Encrypted = inventory.TriFromBool(enc)
		}
	case "NatGateway":
		if res.VPCID == "" {
			res.VPCID = strAttr(attrs, "vpc_id")
		}
	}
	return nil
}

func strAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func boolAttr(attrs map[string]any, key string) (bool, bool) {
	b, ok := attrs[key].(bool)
	return b, ok
}

func strSliceAttr(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
