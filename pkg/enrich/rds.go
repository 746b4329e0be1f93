package enrich

import (
	"context"

	"github.com/inventag/inventag/pkg/inventory"
)

// RDSEnricher promotes discovery attributes into typed fields. Storage
// encryption and public accessibility come straight from the describe
// output that discovery stored.
type RDSEnricher struct{}

func (*RDSEnricher) Service() string { return "RDS" }

func (*RDSEnricher) Handles(service, resourceType string) bool {
	return service == "RDS" && (resourceType == "DBInstance" || resourceType == "DBCluster")
}

func (*RDSEnricher) Ops() []string { return nil }

func (*RDSEnricher) Enrich(_ context.Context, _ *Context, res *inventory.Resource) error {
	attrs := res.ServiceAttributes
	if enc, ok := boolAttr(attrs, "storage_encrypted"); ok {
		res.Encrypted = inventory.TriFromBool(enc)
	}
	if pub, ok := boolAttr(attrs, "publicly_accessible"); ok {
		res.PublicAccess = pub
	}
	if len(res.SecurityGroupIDs) == 0 {
		res.SecurityGroupIDs = strSliceAttr(attrs, "vpc_security_group_ids")
	}
	return nil
}
