package enrich

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// LambdaEnricher fetches tags (ListFunctions does not return them) and
// promotes the vpc_config attribute into typed network fields.
type LambdaEnricher struct{}

func (*LambdaEnricher) Service() string { return "Lambda" }

func (*LambdaEnricher) Handles(service, resourceType string) bool {
	return service == "Lambda" && resourceType == "Function"
}

func (*LambdaEnricher) Ops() []string { return []string{"ListTags"} }

func (*LambdaEnricher) Enrich(ctx context.Context, ec *Context, res *inventory.Resource) error {
	if vpcCfg, ok := res.ServiceAttributes["vpc_config"].(map[string]any); ok {
		if res.VPCID == "" {
			res.VPCID = strAttr(vpcCfg, "vpc_id")
		}
		if len(res.SubnetIDs) == 0 {
			res.SubnetIDs = strSliceAttr(vpcCfg, "subnet_ids")
		}
		if len(res.SecurityGroupIDs) == 0 {
			res.SecurityGroupIDs = strSliceAttr(vpcCfg, "security_group_ids")
		}
	}

	if res.ARN == "" || len(res.Tags) > 0 {
		return nil
	}
	err := guardCall(ctx, ec, "Lambda", "ListTags", func(ctx context.Context) error {
		out, err := ec.Clients.Lambda.ListTags(ctx, &lambda.ListTagsInput{Resource: aws.String(res.ARN)})
		if err != nil {
			return err
		}
		if len(out.Tags) > 0 {
			res.Tags = out.Tags
		}
		return nil
	})
	if err != nil && !awsx.IsNotFound(err) && !awsx.IsAccessDenied(err) {
		return err
	}
	return nil
}
