package discovery

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

func TestResourceFromARN(t *testing.T) {
	dc := &Context{Region: "us-west-2", AccountID: "999999999999"}

	cases := []struct {
		name    string
		arn     string
		tags    map[string]string
		service string
		typ     string
		id      string
		region  string
		account string
		resName string
		ok      bool
	}{
		{
			name:    "ec2 instance",
			arn:     "arn:aws:ec2:us-west-2:123456789012:instance/i-0abc",
			tags:    map[string]string{"Name": "web"},
			service: "EC2", typ: "Instance", id: "i-0abc",
			region: "us-west-2", account: "123456789012", resName: "web", ok: true,
		},
		{
			name:    "s3 bucket keeps scan scope",
			arn:     "arn:aws:s3:::my-bucket",
			service: "S3", typ: "Bucket", id: "my-bucket",
			region: "us-west-2", account: "999999999999", ok: true,
		},
		{
			name:    "rds instance uses colon separator",
			arn:     "arn:aws:rds:us-west-2:123456789012:db:prod-db",
			service: "RDS", typ: "DBInstance", id: "prod-db",
			region: "us-west-2", account: "123456789012", ok: true,
		},
		{
			name:    "alb id is the trailing segment",
			arn:     "arn:aws:elasticloadbalancing:us-west-2:123456789012:loadbalancer/app/web/50dc6c",
			service: "ELBv2", typ: "LoadBalancer", id: "50dc6c",
			region: "us-west-2", account: "123456789012", ok: true,
		},
		{
			name:    "iam role lands in the global region",
			arn:     "arn:aws:iam::123456789012:role/ops/admin",
			service: "IAM", typ: "Role", id: "admin",
			region: "global", account: "123456789012", ok: true,
		},
		{
			name:    "uncovered service gets a derived label",
			arn:     "arn:aws:robomaker:us-west-2:123456789012:robot/crawler/1234",
			service: "Robomaker", typ: "Robot", id: "1234",
			region: "us-west-2", account: "123456789012", ok: true,
		},
		{
			name:    "sns topic has no type segment",
			arn:     "arn:aws:sns:us-west-2:123456789012:alerts",
			service: "SNS", typ: "Topic", id: "alerts",
			region: "us-west-2", account: "123456789012", ok: true,
		},
		{
			name:    "step functions state machine",
			arn:     "arn:aws:states:us-west-2:123456789012:stateMachine:orders",
			service: "StepFunctions", typ: "StateMachine", id: "orders",
			region: "us-west-2", account: "123456789012", ok: true,
		},
		{
			name: "garbage is dropped",
			arn:  "definitely-not-an-arn",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, ok := resourceFromARN(dc, tc.arn, tc.tags)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.arn, res.ARN)
			assert.Equal(t, tc.service, res.Service)
			assert.Equal(t, tc.typ, res.Type)
			assert.Equal(t, tc.id, res.ID)
			assert.Equal(t, tc.region, res.Region)
			assert.Equal(t, tc.account, res.AccountID)
			assert.Equal(t, tc.resName, res.Name)
			assert.Equal(t, inventory.PriorityFallback, res.Priority)
			assert.Equal(t, inventory.FallbackSource, res.DiscoveredVia)
		})
	}
}

func TestServiceDisplayAndCamel(t *testing.T) {
	if got := serviceDisplay("elasticloadbalancing"); got != "ELBv2" {
		t.Errorf("serviceDisplay(elasticloadbalancing) = %s", got)
	}
	if got := serviceDisplay("robomaker"); got != "Robomaker" {
		t.Errorf("serviceDisplay(robomaker) = %s", got)
	}
	if got := camelToken("cache-cluster"); got != "CacheCluster" {
		t.Errorf("camelToken(cache-cluster) = %s", got)
	}
	if got := camelToken("stateMachine"); got != "StateMachine" {
		t.Errorf("camelToken(stateMachine) = %s", got)
	}
}

// pagingTagging serves two pages to prove the sweep follows the token.
type pagingTagging struct {
	mu    sync.Mutex
	calls int
}

func (f *pagingTagging) GetResources(ctx context.Context, in *tagging.GetResourcesInput, _ ...func(*tagging.Options)) (*tagging.GetResourcesOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if aws.ToString(in.PaginationToken) == "" {
		return &tagging.GetResourcesOutput{
			PaginationToken: aws.String("more"),
			ResourceTagMappingList: []taggingtypes.ResourceTagMapping{{
				ResourceARN: aws.String("arn:aws:ec2:us-east-1:123456789012:instance/i-1"),
				Tags: []taggingtypes.Tag{
					{Key: aws.String("Env"), Value: aws.String("prod")},
				},
			}},
		}, nil
	}
	return &tagging.GetResourcesOutput{
		PaginationToken: aws.String(""),
		ResourceTagMappingList: []taggingtypes.ResourceTagMapping{{
			ResourceARN: aws.String("arn:aws:s3:::audit-logs"),
		}},
	}, nil
}

func TestDiscoverFallbackPaginates(t *testing.T) {
	spy := &pagingTagging{}
	dc := testScope(&awsx.ClientSet{Tagging: spy}, nil)

	resources, err := DiscoverFallback(context.Background(), dc)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, 2, spy.calls)

	inst := findResource(t, resources, "Instance", "i-1")
	assert.Equal(t, inventory.PriorityFallback, inst.Priority)
	assert.Equal(t, map[string]string{"Env": "prod"}, inst.Tags)

	bucket := findResource(t, resources, "Bucket", "audit-logs")
	assert.Equal(t, "us-east-1", bucket.Region, "region-less S3 ARN inherits the scan region")
}
