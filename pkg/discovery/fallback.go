package discovery

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// DiscoverFallback sweeps the tagging API for every tagged resource in the
// region, whatever the service. Records carry fallback priority so the
// merge layer lets primary-tier records win; resources no handler covers
// survive as fallback-only entries.
func DiscoverFallback(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := tagging.NewGetResourcesPaginator(dc.Clients.Tagging, &tagging.GetResourcesInput{
		ResourcesPerPage: aws.Int32(100),
	})
	for p.HasMorePages() {
		var page *tagging.GetResourcesOutput
		err := guard(ctx, dc, fallbackService, "GetResources", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, m := range page.ResourceTagMappingList {
			var tags map[string]string
			if len(m.Tags) > 0 {
				tags = make(map[string]string, len(m.Tags))
				for _, t := range m.Tags {
					tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
				}
			}
			res, ok := resourceFromARN(dc, aws.ToString(m.ResourceARN), tags)
			if !ok {
				continue
			}
			out = append(out, res)
		}
	}
	return out, nil
}

// resourceFromARN reconstructs a Resource from nothing but an ARN and its
// tags. Everything here is best effort; a primary record with the same ARN
// replaces all of it on merge.
func resourceFromARN(dc *Context, raw string, tags map[string]string) (inventory.Resource, bool) {
	parsed, err := arn.Parse(raw)
	if err != nil {
		return inventory.Resource{}, false
	}
	ns := strings.ToLower(parsed.Service)

	region := parsed.Region
	if region == "" {
		if globalNamespaces[ns] {
			region = awsx.GlobalRegion
		} else {
			region = dc.Region
		}
	}
	account := parsed.AccountID
	if account == "" {
		account = dc.AccountID
	}

	typ, id := splitResource(ns, parsed.Resource)
	return inventory.Resource{
		ARN:           raw,
		ID:            id,
		Service:       serviceDisplay(ns),
		Type:          typ,
		Region:        region,
		AccountID:     account,
		Name:          tags["Name"],
		Tags:          tags,
		DiscoveredVia: inventory.FallbackSource,
		Priority:      inventory.PriorityFallback,
	}, true
}

// splitResource separates the resource part of an ARN into a display type
// and the service-local id. The id is the last path segment; the type comes
// from the first.
func splitResource(ns, resource string) (typ, id string) {
	segments := strings.FieldsFunc(resource, func(r rune) bool {
		return r == '/' || r == ':'
	})
	switch len(segments) {
	case 0:
		return bareResourceType(ns), ""
	case 1:
		return bareResourceType(ns), segments[0]
	default:
		return typeDisplay(ns, segments[0]), segments[len(segments)-1]
	}
}

// bareResourceType covers ARNs whose resource part has no type segment.
func bareResourceType(ns string) string {
	switch ns {
	case "s3":
		return "Bucket"
	case "sns":
		return "Topic"
	case "sqs":
		return "Queue"
	default:
		return "Resource"
	}
}

func typeDisplay(ns, token string) string {
	if byNS, ok := namespaceTypes[ns]; ok {
		if t, ok := byNS[token]; ok {
			return t
		}
	}
	if t, ok := commonTypes[token]; ok {
		return t
	}
	return camelToken(token)
}

// camelToken upper-cases the first rune of each dash or underscore separated
// part: "cache-cluster" becomes "CacheCluster", "stateMachine" becomes
// "StateMachine".
func camelToken(token string) string {
	parts := strings.FieldsFunc(token, func(r rune) bool {
		return r == '-' || r == '_'
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// globalNamespaces have region-less ARNs that should land in the synthetic
// global region rather than the scanning region.
var globalNamespaces = map[string]bool{
	"iam":        true,
	"route53":    true,
	"cloudfront": true,
}

// namespaceTypes resolves type tokens that mean different things per
// service, "cluster" above all.
var namespaceTypes = map[string]map[string]string{
	"rds": {
		"db":      "DBInstance",
		"cluster": "DBCluster",
	},
	"elasticache": {
		"cluster": "CacheCluster",
	},
	"route53": {
		"hostedzone": "HostedZone",
	},
}

var commonTypes = map[string]string{
	"loadbalancer": "LoadBalancer",
	"targetgroup":  "TargetGroup",
	"natgateway":   "NatGateway",
	"webacl":       "WebACL",
	"vpc":          "VPC",
	"dhcp-options": "DhcpOptions",
}

// serviceDisplay maps an ARN namespace to the service label the primary
// handlers use, so the per-service primary-produced bookkeeping lines up.
func serviceDisplay(ns string) string {
	if s, ok := serviceNames[ns]; ok {
		return s
	}
	return camelToken(ns)
}

var serviceNames = map[string]string{
	"ec2":                  "EC2",
	"s3":                   "S3",
	"rds":                  "RDS",
	"lambda":               "Lambda",
	"dynamodb":             "DynamoDB",
	"elasticache":          "ElastiCache",
	"redshift":             "Redshift",
	"ecs":                  "ECS",
	"eks":                  "EKS",
	"ecr":                  "ECR",
	"elasticloadbalancing": "ELBv2",
	"cloudfront":           "CloudFront",
	"route53":              "Route53",
	"wafv2":                "WAFv2",
	"cloudwatch":           "CloudWatch",
	"logs":                 "Logs",
	"cloudtrail":           "CloudTrail",
	"iam":                  "IAM",
	"sns":                  "SNS",
	"sqs":                  "SQS",
	"kms":                  "KMS",
	"ssm":                  "SSM",
	"sts":                  "STS",
	"acm":                  "ACM",
	"efs":                  "EFS",
	"elasticfilesystem":    "EFS",
	"fsx":                  "FSx",
	"secretsmanager":       "SecretsManager",
	"states":               "StepFunctions",
	"apigateway":           "APIGateway",
	"kinesis":              "Kinesis",
	"firehose":             "Firehose",
	"glue":                 "Glue",
	"athena":               "Athena",
	"sagemaker":            "SageMaker",
	"backup":               "Backup",
	"codebuild":            "CodeBuild",
	"codepipeline":         "CodePipeline",
}
