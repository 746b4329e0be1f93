// Package permissions renders the least-privilege IAM policy a scan needs:
// exactly the actions behind the operations the safety gate allow-lists,
// plus the bootstrap calls every run makes.
package permissions

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PolicyDocument is the IAM policy JSON shape.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

// iamPrefixes maps gate service names to IAM action prefixes. A registered
// service missing here fails generation: an incomplete policy that looks
// complete is worse than an error.
var iamPrefixes = map[string]string{
	"EC2":         "ec2",
	"S3":          "s3",
	"RDS":         "rds",
	"DynamoDB":    "dynamodb",
	"ElastiCache": "elasticache",
	"Redshift":    "redshift",
	"Lambda":      "lambda",
	"ECS":         "ecs",
	"EKS":         "eks",
	"ECR":         "ecr",
	"ELBv2":       "elasticloadbalancing",
	"CloudWatch":  "cloudwatch",
	"Logs":        "logs",
	"CloudTrail":  "cloudtrail",
	"WAFv2":       "wafv2",
	"IAM":         "iam",
	"Route53":     "route53",
	"CloudFront":  "cloudfront",

	"ResourceGroupsTaggingAPI": "tag",

	"STS":          "sts",
	"CostExplorer": "ce",
}

// iamActionNames fixes the operations whose IAM action is not the API name.
// S3 is the usual offender.
var iamActionNames = map[string]string{
	"S3:ListBuckets":                     "ListAllMyBuckets",
	"S3:GetBucketEncryption":             "GetEncryptionConfiguration",
	"S3:GetPublicAccessBlock":            "GetBucketPublicAccessBlock",
	"S3:GetBucketLifecycleConfiguration": "GetLifecycleConfiguration",
	"S3:GetObjectLockConfiguration":      "GetBucketObjectLockConfiguration",
}

// corePermissions are needed before any handler runs: the identity check and
// the region listing.
func corePermissions() []string {
	return []string{
		"sts:GetCallerIdentity",
		"ec2:DescribeRegions",
	}
}

// Actions translates the gate's registered operations into IAM actions,
// deduplicated and sorted. ops is the map RegisteredOps returns; withCosts
// adds the Cost Explorer summary call.
func Actions(ops map[string][]string, withCosts bool) ([]string, error) {
	desired := make(map[string]bool)
	for _, perm := range corePermissions() {
		desired[perm] = true
	}
	if withCosts {
		desired["ce:GetCostAndUsage"] = true
	}

	for service, names := range ops {
		prefix, ok := iamPrefixes[service]
		if !ok {
			return nil, fmt.Errorf("permissions: no IAM prefix for service %q", service)
		}
		for _, op := range names {
			action := op
			if fixed, ok := iamActionNames[service+":"+op]; ok {
				action = fixed
			}
			desired[prefix+":"+action] = true
		}
	}

	actions := make([]string, 0, len(desired))
	for a := range desired {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions, nil
}

// Generate renders the policy document for the given operation set.
func Generate(ops map[string][]string, withCosts bool) ([]byte, error) {
	actions, err := Actions(ops, withCosts)
	if err != nil {
		return nil, err
	}
	doc := PolicyDocument{
		Version: "2012-10-17",
		Statement: []Statement{
			{
				Sid:      "InvenTagReadOnly",
				Effect:   "Allow",
				Action:   actions,
				Resource: "*",
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}
