package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/compliance"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
)

func fixtureReport() *Report {
	created := time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	pct := 50.0
	return &Report{
		RunID:         "run-20260301-0001",
		Producer:      "InvenTag/dev",
		SchemaVersion: 1,
		GeneratedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DurationMS:    1523,
		Accounts: []AccountReport{{
			AccountID: "123456789012",
			Identity: awsx.Identity{
				AccountID: "123456789012",
				ARN:       "arn:aws:iam::123456789012:user/auditor",
				Type:      awsx.IdentityUser,
			},
			Regions: []string{"us-east-1"},
			Status:  StatusDone,
			Resources: []inventory.Resource{
				{
					ID:                  "i-0abc123def4567890",
					Service:             "EC2",
					Type:                "Instance",
					Region:              "us-east-1",
					AccountID:           "123456789012",
					State:               "running",
					DiscoveredVia:       "EC2:DescribeInstances",
					Priority:            inventory.PriorityPrimary,
					VPCID:               "vpc-0aa11bb22cc33dd44",
					Confidence:          0.8,
					ComplianceStatus:    inventory.StatusNonCompliant,
					MissingRequiredTags: []string{"Owner"},
				},
				{
					ARN:              "arn:aws:s3:::finance-archive",
					ID:               "finance-archive",
					Service:          "S3",
					Type:             "Bucket",
					Region:           "global",
					AccountID:        "123456789012",
					Name:             "finance-archive",
					Tags:             map[string]string{"Environment": "prod", "Owner": "finance"},
					CreatedAt:        &created,
					DiscoveredVia:    "S3:ListBuckets",
					Priority:         inventory.PriorityPrimary,
					Encrypted:        inventory.TriTrue,
					Confidence:       0.95,
					ComplianceStatus: inventory.StatusCompliant,
				},
			},
			Compliance: &compliance.Summary{
				Total:        2,
				Compliant:    1,
				NonCompliant: 1,
				Percentage:   &pct,
			},
			Stages: []StageTiming{
				{Stage: "discover", Millis: 820},
				{Stage: "enrich", Millis: 430},
				{Stage: "analyze", Millis: 12},
				{Stage: "comply", Millis: 3},
			},
			APICalls: 17,
			Audit: []safety.AuditEntry{{
				Timestamp: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
				Service:   "S3",
				Operation: "ListBuckets",
				Decision:  safety.DecisionReadOnly,
				Reason:    "read-only prefix",
			}},
			PrimaryHits: map[string]int{"EC2": 1, "S3": 1},
		}},
	}
}

func TestStatusCollapsesWorstAccount(t *testing.T) {
	rep := &Report{Accounts: []AccountReport{
		{Status: StatusDone},
		{Status: StatusPartial},
		{Status: StatusDone},
	}}
	assert.Equal(t, StatusPartial, rep.Status())

	rep.Accounts = append(rep.Accounts, AccountReport{Status: StatusFailed})
	assert.Equal(t, StatusFailed, rep.Status())

	assert.Equal(t, StatusDone, (&Report{}).Status())
}

func TestOverallComplianceWeightsByResourceCount(t *testing.T) {
	big := &compliance.Summary{Total: 90, Compliant: 90}
	small := &compliance.Summary{Total: 10, Compliant: 0, NonCompliant: 10}
	rep := &Report{Accounts: []AccountReport{
		{Compliance: big},
		{Compliance: small},
	}}

	pct := rep.OverallCompliance()
	require.NotNil(t, pct)
	assert.InDelta(t, 90.0, *pct, 0.001, "90 of 100 measured resources are compliant")
}

func TestOverallComplianceNilWhenNothingMeasured(t *testing.T) {
	assert.Nil(t, (&Report{}).OverallCompliance())

	allExempt := &Report{Accounts: []AccountReport{
		{Compliance: &compliance.Summary{Total: 5, Exempt: 5}},
	}}
	assert.Nil(t, allExempt.OverallCompliance(), "exempt-only inventory measures nothing")
}

func TestReportCounters(t *testing.T) {
	rep := fixtureReport()
	rep.Accounts = append(rep.Accounts, AccountReport{
		Status:     StatusPartial,
		Resources:  []inventory.Resource{{ID: "q", Service: "SQS", Type: "Queue", Region: "us-east-1"}},
		Violations: 2,
	})

	assert.Equal(t, 3, rep.TotalResources())
	assert.Equal(t, 2, rep.TotalViolations())
}

func TestNewStampsProducer(t *testing.T) {
	rep := New("run-1")
	assert.Equal(t, "run-1", rep.RunID)
	assert.Contains(t, rep.Producer, "InvenTag/")
	assert.Equal(t, 1, rep.SchemaVersion)
	assert.False(t, rep.GeneratedAt.IsZero())
	assert.Equal(t, time.UTC, rep.GeneratedAt.Location())
}
