package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/inventory"
)

func TestClassifyRule(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
		from, to int
		source   string
		want     RiskLevel
	}{
		{"ssh open to world", "tcp", 22, 22, "0.0.0.0/0", RiskCritical},
		{"rdp open to world v6", "tcp", 3389, 3389, "::/0", RiskCritical},
		{"range containing postgres", "tcp", 5000, 6000, "0.0.0.0/0", RiskCritical},
		{"all traffic open", "-1", 0, 0, "0.0.0.0/0", RiskCritical},
		{"web open to world", "tcp", 443, 443, "0.0.0.0/0", RiskHigh},
		{"icmp open to world", "icmp", 0, 0, "0.0.0.0/0", RiskHigh},
		{"ssh from broad private", "tcp", 22, 22, "10.0.0.0/8", RiskMedium},
		{"ssh from /16 private", "tcp", 22, 22, "192.168.0.0/16", RiskMedium},
		{"ssh from narrow private", "tcp", 22, 22, "10.1.2.0/24", RiskLow},
		{"web from broad private", "tcp", 443, 443, "10.0.0.0/8", RiskLow},
		{"sg reference", "tcp", 22, 22, "sg-0123456789", RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyRule(tc.protocol, tc.from, tc.to, tc.source)
			assert.Equal(t, tc.want, got)
		})
	}
}

func sgRes(id, name, vpcID string, ingress []map[string]any) inventory.Resource {
	return inventory.Resource{
		ID: id, Name: name, Service: "EC2", Type: "SecurityGroup",
		Region: "eu-west-1", VPCID: vpcID,
		ServiceAttributes: map[string]any{"ingress": ingress},
	}
}

func rule(protocol string, from, to int, sources ...string) map[string]any {
	return map[string]any{
		"protocol": protocol, "from_port": from, "to_port": to, "sources": sources,
	}
}

func TestSecurityAnalyze(t *testing.T) {
	resources := []inventory.Resource{
		sgRes("sg-web", "web", "vpc-1", []map[string]any{
			rule("tcp", 443, 443, "0.0.0.0/0"),
		}),
		sgRes("sg-db", "db", "vpc-1", []map[string]any{
			rule("tcp", 5432, 5432, "sg-web"),
		}),
		sgRes("sg-orphan", "orphan", "vpc-1", []map[string]any{
			rule("tcp", 22, 22, "0.0.0.0/0"),
		}),
		{
			ID: "i-1", ARN: "arn:aws:ec2:eu-west-1:1:instance/i-1",
			Service: "EC2", Type: "Instance", Region: "eu-west-1",
			VPCID: "vpc-1", SecurityGroupIDs: []string{"sg-web", "sg-db"},
		},
	}

	sum := NewSecurityAnalyzer(nil).Analyze(resources)

	assert.Equal(t, 3, sum.TotalGroups)
	assert.Equal(t, 1, sum.ByRisk[RiskCritical]) // sg-orphan: ssh to world
	assert.Equal(t, 1, sum.ByRisk[RiskHigh])     // sg-web: https to world
	assert.Equal(t, 1, sum.ByRisk[RiskLow])      // sg-db: sg reference

	assert.Equal(t, []string{"sg-orphan"}, sum.UnusedGroups)
	assert.Equal(t, []string{"sg-orphan", "sg-web"}, sum.OpenToWorld)
	assert.Empty(t, sum.ReferenceCycles)

	require.Len(t, sum.Groups, 3)
	db := sum.Groups[0]
	assert.Equal(t, "sg-db", db.GroupID)
	assert.Equal(t, []string{"arn:aws:ec2:eu-west-1:1:instance/i-1"}, db.AssociatedResourceARNs)
}

func TestSecurityAnalyzeDetectsCycles(t *testing.T) {
	resources := []inventory.Resource{
		sgRes("sg-a", "a", "vpc-1", []map[string]any{rule("tcp", 8080, 8080, "sg-b")}),
		sgRes("sg-b", "b", "vpc-1", []map[string]any{rule("tcp", 8080, 8080, "sg-a")}),
	}
	sum := NewSecurityAnalyzer(nil).Analyze(resources)
	require.Len(t, sum.ReferenceCycles, 1)
	assert.ElementsMatch(t, []string{"sg-a", "sg-b"}, sum.ReferenceCycles[0])
}

func TestSecurityAnalyzeNACLSummary(t *testing.T) {
	resources := []inventory.Resource{
		{ID: "acl-1", Service: "EC2", Type: "NetworkAcl", Region: "eu-west-1", VPCID: "vpc-1"},
		{ID: "acl-2", Service: "EC2", Type: "NetworkAcl", Region: "eu-west-1", VPCID: "vpc-1"},
	}
	sum := NewSecurityAnalyzer(nil).Analyze(resources)
	require.NotNil(t, sum.NACLs)
	assert.Equal(t, 2, sum.NACLs.Count)
	assert.Equal(t, 2, sum.NACLs.ByVPC["vpc-1"])

	empty := NewSecurityAnalyzer(nil).Analyze(nil)
	assert.Nil(t, empty.NACLs)
}

func TestParseRulesFromSnapshotShape(t *testing.T) {
	// after a snapshot round-trip, attributes arrive as []any and float64
	attrs := map[string]any{
		"ingress": []any{
			map[string]any{
				"protocol":  "tcp",
				"from_port": float64(22),
				"to_port":   float64(22),
				"sources":   []any{"0.0.0.0/0"},
			},
		},
	}
	rules := parseRules(attrs, "ingress", true)
	require.Len(t, rules, 1)
	assert.Equal(t, 22, rules[0].FromPort)
	assert.Equal(t, RiskCritical, rules[0].Risk)
}
