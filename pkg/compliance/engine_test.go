package compliance

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/policy"
)

func basePolicy(t *testing.T) *policy.TagPolicy {
	t.Helper()
	p := &policy.TagPolicy{
		RequiredTags: []policy.RequiredTag{
			{Key: "Environment", AllowedValues: []string{"prod", "staging", "dev"}},
			{Key: "Owner"},
		},
	}
	require.NoError(t, p.Validate())
	return p
}

func res(id string, tags map[string]string) inventory.Resource {
	return inventory.Resource{
		ARN:     "arn:aws:ec2:eu-west-1:111122223333:instance/" + id,
		ID:      id,
		Service: "EC2",
		Type:    "Instance",
		Region:  "eu-west-1",
		Tags:    tags,
	}
}

func TestEvaluateVerdicts(t *testing.T) {
	eng, err := NewEngine(basePolicy(t), nil)
	require.NoError(t, err)

	resources := []inventory.Resource{
		res("r1", map[string]string{"Environment": "prod", "Owner": "a"}),
		res("r2", map[string]string{"Environment": "qa", "Owner": "b"}),
		res("r3", map[string]string{"Owner": "c"}),
		res("r4", nil),
	}

	sum := eng.Evaluate(resources)

	assert.Equal(t, inventory.StatusCompliant, resources[0].ComplianceStatus)

	assert.Equal(t, inventory.StatusNonCompliant, resources[1].ComplianceStatus)
	require.Contains(t, resources[1].InvalidTagValues, "Environment")
	assert.Contains(t, resources[1].InvalidTagValues["Environment"], "not in allowed")

	assert.Equal(t, inventory.StatusNonCompliant, resources[2].ComplianceStatus)
	assert.Equal(t, []string{"Environment"}, resources[2].MissingRequiredTags)

	assert.Equal(t, inventory.StatusUntagged, resources[3].ComplianceStatus)

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.Compliant)
	assert.Equal(t, 2, sum.NonCompliant)
	assert.Equal(t, 1, sum.Untagged)
	assert.Equal(t, 0, sum.Exempt)
	require.NotNil(t, sum.Percentage)
	assert.Equal(t, 25.0, *sum.Percentage)
}

func TestEvaluateEmptyInventory(t *testing.T) {
	eng, err := NewEngine(basePolicy(t), nil)
	require.NoError(t, err)

	sum := eng.Evaluate(nil)
	assert.Equal(t, 0, sum.Total)
	assert.Nil(t, sum.Percentage, "nothing measured is null, not 0%")
}

func TestExemptExcludedFromDenominator(t *testing.T) {
	p := basePolicy(t)
	p.Exemptions = []policy.Exemption{
		{Service: "EC2", NamePattern: "bastion-*", Reason: "break-glass"},
	}
	require.NoError(t, p.Validate())
	eng, err := NewEngine(p, nil)
	require.NoError(t, err)

	r1 := res("r1", map[string]string{"Environment": "prod", "Owner": "a"})
	r2 := res("r2", map[string]string{"Environment": "prod", "Owner": "b"})
	bast := res("r3", nil)
	bast.Name = "bastion-eu-1"

	resources := []inventory.Resource{r1, r2, bast}
	sum := eng.Evaluate(resources)

	assert.Equal(t, inventory.StatusExempt, resources[2].ComplianceStatus)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Exempt)
	require.NotNil(t, sum.Percentage)
	// 2 compliant over (3 - 1) measured
	assert.Equal(t, 100.0, *sum.Percentage)
}

func TestAllExemptMeansNullPercentage(t *testing.T) {
	p := basePolicy(t)
	p.Exemptions = []policy.Exemption{{Service: "EC2", Reason: "all of it"}}
	require.NoError(t, p.Validate())
	eng, err := NewEngine(p, nil)
	require.NoError(t, err)

	resources := []inventory.Resource{res("r1", nil), res("r2", nil)}
	sum := eng.Evaluate(resources)
	assert.Equal(t, 2, sum.Exempt)
	assert.Nil(t, sum.Percentage)
}

func TestServiceSpecificTags(t *testing.T) {
	p := basePolicy(t)
	p.ServiceSpecific = map[string]map[string]policy.ServiceRule{
		"EC2": {"Instance": {AdditionalRequiredTags: []policy.RequiredTag{{Key: "Backup"}}}},
	}
	require.NoError(t, p.Validate())
	eng, err := NewEngine(p, nil)
	require.NoError(t, err)

	full := res("r1", map[string]string{"Environment": "prod", "Owner": "a", "Backup": "daily"})
	partial := res("r2", map[string]string{"Environment": "prod", "Owner": "a"})
	other := inventory.Resource{
		ID: "vol-1", Service: "EC2", Type: "Volume", Region: "eu-west-1",
		Tags: map[string]string{"Environment": "prod", "Owner": "a"},
	}

	resources := []inventory.Resource{full, partial, other}
	eng.Evaluate(resources)

	assert.Equal(t, inventory.StatusCompliant, resources[0].ComplianceStatus)
	assert.Equal(t, inventory.StatusNonCompliant, resources[1].ComplianceStatus)
	assert.Equal(t, []string{"Backup"}, resources[1].MissingRequiredTags)
	// Volume is not covered by the Instance rule
	assert.Equal(t, inventory.StatusCompliant, resources[2].ComplianceStatus)
}

func TestEvaluateDeterministic(t *testing.T) {
	eng, err := NewEngine(basePolicy(t), nil)
	require.NoError(t, err)

	build := func() []inventory.Resource {
		return []inventory.Resource{
			res("r1", map[string]string{"Environment": "prod", "Owner": "a"}),
			res("r2", map[string]string{"Environment": "qa", "Owner": "b"}),
			res("r3", map[string]string{"Owner": "c"}),
		}
	}
	a := build()
	b := build()
	sumA := eng.Evaluate(a)
	sumB := eng.Evaluate(b)

	if !reflect.DeepEqual(a, b) {
		t.Fatal("verdicts differ between identical runs")
	}
	assert.Equal(t, sumA.Compliant, sumB.Compliant)
	assert.Equal(t, *sumA.Percentage, *sumB.Percentage)
}

func TestCustomRuleViolations(t *testing.T) {
	p := basePolicy(t)
	p.CustomRules = []policy.CustomRule{
		{Name: "prod-unencrypted", Expression: `tags['Environment'] == 'prod' && encrypted == 'false'`, Severity: "critical"},
	}
	eng, err := NewEngine(p, nil)
	require.NoError(t, err)

	flagged := res("r1", map[string]string{"Environment": "prod", "Owner": "a"})
	flagged.Encrypted = inventory.TriFalse
	clean := res("r2", map[string]string{"Environment": "prod", "Owner": "a"})
	clean.Encrypted = inventory.TriTrue

	resources := []inventory.Resource{flagged, clean}
	sum := eng.Evaluate(resources)

	require.Len(t, sum.RuleViolations, 1)
	assert.Equal(t, "r1", sum.RuleViolations[0].ID)
	assert.Equal(t, "prod-unencrypted", sum.RuleViolations[0].Hits[0].Rule)
	assert.Equal(t, "EC2:eu-west-1", sum.RuleViolations[0].Scope)
}
