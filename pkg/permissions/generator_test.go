package permissions

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/discovery"
	"github.com/inventag/inventag/pkg/enrich"
	"github.com/inventag/inventag/pkg/safety"
)

func TestActionsTranslatesOperationNames(t *testing.T) {
	ops := map[string][]string{
		"EC2": {"DescribeInstances"},
		"S3":  {"ListBuckets", "GetBucketEncryption"},
	}
	actions, err := Actions(ops, false)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ec2:DescribeInstances",
		"ec2:DescribeRegions",
		"s3:GetEncryptionConfiguration",
		"s3:ListAllMyBuckets",
		"sts:GetCallerIdentity",
	}, actions)
}

func TestActionsRejectsUnmappedService(t *testing.T) {
	_, err := Actions(map[string][]string{"Robomaker": {"ListRobots"}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Robomaker")
}

func TestActionsWithCosts(t *testing.T) {
	actions, err := Actions(nil, true)
	require.NoError(t, err)
	assert.Contains(t, actions, "ce:GetCostAndUsage")
}

// The policy for the stock registries must cover every service the gate
// knows, with no duplicates and nothing outside the read-only verbs.
func TestGenerateCoversStockRegistries(t *testing.T) {
	gate := safety.NewGate()
	require.NoError(t, discovery.DefaultRegistry().RegisterOps(gate))
	require.NoError(t, enrich.DefaultRegistry().RegisterOps(gate))
	gate.Freeze()

	data, err := Generate(gate.RegisteredOps(), true)
	require.NoError(t, err)

	var doc PolicyDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2012-10-17", doc.Version)
	require.Len(t, doc.Statement, 1)

	st := doc.Statement[0]
	assert.Equal(t, "InvenTagReadOnly", st.Sid)
	assert.Equal(t, "Allow", st.Effect)
	assert.Equal(t, "*", st.Resource)

	assert.True(t, sort.StringsAreSorted(st.Action))
	seen := map[string]bool{}
	for _, a := range st.Action {
		assert.False(t, seen[a], "duplicate action %s", a)
		seen[a] = true
		verb := a[strings.Index(a, ":")+1:]
		for _, p := range []string{"Put", "Create", "Delete", "Update", "Terminate", "Modify"} {
			assert.False(t, strings.HasPrefix(verb, p), "mutating action %s leaked into the policy", a)
		}
	}

	for _, want := range []string{
		"sts:GetCallerIdentity",
		"ec2:DescribeRegions",
		"tag:GetResources",
		"ce:GetCostAndUsage",
		"s3:ListAllMyBuckets",
		"s3:GetBucketPublicAccessBlock",
		"elasticloadbalancing:DescribeLoadBalancers",
		"logs:DescribeLogGroups",
		"dynamodb:DescribeTable",
		"cloudtrail:GetTrailStatus",
	} {
		assert.True(t, seen[want], "missing %s", want)
	}
}
