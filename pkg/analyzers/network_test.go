package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/inventory"
)

func TestUsableSubnetIPs(t *testing.T) {
	cases := []struct {
		prefix int
		want   int
	}{
		{16, 65531},
		{24, 251},
		{28, 11},
		{30, 0}, // 4 addresses, 5 reserved
		{31, 0},
		{32, 0},
	}
	for _, tc := range cases {
		if got := UsableSubnetIPs(tc.prefix); got != tc.want {
			t.Errorf("UsableSubnetIPs(%d) = %d, want %d", tc.prefix, got, tc.want)
		}
	}
}

func vpcRes(id, cidr string) inventory.Resource {
	return inventory.Resource{
		ID: id, Service: "EC2", Type: "VPC", Region: "eu-west-1",
		ServiceAttributes: map[string]any{"cidr_block": cidr},
	}
}

func subnetRes(id, vpcID, cidr, az string, available int) inventory.Resource {
	attrs := map[string]any{"cidr_block": cidr, "availability_zone": az}
	if available >= 0 {
		attrs["available_ip_count"] = available
	}
	return inventory.Resource{
		ID: id, Service: "EC2", Type: "Subnet", Region: "eu-west-1",
		VPCID: vpcID, ServiceAttributes: attrs,
	}
}

func TestNetworkAnalyze(t *testing.T) {
	resources := []inventory.Resource{
		vpcRes("vpc-1", "10.0.0.0/16"),
		subnetRes("subnet-a", "vpc-1", "10.0.1.0/24", "eu-west-1a", 200),
		subnetRes("subnet-b", "vpc-1", "10.0.2.0/24", "eu-west-1b", -1), // no AWS count
		{
			ID: "i-1", Service: "EC2", Type: "Instance", Region: "eu-west-1",
			VPCID: "vpc-1", SubnetIDs: []string{"subnet-b"},
		},
		{
			ID: "i-2", Service: "EC2", Type: "Instance", Region: "eu-west-1",
			VPCID: "vpc-1", SubnetIDs: []string{"subnet-b"},
		},
		{
			ID: "fn-1", Service: "Lambda", Type: "Function", Region: "eu-west-1",
		},
	}

	sum := NewNetworkAnalyzer(nil).Analyze(resources)

	assert.Equal(t, 1, sum.TotalVPCs)
	assert.Equal(t, 2, sum.TotalSubnets)
	assert.Equal(t, 2, sum.ResourcesInVPCs)
	assert.Equal(t, 1, sum.ResourcesWithoutVPC)

	require.Len(t, sum.VPCs, 1)
	vpc := sum.VPCs[0]
	assert.Equal(t, 65534, vpc.TotalIPs) // /16 minus network+broadcast
	require.Len(t, vpc.Subnets, 2)

	a := vpc.Subnets[0]
	assert.Equal(t, "subnet-a", a.SubnetID)
	assert.Equal(t, 251, a.TotalIPs)
	assert.Equal(t, 200, a.AvailableIPs, "AWS-reported availability wins")
	assert.Equal(t, 20.3, a.UtilizationPct)

	b := vpc.Subnets[1]
	assert.Equal(t, 249, b.AvailableIPs, "two instances consume two addresses")
	assert.Equal(t, 0.8, b.UtilizationPct)

	assert.Equal(t, []string{"EC2:eu-west-1:i-1", "EC2:eu-west-1:i-2"}, vpc.AssociatedResourceARNs)

	require.NotNil(t, sum.HighestUtilization)
	assert.Equal(t, "subnet-a", sum.HighestUtilization.SubnetID)
}

func TestNetworkAnalyzeEmptyInventory(t *testing.T) {
	sum := NewNetworkAnalyzer(nil).Analyze(nil)
	assert.Equal(t, 0, sum.TotalVPCs)
	assert.Nil(t, sum.HighestUtilization)
}

func TestSubnetWithTinyPrefix(t *testing.T) {
	resources := []inventory.Resource{
		vpcRes("vpc-1", "10.0.0.0/16"),
		subnetRes("subnet-tiny", "vpc-1", "10.0.3.0/31", "eu-west-1a", -1),
	}
	sum := NewNetworkAnalyzer(nil).Analyze(resources)
	require.Len(t, sum.VPCs, 1)
	require.Len(t, sum.VPCs[0].Subnets, 1)
	sn := sum.VPCs[0].Subnets[0]
	assert.Equal(t, 0, sn.TotalIPs)
	assert.Equal(t, 0, sn.AvailableIPs)
	assert.Equal(t, 0.0, sn.UtilizationPct)
}
