// Package analyzers derives network topology and security posture from an
// enriched inventory. Both analyzers are pure: they read resources and
// produce summaries, no API calls.
package analyzers

import (
	"log/slog"
	"math"
	"net"
	"sort"

	"github.com/inventag/inventag/pkg/inventory"
)

// Subnet is one subnet's address accounting. AWS reserves 5 addresses per
// subnet (network, router, DNS, future use, broadcast).
type Subnet struct {
	SubnetID       string  `json:"subnet_id"`
	Name           string  `json:"name,omitempty"`
	CIDR           string  `json:"cidr"`
	AZ             string  `json:"az,omitempty"`
	VPCID          string  `json:"vpc_id"`
	TotalIPs       int     `json:"total_ips"`
	AvailableIPs   int     `json:"available_ips"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// VPC aggregates its subnets and the resources living inside it.
type VPC struct {
	VPCID                  string   `json:"vpc_id"`
	Name                   string   `json:"name,omitempty"`
	CIDR                   string   `json:"cidr"`
	IsDefault              bool     `json:"is_default,omitempty"`
	TotalIPs               int      `json:"total_ips"`
	AvailableIPs           int      `json:"available_ips"`
	UtilizationPct         float64  `json:"utilization_pct"`
	Subnets                []Subnet `json:"subnets,omitempty"`
	AssociatedResourceARNs []string `json:"associated_resource_arns,omitempty"`
}

// NetworkSummary is the analyzer's report section.
type NetworkSummary struct {
	TotalVPCs           int     `json:"total_vpcs"`
	TotalSubnets        int     `json:"total_subnets"`
	VPCs                []VPC   `json:"vpcs,omitempty"`
	ResourcesInVPCs     int     `json:"resources_in_vpcs"`
	ResourcesWithoutVPC int     `json:"resources_without_vpc"`
	HighestUtilization  *Subnet `json:"highest_utilization,omitempty"`
}

// UsableSubnetIPs applies the AWS reservation rules: five addresses are
// reserved per subnet, and /31 and /32 have no usable addresses at all.
func UsableSubnetIPs(prefix int) int {
	if prefix > 30 || prefix < 0 {
		return 0
	}
	total := 1 << (32 - prefix)
	if total <= 5 {
		return 0
	}
	return total - 5
}

// usableVPCIPs subtracts only network and broadcast; the per-subnet
// reservations are accounted at the subnet level.
func usableVPCIPs(prefix int) int {
	if prefix > 30 || prefix < 0 {
		return 0
	}
	return 1<<(32-prefix) - 2
}

func cidrPrefix(cidr string) (int, bool) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, false
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return 0, false // v6 address math is out of scope for utilization
	}
	return ones, true
}

// ipConsumers lists resource types that hold an ENI and therefore consume
// subnet addresses. Used only when AWS did not report availability.
var ipConsumers = map[string]bool{
	"Instance":     true,
	"NatGateway":   true,
	"DBInstance":   true,
	"CacheCluster": true,
	"LoadBalancer": true,
	"Cluster":      true,
}

// NetworkAnalyzer builds the VPC/subnet view.
type NetworkAnalyzer struct {
	logger *slog.Logger
}

// NewNetworkAnalyzer constructs an analyzer; a nil logger means the default.
func NewNetworkAnalyzer(logger *slog.Logger) *NetworkAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkAnalyzer{logger: logger}
}

// Analyze walks the inventory once, building VPCs from VPC resources,
// subnets from Subnet resources, and association lists from everything
// else's vpc_id. Output slices are sorted by id for stable reports.
func (a *NetworkAnalyzer) Analyze(resources []inventory.Resource) *NetworkSummary {
	sum := &NetworkSummary{}
	vpcs := make(map[string]*VPC)
	subnetsByVPC := make(map[string][]Subnet)
	consumed := make(map[string]int) // subnet_id -> consumer count

	for i := range resources {
		res := &resources[i]
		if res.Service != "EC2" {
			continue
		}
		switch res.Type {
		case "VPC":
			vpc := &VPC{
				VPCID:     res.ID,
				Name:      res.Name,
				CIDR:      attrString(res.ServiceAttributes, "cidr_block"),
				IsDefault: attrBool(res.ServiceAttributes, "is_default"),
			}
			if prefix, ok := cidrPrefix(vpc.CIDR); ok {
				vpc.TotalIPs = usableVPCIPs(prefix)
			}
			vpcs[vpc.VPCID] = vpc
		case "Subnet":
			subnet := Subnet{
				SubnetID: res.ID,
				Name:     res.Name,
				CIDR:     attrString(res.ServiceAttributes, "cidr_block"),
				AZ:       attrString(res.ServiceAttributes, "availability_zone"),
				VPCID:    res.VPCID,
			}
			if prefix, ok := cidrPrefix(subnet.CIDR); ok {
				subnet.TotalIPs = UsableSubnetIPs(prefix)
			}
			if avail, ok := attrInt(res.ServiceAttributes, "available_ip_count"); ok {
				subnet.AvailableIPs = avail
			} else {
				subnet.AvailableIPs = -1 // fill from consumer count later
			}
			subnetsByVPC[subnet.VPCID] = append(subnetsByVPC[subnet.VPCID], subnet)
		}
	}

	// Second pass: map the rest of the inventory onto VPCs and count
	// address consumers per subnet.
	for i := range resources {
		res := &resources[i]
		if res.Type == "VPC" || res.Type == "Subnet" {
			continue
		}
		if res.VPCID == "" {
			sum.ResourcesWithoutVPC++
			continue
		}
		sum.ResourcesInVPCs++
		if vpc, ok := vpcs[res.VPCID]; ok {
			vpc.AssociatedResourceARNs = append(vpc.AssociatedResourceARNs, res.Key())
		}
		if ipConsumers[res.Type] {
			for _, sn := range res.SubnetIDs {
				consumed[sn]++
			}
		}
	}

	var hottest *Subnet
	for vpcID, subnets := range subnetsByVPC {
		vpc := vpcs[vpcID]
		for i := range subnets {
			sn := &subnets[i]
			if sn.AvailableIPs < 0 {
				sn.AvailableIPs = sn.TotalIPs - consumed[sn.SubnetID]
				if sn.AvailableIPs < 0 {
					sn.AvailableIPs = 0
				}
			}
			if sn.TotalIPs > 0 {
				used := sn.TotalIPs - sn.AvailableIPs
				sn.UtilizationPct = round1(float64(used) / float64(sn.TotalIPs) * 100)
			}
			if hottest == nil || sn.UtilizationPct > hottest.UtilizationPct {
				captured := *sn
				hottest = &captured
			}
			sum.TotalSubnets++
		}
		sort.Slice(subnets, func(i, j int) bool { return subnets[i].SubnetID < subnets[j].SubnetID })
		if vpc != nil {
			vpc.Subnets = subnets
		} else {
			a.logger.Debug("subnets reference unknown vpc", slog.String("vpc_id", vpcID))
		}
	}

	for _, vpc := range vpcs {
		var available int
		for _, sn := range vpc.Subnets {
			available += sn.AvailableIPs
		}
		if len(vpc.Subnets) > 0 {
			vpc.AvailableIPs = available
		} else {
			vpc.AvailableIPs = vpc.TotalIPs
		}
		if vpc.TotalIPs > 0 {
			used := vpc.TotalIPs - vpc.AvailableIPs
			if used < 0 {
				used = 0
			}
			vpc.UtilizationPct = round1(float64(used) / float64(vpc.TotalIPs) * 100)
		}
		sort.Strings(vpc.AssociatedResourceARNs)
		sum.VPCs = append(sum.VPCs, *vpc)
		sum.TotalVPCs++
	}
	sort.Slice(sum.VPCs, func(i, j int) bool { return sum.VPCs[i].VPCID < sum.VPCs[j].VPCID })

	sum.HighestUtilization = hottest
	return sum
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
