package analyzers

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/inventag/inventag/pkg/inventory"
)

// RiskLevel grades a rule or a whole security group.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// sensitivePorts are the services an internet-open rule makes critical:
// SSH, RDP, MySQL, Postgres, Redis, MSSQL, Elasticsearch, MongoDB, CouchDB,
// Memcached.
var sensitivePorts = []int{22, 3389, 3306, 5432, 6379, 1433, 9200, 27017, 5984, 11211}

// Rule is one normalized security group rule.
type Rule struct {
	Protocol    string    `json:"protocol"`
	FromPort    int       `json:"from_port"`
	ToPort      int       `json:"to_port"`
	Source      string    `json:"source_or_destination"`
	Description string    `json:"description,omitempty"`
	Risk        RiskLevel `json:"risk_assessment"`
}

// SecurityGroup is the analyzed view of one SG.
type SecurityGroup struct {
	GroupID                string    `json:"group_id"`
	Name                   string    `json:"name,omitempty"`
	VPCID                  string    `json:"vpc_id,omitempty"`
	Inbound                []Rule    `json:"inbound,omitempty"`
	Outbound               []Rule    `json:"outbound,omitempty"`
	AssociatedResourceARNs []string  `json:"associated_resource_arns,omitempty"`
	RiskLevel              RiskLevel `json:"risk_level"`
}

// NACLSummary is emitted only when NACL resources were discovered.
type NACLSummary struct {
	Count int            `json:"count"`
	ByVPC map[string]int `json:"by_vpc,omitempty"`
}

// SecuritySummary is the analyzer's report section.
type SecuritySummary struct {
	TotalGroups     int               `json:"total_groups"`
	ByRisk          map[RiskLevel]int `json:"by_risk,omitempty"`
	Groups          []SecurityGroup   `json:"groups,omitempty"`
	UnusedGroups    []string          `json:"unused_groups,omitempty"`
	OpenToWorld     []string          `json:"open_to_world,omitempty"`
	ReferenceCycles [][]string        `json:"reference_cycles,omitempty"`
	NACLs           *NACLSummary      `json:"nacls,omitempty"`
}

// ClassifyRule applies the risk table to one inbound rule. Protocol "-1"
// covers every port. Sources that are security group references are
// internal plumbing and rank low.
func ClassifyRule(protocol string, fromPort, toPort int, source string) RiskLevel {
	if strings.HasPrefix(source, "sg-") || strings.HasPrefix(source, "pl-") {
		return RiskLow
	}
	world := source == "0.0.0.0/0" || source == "::/0"
	sensitive := coversSensitivePort(protocol, fromPort, toPort)

	switch {
	case world && sensitive:
		return RiskCritical
	case world:
		return RiskHigh
	case sensitive && isBroadRFC1918(source):
		return RiskMedium
	default:
		return RiskLow
	}
}

func coversSensitivePort(protocol string, from, to int) bool {
	switch strings.ToLower(protocol) {
	case "-1", "all":
		return true
	case "tcp", "udp", "":
	default:
		return false // icmp and friends have no port semantics
	}
	if from == 0 && to == 0 {
		return true // unset bounds on tcp/udp mean all ports
	}
	for _, p := range sensitivePorts {
		if p >= from && p <= to {
			return true
		}
	}
	return false
}

var rfc1918 = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// isBroadRFC1918 reports private sources wide enough (/16 or wider) that
// "internal" barely narrows the blast radius.
func isBroadRFC1918(source string) bool {
	ip, ipnet, err := net.ParseCIDR(source)
	if err != nil {
		return false
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones > 16 {
		return false
	}
	for _, private := range rfc1918 {
		if private.Contains(ip) {
			return true
		}
	}
	return false
}

// SecurityAnalyzer builds the SG graph and posture summary.
type SecurityAnalyzer struct {
	logger *slog.Logger
}

// NewSecurityAnalyzer constructs an analyzer; a nil logger means the default.
func NewSecurityAnalyzer(logger *slog.Logger) *SecurityAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityAnalyzer{logger: logger}
}

// Analyze consumes SecurityGroup and NetworkAcl resources plus everything
// referencing them. SG-to-SG reference cycles are reported, never fatal:
// AWS happily allows mutually-referencing groups.
func (a *SecurityAnalyzer) Analyze(resources []inventory.Resource) *SecuritySummary {
	sum := &SecuritySummary{ByRisk: make(map[RiskLevel]int)}
	groups := make(map[string]*SecurityGroup)
	edges := make(map[string][]string)

	for i := range resources {
		res := &resources[i]
		if res.Service != "EC2" || res.Type != "SecurityGroup" {
			continue
		}
		sg := &SecurityGroup{
			GroupID:   res.ID,
			Name:      res.Name,
			VPCID:     res.VPCID,
			RiskLevel: RiskLow,
		}
		sg.Inbound = parseRules(res.ServiceAttributes, "ingress", true)
		sg.Outbound = parseRules(res.ServiceAttributes, "egress", false)
		for _, r := range sg.Inbound {
			if riskRank[r.Risk] > riskRank[sg.RiskLevel] {
				sg.RiskLevel = r.Risk
			}
			if strings.HasPrefix(r.Source, "sg-") {
				edges[sg.GroupID] = append(edges[sg.GroupID], r.Source)
			}
			if r.Source == "0.0.0.0/0" || r.Source == "::/0" {
				if !contains(sum.OpenToWorld, sg.GroupID) {
					sum.OpenToWorld = append(sum.OpenToWorld, sg.GroupID)
				}
			}
		}
		groups[sg.GroupID] = sg
	}

	// Associate consumers and spot NACLs in the same sweep.
	var nacls *NACLSummary
	for i := range resources {
		res := &resources[i]
		if res.Service == "EC2" && res.Type == "NetworkAcl" {
			if nacls == nil {
				nacls = &NACLSummary{ByVPC: make(map[string]int)}
			}
			nacls.Count++
			if res.VPCID != "" {
				nacls.ByVPC[res.VPCID]++
			}
			continue
		}
		if res.Type == "SecurityGroup" {
			continue
		}
		for _, sgID := range res.SecurityGroupIDs {
			if sg, ok := groups[sgID]; ok {
				sg.AssociatedResourceARNs = append(sg.AssociatedResourceARNs, res.Key())
			}
		}
	}
	sum.NACLs = nacls

	for _, sg := range groups {
		sort.Strings(sg.AssociatedResourceARNs)
		if len(sg.AssociatedResourceARNs) == 0 {
			sum.UnusedGroups = append(sum.UnusedGroups, sg.GroupID)
		}
		sum.ByRisk[sg.RiskLevel]++
		sum.Groups = append(sum.Groups, *sg)
		sum.TotalGroups++
	}
	sort.Slice(sum.Groups, func(i, j int) bool { return sum.Groups[i].GroupID < sum.Groups[j].GroupID })
	sort.Strings(sum.UnusedGroups)
	sort.Strings(sum.OpenToWorld)

	sum.ReferenceCycles = findCycles(edges)
	if len(sum.ReferenceCycles) > 0 {
		a.logger.Warn("security group reference cycles detected",
			slog.Int("cycles", len(sum.ReferenceCycles)))
	}
	return sum
}

func parseRules(attrs map[string]any, key string, inbound bool) []Rule {
	var rules []Rule
	for _, m := range attrMaps(attrs, key) {
		protocol := stringFrom(m, "protocol")
		from, _ := attrInt(m, "from_port")
		to, _ := attrInt(m, "to_port")
		desc := stringFrom(m, "description")
		sources := attrStrings(m, "sources")
		if len(sources) == 0 {
			sources = []string{""}
		}
		for _, src := range sources {
			rule := Rule{
				Protocol:    protocol,
				FromPort:    from,
				ToPort:      to,
				Source:      src,
				Description: desc,
				Risk:        RiskLow,
			}
			if inbound {
				rule.Risk = ClassifyRule(protocol, from, to, src)
			}
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].FromPort != rules[j].FromPort {
			return rules[i].FromPort < rules[j].FromPort
		}
		return rules[i].Source < rules[j].Source
	})
	return rules
}

func stringFrom(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// findCycles runs an iterative DFS over the SG reference graph and returns
// each cycle as the node path that closes it. Deterministic: roots and
// neighbors are visited in sorted order.
func findCycles(edges map[string][]string) [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var cycles [][]string
	var stack []string

	roots := make([]string, 0, len(edges))
	for node := range edges {
		sort.Strings(edges[node])
		roots = append(roots, node)
	}
	sort.Strings(roots)

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range edges[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// back edge: slice the stack from next to node
				for i, n := range stack {
					if n == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, root := range roots {
		if color[root] == white {
			visit(root)
		}
	}
	return cycles
}

// DescribeRisk renders a one-line human explanation for a rule, used by
// report renderers.
func DescribeRisk(r Rule) string {
	portDesc := fmt.Sprintf("ports %d-%d", r.FromPort, r.ToPort)
	if r.FromPort == r.ToPort {
		portDesc = fmt.Sprintf("port %d", r.FromPort)
	}
	if strings.EqualFold(r.Protocol, "-1") || strings.EqualFold(r.Protocol, "all") {
		portDesc = "all ports"
	}
	return fmt.Sprintf("%s %s from %s: %s", r.Protocol, portDesc, r.Source, r.Risk)
}
