package discovery

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	wafv2types "github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// ELBv2Handler lists load balancers and target groups. Tags come from a
// separate batched call, twenty ARNs at a time.
type ELBv2Handler struct{}

func (*ELBv2Handler) Service() string { return "ELBv2" }
func (*ELBv2Handler) Global() bool    { return false }

func (*ELBv2Handler) Ops() []string {
	return []string{"DescribeLoadBalancers", "DescribeTargetGroups", "DescribeTags"}
}

func (h *ELBv2Handler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	lbs := elbv2.NewDescribeLoadBalancersPaginator(dc.Clients.ELBv2, &elbv2.DescribeLoadBalancersInput{})
	for lbs.HasMorePages() {
		var page *elbv2.DescribeLoadBalancersOutput
		err := guard(ctx, dc, "ELBv2", "DescribeLoadBalancers", func(ctx context.Context) error {
			var err error
			page, err = lbs.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, lb := range page.LoadBalancers {
			var subnets, zones []string
			for _, az := range lb.AvailabilityZones {
				zones = append(zones, aws.ToString(az.ZoneName))
				if s := aws.ToString(az.SubnetId); s != "" {
					subnets = append(subnets, s)
				}
			}
			res := inventory.Resource{
				ARN:           aws.ToString(lb.LoadBalancerArn),
				ID:            aws.ToString(lb.LoadBalancerName),
				Service:       "ELBv2",
				Type:          "LoadBalancer",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          aws.ToString(lb.LoadBalancerName),
				CreatedAt:     lb.CreatedTime,
				DiscoveredVia: via("ELBv2", "DescribeLoadBalancers"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"dns_name":           aws.ToString(lb.DNSName),
					"type":               string(lb.Type),
					"scheme":             string(lb.Scheme),
					"ip_address_type":    string(lb.IpAddressType),
					"availability_zones": zones,
				},
				VPCID:            aws.ToString(lb.VpcId),
				SubnetIDs:        subnets,
				SecurityGroupIDs: lb.SecurityGroups,
				PublicAccess:     lb.Scheme == "internet-facing",
			}
			if lb.State != nil {
				res.State = string(lb.State.Code)
			}
			out = append(out, res)
		}
	}

	tgs := elbv2.NewDescribeTargetGroupsPaginator(dc.Clients.ELBv2, &elbv2.DescribeTargetGroupsInput{})
	for tgs.HasMorePages() {
		var page *elbv2.DescribeTargetGroupsOutput
		err := guard(ctx, dc, "ELBv2", "DescribeTargetGroups", func(ctx context.Context) error {
			var err error
			page, err = tgs.NextPage(ctx)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, tg := range page.TargetGroups {
			attrs := map[string]any{
				"protocol":    string(tg.Protocol),
				"target_type": string(tg.TargetType),
			}
			if tg.Port != nil {
				attrs["port"] = int(aws.ToInt32(tg.Port))
			}
			if len(tg.LoadBalancerArns) > 0 {
				attrs["load_balancer_arns"] = tg.LoadBalancerArns
			}
			out = append(out, inventory.Resource{
				ARN:               aws.ToString(tg.TargetGroupArn),
				ID:                aws.ToString(tg.TargetGroupName),
				Service:           "ELBv2",
				Type:              "TargetGroup",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              aws.ToString(tg.TargetGroupName),
				DiscoveredVia:     via("ELBv2", "DescribeTargetGroups"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
				VPCID:             aws.ToString(tg.VpcId),
			})
		}
	}

	if err := h.attachTags(ctx, dc, out); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func (h *ELBv2Handler) attachTags(ctx context.Context, dc *Context, resources []inventory.Resource) error {
	index := make(map[string]int, len(resources))
	arns := make([]string, 0, len(resources))
	for i, r := range resources {
		index[r.ARN] = i
		arns = append(arns, r.ARN)
	}

	var errs []error
	for _, chunk := range chunkStrings(arns, 20) {
		var described *elbv2.DescribeTagsOutput
		err := guard(ctx, dc, "ELBv2", "DescribeTags", func(ctx context.Context) error {
			var err error
			described, err = dc.Clients.ELBv2.DescribeTags(ctx, &elbv2.DescribeTagsInput{ResourceArns: chunk})
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, td := range described.TagDescriptions {
			i, ok := index[aws.ToString(td.ResourceArn)]
			if !ok || len(td.Tags) == 0 {
				continue
			}
			tags := make(map[string]string, len(td.Tags))
			for _, t := range td.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			resources[i].Tags = tags
		}
	}
	return errors.Join(errs...)
}

// CloudFrontHandler lists distributions. CloudFront is a global service; the
// orchestrator runs it once per account.
type CloudFrontHandler struct{}

func (*CloudFrontHandler) Service() string { return "CloudFront" }
func (*CloudFrontHandler) Global() bool    { return true }

func (*CloudFrontHandler) Ops() []string {
	return []string{"ListDistributions", "ListTagsForResource"}
}

func (h *CloudFrontHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := cloudfront.NewListDistributionsPaginator(dc.Clients.CloudFront, &cloudfront.ListDistributionsInput{})
	for p.HasMorePages() {
		var page *cloudfront.ListDistributionsOutput
		err := guard(ctx, dc, "CloudFront", "ListDistributions", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		if page.DistributionList == nil {
			continue
		}
		for _, d := range page.DistributionList.Items {
			arn := aws.ToString(d.ARN)
			attrs := map[string]any{
				"domain_name":  aws.ToString(d.DomainName),
				"enabled":      aws.ToBool(d.Enabled),
				"price_class":  string(d.PriceClass),
				"http_version": string(d.HttpVersion),
			}
			if d.Aliases != nil && len(d.Aliases.Items) > 0 {
				attrs["aliases"] = d.Aliases.Items
			}
			if id := aws.ToString(d.WebACLId); id != "" {
				attrs["web_acl_id"] = id
			}
			res := inventory.Resource{
				ARN:               arn,
				ID:                aws.ToString(d.Id),
				Service:           "CloudFront",
				Type:              "Distribution",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              aws.ToString(d.DomainName),
				State:             aws.ToString(d.Status),
				DiscoveredVia:     via("CloudFront", "ListDistributions"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
				PublicAccess:      true,
			}

			tags, err := h.distributionTags(ctx, dc, arn)
			if err != nil && !awsx.IsNotFound(err) && !awsx.IsAccessDenied(err) {
				errs = append(errs, err)
			}
			res.Tags = tags
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

func (h *CloudFrontHandler) distributionTags(ctx context.Context, dc *Context, arn string) (map[string]string, error) {
	var tags map[string]string
	err := guard(ctx, dc, "CloudFront", "ListTagsForResource", func(ctx context.Context) error {
		out, err := dc.Clients.CloudFront.ListTagsForResource(ctx, &cloudfront.ListTagsForResourceInput{
			Resource: aws.String(arn),
		})
		if err != nil {
			return err
		}
		if out.Tags == nil || len(out.Tags.Items) == 0 {
			return nil
		}
		tags = make(map[string]string, len(out.Tags.Items))
		for _, t := range out.Tags.Items {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		return nil
	})
	return tags, err
}

// Route53Handler lists hosted zones. Reverse-DNS zones are plumbing rather
// than inventory and are suppressed unless managed resources are requested.
type Route53Handler struct{}

func (*Route53Handler) Service() string { return "Route53" }
func (*Route53Handler) Global() bool    { return true }

func (*Route53Handler) Ops() []string {
	return []string{"ListHostedZones"}
}

func (h *Route53Handler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := route53.NewListHostedZonesPaginator(dc.Clients.Route53, &route53.ListHostedZonesInput{})
	for p.HasMorePages() {
		var page *route53.ListHostedZonesOutput
		err := guard(ctx, dc, "Route53", "ListHostedZones", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, zone := range page.HostedZones {
			name := strings.TrimSuffix(aws.ToString(zone.Name), ".")
			if !dc.IncludeManaged && reverseDNSZone(name) {
				dc.Exclude(1)
				continue
			}
			id := strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/")

			attrs := map[string]any{
				"record_count": aws.ToInt64(zone.ResourceRecordSetCount),
			}
			private := false
			if zone.Config != nil {
				private = zone.Config.PrivateZone
				if c := aws.ToString(zone.Config.Comment); c != "" {
					attrs["comment"] = c
				}
			}
			attrs["private_zone"] = private

			out = append(out, inventory.Resource{
				ARN:               "arn:aws:route53:::hostedzone/" + id,
				ID:                id,
				Service:           "Route53",
				Type:              "HostedZone",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				DiscoveredVia:     via("Route53", "ListHostedZones"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
				PublicAccess:      !private,
			})
		}
	}
	return out, nil
}

func reverseDNSZone(name string) bool {
	return strings.HasSuffix(name, "in-addr.arpa") || strings.HasSuffix(name, "ip6.arpa")
}

// WAFv2Handler lists regional web ACLs. The service has no paginator in the
// SDK, so the marker loop is spelled out.
type WAFv2Handler struct{}

func (*WAFv2Handler) Service() string { return "WAFv2" }
func (*WAFv2Handler) Global() bool    { return false }

func (*WAFv2Handler) Ops() []string {
	return []string{"ListWebACLs"}
}

func (h *WAFv2Handler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var marker *string
	for {
		var page *wafv2.ListWebACLsOutput
		err := guard(ctx, dc, "WAFv2", "ListWebACLs", func(ctx context.Context) error {
			var err error
			page, err = dc.Clients.WAFv2.ListWebACLs(ctx, &wafv2.ListWebACLsInput{
				Scope:      wafv2types.ScopeRegional,
				NextMarker: marker,
			})
			return err
		})
		if err != nil {
			return out, err
		}
		for _, acl := range page.WebACLs {
			attrs := map[string]any{"scope": "REGIONAL"}
			if d := aws.ToString(acl.Description); d != "" {
				attrs["description"] = d
			}
			out = append(out, inventory.Resource{
				ARN:               aws.ToString(acl.ARN),
				ID:                aws.ToString(acl.Id),
				Service:           "WAFv2",
				Type:              "WebACL",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              aws.ToString(acl.Name),
				DiscoveredVia:     via("WAFv2", "ListWebACLs"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			})
		}
		if aws.ToString(page.NextMarker) == "" || len(page.WebACLs) == 0 {
			return out, nil
		}
		marker = page.NextMarker
	}
}
