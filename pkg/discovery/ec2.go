package discovery

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/inventag/inventag/pkg/inventory"
)

// EC2Handler lists instances, volumes, VPCs, subnets, security groups,
// network ACLs, and NAT gateways. Default VPCs and default security groups
// are AWS furniture and get suppressed unless the caller asked for full
// visibility.
type EC2Handler struct{}

func (*EC2Handler) Service() string { return "EC2" }
func (*EC2Handler) Global() bool    { return false }

func (*EC2Handler) Ops() []string {
	return []string{
		"DescribeInstances",
		"DescribeVolumes",
		"DescribeVpcs",
		"DescribeSubnets",
		"DescribeSecurityGroups",
		"DescribeNetworkAcls",
		"DescribeNatGateways",
	}
}

func (h *EC2Handler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	for _, list := range []func(context.Context, *Context) ([]inventory.Resource, error){
		h.instances,
		h.volumes,
		h.vpcs,
		h.subnets,
		h.securityGroups,
		h.networkACLs,
		h.natGateways,
	} {
		resources, err := list(ctx, dc)
		out = append(out, resources...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (h *EC2Handler) instances(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := ec2.NewDescribeInstancesPaginator(dc.Clients.EC2, &ec2.DescribeInstancesInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeInstancesOutput
		err := guard(ctx, dc, "EC2", "DescribeInstances", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				out = append(out, h.instance(dc, inst))
			}
		}
	}
	return out, nil
}

func (h *EC2Handler) instance(dc *Context, inst ec2types.Instance) inventory.Resource {
	id := aws.ToString(inst.InstanceId)
	tags := ec2Tags(inst.Tags)

	sgIDs := make([]string, 0, len(inst.SecurityGroups))
	for _, sg := range inst.SecurityGroups {
		sgIDs = append(sgIDs, aws.ToString(sg.GroupId))
	}

	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}

	attrs := map[string]any{
		"instance_type":      string(inst.InstanceType),
		"image_id":           aws.ToString(inst.ImageId),
		"vpc_id":             aws.ToString(inst.VpcId),
		"subnet_id":          aws.ToString(inst.SubnetId),
		"security_group_ids": sgIDs,
		"private_ip":         aws.ToString(inst.PrivateIpAddress),
	}
	if inst.Placement != nil {
		attrs["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.PublicIpAddress != nil {
		attrs["public_ip"] = aws.ToString(inst.PublicIpAddress)
	}
	if inst.IamInstanceProfile != nil {
		attrs["iam_instance_profile"] = aws.ToString(inst.IamInstanceProfile.Arn)
	}
	if inst.EbsOptimized != nil {
		attrs["ebs_optimized"] = aws.ToBool(inst.EbsOptimized)
	}
	if inst.Monitoring != nil {
		attrs["monitoring"] = string(inst.Monitoring.State)
	}
	if inst.MetadataOptions != nil {
		attrs["metadata_options"] = map[string]any{
			"http_tokens":   string(inst.MetadataOptions.HttpTokens),
			"http_endpoint": string(inst.MetadataOptions.HttpEndpoint),
		}
	}

	return inventory.Resource{
		ARN:               buildARN(dc.Region, dc.AccountID, "ec2", "instance/"+id),
		ID:                id,
		Service:           "EC2",
		Type:              "Instance",
		Region:            dc.Region,
		AccountID:         dc.AccountID,
		Name:              tags["Name"],
		Tags:              tags,
		CreatedAt:         inst.LaunchTime,
		State:             state,
		DiscoveredVia:     via("EC2", "DescribeInstances"),
		Priority:          inventory.PriorityPrimary,
		ServiceAttributes: attrs,
		VPCID:             aws.ToString(inst.VpcId),
		SubnetIDs:         nonEmpty(aws.ToString(inst.SubnetId)),
		SecurityGroupIDs:  sgIDs,
		PublicAccess:      inst.PublicIpAddress != nil,
	}
}

func (h *EC2Handler) volumes(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := ec2.NewDescribeVolumesPaginator(dc.Clients.EC2, &ec2.DescribeVolumesInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeVolumesOutput
		err := guard(ctx, dc, "EC2", "DescribeVolumes", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, vol := range page.Volumes {
			id := aws.ToString(vol.VolumeId)
			tags := ec2Tags(vol.Tags)

			attached := make([]string, 0, len(vol.Attachments))
			for _, att := range vol.Attachments {
				attached = append(attached, aws.ToString(att.InstanceId))
			}
			attrs := map[string]any{
				"size":              int(aws.ToInt32(vol.Size)),
				"volume_type":       string(vol.VolumeType),
				"availability_zone": aws.ToString(vol.AvailabilityZone),
				"attached_to":       attached,
			}
			if vol.Iops != nil {
				attrs["iops"] = int(aws.ToInt32(vol.Iops))
			}
			if vol.Encrypted != nil {
				attrs["encrypted"] = aws.ToBool(vol.Encrypted)
			}

			res := inventory.Resource{
				ARN:               buildARN(dc.Region, dc.AccountID, "ec2", "volume/"+id),
				ID:                id,
				Service:           "EC2",
				Type:              "Volume",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              tags["Name"],
				Tags:              tags,
				CreatedAt:         vol.CreateTime,
				State:             string(vol.State),
				DiscoveredVia:     via("EC2", "DescribeVolumes"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			}
			if vol.Encrypted != nil {
				res.Encrypted = inventory.TriFromBool(aws.ToBool(vol.Encrypted))
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func (h *EC2Handler) vpcs(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	excluded := 0
	p := ec2.NewDescribeVpcsPaginator(dc.Clients.EC2, &ec2.DescribeVpcsInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeVpcsOutput
		err := guard(ctx, dc, "EC2", "DescribeVpcs", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			dc.Exclude(excluded)
			return out, err
		}
		for _, vpc := range page.Vpcs {
			if aws.ToBool(vpc.IsDefault) && !dc.IncludeManaged {
				excluded++
				continue
			}
			id := aws.ToString(vpc.VpcId)
			tags := ec2Tags(vpc.Tags)
			out = append(out, inventory.Resource{
				ARN:           buildARN(dc.Region, dc.AccountID, "ec2", "vpc/"+id),
				ID:            id,
				Service:       "EC2",
				Type:          "VPC",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          tags["Name"],
				Tags:          tags,
				State:         string(vpc.State),
				DiscoveredVia: via("EC2", "DescribeVpcs"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"cidr_block": aws.ToString(vpc.CidrBlock),
					"is_default": aws.ToBool(vpc.IsDefault),
				},
			})
		}
	}
	dc.Exclude(excluded)
	return out, nil
}

func (h *EC2Handler) subnets(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := ec2.NewDescribeSubnetsPaginator(dc.Clients.EC2, &ec2.DescribeSubnetsInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeSubnetsOutput
		err := guard(ctx, dc, "EC2", "DescribeSubnets", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, sn := range page.Subnets {
			id := aws.ToString(sn.SubnetId)
			tags := ec2Tags(sn.Tags)
			arn := aws.ToString(sn.SubnetArn)
			if arn == "" {
				arn = buildARN(dc.Region, dc.AccountID, "ec2", "subnet/"+id)
			}
			out = append(out, inventory.Resource{
				ARN:           arn,
				ID:            id,
				Service:       "EC2",
				Type:          "Subnet",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          tags["Name"],
				Tags:          tags,
				State:         string(sn.State),
				DiscoveredVia: via("EC2", "DescribeSubnets"),
				Priority:      inventory.PriorityPrimary,
				VPCID:         aws.ToString(sn.VpcId),
				ServiceAttributes: map[string]any{
					"cidr_block":              aws.ToString(sn.CidrBlock),
					"availability_zone":       aws.ToString(sn.AvailabilityZone),
					"available_ip_count":      int(aws.ToInt32(sn.AvailableIpAddressCount)),
					"map_public_ip_on_launch": aws.ToBool(sn.MapPublicIpOnLaunch),
				},
			})
		}
	}
	return out, nil
}

func (h *EC2Handler) securityGroups(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	excluded := 0
	p := ec2.NewDescribeSecurityGroupsPaginator(dc.Clients.EC2, &ec2.DescribeSecurityGroupsInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeSecurityGroupsOutput
		err := guard(ctx, dc, "EC2", "DescribeSecurityGroups", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			dc.Exclude(excluded)
			return out, err
		}
		for _, sg := range page.SecurityGroups {
			if aws.ToString(sg.GroupName) == "default" && !dc.IncludeManaged {
				excluded++
				continue
			}
			id := aws.ToString(sg.GroupId)
			tags := ec2Tags(sg.Tags)
			name := tags["Name"]
			if name == "" {
				name = aws.ToString(sg.GroupName)
			}
			out = append(out, inventory.Resource{
				ARN:           buildARN(dc.Region, dc.AccountID, "ec2", "security-group/"+id),
				ID:            id,
				Service:       "EC2",
				Type:          "SecurityGroup",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          name,
				Tags:          tags,
				DiscoveredVia: via("EC2", "DescribeSecurityGroups"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"group_name":  aws.ToString(sg.GroupName),
					"description": aws.ToString(sg.Description),
					"vpc_id":      aws.ToString(sg.VpcId),
					"ingress":     sgRules(sg.IpPermissions),
					"egress":      sgRules(sg.IpPermissionsEgress),
				},
			})
		}
	}
	dc.Exclude(excluded)
	return out, nil
}

func (h *EC2Handler) networkACLs(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := ec2.NewDescribeNetworkAclsPaginator(dc.Clients.EC2, &ec2.DescribeNetworkAclsInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeNetworkAclsOutput
		err := guard(ctx, dc, "EC2", "DescribeNetworkAcls", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, acl := range page.NetworkAcls {
			id := aws.ToString(acl.NetworkAclId)
			tags := ec2Tags(acl.Tags)
			out = append(out, inventory.Resource{
				ARN:           buildARN(dc.Region, dc.AccountID, "ec2", "network-acl/"+id),
				ID:            id,
				Service:       "EC2",
				Type:          "NetworkAcl",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          tags["Name"],
				Tags:          tags,
				DiscoveredVia: via("EC2", "DescribeNetworkAcls"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"vpc_id":       aws.ToString(acl.VpcId),
					"is_default":   aws.ToBool(acl.IsDefault),
					"entry_count":  len(acl.Entries),
					"associations": len(acl.Associations),
				},
			})
		}
	}
	return out, nil
}

func (h *EC2Handler) natGateways(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := ec2.NewDescribeNatGatewaysPaginator(dc.Clients.EC2, &ec2.DescribeNatGatewaysInput{})
	for p.HasMorePages() {
		var page *ec2.DescribeNatGatewaysOutput
		err := guard(ctx, dc, "EC2", "DescribeNatGateways", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, nat := range page.NatGateways {
			id := aws.ToString(nat.NatGatewayId)
			tags := ec2Tags(nat.Tags)
			out = append(out, inventory.Resource{
				ARN:           buildARN(dc.Region, dc.AccountID, "ec2", "natgateway/"+id),
				ID:            id,
				Service:       "EC2",
				Type:          "NatGateway",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          tags["Name"],
				Tags:          tags,
				CreatedAt:     nat.CreateTime,
				State:         string(nat.State),
				DiscoveredVia: via("EC2", "DescribeNatGateways"),
				Priority:      inventory.PriorityPrimary,
				VPCID:         aws.ToString(nat.VpcId),
				SubnetIDs:     nonEmpty(aws.ToString(nat.SubnetId)),
				ServiceAttributes: map[string]any{
					"vpc_id":            aws.ToString(nat.VpcId),
					"subnet_id":         aws.ToString(nat.SubnetId),
					"connectivity_type": string(nat.ConnectivityType),
				},
			})
		}
	}
	return out, nil
}

// sgRules flattens IP permissions into the shape the security analyzer
// reads: protocol, port range, and every source in one list.
func sgRules(perms []ec2types.IpPermission) []map[string]any {
	rules := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		var sources []string
		for _, r := range p.IpRanges {
			sources = append(sources, aws.ToString(r.CidrIp))
		}
		for _, r := range p.Ipv6Ranges {
			sources = append(sources, aws.ToString(r.CidrIpv6))
		}
		for _, g := range p.UserIdGroupPairs {
			sources = append(sources, aws.ToString(g.GroupId))
		}
		for _, pl := range p.PrefixListIds {
			sources = append(sources, aws.ToString(pl.PrefixListId))
		}
		rules = append(rules, map[string]any{
			"protocol":  aws.ToString(p.IpProtocol),
			"from_port": int(aws.ToInt32(p.FromPort)),
			"to_port":   int(aws.ToInt32(p.ToPort)),
			"sources":   sources,
		})
	}
	return rules
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
