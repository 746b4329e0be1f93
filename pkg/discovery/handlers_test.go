package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
)

func testScope(cs *awsx.ClientSet, excluded *int) *Context {
	return &Context{
		Clients:   cs,
		Gate:      safety.NewGate(),
		Region:    "us-east-1",
		AccountID: "123456789012",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		exclude: func(n int) {
			if excluded != nil {
				*excluded += n
			}
		},
	}
}

func findResource(t *testing.T, resources []inventory.Resource, typ, id string) inventory.Resource {
	t.Helper()
	for _, r := range resources {
		if r.Type == typ && r.ID == id {
			return r
		}
	}
	t.Fatalf("no %s resource with id %s in %d results", typ, id, len(resources))
	return inventory.Resource{}
}

type fakeEC2Service struct {
	awsx.EC2API
	mu         sync.Mutex
	calls      []string
	volumesErr error
}

func (f *fakeEC2Service) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeEC2Service) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.record("DescribeInstances")
	now := time.Now()
	if in.NextToken == nil {
		return &ec2.DescribeInstancesOutput{
			NextToken: aws.String("page2"),
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{{
					InstanceId:       aws.String("i-0web"),
					InstanceType:     ec2types.InstanceTypeT3Micro,
					State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
					VpcId:            aws.String("vpc-1"),
					SubnetId:         aws.String("subnet-1"),
					SecurityGroups:   []ec2types.GroupIdentifier{{GroupId: aws.String("sg-app")}},
					PublicIpAddress:  aws.String("54.1.2.3"),
					PrivateIpAddress: aws.String("10.0.1.5"),
					LaunchTime:       &now,
					Placement:        &ec2types.Placement{AvailabilityZone: aws.String("us-east-1a")},
					MetadataOptions: &ec2types.InstanceMetadataOptionsResponse{
						HttpTokens:   ec2types.HttpTokensStateRequired,
						HttpEndpoint: ec2types.InstanceMetadataEndpointStateEnabled,
					},
					Tags: []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("web")}},
				}},
			}},
		}, nil
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId:       aws.String("i-0api"),
				InstanceType:     ec2types.InstanceTypeT3Small,
				State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
				VpcId:            aws.String("vpc-1"),
				SubnetId:         aws.String("subnet-1"),
				PrivateIpAddress: aws.String("10.0.1.6"),
			}},
		}},
	}, nil
}

func (f *fakeEC2Service) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.record("DescribeVolumes")
	if f.volumesErr != nil {
		return nil, f.volumesErr
	}
	return &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{
			VolumeId:         aws.String("vol-1"),
			Size:             aws.Int32(100),
			VolumeType:       ec2types.VolumeTypeGp3,
			State:            ec2types.VolumeStateInUse,
			Encrypted:        aws.Bool(true),
			AvailabilityZone: aws.String("us-east-1a"),
			Attachments:      []ec2types.VolumeAttachment{{InstanceId: aws.String("i-0web")}},
		}},
	}, nil
}

func (f *fakeEC2Service) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.record("DescribeVpcs")
	return &ec2.DescribeVpcsOutput{
		Vpcs: []ec2types.Vpc{
			{VpcId: aws.String("vpc-default"), IsDefault: aws.Bool(true), CidrBlock: aws.String("172.31.0.0/16")},
			{
				VpcId:     aws.String("vpc-1"),
				IsDefault: aws.Bool(false),
				CidrBlock: aws.String("10.0.0.0/16"),
				State:     ec2types.VpcStateAvailable,
				Tags:      []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("main")}},
			},
		},
	}, nil
}

func (f *fakeEC2Service) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.record("DescribeSubnets")
	return &ec2.DescribeSubnetsOutput{
		Subnets: []ec2types.Subnet{{
			SubnetId:                aws.String("subnet-1"),
			SubnetArn:               aws.String("arn:aws:ec2:us-east-1:123456789012:subnet/subnet-1"),
			VpcId:                   aws.String("vpc-1"),
			CidrBlock:               aws.String("10.0.1.0/24"),
			AvailabilityZone:        aws.String("us-east-1a"),
			AvailableIpAddressCount: aws.Int32(250),
			MapPublicIpOnLaunch:     aws.Bool(false),
		}},
	}, nil
}

func (f *fakeEC2Service) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.record("DescribeSecurityGroups")
	return &ec2.DescribeSecurityGroupsOutput{
		SecurityGroups: []ec2types.SecurityGroup{
			{GroupId: aws.String("sg-default"), GroupName: aws.String("default"), VpcId: aws.String("vpc-1")},
			{
				GroupId:     aws.String("sg-app"),
				GroupName:   aws.String("app"),
				Description: aws.String("app tier"),
				VpcId:       aws.String("vpc-1"),
				IpPermissions: []ec2types.IpPermission{{
					IpProtocol:       aws.String("tcp"),
					FromPort:         aws.Int32(22),
					ToPort:           aws.Int32(22),
					IpRanges:         []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
					UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String("sg-other")}},
				}},
			},
		},
	}, nil
}

func (f *fakeEC2Service) DescribeNetworkAcls(ctx context.Context, in *ec2.DescribeNetworkAclsInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error) {
	f.record("DescribeNetworkAcls")
	return &ec2.DescribeNetworkAclsOutput{
		NetworkAcls: []ec2types.NetworkAcl{{
			NetworkAclId: aws.String("acl-1"),
			VpcId:        aws.String("vpc-1"),
			IsDefault:    aws.Bool(true),
			Entries:      []ec2types.NetworkAclEntry{{RuleNumber: aws.Int32(100)}, {RuleNumber: aws.Int32(200)}},
			Associations: []ec2types.NetworkAclAssociation{{SubnetId: aws.String("subnet-1")}},
		}},
	}, nil
}

func (f *fakeEC2Service) DescribeNatGateways(ctx context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	f.record("DescribeNatGateways")
	return &ec2.DescribeNatGatewaysOutput{
		NatGateways: []ec2types.NatGateway{{
			NatGatewayId:     aws.String("nat-1"),
			VpcId:            aws.String("vpc-1"),
			SubnetId:         aws.String("subnet-1"),
			State:            ec2types.NatGatewayStateAvailable,
			ConnectivityType: ec2types.ConnectivityTypePublic,
		}},
	}, nil
}

func TestEC2HandlerInventoriesNetworkPrimitives(t *testing.T) {
	spy := &fakeEC2Service{}
	excluded := 0
	dc := testScope(&awsx.ClientSet{EC2: spy}, &excluded)

	h := &EC2Handler{}
	resources, err := h.Discover(context.Background(), dc)
	require.NoError(t, err)

	// 2 instances, 1 volume, 1 vpc, 1 subnet, 1 sg, 1 nacl, 1 nat; the
	// default VPC and default SG are suppressed.
	assert.Len(t, resources, 8)
	assert.Equal(t, 2, excluded)

	web := findResource(t, resources, "Instance", "i-0web")
	assert.Equal(t, "arn:aws:ec2:us-east-1:123456789012:instance/i-0web", web.ARN)
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "running", web.State)
	assert.True(t, web.PublicAccess)
	assert.Equal(t, "vpc-1", web.VPCID)
	assert.Equal(t, []string{"subnet-1"}, web.SubnetIDs)
	assert.Equal(t, []string{"sg-app"}, web.SecurityGroupIDs)
	meta, ok := web.ServiceAttributes["metadata_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", meta["http_tokens"])

	api := findResource(t, resources, "Instance", "i-0api")
	assert.False(t, api.PublicAccess)

	vol := findResource(t, resources, "Volume", "vol-1")
	assert.Equal(t, inventory.TriTrue, vol.Encrypted)
	assert.Equal(t, 100, vol.ServiceAttributes["size"])

	vpc := findResource(t, resources, "VPC", "vpc-1")
	assert.Equal(t, "10.0.0.0/16", vpc.ServiceAttributes["cidr_block"])
	assert.Equal(t, false, vpc.ServiceAttributes["is_default"])

	sg := findResource(t, resources, "SecurityGroup", "sg-app")
	assert.Empty(t, sg.VPCID, "security groups must not count as VPC residents")
	ingress, ok := sg.ServiceAttributes["ingress"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ingress, 1)
	assert.Equal(t, 22, ingress[0]["from_port"])
	assert.ElementsMatch(t, []string{"0.0.0.0/0", "sg-other"}, ingress[0]["sources"])

	nat := findResource(t, resources, "NatGateway", "nat-1")
	assert.Equal(t, "vpc-1", nat.VPCID)
	assert.Equal(t, []string{"subnet-1"}, nat.SubnetIDs)

	// Two DescribeInstances calls prove the paginator was driven to the end.
	count := 0
	for _, op := range spy.calls {
		if op == "DescribeInstances" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestEC2HandlerIncludeManaged(t *testing.T) {
	excluded := 0
	dc := testScope(&awsx.ClientSet{EC2: &fakeEC2Service{}}, &excluded)
	dc.IncludeManaged = true

	resources, err := (&EC2Handler{}).Discover(context.Background(), dc)
	require.NoError(t, err)

	assert.Len(t, resources, 10)
	assert.Equal(t, 0, excluded)
	findResource(t, resources, "VPC", "vpc-default")
	findResource(t, resources, "SecurityGroup", "sg-default")
}

func TestEC2HandlerPartialFailure(t *testing.T) {
	spy := &fakeEC2Service{
		volumesErr: &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "no ec2:DescribeVolumes"},
	}
	dc := testScope(&awsx.ClientSet{EC2: spy}, nil)

	resources, err := (&EC2Handler{}).Discover(context.Background(), dc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EC2.DescribeVolumes")

	// Everything except volumes still lands.
	findResource(t, resources, "Instance", "i-0web")
	findResource(t, resources, "Subnet", "subnet-1")
	for _, r := range resources {
		assert.NotEqual(t, "Volume", r.Type)
	}
}

type fakeS3Discovery struct {
	awsx.S3API
	homeRegion string
	buckets    []s3types.Bucket
	locations  map[string]string
	tags       map[string][]s3types.Tag
	taggedFrom *[]string
}

func (f *fakeS3Discovery) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	return &s3.ListBucketsOutput{Buckets: f.buckets}, nil
}

func (f *fakeS3Discovery) GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, _ ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	return &s3.GetBucketLocationOutput{
		LocationConstraint: s3types.BucketLocationConstraint(f.locations[aws.ToString(in.Bucket)]),
	}, nil
}

func (f *fakeS3Discovery) GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	name := aws.ToString(in.Bucket)
	if f.taggedFrom != nil {
		*f.taggedFrom = append(*f.taggedFrom, f.homeRegion+"/"+name)
	}
	tags, ok := f.tags[name]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchTagSet", Message: "no tags"}
	}
	return &s3.GetBucketTaggingOutput{TagSet: tags}, nil
}

func TestS3HandlerResolvesHomeRegion(t *testing.T) {
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var tagCalls []string

	baseS3 := &fakeS3Discovery{
		homeRegion: "us-east-1",
		buckets: []s3types.Bucket{
			{Name: aws.String("logs-us"), CreationDate: &created},
			{Name: aws.String("assets-eu"), CreationDate: &created},
		},
		locations:  map[string]string{"logs-us": "", "assets-eu": "EU"},
		tags:       map[string][]s3types.Tag{},
		taggedFrom: &tagCalls,
	}
	euS3 := &fakeS3Discovery{
		homeRegion: "eu-west-1",
		tags: map[string][]s3types.Tag{
			"assets-eu": {{Key: aws.String("Team"), Value: aws.String("infra")}},
		},
		taggedFrom: &tagCalls,
	}

	base := &awsx.ClientSet{S3: baseS3}
	dc := testScope(base, nil)
	dc.ClientsFor = func(region string) *awsx.ClientSet {
		if region == "eu-west-1" {
			return &awsx.ClientSet{S3: euS3}
		}
		return base
	}

	resources, err := (&S3Handler{}).Discover(context.Background(), dc)
	require.NoError(t, err, "missing tag sets are not failures")
	require.Len(t, resources, 2)

	us := findResource(t, resources, "Bucket", "logs-us")
	assert.Equal(t, "us-east-1", us.Region)
	assert.Equal(t, "arn:aws:s3:::logs-us", us.ARN)
	assert.Empty(t, us.Tags)

	eu := findResource(t, resources, "Bucket", "assets-eu")
	assert.Equal(t, "eu-west-1", eu.Region)
	assert.Equal(t, map[string]string{"Team": "infra"}, eu.Tags)

	// Tag lookups must go to each bucket's home region.
	assert.ElementsMatch(t, []string{"us-east-1/logs-us", "eu-west-1/assets-eu"}, tagCalls)
}

func TestRegistryFiltersAndRegistersOps(t *testing.T) {
	reg := DefaultRegistry()
	assert.Len(t, reg.Handlers(nil), 18)

	picked := reg.Handlers([]string{"ec2", "S3"})
	require.Len(t, picked, 2)

	gate := safety.NewGate()
	require.NoError(t, reg.RegisterOps(gate))
	gate.Freeze()

	assert.Equal(t, safety.DecisionReadOnly, gate.Classify("EC2", "DescribeInstances"))
	assert.Equal(t, safety.DecisionReadOnly, gate.Classify("IAM", "ListRoleTags"))
	assert.Equal(t, safety.DecisionReadOnly, gate.Classify("ResourceGroupsTaggingAPI", "GetResources"))
	assert.Equal(t, safety.DecisionMutating, gate.Classify("EC2", "TerminateInstances"))
}

func TestBuildARNPartitions(t *testing.T) {
	cases := []struct {
		region string
		want   string
	}{
		{"us-east-1", "arn:aws:ec2:us-east-1:123456789012:vpc/vpc-1"},
		{"cn-north-1", "arn:aws-cn:ec2:cn-north-1:123456789012:vpc/vpc-1"},
		{"us-gov-west-1", "arn:aws-us-gov:ec2:us-gov-west-1:123456789012:vpc/vpc-1"},
	}
	for _, tc := range cases {
		if got := buildARN(tc.region, "123456789012", "ec2", "vpc/vpc-1"); got != tc.want {
			t.Errorf("buildARN(%s) = %s, want %s", tc.region, got, tc.want)
		}
	}
}

func TestChunkStrings(t *testing.T) {
	assert.Nil(t, chunkStrings(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}}, chunkStrings([]string{"a", "b"}, 3))
	assert.Equal(t, [][]string{{"a", "b", "c"}}, chunkStrings([]string{"a", "b", "c"}, 3))
	assert.Equal(t,
		[][]string{{"a", "b", "c"}, {"d"}},
		chunkStrings([]string{"a", "b", "c", "d"}, 3),
	)
}
