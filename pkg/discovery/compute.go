package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// LambdaHandler lists functions. ListFunctions does not return tags; the
// enrichment stage fetches those per function.
type LambdaHandler struct{}

func (*LambdaHandler) Service() string { return "Lambda" }
func (*LambdaHandler) Global() bool    { return false }

func (*LambdaHandler) Ops() []string {
	return []string{"ListFunctions"}
}

func (h *LambdaHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := lambda.NewListFunctionsPaginator(dc.Clients.Lambda, &lambda.ListFunctionsInput{})
	for p.HasMorePages() {
		var page *lambda.ListFunctionsOutput
		err := guard(ctx, dc, "Lambda", "ListFunctions", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, fn := range page.Functions {
			name := aws.ToString(fn.FunctionName)

			layers := make([]string, 0, len(fn.Layers))
			for _, l := range fn.Layers {
				layers = append(layers, aws.ToString(l.Arn))
			}
			attrs := map[string]any{
				"runtime":       string(fn.Runtime),
				"handler":       aws.ToString(fn.Handler),
				"memory_size":   int(aws.ToInt32(fn.MemorySize)),
				"timeout":       int(aws.ToInt32(fn.Timeout)),
				"role":          aws.ToString(fn.Role),
				"code_size":     fn.CodeSize,
				"last_modified": aws.ToString(fn.LastModified),
			}
			if len(layers) > 0 {
				attrs["layers"] = layers
			}
			if fn.TracingConfig != nil {
				attrs["tracing_config"] = string(fn.TracingConfig.Mode)
			}

			res := inventory.Resource{
				ARN:               aws.ToString(fn.FunctionArn),
				ID:                name,
				Service:           "Lambda",
				Type:              "Function",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				State:             string(fn.State),
				DiscoveredVia:     via("Lambda", "ListFunctions"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			}
			if fn.VpcConfig != nil && aws.ToString(fn.VpcConfig.VpcId) != "" {
				attrs["vpc_config"] = map[string]any{
					"vpc_id":             aws.ToString(fn.VpcConfig.VpcId),
					"subnet_ids":         fn.VpcConfig.SubnetIds,
					"security_group_ids": fn.VpcConfig.SecurityGroupIds,
				}
				res.VPCID = aws.ToString(fn.VpcConfig.VpcId)
				res.SubnetIDs = fn.VpcConfig.SubnetIds
				res.SecurityGroupIDs = fn.VpcConfig.SecurityGroupIds
			}
			out = append(out, res)
		}
	}
	return out, nil
}

// ECSHandler lists clusters and the services running on them. Tags ride
// along on the batch describes.
type ECSHandler struct{}

func (*ECSHandler) Service() string { return "ECS" }
func (*ECSHandler) Global() bool    { return false }

func (*ECSHandler) Ops() []string {
	return []string{"ListClusters", "DescribeClusters", "ListServices", "DescribeServices"}
}

func (h *ECSHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	var clusterARNs []string
	p := ecs.NewListClustersPaginator(dc.Clients.ECS, &ecs.ListClustersInput{})
	for p.HasMorePages() {
		var page *ecs.ListClustersOutput
		err := guard(ctx, dc, "ECS", "ListClusters", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		clusterARNs = append(clusterARNs, page.ClusterArns...)
	}

	// DescribeClusters takes up to 100 ARNs per call.
	for _, chunk := range chunkStrings(clusterARNs, 100) {
		var described *ecs.DescribeClustersOutput
		err := guard(ctx, dc, "ECS", "DescribeClusters", func(ctx context.Context) error {
			var err error
			described, err = dc.Clients.ECS.DescribeClusters(ctx, &ecs.DescribeClustersInput{
				Clusters: chunk,
				Include:  []ecstypes.ClusterField{ecstypes.ClusterFieldTags},
			})
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, cl := range described.Clusters {
			arn := aws.ToString(cl.ClusterArn)
			out = append(out, inventory.Resource{
				ARN:           arn,
				ID:            aws.ToString(cl.ClusterName),
				Service:       "ECS",
				Type:          "Cluster",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          aws.ToString(cl.ClusterName),
				Tags:          ecsTags(cl.Tags),
				State:         aws.ToString(cl.Status),
				DiscoveredVia: via("ECS", "DescribeClusters"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"active_services":     int(cl.ActiveServicesCount),
					"running_tasks":       int(cl.RunningTasksCount),
					"container_instances": int(cl.RegisteredContainerInstancesCount),
				},
			})

			services, err := h.services(ctx, dc, arn)
			out = append(out, services...)
			if err != nil {
				errs = append(errs, fmt.Errorf("cluster %s: %w", aws.ToString(cl.ClusterName), err))
			}
		}
	}
	return out, errors.Join(errs...)
}

func (h *ECSHandler) services(ctx context.Context, dc *Context, clusterARN string) ([]inventory.Resource, error) {
	var serviceARNs []string
	p := ecs.NewListServicesPaginator(dc.Clients.ECS, &ecs.ListServicesInput{Cluster: aws.String(clusterARN)})
	for p.HasMorePages() {
		var page *ecs.ListServicesOutput
		err := guard(ctx, dc, "ECS", "ListServices", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		serviceARNs = append(serviceARNs, page.ServiceArns...)
	}

	var out []inventory.Resource
	// DescribeServices takes at most 10 services per call.
	for _, chunk := range chunkStrings(serviceARNs, 10) {
		var described *ecs.DescribeServicesOutput
		err := guard(ctx, dc, "ECS", "DescribeServices", func(ctx context.Context) error {
			var err error
			described, err = dc.Clients.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
				Cluster:  aws.String(clusterARN),
				Services: chunk,
				Include:  []ecstypes.ServiceField{ecstypes.ServiceFieldTags},
			})
			return err
		})
		if err != nil {
			return out, err
		}
		for _, svc := range described.Services {
			res := inventory.Resource{
				ARN:           aws.ToString(svc.ServiceArn),
				ID:            aws.ToString(svc.ServiceName),
				Service:       "ECS",
				Type:          "Service",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          aws.ToString(svc.ServiceName),
				Tags:          ecsTags(svc.Tags),
				CreatedAt:     svc.CreatedAt,
				State:         aws.ToString(svc.Status),
				DiscoveredVia: via("ECS", "DescribeServices"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"cluster":         clusterARN,
					"desired_count":   int(svc.DesiredCount),
					"running_count":   int(svc.RunningCount),
					"launch_type":     string(svc.LaunchType),
					"task_definition": aws.ToString(svc.TaskDefinition),
				},
			}
			if nc := svc.NetworkConfiguration; nc != nil && nc.AwsvpcConfiguration != nil {
				res.SubnetIDs = nc.AwsvpcConfiguration.Subnets
				res.SecurityGroupIDs = nc.AwsvpcConfiguration.SecurityGroups
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func ecsTags(tags []ecstypes.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// EKSHandler describes clusters and their node groups. EKS returns tags as
// a plain map, no conversion needed.
type EKSHandler struct{}

func (*EKSHandler) Service() string { return "EKS" }
func (*EKSHandler) Global() bool    { return false }

func (*EKSHandler) Ops() []string {
	return []string{"ListClusters", "DescribeCluster", "ListNodegroups", "DescribeNodegroup"}
}

func (h *EKSHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := eks.NewListClustersPaginator(dc.Clients.EKS, &eks.ListClustersInput{})
	for p.HasMorePages() {
		var page *eks.ListClustersOutput
		err := guard(ctx, dc, "EKS", "ListClusters", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		for _, name := range page.Clusters {
			cluster, err := h.cluster(ctx, dc, name)
			if err != nil {
				errs = append(errs, fmt.Errorf("cluster %s: %w", name, err))
				continue
			}
			out = append(out, cluster)

			nodegroups, err := h.nodegroups(ctx, dc, name)
			out = append(out, nodegroups...)
			if err != nil {
				errs = append(errs, fmt.Errorf("cluster %s: %w", name, err))
			}
		}
	}
	return out, errors.Join(errs...)
}

func (h *EKSHandler) cluster(ctx context.Context, dc *Context, name string) (inventory.Resource, error) {
	var res inventory.Resource
	err := guard(ctx, dc, "EKS", "DescribeCluster", func(ctx context.Context) error {
		out, err := dc.Clients.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			return err
		}
		cl := out.Cluster
		attrs := map[string]any{
			"kubernetes_version": aws.ToString(cl.Version),
			"platform_version":   aws.ToString(cl.PlatformVersion),
			"role_arn":           aws.ToString(cl.RoleArn),
		}
		res = inventory.Resource{
			ARN:               aws.ToString(cl.Arn),
			ID:                name,
			Service:           "EKS",
			Type:              "Cluster",
			Region:            dc.Region,
			AccountID:         dc.AccountID,
			Name:              name,
			Tags:              cl.Tags,
			CreatedAt:         cl.CreatedAt,
			State:             string(cl.Status),
			DiscoveredVia:     via("EKS", "DescribeCluster"),
			Priority:          inventory.PriorityPrimary,
			ServiceAttributes: attrs,
		}
		if vc := cl.ResourcesVpcConfig; vc != nil {
			attrs["endpoint_public_access"] = vc.EndpointPublicAccess
			attrs["endpoint_private_access"] = vc.EndpointPrivateAccess
			res.VPCID = aws.ToString(vc.VpcId)
			res.SubnetIDs = vc.SubnetIds
			res.SecurityGroupIDs = vc.SecurityGroupIds
			res.PublicAccess = vc.EndpointPublicAccess
		}
		return nil
	})
	return res, err
}

func (h *EKSHandler) nodegroups(ctx context.Context, dc *Context, cluster string) ([]inventory.Resource, error) {
	var names []string
	p := eks.NewListNodegroupsPaginator(dc.Clients.EKS, &eks.ListNodegroupsInput{ClusterName: aws.String(cluster)})
	for p.HasMorePages() {
		var page *eks.ListNodegroupsOutput
		err := guard(ctx, dc, "EKS", "ListNodegroups", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		names = append(names, page.Nodegroups...)
	}

	var out []inventory.Resource
	for _, name := range names {
		var described *eks.DescribeNodegroupOutput
		err := guard(ctx, dc, "EKS", "DescribeNodegroup", func(ctx context.Context) error {
			var err error
			described, err = dc.Clients.EKS.DescribeNodegroup(ctx, &eks.DescribeNodegroupInput{
				ClusterName:   aws.String(cluster),
				NodegroupName: aws.String(name),
			})
			return err
		})
		if err != nil {
			return out, err
		}
		ng := described.Nodegroup
		attrs := map[string]any{
			"cluster":        cluster,
			"instance_types": ng.InstanceTypes,
			"ami_type":       string(ng.AmiType),
			"capacity_type":  string(ng.CapacityType),
		}
		if sc := ng.ScalingConfig; sc != nil {
			attrs["scaling"] = map[string]any{
				"min":     int(aws.ToInt32(sc.MinSize)),
				"max":     int(aws.ToInt32(sc.MaxSize)),
				"desired": int(aws.ToInt32(sc.DesiredSize)),
			}
		}
		out = append(out, inventory.Resource{
			ARN:               aws.ToString(ng.NodegroupArn),
			ID:                name,
			Service:           "EKS",
			Type:              "Nodegroup",
			Region:            dc.Region,
			AccountID:         dc.AccountID,
			Name:              name,
			Tags:              ng.Tags,
			CreatedAt:         ng.CreatedAt,
			State:             string(ng.Status),
			DiscoveredVia:     via("EKS", "DescribeNodegroup"),
			Priority:          inventory.PriorityPrimary,
			ServiceAttributes: attrs,
			SubnetIDs:         ng.Subnets,
		})
	}
	return out, nil
}

// ECRHandler lists container registries and their tags.
type ECRHandler struct{}

func (*ECRHandler) Service() string { return "ECR" }
func (*ECRHandler) Global() bool    { return false }

func (*ECRHandler) Ops() []string {
	return []string{"DescribeRepositories", "ListTagsForResource"}
}

func (h *ECRHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := ecr.NewDescribeRepositoriesPaginator(dc.Clients.ECR, &ecr.DescribeRepositoriesInput{})
	for p.HasMorePages() {
		var page *ecr.DescribeRepositoriesOutput
		err := guard(ctx, dc, "ECR", "DescribeRepositories", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		for _, repo := range page.Repositories {
			name := aws.ToString(repo.RepositoryName)
			arn := aws.ToString(repo.RepositoryArn)

			attrs := map[string]any{
				"repository_uri":       aws.ToString(repo.RepositoryUri),
				"image_tag_mutability": string(repo.ImageTagMutability),
			}
			if repo.ImageScanningConfiguration != nil {
				attrs["scan_on_push"] = repo.ImageScanningConfiguration.ScanOnPush
			}
			res := inventory.Resource{
				ARN:               arn,
				ID:                name,
				Service:           "ECR",
				Type:              "Repository",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				CreatedAt:         repo.CreatedAt,
				DiscoveredVia:     via("ECR", "DescribeRepositories"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			}
			if ec := repo.EncryptionConfiguration; ec != nil {
				attrs["encryption_type"] = string(ec.EncryptionType)
				res.Encrypted = inventory.TriTrue
			}

			tags, err := h.repoTags(ctx, dc, arn)
			if err != nil && !awsx.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("repository %s: %w", name, err))
			}
			res.Tags = tags
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

func (h *ECRHandler) repoTags(ctx context.Context, dc *Context, arn string) (map[string]string, error) {
	var tags map[string]string
	err := guard(ctx, dc, "ECR", "ListTagsForResource", func(ctx context.Context) error {
		out, err := dc.Clients.ECR.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{
			ResourceArn: aws.String(arn),
		})
		if err != nil {
			return err
		}
		if len(out.Tags) > 0 {
			tags = make(map[string]string, len(out.Tags))
			for _, t := range out.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
		}
		return nil
	})
	return tags, err
}

// chunkStrings splits a list into batches of at most n.
func chunkStrings(in []string, n int) [][]string {
	if len(in) == 0 {
		return nil
	}
	var out [][]string
	for len(in) > n {
		out = append(out, in[:n])
		in = in[n:]
	}
	return append(out, in)
}
