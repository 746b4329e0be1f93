package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	elctypes "github.com/aws/aws-sdk-go-v2/service/elasticache/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// RDSHandler lists database instances and clusters. Describe output already
// carries tags and network placement, so no follow-up calls are needed.
type RDSHandler struct{}

func (*RDSHandler) Service() string { return "RDS" }
func (*RDSHandler) Global() bool    { return false }

func (*RDSHandler) Ops() []string {
	return []string{"DescribeDBInstances", "DescribeDBClusters"}
}

func (h *RDSHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	instances, err := h.instances(ctx, dc)
	out = append(out, instances...)
	if err != nil {
		errs = append(errs, err)
	}
	clusters, err := h.clusters(ctx, dc)
	out = append(out, clusters...)
	if err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func (h *RDSHandler) instances(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := rds.NewDescribeDBInstancesPaginator(dc.Clients.RDS, &rds.DescribeDBInstancesInput{})
	for p.HasMorePages() {
		var page *rds.DescribeDBInstancesOutput
		err := guard(ctx, dc, "RDS", "DescribeDBInstances", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, db := range page.DBInstances {
			id := aws.ToString(db.DBInstanceIdentifier)

			sgIDs := make([]string, 0, len(db.VpcSecurityGroups))
			for _, sg := range db.VpcSecurityGroups {
				sgIDs = append(sgIDs, aws.ToString(sg.VpcSecurityGroupId))
			}
			attrs := map[string]any{
				"engine":                  aws.ToString(db.Engine),
				"engine_version":          aws.ToString(db.EngineVersion),
				"instance_class":          aws.ToString(db.DBInstanceClass),
				"multi_az":                aws.ToBool(db.MultiAZ),
				"storage_encrypted":       aws.ToBool(db.StorageEncrypted),
				"publicly_accessible":     aws.ToBool(db.PubliclyAccessible),
				"backup_retention_period": int(aws.ToInt32(db.BackupRetentionPeriod)),
				"vpc_security_group_ids":  sgIDs,
				"availability_zone":       aws.ToString(db.AvailabilityZone),
			}

			res := inventory.Resource{
				ARN:               aws.ToString(db.DBInstanceArn),
				ID:                id,
				Service:           "RDS",
				Type:              "DBInstance",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              id,
				Tags:              rdsTags(db.TagList),
				CreatedAt:         db.InstanceCreateTime,
				State:             aws.ToString(db.DBInstanceStatus),
				DiscoveredVia:     via("RDS", "DescribeDBInstances"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
				SecurityGroupIDs:  sgIDs,
				PublicAccess:      aws.ToBool(db.PubliclyAccessible),
				Encrypted:         inventory.TriFromBool(aws.ToBool(db.StorageEncrypted)),
			}
			if db.DBSubnetGroup != nil {
				res.VPCID = aws.ToString(db.DBSubnetGroup.VpcId)
				attrs["db_subnet_group"] = aws.ToString(db.DBSubnetGroup.DBSubnetGroupName)
				for _, sn := range db.DBSubnetGroup.Subnets {
					res.SubnetIDs = append(res.SubnetIDs, aws.ToString(sn.SubnetIdentifier))
				}
			}
			out = append(out, res)
		}
	}
	return out, nil
}

func (h *RDSHandler) clusters(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := rds.NewDescribeDBClustersPaginator(dc.Clients.RDS, &rds.DescribeDBClustersInput{})
	for p.HasMorePages() {
		var page *rds.DescribeDBClustersOutput
		err := guard(ctx, dc, "RDS", "DescribeDBClusters", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, cl := range page.DBClusters {
			id := aws.ToString(cl.DBClusterIdentifier)

			sgIDs := make([]string, 0, len(cl.VpcSecurityGroups))
			for _, sg := range cl.VpcSecurityGroups {
				sgIDs = append(sgIDs, aws.ToString(sg.VpcSecurityGroupId))
			}
			out = append(out, inventory.Resource{
				ARN:           aws.ToString(cl.DBClusterArn),
				ID:            id,
				Service:       "RDS",
				Type:          "DBCluster",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          id,
				Tags:          rdsTags(cl.TagList),
				CreatedAt:     cl.ClusterCreateTime,
				State:         aws.ToString(cl.Status),
				DiscoveredVia: via("RDS", "DescribeDBClusters"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"engine":                 aws.ToString(cl.Engine),
					"engine_version":         aws.ToString(cl.EngineVersion),
					"multi_az":               aws.ToBool(cl.MultiAZ),
					"storage_encrypted":      aws.ToBool(cl.StorageEncrypted),
					"vpc_security_group_ids": sgIDs,
					"endpoint":               aws.ToString(cl.Endpoint),
				},
				SecurityGroupIDs: sgIDs,
				Encrypted:        inventory.TriFromBool(aws.ToBool(cl.StorageEncrypted)),
			})
		}
	}
	return out, nil
}

func rdsTags(tags []rdstypes.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// DynamoDBHandler lists table names and fetches their tags. Table-level
// detail comes later from the enrichment prober, which knows how to call
// DescribeTable.
type DynamoDBHandler struct{}

func (*DynamoDBHandler) Service() string { return "DynamoDB" }
func (*DynamoDBHandler) Global() bool    { return false }

func (*DynamoDBHandler) Ops() []string {
	return []string{"ListTables", "ListTagsOfResource"}
}

func (h *DynamoDBHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := dynamodb.NewListTablesPaginator(dc.Clients.DynamoDB, &dynamodb.ListTablesInput{})
	for p.HasMorePages() {
		var page *dynamodb.ListTablesOutput
		err := guard(ctx, dc, "DynamoDB", "ListTables", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		for _, name := range page.TableNames {
			arn := buildARN(dc.Region, dc.AccountID, "dynamodb", "table/"+name)

			tags, err := h.tableTags(ctx, dc, arn)
			if err != nil && !awsx.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("table %s: %w", name, err))
			}
			out = append(out, inventory.Resource{
				ARN:           arn,
				ID:            name,
				Service:       "DynamoDB",
				Type:          "Table",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          name,
				Tags:          tags,
				DiscoveredVia: via("DynamoDB", "ListTables"),
				Priority:      inventory.PriorityPrimary,
			})
		}
	}
	return out, errors.Join(errs...)
}

func (h *DynamoDBHandler) tableTags(ctx context.Context, dc *Context, arn string) (map[string]string, error) {
	tags := map[string]string{}
	var next *string
	for {
		var page *dynamodb.ListTagsOfResourceOutput
		err := guard(ctx, dc, "DynamoDB", "ListTagsOfResource", func(ctx context.Context) error {
			var err error
			page, err = dc.Clients.DynamoDB.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
				ResourceArn: aws.String(arn),
				NextToken:   next,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, t := range page.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		next = page.NextToken
		if next == nil {
			break
		}
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

// ElastiCacheHandler lists cache clusters and their tags.
type ElastiCacheHandler struct{}

func (*ElastiCacheHandler) Service() string { return "ElastiCache" }
func (*ElastiCacheHandler) Global() bool    { return false }

func (*ElastiCacheHandler) Ops() []string {
	return []string{"DescribeCacheClusters", "ListTagsForResource"}
}

func (h *ElastiCacheHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := elasticache.NewDescribeCacheClustersPaginator(dc.Clients.ElastiCache, &elasticache.DescribeCacheClustersInput{})
	for p.HasMorePages() {
		var page *elasticache.DescribeCacheClustersOutput
		err := guard(ctx, dc, "ElastiCache", "DescribeCacheClusters", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		for _, cc := range page.CacheClusters {
			res := h.cluster(dc, cc)

			if res.ARN != "" {
				tags, err := h.clusterTags(ctx, dc, res.ARN)
				if err != nil && !awsx.IsNotFound(err) {
					errs = append(errs, fmt.Errorf("cache cluster %s: %w", res.ID, err))
				}
				res.Tags = tags
			}
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

func (h *ElastiCacheHandler) cluster(dc *Context, cc elctypes.CacheCluster) inventory.Resource {
	id := aws.ToString(cc.CacheClusterId)

	sgIDs := make([]string, 0, len(cc.SecurityGroups))
	for _, sg := range cc.SecurityGroups {
		sgIDs = append(sgIDs, aws.ToString(sg.SecurityGroupId))
	}
	return inventory.Resource{
		ARN:           aws.ToString(cc.ARN),
		ID:            id,
		Service:       "ElastiCache",
		Type:          "CacheCluster",
		Region:        dc.Region,
		AccountID:     dc.AccountID,
		Name:          id,
		CreatedAt:     cc.CacheClusterCreateTime,
		State:         aws.ToString(cc.CacheClusterStatus),
		DiscoveredVia: via("ElastiCache", "DescribeCacheClusters"),
		Priority:      inventory.PriorityPrimary,
		ServiceAttributes: map[string]any{
			"engine":               aws.ToString(cc.Engine),
			"engine_version":       aws.ToString(cc.EngineVersion),
			"node_type":            aws.ToString(cc.CacheNodeType),
			"num_cache_nodes":      int(aws.ToInt32(cc.NumCacheNodes)),
			"cache_subnet_group":   aws.ToString(cc.CacheSubnetGroupName),
			"replication_group_id": aws.ToString(cc.ReplicationGroupId),
			"availability_zone":    aws.ToString(cc.PreferredAvailabilityZone),
		},
		SecurityGroupIDs: sgIDs,
	}
}

func (h *ElastiCacheHandler) clusterTags(ctx context.Context, dc *Context, arn string) (map[string]string, error) {
	var tags map[string]string
	err := guard(ctx, dc, "ElastiCache", "ListTagsForResource", func(ctx context.Context) error {
		out, err := dc.Clients.ElastiCache.ListTagsForResource(ctx, &elasticache.ListTagsForResourceInput{
			ResourceName: aws.String(arn),
		})
		if err != nil {
			return err
		}
		if len(out.TagList) > 0 {
			tags = make(map[string]string, len(out.TagList))
			for _, t := range out.TagList {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
		}
		return nil
	})
	return tags, err
}

// RedshiftHandler lists clusters; tags ride along on the describe output.
type RedshiftHandler struct{}

func (*RedshiftHandler) Service() string { return "Redshift" }
func (*RedshiftHandler) Global() bool    { return false }

func (*RedshiftHandler) Ops() []string {
	return []string{"DescribeClusters"}
}

func (h *RedshiftHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := redshift.NewDescribeClustersPaginator(dc.Clients.Redshift, &redshift.DescribeClustersInput{})
	for p.HasMorePages() {
		var page *redshift.DescribeClustersOutput
		err := guard(ctx, dc, "Redshift", "DescribeClusters", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, cl := range page.Clusters {
			id := aws.ToString(cl.ClusterIdentifier)

			sgIDs := make([]string, 0, len(cl.VpcSecurityGroups))
			for _, sg := range cl.VpcSecurityGroups {
				sgIDs = append(sgIDs, aws.ToString(sg.VpcSecurityGroupId))
			}
			tags := make(map[string]string, len(cl.Tags))
			for _, t := range cl.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			if len(tags) == 0 {
				tags = nil
			}
			out = append(out, inventory.Resource{
				// Redshift cluster ARNs use a colon before the name.
				ARN:           buildARN(dc.Region, dc.AccountID, "redshift", "cluster:"+id),
				ID:            id,
				Service:       "Redshift",
				Type:          "Cluster",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          id,
				Tags:          tags,
				CreatedAt:     cl.ClusterCreateTime,
				State:         aws.ToString(cl.ClusterStatus),
				DiscoveredVia: via("Redshift", "DescribeClusters"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"node_type":           aws.ToString(cl.NodeType),
					"number_of_nodes":     int(aws.ToInt32(cl.NumberOfNodes)),
					"encrypted":           aws.ToBool(cl.Encrypted),
					"publicly_accessible": aws.ToBool(cl.PubliclyAccessible),
					"vpc_id":              aws.ToString(cl.VpcId),
					"subnet_group":        aws.ToString(cl.ClusterSubnetGroupName),
				},
				SecurityGroupIDs: sgIDs,
				VPCID:            aws.ToString(cl.VpcId),
				PublicAccess:     aws.ToBool(cl.PubliclyAccessible),
				Encrypted:        inventory.TriFromBool(aws.ToBool(cl.Encrypted)),
			})
		}
	}
	return out, nil
}
