//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/config"
	"github.com/inventag/inventag/pkg/engine"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/report"
)

// seedConfig builds an SDK config for planting fixtures. Seeding bypasses
// the engine on purpose: the gate's audit trail must only ever contain the
// engine's own traffic.
func seedConfig(t *testing.T) aws.Config {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithBaseEndpoint(endpointURL),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	if err != nil {
		t.Fatalf("load seed config: %v", err)
	}
	return cfg
}

func seedInstance(t *testing.T, cfg aws.Config, tags map[string]string) string {
	t.Helper()
	var ec2Tags []ec2types.Tag
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String("ami-12345678"),
		InstanceType: ec2types.InstanceTypeT3Micro,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if len(ec2Tags) > 0 {
		in.TagSpecifications = []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         ec2Tags,
		}}
	}
	out, err := ec2.NewFromConfig(cfg).RunInstances(context.Background(), in)
	if err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	id := *out.Instances[0].InstanceId
	t.Logf("seeded instance %s tags=%v", id, tags)
	return id
}

func seedBucket(t *testing.T, cfg aws.Config, name string, tags map[string]string) {
	t.Helper()
	client := s3.NewFromConfig(cfg)
	if _, err := client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(name),
	}); err != nil {
		t.Fatalf("seed bucket %s: %v", name, err)
	}
	if len(tags) == 0 {
		return
	}
	var set []s3types.Tag
	for k, v := range tags {
		set = append(set, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	if _, err := client.PutBucketTagging(context.Background(), &s3.PutBucketTaggingInput{
		Bucket:  aws.String(name),
		Tagging: &s3types.Tagging{TagSet: set},
	}); err != nil {
		t.Fatalf("tag bucket %s: %v", name, err)
	}
}

func instanceState(t *testing.T, cfg aws.Config, id string) ec2types.InstanceStateName {
	t.Helper()
	out, err := ec2.NewFromConfig(cfg).DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		t.Fatalf("describe instance %s: %v", id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		t.Fatalf("instance %s not found", id)
	}
	return out.Reservations[0].Instances[0].State.Name
}

// scanConfig is the shared engine setup: one account on the ambient chain,
// pinned to us-east-1, scoped to the services LocalStack community
// supports.
func scanConfig(t *testing.T) engine.Config {
	t.Helper()
	run := config.DefaultRunConfig()
	run.Services = []string{"EC2", "S3"}
	run.AccountDeadline = 5 * time.Minute
	run.OperationTimeout = 30 * time.Second
	return engine.Config{
		Accounts: []awsx.AccountDescriptor{{
			Source:  awsx.CredentialDefault,
			Regions: []string{"us-east-1"},
		}},
		Run:           run,
		OutputDir:     t.TempDir(),
		Endpoint:      endpointURL,
		SkipTelemetry: true,
		Verbose:       testing.Verbose(),
	}
}

func execScan(t *testing.T, cfg engine.Config) (*engine.Engine, *report.Report) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.New(ctx, engine.WithConfig(cfg))
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })

	rep, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return eng, rep
}

// findResource looks a resource up by id across the whole report. The
// container outlives individual tests, so lookups must tolerate fixtures
// seeded by earlier ones.
func findResource(rep *report.Report, id string) *inventory.Resource {
	for a := range rep.Accounts {
		for i := range rep.Accounts[a].Resources {
			if rep.Accounts[a].Resources[i].ID == id {
				return &rep.Accounts[a].Resources[i]
			}
		}
	}
	return nil
}
