package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// S3Handler lists buckets once per account and resolves each bucket's home
// region, since ListBuckets reports every bucket regardless of where the
// call lands. Tags come from GetBucketTagging against the home region.
type S3Handler struct{}

func (*S3Handler) Service() string { return "S3" }
func (*S3Handler) Global() bool    { return true }

func (*S3Handler) Ops() []string {
	return []string{"ListBuckets", "GetBucketLocation", "GetBucketTagging"}
}

func (h *S3Handler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := s3.NewListBucketsPaginator(dc.Clients.S3, &s3.ListBucketsInput{})
	for p.HasMorePages() {
		var page *s3.ListBucketsOutput
		err := guard(ctx, dc, "S3", "ListBuckets", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, bucket := range page.Buckets {
			res, err := h.bucket(ctx, dc, bucket)
			out = append(out, res)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return out, errors.Join(errs...)
}

func (h *S3Handler) bucket(ctx context.Context, dc *Context, b s3types.Bucket) (inventory.Resource, error) {
	name := aws.ToString(b.Name)
	var errs []error

	region := awsx.DefaultRegion
	err := guard(ctx, dc, "S3", "GetBucketLocation", func(ctx context.Context) error {
		out, err := dc.Clients.S3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: b.Name})
		if err != nil {
			return err
		}
		region = bucketRegion(out.LocationConstraint)
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("bucket %s: %w", name, err))
	}

	var tags map[string]string
	err = guard(ctx, dc, "S3", "GetBucketTagging", func(ctx context.Context) error {
		out, err := dc.clientsFor(region).S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: b.Name})
		if err != nil {
			return err
		}
		if len(out.TagSet) > 0 {
			tags = make(map[string]string, len(out.TagSet))
			for _, t := range out.TagSet {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
		}
		return nil
	})
	if err != nil && !awsx.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("bucket %s: %w", name, err))
	}

	return inventory.Resource{
		ARN:           fmt.Sprintf("arn:%s:s3:::%s", partitionFor(region), name),
		ID:            name,
		Service:       "S3",
		Type:          "Bucket",
		Region:        region,
		AccountID:     dc.AccountID,
		Name:          name,
		Tags:          tags,
		CreatedAt:     b.CreationDate,
		DiscoveredVia: via("S3", "ListBuckets"),
		Priority:      inventory.PriorityPrimary,
		ServiceAttributes: map[string]any{
			"location": region,
		},
	}, errors.Join(errs...)
}

// bucketRegion normalizes the legacy location values ListBuckets-era APIs
// still return.
func bucketRegion(lc s3types.BucketLocationConstraint) string {
	switch string(lc) {
	case "":
		return "us-east-1"
	case "EU":
		return "eu-west-1"
	default:
		return string(lc)
	}
}
