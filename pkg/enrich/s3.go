package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// S3Enricher fills the per-bucket attribute contract: encryption,
// versioning_status, public_access_block, lifecycle_rules, object_lock.
// Buckets without a given configuration get an explicit null/absent value,
// not an error; access-denied on one call still lets the others land.
type S3Enricher struct{}

func (*S3Enricher) Service() string { return "S3" }

func (*S3Enricher) Handles(service, resourceType string) bool {
	return service == "S3" && resourceType == "Bucket"
}

func (*S3Enricher) Ops() []string {
	return []string{
		"GetBucketEncryption",
		"GetBucketVersioning",
		"GetPublicAccessBlock",
		"GetBucketLifecycleConfiguration",
		"GetObjectLockConfiguration",
	}
}

func (*S3Enricher) Enrich(ctx context.Context, ec *Context, res *inventory.Resource) error {
	bucket := aws.String(res.ID)
	var failures []string

	fail := func(op string, err error) {
		failures = append(failures, fmt.Sprintf("%s: %v", op, err))
	}

	err := guardCall(ctx, ec, "S3", "GetBucketEncryption", func(ctx context.Context) error {
		out, err := ec.Clients.S3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: bucket})
		if err != nil {
			return err
		}
		setAttr(res, "encryption", encryptionAttr(out))
		res.Encrypted = inventory.TriTrue
		return nil
	})
	switch {
	case err == nil:
	case awsx.IsNotFound(err):
		setAttr(res, "encryption", nil)
		res.Encrypted = inventory.TriFalse
	default:
		res.Encrypted = inventory.TriUnknown
		fail("GetBucketEncryption", err)
	}

	err = guardCall(ctx, ec, "S3", "GetBucketVersioning", func(ctx context.Context) error {
		out, err := ec.Clients.S3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: bucket})
		if err != nil {
			return err
		}
		status := string(out.Status)
		if status == "" {
			status = "Disabled"
		}
		setAttr(res, "versioning_status", status)
		return nil
	})
	if err != nil && !awsx.IsNotFound(err) {
		fail("GetBucketVersioning", err)
	}

	err = guardCall(ctx, ec, "S3", "GetPublicAccessBlock", func(ctx context.Context) error {
		out, err := ec.Clients.S3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: bucket})
		if err != nil {
			return err
		}
		cfg := out.PublicAccessBlockConfiguration
		pab := map[string]any{
			"block_public_acls":       aws.ToBool(cfg.BlockPublicAcls),
			"block_public_policy":     aws.ToBool(cfg.BlockPublicPolicy),
			"ignore_public_acls":      aws.ToBool(cfg.IgnorePublicAcls),
			"restrict_public_buckets": aws.ToBool(cfg.RestrictPublicBuckets),
		}
		setAttr(res, "public_access_block", pab)
		res.PublicAccess = !(aws.ToBool(cfg.BlockPublicAcls) && aws.ToBool(cfg.BlockPublicPolicy) &&
			aws.ToBool(cfg.IgnorePublicAcls) && aws.ToBool(cfg.RestrictPublicBuckets))
		return nil
	})
	switch {
	case err == nil:
	case awsx.IsNotFound(err):
		// no block configured at all
		setAttr(res, "public_access_block", nil)
		res.PublicAccess = true
	default:
		fail("GetPublicAccessBlock", err)
	}

	err = guardCall(ctx, ec, "S3", "GetBucketLifecycleConfiguration", func(ctx context.Context) error {
		out, err := ec.Clients.S3.GetBucketLifecycleConfiguration(ctx, &s3.GetBucketLifecycleConfigurationInput{Bucket: bucket})
		if err != nil {
			return err
		}
		var rules []map[string]any
		for _, r := range out.Rules {
			rules = append(rules, map[string]any{
				"id":     aws.ToString(r.ID),
				"status": string(r.Status),
			})
		}
		setAttr(res, "lifecycle_rules", rules)
		return nil
	})
	if err != nil && !awsx.IsNotFound(err) {
		fail("GetBucketLifecycleConfiguration", err)
	}

	err = guardCall(ctx, ec, "S3", "GetObjectLockConfiguration", func(ctx context.Context) error {
		out, err := ec.Clients.S3.GetObjectLockConfiguration(ctx, &s3.GetObjectLockConfigurationInput{Bucket: bucket})
		if err != nil {
			return err
		}
		enabled := out.ObjectLockConfiguration != nil &&
			out.ObjectLockConfiguration.ObjectLockEnabled == s3types.ObjectLockEnabledEnabled
		setAttr(res, "object_lock", enabled)
		return nil
	})
	switch {
	case err == nil:
	case awsx.IsNotFound(err):
		setAttr(res, "object_lock", false)
	default:
		fail("GetObjectLockConfiguration", err)
	}

	if len(failures) > 0 {
		return fmt.Errorf("s3 enrichment: %s", strings.Join(failures, "; "))
	}
	return nil
}

func encryptionAttr(out *s3.GetBucketEncryptionOutput) map[string]any {
	if out.ServerSideEncryptionConfiguration == nil || len(out.ServerSideEncryptionConfiguration.Rules) == 0 {
		return nil
	}
	rule := out.ServerSideEncryptionConfiguration.Rules[0]
	attr := map[string]any{}
	if rule.ApplyServerSideEncryptionByDefault != nil {
		attr["sse_algorithm"] = string(rule.ApplyServerSideEncryptionByDefault.SSEAlgorithm)
		if kms := aws.ToString(rule.ApplyServerSideEncryptionByDefault.KMSMasterKeyID); kms != "" {
			attr["kms_key_id"] = kms
		}
	}
	if rule.BucketKeyEnabled != nil {
		attr["bucket_key_enabled"] = aws.ToBool(rule.BucketKeyEnabled)
	}
	return attr
}
