package awsx

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

const (
	// GlobalRegion is the synthetic region for services without regional
	// endpoints (S3 bucket listing, IAM, Route53, CloudFront).
	GlobalRegion = "global"

	// DefaultRegion anchors global calls and sessions with no region in
	// their ambient config.
	DefaultRegion = "us-east-1"
)

// ErrUnknownRegion reports a configured region the account cannot see,
// either a typo or a region disabled for the account.
var ErrUnknownRegion = errors.New("awsx: region not enabled for account")

// ListRegions returns the regions the account has enabled, filtered down to
// the descriptor's region list when one is set. A configured region absent
// from the enabled set fails the whole scope rather than being skipped:
// a silent skip would produce a report that looks complete but is not.
func (s *Session) ListRegions(ctx context.Context) ([]string, error) {
	var out *ec2.DescribeRegionsOutput
	err := s.gate.Guard(ctx, "EC2", "DescribeRegions", func(ctx context.Context) error {
		var callErr error
		out, callErr = s.Clients(s.cfg.Region).EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
			AllRegions: aws.Bool(false),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("awsx: list regions: %w", err)
	}

	enabled := make(map[string]bool, len(out.Regions))
	all := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		name := aws.ToString(r.RegionName)
		if name == "" {
			continue
		}
		enabled[name] = true
		all = append(all, name)
	}
	sort.Strings(all)

	if len(s.Account.Regions) == 0 {
		return all, nil
	}

	picked := make([]string, 0, len(s.Account.Regions))
	for _, want := range s.Account.Regions {
		if want == GlobalRegion {
			continue
		}
		if !enabled[want] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, want)
		}
		picked = append(picked, want)
	}
	sort.Strings(picked)
	return picked, nil
}
