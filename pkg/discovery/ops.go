package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/inventag/inventag/pkg/inventory"
)

// CloudWatchHandler lists metric and composite alarms. Alarm tags are not
// part of DescribeAlarms; the fallback tier supplies them.
type CloudWatchHandler struct{}

func (*CloudWatchHandler) Service() string { return "CloudWatch" }
func (*CloudWatchHandler) Global() bool    { return false }

func (*CloudWatchHandler) Ops() []string {
	return []string{"DescribeAlarms"}
}

func (h *CloudWatchHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := cloudwatch.NewDescribeAlarmsPaginator(dc.Clients.CloudWatch, &cloudwatch.DescribeAlarmsInput{})
	for p.HasMorePages() {
		var page *cloudwatch.DescribeAlarmsOutput
		err := guard(ctx, dc, "CloudWatch", "DescribeAlarms", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, a := range page.MetricAlarms {
			attrs := map[string]any{
				"namespace":           aws.ToString(a.Namespace),
				"metric_name":         aws.ToString(a.MetricName),
				"comparison_operator": string(a.ComparisonOperator),
				"evaluation_periods":  int(aws.ToInt32(a.EvaluationPeriods)),
				"actions_enabled":     aws.ToBool(a.ActionsEnabled),
			}
			if a.Threshold != nil {
				attrs["threshold"] = *a.Threshold
			}
			out = append(out, inventory.Resource{
				ARN:               aws.ToString(a.AlarmArn),
				ID:                aws.ToString(a.AlarmName),
				Service:           "CloudWatch",
				Type:              "Alarm",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              aws.ToString(a.AlarmName),
				State:             string(a.StateValue),
				DiscoveredVia:     via("CloudWatch", "DescribeAlarms"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			})
		}
		for _, a := range page.CompositeAlarms {
			out = append(out, inventory.Resource{
				ARN:           aws.ToString(a.AlarmArn),
				ID:            aws.ToString(a.AlarmName),
				Service:       "CloudWatch",
				Type:          "CompositeAlarm",
				Region:        dc.Region,
				AccountID:     dc.AccountID,
				Name:          aws.ToString(a.AlarmName),
				State:         string(a.StateValue),
				DiscoveredVia: via("CloudWatch", "DescribeAlarms"),
				Priority:      inventory.PriorityPrimary,
				ServiceAttributes: map[string]any{
					"alarm_rule":      aws.ToString(a.AlarmRule),
					"actions_enabled": aws.ToBool(a.ActionsEnabled),
				},
			})
		}
	}
	return out, nil
}

// LogsHandler lists log groups.
type LogsHandler struct{}

func (*LogsHandler) Service() string { return "Logs" }
func (*LogsHandler) Global() bool    { return false }

func (*LogsHandler) Ops() []string {
	return []string{"DescribeLogGroups"}
}

func (h *LogsHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := cloudwatchlogs.NewDescribeLogGroupsPaginator(dc.Clients.Logs, &cloudwatchlogs.DescribeLogGroupsInput{})
	for p.HasMorePages() {
		var page *cloudwatchlogs.DescribeLogGroupsOutput
		err := guard(ctx, dc, "Logs", "DescribeLogGroups", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, lg := range page.LogGroups {
			name := aws.ToString(lg.LogGroupName)

			attrs := map[string]any{
				"stored_bytes": aws.ToInt64(lg.StoredBytes),
			}
			if lg.RetentionInDays != nil {
				attrs["retention_in_days"] = int(*lg.RetentionInDays)
			}
			res := inventory.Resource{
				ARN:               logGroupARN(lg.LogGroupArn, lg.Arn),
				ID:                name,
				Service:           "Logs",
				Type:              "LogGroup",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				DiscoveredVia:     via("Logs", "DescribeLogGroups"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			}
			if lg.CreationTime != nil {
				t := time.UnixMilli(*lg.CreationTime).UTC()
				res.CreatedAt = &t
			}
			if key := aws.ToString(lg.KmsKeyId); key != "" {
				attrs["kms_key_id"] = key
				res.Encrypted = inventory.TriTrue
			}
			out = append(out, res)
		}
	}
	return out, nil
}

// logGroupARN prefers the modern field without the trailing ":*" so log
// groups merge with the ARNs the tagging API reports.
func logGroupARN(plain, legacy *string) string {
	if a := aws.ToString(plain); a != "" {
		return a
	}
	return strings.TrimSuffix(aws.ToString(legacy), ":*")
}

// CloudTrailHandler lists trails. Multi-region trails surface in every
// region with the same ARN and collapse into one record on merge; the
// record is pinned to the trail's home region.
type CloudTrailHandler struct{}

func (*CloudTrailHandler) Service() string { return "CloudTrail" }
func (*CloudTrailHandler) Global() bool    { return false }

func (*CloudTrailHandler) Ops() []string {
	return []string{"DescribeTrails"}
}

func (h *CloudTrailHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var described *cloudtrail.DescribeTrailsOutput
	err := guard(ctx, dc, "CloudTrail", "DescribeTrails", func(ctx context.Context) error {
		var err error
		described, err = dc.Clients.CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []inventory.Resource
	for _, t := range described.TrailList {
		home := aws.ToString(t.HomeRegion)
		region := dc.Region
		if home != "" {
			region = home
		}
		attrs := map[string]any{
			"s3_bucket_name":              aws.ToString(t.S3BucketName),
			"is_multi_region_trail":       aws.ToBool(t.IsMultiRegionTrail),
			"is_organization_trail":       aws.ToBool(t.IsOrganizationTrail),
			"log_file_validation_enabled": aws.ToBool(t.LogFileValidationEnabled),
			"home_region":                 home,
		}
		res := inventory.Resource{
			ARN:               aws.ToString(t.TrailARN),
			ID:                aws.ToString(t.Name),
			Service:           "CloudTrail",
			Type:              "Trail",
			Region:            region,
			AccountID:         dc.AccountID,
			Name:              aws.ToString(t.Name),
			DiscoveredVia:     via("CloudTrail", "DescribeTrails"),
			Priority:          inventory.PriorityPrimary,
			ServiceAttributes: attrs,
		}
		if key := aws.ToString(t.KmsKeyId); key != "" {
			attrs["kms_key_id"] = key
			res.Encrypted = inventory.TriTrue
		}
		out = append(out, res)
	}
	return out, nil
}
