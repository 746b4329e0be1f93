package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/safety"
)

// Costs is the opt-in month-to-date spend appendix, grouped by service.
// Amounts are unblended USD as Cost Explorer reports them.
type Costs struct {
	PeriodStart string        `json:"period_start"`
	PeriodEnd   string        `json:"period_end"`
	TotalUSD    float64       `json:"total_usd"`
	Services    []ServiceCost `json:"services,omitempty"`
}

// ServiceCost is one service's share of the period spend.
type ServiceCost struct {
	Service string  `json:"service"`
	USD     float64 `json:"usd"`
}

const costDateLayout = "2006-01-02"

// FetchMonthToDate pulls the current calendar month's unblended cost per
// service through the gate. Cost Explorer treats the end date as exclusive,
// so on the first of the month the window is widened to a single day rather
// than sent empty.
func FetchMonthToDate(ctx context.Context, client awsx.CostExplorerAPI, gate *safety.Gate, now time.Time) (*Costs, error) {
	now = now.UTC()
	startDate := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	endDate := now
	if !endDate.After(startDate) {
		endDate = startDate.AddDate(0, 0, 1)
	}
	start := startDate.Format(costDateLayout)
	end := endDate.Format(costDateLayout)

	serviceTotals := make(map[string]float64)

	var nextToken *string
	for {
		var out *costexplorer.GetCostAndUsageOutput
		err := gate.Guard(ctx, "CostExplorer", "GetCostAndUsage", func(ctx context.Context) error {
			var callErr error
			out, callErr = client.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
				TimePeriod: &cetypes.DateInterval{
					Start: aws.String(start),
					End:   aws.String(end),
				},
				Granularity: cetypes.GranularityMonthly,
				Metrics:     []string{"UnblendedCost"},
				GroupBy: []cetypes.GroupDefinition{
					{
						Key:  aws.String("SERVICE"),
						Type: cetypes.GroupDefinitionTypeDimension,
					},
				},
				NextPageToken: nextToken,
			})
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("cost explorer: %w", err)
		}

		for _, result := range out.ResultsByTime {
			for _, group := range result.Groups {
				if len(group.Keys) == 0 {
					continue
				}
				metric, ok := group.Metrics["UnblendedCost"]
				if !ok || metric.Amount == nil {
					continue
				}
				amount, err := strconv.ParseFloat(*metric.Amount, 64)
				if err != nil {
					continue
				}
				serviceTotals[group.Keys[0]] += amount
			}
		}

		if out.NextPageToken == nil {
			break
		}
		nextToken = out.NextPageToken
	}

	costs := &Costs{PeriodStart: start, PeriodEnd: end}
	for service, usd := range serviceTotals {
		costs.TotalUSD += usd
		if usd > 0 {
			costs.Services = append(costs.Services, ServiceCost{Service: service, USD: usd})
		}
	}
	sort.Slice(costs.Services, func(i, j int) bool {
		if costs.Services[i].USD != costs.Services[j].USD {
			return costs.Services[i].USD > costs.Services[j].USD
		}
		return costs.Services[i].Service < costs.Services[j].Service
	})

	return costs, nil
}
