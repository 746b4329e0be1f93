package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics bundles the instruments a pipeline run reports on.
type RunMetrics struct {
	APICalls   metric.Int64Counter
	Resources  metric.Int64Counter
	Violations metric.Int64Counter
}

// NewRunMetrics registers the run instruments on the global meter provider.
func NewRunMetrics(name string) (*RunMetrics, error) {
	meter := otel.Meter(name)

	apiCalls, err := meter.Int64Counter("aws.api_calls",
		metric.WithDescription("Outbound AWS API calls admitted by the safety gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to create api calls counter: %w", err)
	}

	resources, err := meter.Int64Counter("inventory.resources",
		metric.WithDescription("Resources merged into the inventory"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resources counter: %w", err)
	}

	violations, err := meter.Int64Counter("safety.violations",
		metric.WithDescription("Blocked non-read-only operation attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}

	return &RunMetrics{APICalls: apiCalls, Resources: resources, Violations: violations}, nil
}
