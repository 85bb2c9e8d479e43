package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/dealflow/internal/workflows"

// Metrics for the sweep workflow
var (
	sweepCounter         metric.Int64Counter
	continueAsNewCounter metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	sweepCounter, err = meter.Int64Counter(
		"dealflow.workflows.sweep.runs",
		metric.WithDescription("Sweeps completed by the sweep workflow"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create sweep counter: %v", err))
	}

	continueAsNewCounter, err = meter.Int64Counter(
		"dealflow.workflows.sweep.continue_as_new",
		metric.WithDescription("Times the sweep workflow rolled over its history"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create continue-as-new counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"dealflow.workflows.activity.duration",
		metric.WithDescription("Duration of sweep activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"dealflow.workflows.activity.errors",
		metric.WithDescription("Number of sweep activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}
