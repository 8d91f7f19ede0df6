package harness

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	// promGraphQLRequestCounter is a counter for requests sent to the API under test
	promGraphQLRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_graphql_requests_total",
			Help: "A counter for GraphQL requests sent to the API under test",
		},
		[]string{"code"},
	)

	// promStepDurations is a histogram of setup step latencies
	promStepDurations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harness_setup_step_duration_seconds",
			Help:    "A histogram of setup step latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	promStepErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_setup_step_error_total",
			Help: "A counter indicating how many times a setup step has failed",
		},
		[]string{"step"},
	)

	promDeletedItemsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_table_deleted_items_total",
			Help: "A counter for items deleted while clearing tables",
		},
		[]string{"table"},
	)

	promCheckCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harness_checks_total",
			Help: "A counter for access and template checks by result",
		},
		[]string{"check", "result"},
	)
)

// RegisterMetrics register the prometheus metrics.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(promGraphQLRequestCounter)
	reg.MustRegister(promStepDurations)
	reg.MustRegister(promStepErrorCounter)
	reg.MustRegister(promDeletedItemsCounter)
	reg.MustRegister(promCheckCounter)
}

// MetricsConfig configures pushing the run metrics to a Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway-url"`
	Job            string `json:"job"`
}

// PushMetrics pushes the gathered metrics to the configured Pushgateway. It
// does nothing when no Pushgateway is configured.
func PushMetrics(ctx context.Context, cfg MetricsConfig, gatherer prometheus.Gatherer, runID string) error {
	if cfg.PushgatewayURL == "" {
		return nil
	}
	job := cfg.Job
	if job == "" {
		job = "graphql-harness"
	}
	err := push.New(cfg.PushgatewayURL, job).
		Gatherer(gatherer).
		Grouping("run", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("error pushing metrics: %w", err)
	}
	return nil
}

func checkResult(err error) string {
	if err != nil {
		return "fail"
	}
	return "pass"
}
