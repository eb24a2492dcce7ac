package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RuntimeTotals aggregates the runtime's counters as scraped by Prometheus.
type RuntimeTotals struct {
	LLMRequests  int64 `json:"llm_requests"`
	LLMFailures  int64 `json:"llm_failures"`
	ToolCalls    int64 `json:"tool_calls"`
	ToolFailures int64 `json:"tool_failures"`
	Truncations  int64 `json:"truncations"`
	JobRetries   int64 `json:"job_retries"`
}

// QueryService reads aggregated runtime metrics back from a Prometheus
// server that scrapes the /metrics endpoint.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a query service for the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetTotals aggregates request, tool, truncation, and job counters across
// all agents.
func (q *QueryService) GetTotals(ctx context.Context) (*RuntimeTotals, error) {
	totals := &RuntimeTotals{}

	queries := []struct {
		expr string
		dst  *int64
	}{
		{`sum(agentrun_llm_requests_total)`, &totals.LLMRequests},
		{`sum(agentrun_llm_requests_total{status="error"})`, &totals.LLMFailures},
		{`sum(agentrun_tool_calls_total)`, &totals.ToolCalls},
		{`sum(agentrun_tool_calls_total{status="error"})`, &totals.ToolFailures},
		{`sum(agentrun_context_truncations_total)`, &totals.Truncations},
		{`sum(agentrun_job_retries_total)`, &totals.JobRetries},
	}
	for _, query := range queries {
		value, err := q.scalar(ctx, query.expr)
		if err != nil {
			return nil, err
		}
		*query.dst = value
	}
	return totals, nil
}

// ToolBreakdown returns per-tool call counts.
func (q *QueryService) ToolBreakdown(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (tool) (agentrun_tool_calls_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query tool breakdown: %w", err)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}

	breakdown := make(map[string]int64, len(vector))
	for _, sample := range vector {
		breakdown[string(sample.Metric["tool"])] = int64(sample.Value)
	}
	return breakdown, nil
}

// scalar evaluates an instant query expected to return at most one sample.
// An empty vector reads as zero: counters that never incremented do not
// exist in Prometheus.
func (q *QueryService) scalar(ctx context.Context, expr string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, expr, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %s failed: %w", expr, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
