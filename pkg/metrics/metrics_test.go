package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveLLMRequest("model-a", nil, "", 250*time.Millisecond)
	r.ObserveLLMRequest("model-a", errors.New("boom"), "transient", time.Second)
	r.ObserveToolCall("shell", true, "")
	r.ObserveToolCall("shell", false, "execution_error")
	r.ObserveTurn("agent-1")
	r.ObserveTruncation("latest_half")
	r.ObserveJobRetry("scf_diverged")
	r.ObserveJobFinished("succeeded")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"agentrun_llm_requests_total",
		"agentrun_llm_request_duration_seconds",
		"agentrun_tool_calls_total",
		"agentrun_turns_total",
		"agentrun_context_truncations_total",
		"agentrun_job_retries_total",
		"agentrun_jobs_finished_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

// fakeProm serves the instant-query API with one fixed vector sample.
func fakeProm(t *testing.T, value string, labels string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := `{"status":"success","data":{"resultType":"vector","result":[{"metric":` +
			labels + `,"value":[1700000000,"` + value + `"]}]}}`
		_, _ = w.Write([]byte(body))
	}))
}

func TestQueryServiceTotals(t *testing.T) {
	srv := fakeProm(t, "7", "{}")
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	totals, err := q.GetTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), totals.LLMRequests)
	assert.Equal(t, int64(7), totals.ToolCalls)
	assert.Equal(t, int64(7), totals.JobRetries)
}

func TestQueryServiceToolBreakdown(t *testing.T) {
	srv := fakeProm(t, "12", `{"tool":"shell"}`)
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	breakdown, err := q.ToolBreakdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), breakdown["shell"])
}
