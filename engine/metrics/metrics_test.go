package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// COUNTER TESTS
// =============================================================================

func TestRecordMessage(t *testing.T) {
	tests := []struct {
		name   string
		agent  string
		status string
	}{
		{"successful message", "agent-1", "success"},
		{"failed message", "agent-1", "failed"},
		{"other agent", "agent-2", "success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordMessage(tt.agent, tt.status)

			count := testutil.ToFloat64(messagesTotal.WithLabelValues(tt.agent, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordDispatch(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		status     string
		durationMS int
	}{
		{"fast success", "openai-gpt4", "success", 120},
		{"slow success", "local-llama", "success", 4000},
		{"endpoint error", "anthropic-claude", "error", 50},
		{"attempt timeout", "openai-gpt4", "timeout", 30000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordDispatch(tt.endpoint, tt.status, tt.durationMS)

			count := testutil.ToFloat64(executionsTotal.WithLabelValues(tt.endpoint, tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordTokens(t *testing.T) {
	RecordTokens("token-test-agent", 7)
	RecordTokens("token-test-agent", 3)

	total := testutil.ToFloat64(tokensConsumedTotal.WithLabelValues("token-test-agent"))
	assert.Equal(t, 10.0, total)
}

func TestRecordTokens_IgnoresNonPositive(t *testing.T) {
	RecordTokens("zero-test-agent", 0)
	RecordTokens("zero-test-agent", -5)

	total := testutil.ToFloat64(tokensConsumedTotal.WithLabelValues("zero-test-agent"))
	assert.Equal(t, 0.0, total)
}

func TestRecordRoutingDecision(t *testing.T) {
	reasons := []string{"lowest-cost", "least-loaded", "fastest", "balanced"}

	for _, reason := range reasons {
		RecordRoutingDecision("routing-test-endpoint", reason)
		count := testutil.ToFloat64(routingDecisionsTotal.WithLabelValues("routing-test-endpoint", reason))
		assert.Greater(t, count, 0.0, "reason %s", reason)
	}
}

func TestRecordError(t *testing.T) {
	RecordError("budget_exceeded")
	RecordError("budget_exceeded")

	count := testutil.ToFloat64(errorsTotal.WithLabelValues("budget_exceeded"))
	assert.GreaterOrEqual(t, count, 2.0)
}

func TestRecordDedupEvent(t *testing.T) {
	outcomes := []string{"hit", "wait", "owner"}

	for _, outcome := range outcomes {
		RecordDedupEvent(outcome)
		count := testutil.ToFloat64(dedupEventsTotal.WithLabelValues(outcome))
		assert.Greater(t, count, 0.0, "outcome %s", outcome)
	}
}

// =============================================================================
// GAUGE TESTS
// =============================================================================

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("high", 12)
	assert.Equal(t, 12.0, testutil.ToFloat64(queueDepth.WithLabelValues("high")))

	SetQueueDepth("high", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(queueDepth.WithLabelValues("high")))
}

func TestSetEndpointLoad(t *testing.T) {
	SetEndpointLoad("load-test-endpoint", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(endpointLoad.WithLabelValues("load-test-endpoint")))

	SetEndpointLoad("load-test-endpoint", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(endpointLoad.WithLabelValues("load-test-endpoint")))
}

// =============================================================================
// GATEWAY TESTS
// =============================================================================

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest("/messages", "200", 15)
	RecordHTTPRequest("/messages", "429", 1)

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/messages", "200"))
	limited := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/messages", "429"))
	assert.Greater(t, ok, 0.0)
	assert.Greater(t, limited, 0.0)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestMetrics_Concurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				RecordMessage("concurrent-agent", "success")
				RecordDispatch("concurrent-endpoint", "success", 10)
				RecordTokens("concurrent-agent", 1)
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	count := testutil.ToFloat64(messagesTotal.WithLabelValues("concurrent-agent", "success"))
	assert.Equal(t, float64(goroutines*iterations), count)

	tokens := testutil.ToFloat64(tokensConsumedTotal.WithLabelValues("concurrent-agent"))
	assert.Equal(t, float64(goroutines*iterations), tokens)
}
