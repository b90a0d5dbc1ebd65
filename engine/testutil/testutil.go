// Package testutil provides shared fixtures and mocks for engine tests:
// a capturing logger, a scriptable endpoint executor, and message builders.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// =============================================================================
// CAPTURING LOGGER
// =============================================================================

// LogEntry records one log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// Logger captures log events for assertions. It satisfies every package's
// local Logger interface.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLogger creates a capturing logger.
func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) log(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Fields: keysAndValues})
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.log("debug", msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.log("info", msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.log("warn", msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.log("error", msg, keysAndValues...) }

// Has reports whether any captured message contains the substring.
func (l *Logger) Has(substring string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e.Message, substring) {
			return true
		}
	}
	return false
}

// Entries returns a copy of everything captured so far.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// =============================================================================
// MOCK EXECUTOR
// =============================================================================

// MockExecutor implements the dispatcher's Executor contract with scriptable
// per-endpoint behavior.
type MockExecutor struct {
	// TokensUsed is reported on every successful execution.
	TokensUsed int64
	// Result returned on success; defaults to an echo of the payload.
	Result []byte
	// Latency delays each call.
	Latency time.Duration
	// FailuresFor makes the first N calls against an endpoint fail.
	FailuresFor map[string]int
	// ExecuteFunc overrides all scripted behavior when set.
	ExecuteFunc func(ctx context.Context, endpointID string, payload []byte) (*dispatcher.ExecutionResult, error)

	mu       sync.Mutex
	calls    []string
	failures map[string]int
}

// NewMockExecutor creates an executor reporting the given token cost.
func NewMockExecutor(tokensUsed int64) *MockExecutor {
	return &MockExecutor{TokensUsed: tokensUsed}
}

// Execute implements dispatcher.Executor.
func (m *MockExecutor) Execute(ctx context.Context, endpointID string, payload []byte, _ int64, _ time.Time) (*dispatcher.ExecutionResult, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, endpointID)
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	shouldFail := m.failures[endpointID] < m.FailuresFor[endpointID]
	if shouldFail {
		m.failures[endpointID]++
	}
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, endpointID, payload)
	}
	if shouldFail {
		return nil, errors.Newf(errors.KindEndpointFailure, "scripted failure on %s", endpointID)
	}

	result := m.Result
	if result == nil {
		result = append([]byte("echo:"), payload...)
	}
	return &dispatcher.ExecutionResult{
		Result:     result,
		TokensUsed: m.TokensUsed,
		LatencyMS:  m.Latency.Milliseconds(),
	}, nil
}

// CallCount reports how many executions ran in total.
func (m *MockExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallsTo reports how many executions ran against one endpoint.
func (m *MockExecutor) CallsTo(endpointID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.calls {
		if id == endpointID {
			n++
		}
	}
	return n
}

// Calls returns the endpoint sequence observed.
func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// =============================================================================
// BUILDERS
// =============================================================================

// Endpoint builds healthy endpoint metrics with the given characteristics.
func Endpoint(id string, capacity int64, costPer1K, latencyP99 float64) *protocol.EndpointMetrics {
	return &protocol.EndpointMetrics{
		EndpointID:      id,
		Capacity:        capacity,
		CostPer1KTokens: costPer1K,
		LatencyP99MS:    latencyP99,
		HealthStatus:    protocol.HealthStatusHealthy,
		LastHealthCheck: time.Now().UnixMilli(),
	}
}

// Message builds a valid message with a deadline 5 seconds out.
func Message(agentID string, payload string) *protocol.Message {
	msg := protocol.NewMessage(agentID, []byte(payload))
	msg.DeadlineMS = time.Now().Add(5 * time.Second).UnixMilli()
	return msg
}
