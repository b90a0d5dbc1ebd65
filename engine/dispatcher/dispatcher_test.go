package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YASSERRMD/AiMesh/engine/admission"
	"github.com/YASSERRMD/AiMesh/engine/dedup"
	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/ledger"
	"github.com/YASSERRMD/AiMesh/engine/orchestrator"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/engine/registry"
	"github.com/YASSERRMD/AiMesh/engine/scheduler"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockExecutor scripts per-endpoint behavior without importing testutil,
// which would cycle back into this package.
type mockExecutor struct {
	tokensUsed  int64
	failuresFor map[string]int

	mu       sync.Mutex
	calls    []string
	failures map[string]int
}

func newMockExecutor(tokensUsed int64) *mockExecutor {
	return &mockExecutor{tokensUsed: tokensUsed}
}

func (m *mockExecutor) Execute(_ context.Context, endpointID string, payload []byte, _ int64, _ time.Time) (*ExecutionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, endpointID)
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	shouldFail := m.failures[endpointID] < m.failuresFor[endpointID]
	if shouldFail {
		m.failures[endpointID]++
	}
	m.mu.Unlock()

	if shouldFail {
		return nil, errors.Newf(errors.KindEndpointFailure, "scripted failure on %s", endpointID)
	}
	return &ExecutionResult{
		Result:     append([]byte("echo:"), payload...),
		TokensUsed: m.tokensUsed,
	}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockExecutor) callSequence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// testEngine bundles a fully wired pipeline for one test.
type testEngine struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	ledger     *ledger.Ledger
	cache      *dedup.Cache
	scheduler  *scheduler.Scheduler
	bus        *eventbus.InMemoryBus
	executor   *mockExecutor
}

func newTestEngine(t *testing.T, exec *mockExecutor, graphs GraphSubmitter) *testEngine {
	t.Helper()

	reg := registry.New(3, 30*time.Second, nil)
	led := ledger.New(1000, nil)
	cache := dedup.New(time.Hour, 0, nil, nil)
	adm := admission.NewController(admission.Config{
		RequestsPerSecond: 1000,
		BurstCapacity:     1000,
		WindowSecs:        60,
	}, nil)
	sched := scheduler.New(100, 2, nil)
	bus := eventbus.NewInMemoryBus(time.Second)

	d := New(Deps{
		Registry:  reg,
		Ledger:    led,
		Cache:     cache,
		Admission: adm,
		Scheduler: sched,
		Graphs:    graphs,
		Executor:  exec,
		Bus:       bus,
	})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &testEngine{
		dispatcher: d,
		registry:   reg,
		ledger:     led,
		cache:      cache,
		scheduler:  sched,
		bus:        bus,
		executor:   exec,
	}
}

func endpoint(id string, capacity int64, costPer1K, latencyP99 float64) *protocol.EndpointMetrics {
	return &protocol.EndpointMetrics{
		EndpointID:      id,
		Capacity:        capacity,
		CostPer1KTokens: costPer1K,
		LatencyP99MS:    latencyP99,
		HealthStatus:    protocol.HealthStatusHealthy,
	}
}

func message(agentID, payload string) *protocol.Message {
	msg := protocol.NewMessage(agentID, []byte(payload))
	msg.DeadlineMS = time.Now().Add(5 * time.Second).UnixMilli()
	return msg
}

// =============================================================================
// Pipeline Scenarios
// =============================================================================

func TestSubmit_BasicSuccess(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))
	eng.ledger.Set("agent-1", 1000, 0)

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AckStatusSuccess, ack.Status)
	assert.Equal(t, int64(7), ack.TokensUsed)
	assert.Equal(t, []byte("echo:hello"), []byte(ack.Result))

	info := eng.ledger.Get("agent-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(993), info.RemainingTokens)
	assert.Equal(t, int64(0), eng.registry.Load("ep-a"))
}

func TestSubmit_BudgetExceeded(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))
	eng.ledger.Set("agent-1", 100, 0)

	msg := message("agent-1", "hello")
	msg.BudgetTokens = 500

	ack, err := eng.dispatcher.Submit(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudgetExceeded))
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AckStatusFailed, ack.Status)

	// Nothing was charged and nothing ran.
	info := eng.ledger.Get("agent-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(100), info.RemainingTokens)
	assert.Equal(t, 0, eng.executor.callCount())
}

func TestSubmit_ValidationFailureReturnsNoAck(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)

	msg := message("agent-1", "hello")
	msg.AgentID = "Bad Agent!"

	ack, err := eng.dispatcher.Submit(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Nil(t, ack)
}

func TestSubmit_NoEndpointAvailable(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.ledger.Set("agent-1", 1000, 0)

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNoEndpointAvailable))
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AckStatusFailed, ack.Status)

	// The reservation was refunded on the abort path.
	info := eng.ledger.Get("agent-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(1000), info.RemainingTokens)
}

func TestSubmit_TieBreakPrefersLexicographicEndpoint(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	// Identical characteristics: the score tie resolves by endpoint ID.
	eng.registry.Register(endpoint("beta", 10, 1.0, 100))
	eng.registry.Register(endpoint("alpha", 10, 1.0, 100))

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, protocol.AckStatusSuccess, ack.Status)
	require.NotEmpty(t, eng.executor.callSequence())
	assert.Equal(t, "alpha", eng.executor.callSequence()[0])
}

func TestSubmit_FallbackAfterPrimaryFailure(t *testing.T) {
	exec := newMockExecutor(7)
	exec.failuresFor = map[string]int{"cheap": 1}
	eng := newTestEngine(t, exec, nil)
	// "cheap" wins routing; "backup" is the fallback.
	eng.registry.Register(endpoint("cheap", 10, 1.0, 100))
	eng.registry.Register(endpoint("backup", 10, 5.0, 100))

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, protocol.AckStatusSuccess, ack.Status)
	assert.Equal(t, []string{"cheap", "backup"}, exec.callSequence())

	// In-flight load fully restored on both endpoints.
	assert.Equal(t, int64(0), eng.registry.Load("cheap"))
	assert.Equal(t, int64(0), eng.registry.Load("backup"))
	// One failure demotes the primary but keeps it routable.
	ep := eng.registry.Get("cheap")
	require.NotNil(t, ep)
	assert.Equal(t, protocol.HealthStatusDegraded, ep.HealthStatus)
}

func TestSubmit_AllEndpointsFail(t *testing.T) {
	exec := newMockExecutor(7)
	exec.failuresFor = map[string]int{"one": 10, "two": 10}
	eng := newTestEngine(t, exec, nil)
	eng.registry.Register(endpoint("one", 10, 1.0, 100))
	eng.registry.Register(endpoint("two", 10, 2.0, 100))
	eng.ledger.Set("agent-1", 1000, 0)

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEndpointFailure))
	assert.Equal(t, protocol.AckStatusFailed, ack.Status)

	// Failed dispatch refunds the full reservation.
	info := eng.ledger.Get("agent-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(1000), info.RemainingTokens)
}

func TestSubmit_DedupCoalescesConcurrentDuplicates(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))
	eng.ledger.Set("agent-1", 1000, 0)

	const n = 5
	acks := make([]*protocol.Acknowledgment, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := message("agent-1", "same question")
			msg.DedupContext = "session-42"
			acks[i], errs[i] = eng.dispatcher.Submit(context.Background(), msg)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, acks[i])
		assert.Equal(t, protocol.AckStatusSuccess, acks[i].Status)
		assert.Equal(t, int64(7), acks[i].TokensUsed)
		assert.Equal(t, []byte("echo:same question"), []byte(acks[i].Result))
	}

	// Exactly one execution and one budget charge.
	assert.Equal(t, 1, eng.executor.callCount())
	info := eng.ledger.Get("agent-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(993), info.RemainingTokens)
}

func TestSubmit_DistinctDedupContextsExecuteSeparately(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))
	eng.ledger.Set("agent-1", 10_000, 0)

	first := message("agent-1", "same question")
	first.DedupContext = "session-1"
	second := message("agent-1", "same question")
	second.DedupContext = "session-2"

	_, err := eng.dispatcher.Submit(context.Background(), first)
	require.NoError(t, err)
	_, err = eng.dispatcher.Submit(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 2, eng.executor.callCount())
}

func TestSubmit_AfterShutdownRejected(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.dispatcher.Shutdown(ctx))

	ack, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindShuttingDown))
	assert.Nil(t, ack)
}

func TestSubmit_GraphMessageWithoutOrchestrator(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))

	msg := message("agent-1", "hello")
	msg.TaskGraphID = protocol.NewID()

	ack, err := eng.dispatcher.Submit(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidDependencies))
	require.NotNil(t, ack)
	assert.Equal(t, protocol.AckStatusFailed, ack.Status)
}

func TestSubmit_ScatterGatherDiamond(t *testing.T) {
	bus := eventbus.NewInMemoryBus(time.Second)
	orch := orchestrator.New(bus, nil)

	reg := registry.New(3, 30*time.Second, nil)
	led := ledger.New(100_000, nil)
	cache := dedup.New(time.Hour, 0, nil, nil)
	adm := admission.NewController(admission.Config{
		RequestsPerSecond: 1000,
		BurstCapacity:     1000,
		WindowSecs:        60,
	}, nil)
	sched := scheduler.New(100, 2, nil)
	exec := newMockExecutor(7)

	d := New(Deps{
		Registry:  reg,
		Ledger:    led,
		Cache:     cache,
		Admission: adm,
		Scheduler: sched,
		Graphs:    orch,
		Executor:  exec,
		Bus:       bus,
	})
	orch.SetPromoter(d.Promote)
	require.NoError(t, d.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	}()

	reg.Register(endpoint("ep-a", 10, 1.0, 100))

	graphID := protocol.NewID()
	a := message("agent-1", "fetch")
	b := message("agent-1", "summarize")
	c := message("agent-1", "critique")
	dd := message("agent-1", "report")
	for _, m := range []*protocol.Message{a, b, c, dd} {
		m.TaskGraphID = graphID
	}
	b.Dependencies = []string{a.MessageID}
	c.Dependencies = []string{a.MessageID}
	dd.Dependencies = []string{b.MessageID, c.MessageID}

	// Every submission returns an acceptance ack immediately.
	for _, m := range []*protocol.Message{a, b, c, dd} {
		ack, err := d.Submit(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, protocol.AckStatusSuccess, ack.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := orch.WaitForGraph(ctx, graphID)
	require.NoError(t, err)
	assert.Equal(t, protocol.GraphStatusComplete, result.Status)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	// Gather outcomes preserve submission order and carry real results.
	want := []string{a.MessageID, b.MessageID, c.MessageID, dd.MessageID}
	for i, outcome := range result.Outcomes {
		assert.Equal(t, want[i], outcome.MessageID)
		require.NotNil(t, outcome.Ack)
		assert.Equal(t, int64(7), outcome.Ack.TokensUsed)
	}
	assert.Equal(t, 4, exec.callCount())
}

func TestStats_CountsSettlements(t *testing.T) {
	eng := newTestEngine(t, newMockExecutor(7), nil)
	eng.registry.Register(endpoint("ep-a", 10, 1.0, 100))

	_, err := eng.dispatcher.Submit(context.Background(), message("agent-1", "hello"))
	require.NoError(t, err)

	bad := message("agent-1", "hello")
	bad.BudgetTokens = 100_000
	_, _ = eng.dispatcher.Submit(context.Background(), bad)

	stats := eng.dispatcher.Stats()
	assert.Equal(t, int64(2), stats["submitted"])
	assert.Equal(t, int64(1), stats["succeeded"])
	assert.Equal(t, int64(1), stats["failed"])
}
