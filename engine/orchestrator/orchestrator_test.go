package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testHarness wires an orchestrator to a bus and a scripted promoter that
// settles promoted messages by publishing MessageCompleted, the way the
// dispatch pipeline does.
type testHarness struct {
	orch *Orchestrator
	bus  *eventbus.InMemoryBus

	mu       sync.Mutex
	promoted []string
	failing  map[string]bool
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	bus := eventbus.NewInMemoryBus(time.Second)
	h := &testHarness{bus: bus, failing: make(map[string]bool)}
	h.orch = New(bus, nil)
	h.orch.SetPromoter(func(ctx context.Context, msg *protocol.Message) {
		h.mu.Lock()
		h.promoted = append(h.promoted, msg.MessageID)
		fail := h.failing[msg.MessageID]
		h.mu.Unlock()

		var ack *protocol.Acknowledgment
		if fail {
			ack = protocol.NewFailedAck(msg.MessageID, 1, errors.EndpointFailure("ep", nil))
		} else {
			ack = protocol.NewSuccessAck(msg.MessageID, 5, 1, []byte("ok"))
		}
		bus.PublishAsync(ctx, &eventbus.MessageCompleted{
			MessageID:   msg.MessageID,
			AgentID:     msg.AgentID,
			TaskGraphID: msg.TaskGraphID,
			Endpoint:    "ep",
			Ack:         ack,
		})
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Flush(ctx)
	})
	return h
}

func (h *testHarness) promotedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.promoted))
	copy(out, h.promoted)
	return out
}

func graphMessage(graphID string, deps ...string) *protocol.Message {
	msg := protocol.NewMessage("agent-1", []byte("work"))
	msg.TaskGraphID = graphID
	msg.Dependencies = deps
	return msg
}

func waitForGraph(t *testing.T, o *Orchestrator, graphID string) *protocol.GatherResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := o.WaitForGraph(ctx, graphID)
	require.NoError(t, err)
	return result
}

// =============================================================================
// Submission
// =============================================================================

func TestSubmit_IndependentMessagePromotedImmediately(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	msg := graphMessage(graphID)
	require.NoError(t, h.orch.Submit(context.Background(), msg))

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, protocol.GraphStatusComplete, result.Status)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{msg.MessageID}, h.promotedIDs())
}

func TestSubmit_RejectsMessageWithoutGraphID(t *testing.T) {
	h := newHarness(t)
	msg := protocol.NewMessage("agent-1", []byte("work"))

	err := h.orch.Submit(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidDependencies))
}

func TestSubmit_RejectsDuplicateMessageID(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	a := graphMessage(graphID)
	b := graphMessage(graphID, a.MessageID)
	b.MessageID = a.MessageID

	require.NoError(t, h.orch.Submit(context.Background(), a))
	err := h.orch.Submit(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidDependencies))
}

func TestSubmit_RejectsSelfDependency(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	msg := graphMessage(graphID)
	msg.Dependencies = []string{msg.MessageID}

	err := h.orch.Submit(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCycleDetected))
}

func TestSubmit_RejectsCycleAcrossMessages(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	// a depends on b before b exists; the edge is ignored until b arrives
	// carrying a dependency on a, which closes the cycle.
	a := graphMessage(graphID)
	b := graphMessage(graphID, a.MessageID)
	a.Dependencies = []string{b.MessageID}

	require.NoError(t, h.orch.Submit(context.Background(), a))
	err := h.orch.Submit(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCycleDetected))
}

// =============================================================================
// Dependency Resolution
// =============================================================================

func TestGraph_DependentPromotedAfterDependency(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	a := graphMessage(graphID)
	b := graphMessage(graphID, a.MessageID)

	require.NoError(t, h.orch.Submit(context.Background(), a))
	require.NoError(t, h.orch.Submit(context.Background(), b))

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, []string{a.MessageID, b.MessageID}, h.promotedIDs())
}

func TestGraph_DiamondGatherInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	a := graphMessage(graphID)
	b := graphMessage(graphID, a.MessageID)
	c := graphMessage(graphID, a.MessageID)
	d := graphMessage(graphID, b.MessageID, c.MessageID)

	for _, msg := range []*protocol.Message{a, b, c, d} {
		require.NoError(t, h.orch.Submit(context.Background(), msg))
	}

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, protocol.GraphStatusComplete, result.Status)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	// Outcomes preserve submission order regardless of completion order.
	ids := make([]string, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		ids = append(ids, outcome.MessageID)
	}
	assert.Equal(t, []string{a.MessageID, b.MessageID, c.MessageID, d.MessageID}, ids)
}

func TestGraph_FailureCascadesTransitively(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	a := graphMessage(graphID)
	b := graphMessage(graphID, a.MessageID)
	c := graphMessage(graphID, b.MessageID)
	h.mu.Lock()
	h.failing[a.MessageID] = true
	h.mu.Unlock()

	for _, msg := range []*protocol.Message{a, b, c} {
		require.NoError(t, h.orch.Submit(context.Background(), msg))
	}

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 3, result.Failed)

	// Only the root actually ran; b and c failed as dependency casualties.
	assert.Equal(t, []string{a.MessageID}, h.promotedIDs())
	for _, outcome := range result.Outcomes[1:] {
		require.NotNil(t, outcome.Ack)
		assert.Contains(t, outcome.Ack.Error, "dependency_failed")
	}
}

func TestGraph_IndependentBranchSurvivesSiblingFailure(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	a := graphMessage(graphID)
	b := graphMessage(graphID)
	c := graphMessage(graphID, b.MessageID)
	h.mu.Lock()
	h.failing[a.MessageID] = true
	h.mu.Unlock()

	for _, msg := range []*protocol.Message{a, b, c} {
		require.NoError(t, h.orch.Submit(context.Background(), msg))
	}

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

// =============================================================================
// Gather Surface
// =============================================================================

func TestResult_UnknownGraph(t *testing.T) {
	h := newHarness(t)
	_, ok := h.orch.Result("no-such-graph")
	assert.False(t, ok)
}

func TestResult_RunningGraphReportsRunning(t *testing.T) {
	bus := eventbus.NewInMemoryBus(time.Second)
	orch := New(bus, nil)
	// No promoter settles anything, so the graph stays running.
	orch.SetPromoter(func(context.Context, *protocol.Message) {})
	graphID := protocol.NewID()

	require.NoError(t, orch.Submit(context.Background(), graphMessage(graphID)))

	result, ok := orch.Result(graphID)
	require.True(t, ok)
	assert.Equal(t, protocol.GraphStatusRunning, result.Status)
	assert.Empty(t, result.Outcomes)
}

func TestWaitForGraph_UnknownGraphFailsFast(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.WaitForGraph(context.Background(), "no-such-graph")
	require.Error(t, err)
}

func TestWaitForGraph_ContextCancellation(t *testing.T) {
	bus := eventbus.NewInMemoryBus(time.Second)
	orch := New(bus, nil)
	orch.SetPromoter(func(context.Context, *protocol.Message) {})
	graphID := protocol.NewID()
	require.NoError(t, orch.Submit(context.Background(), graphMessage(graphID)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := orch.WaitForGraph(ctx, graphID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCleanupStale_DropsOnlySealedGraphs(t *testing.T) {
	h := newHarness(t)
	doneID := protocol.NewID()
	require.NoError(t, h.orch.Submit(context.Background(), graphMessage(doneID)))
	waitForGraph(t, h.orch, doneID)

	// Park a second graph by swapping in a promoter that never settles.
	h.orch.SetPromoter(func(context.Context, *protocol.Message) {})
	runningID := protocol.NewID()
	require.NoError(t, h.orch.Submit(context.Background(), graphMessage(runningID)))

	removed := h.orch.CleanupStale(0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, h.orch.GraphCount())

	_, ok := h.orch.Result(runningID)
	assert.True(t, ok)
}

func TestResolveAbandoned_FailsNeverSubmittedDependency(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	msg := graphMessage(graphID, "never-submitted")
	require.NoError(t, h.orch.Submit(context.Background(), msg))
	assert.Empty(t, h.promotedIDs())

	sealed := h.orch.ResolveAbandoned(context.Background(), 0)
	assert.Equal(t, 1, sealed)

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, protocol.GraphStatusComplete, result.Status)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 1)
	assert.Contains(t, result.Outcomes[0].Ack.Error, "dependency_failed")
	assert.Empty(t, h.promotedIDs())
}

func TestResolveAbandoned_CascadesThroughDependents(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()

	root := graphMessage(graphID, "never-submitted")
	child := graphMessage(graphID, root.MessageID)
	require.NoError(t, h.orch.Submit(context.Background(), root))
	require.NoError(t, h.orch.Submit(context.Background(), child))

	sealed := h.orch.ResolveAbandoned(context.Background(), 0)
	assert.Equal(t, 1, sealed)

	result := waitForGraph(t, h.orch, graphID)
	assert.Equal(t, 2, result.Failed)
	assert.Empty(t, h.promotedIDs())
}

func TestResolveAbandoned_RespectsGraceAndInFlightWork(t *testing.T) {
	h := newHarness(t)

	// A young stuck graph is left alone.
	youngID := protocol.NewID()
	require.NoError(t, h.orch.Submit(context.Background(), graphMessage(youngID, "ghost")))
	assert.Zero(t, h.orch.ResolveAbandoned(context.Background(), time.Hour))

	// A graph with in-flight work is never resolved, whatever its age.
	h.orch.SetPromoter(func(context.Context, *protocol.Message) {})
	busyID := protocol.NewID()
	require.NoError(t, h.orch.Submit(context.Background(), graphMessage(busyID)))

	// Dropping the grace seals the stuck graph but leaves the busy one.
	assert.Equal(t, 1, h.orch.ResolveAbandoned(context.Background(), 0))

	result, ok := h.orch.Result(busyID)
	require.True(t, ok)
	assert.Equal(t, protocol.GraphStatusRunning, result.Status)

	result, ok = h.orch.Result(youngID)
	require.True(t, ok)
	assert.Equal(t, protocol.GraphStatusComplete, result.Status)
}

func TestStats_TracksGraphCounts(t *testing.T) {
	h := newHarness(t)
	graphID := protocol.NewID()
	require.NoError(t, h.orch.Submit(context.Background(), graphMessage(graphID)))
	waitForGraph(t, h.orch, graphID)

	stats := h.orch.Stats()
	assert.Equal(t, 0, stats["graphs_running"])
	assert.Equal(t, 1, stats["graphs_completed"])
}
