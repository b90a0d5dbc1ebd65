// Package orchestrator coordinates task-graph scatter-gather execution.
//
// Messages carrying a task_graph_id are held here until their dependencies
// have completed successfully, then injected into the normal dispatch
// pipeline through the promoter. Completion flows back over the event bus:
// the dispatcher publishes MessageCompleted, the orchestrator advances the
// graph, and once nothing is pending or in flight it seals a gather result
// for whoever is waiting on the graph.
//
// The orchestrator never references the dispatcher directly; the coupling is
// one injected promotion function and the bus subscription.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

// Logger is the minimal logging interface the orchestrator needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Promoter injects a ready graph message into the dispatch pipeline. The
// call must not block; outcomes arrive back as MessageCompleted events.
type Promoter func(ctx context.Context, msg *protocol.Message)

// =============================================================================
// Graph State
// =============================================================================

// graphState tracks one task graph. A message lives in exactly one of
// pending, inFlight, or the terminal maps; order preserves submission order
// for the gather result.
type graphState struct {
	graphID   string
	pending   map[string]*protocol.Message
	inFlight  map[string]bool
	completed map[string]*protocol.Acknowledgment
	failed    map[string]*protocol.Acknowledgment
	deps      map[string][]string
	order     []string
	createdAt time.Time
	sealedAt  time.Time

	result  *protocol.GatherResult
	waiters []chan *protocol.GatherResult
}

func newGraphState(graphID string) *graphState {
	return &graphState{
		graphID:   graphID,
		pending:   make(map[string]*protocol.Message),
		inFlight:  make(map[string]bool),
		completed: make(map[string]*protocol.Acknowledgment),
		failed:    make(map[string]*protocol.Acknowledgment),
		deps:      make(map[string][]string),
		createdAt: time.Now(),
	}
}

// settled reports whether a message already reached a terminal state.
func (g *graphState) settled(messageID string) bool {
	_, done := g.completed[messageID]
	if !done {
		_, done = g.failed[messageID]
	}
	return done
}

// ready reports whether every dependency of the listed set has completed
// successfully.
func (g *graphState) ready(deps []string) bool {
	for _, dep := range deps {
		if _, ok := g.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// complete reports whether nothing is pending or in flight.
func (g *graphState) complete() bool {
	return len(g.pending) == 0 && len(g.inFlight) == 0
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator holds all live task graphs.
type Orchestrator struct {
	logger   Logger
	bus      eventbus.Bus
	promoter Promoter

	mu     sync.Mutex
	graphs map[string]*graphState
}

// New creates an orchestrator and subscribes it to completion events on the
// bus. The promoter is installed later, at engine wiring, via SetPromoter.
func New(bus eventbus.Bus, logger Logger) *Orchestrator {
	o := &Orchestrator{
		logger: logger,
		bus:    bus,
		graphs: make(map[string]*graphState),
	}
	if bus != nil {
		bus.Subscribe("MessageCompleted", func(ctx context.Context, msg eventbus.Message) (any, error) {
			if ev, ok := msg.(*eventbus.MessageCompleted); ok && ev.TaskGraphID != "" {
				o.onCompleted(ctx, ev)
			}
			return nil, nil
		})
	}
	return o
}

// SetPromoter installs the pipeline injection function.
func (o *Orchestrator) SetPromoter(p Promoter) {
	o.mu.Lock()
	o.promoter = p
	o.mu.Unlock()
}

// Submit accepts a task-graph message. Ready messages (no dependencies, or
// all dependencies already completed) are promoted immediately; the rest are
// parked until their dependencies resolve. A dependency set that closes a
// cycle over the graph's accumulated edges is rejected without touching
// graph state.
func (o *Orchestrator) Submit(ctx context.Context, msg *protocol.Message) error {
	if msg.TaskGraphID == "" {
		return errors.InvalidDependencies("message has no task_graph_id")
	}

	o.mu.Lock()
	g, ok := o.graphs[msg.TaskGraphID]
	if !ok {
		g = newGraphState(msg.TaskGraphID)
		o.graphs[msg.TaskGraphID] = g
	}
	if g.result != nil {
		o.mu.Unlock()
		return errors.InvalidDependencies("task graph already completed")
	}
	if _, dup := g.deps[msg.MessageID]; dup {
		o.mu.Unlock()
		return errors.InvalidDependencies("duplicate message id in graph")
	}
	for _, dep := range msg.Dependencies {
		if dep == msg.MessageID {
			o.mu.Unlock()
			return errors.CycleDetected([]string{msg.MessageID})
		}
	}

	g.deps[msg.MessageID] = append([]string(nil), msg.Dependencies...)
	if cycle := findCycle(g.deps); cycle != nil {
		delete(g.deps, msg.MessageID)
		o.mu.Unlock()
		return errors.CycleDetected(cycle)
	}

	g.order = append(g.order, msg.MessageID)
	promote := g.ready(msg.Dependencies)
	if promote {
		g.inFlight[msg.MessageID] = true
	} else {
		g.pending[msg.MessageID] = msg.Clone()
	}
	promoter := o.promoter
	o.mu.Unlock()

	if o.logger != nil {
		o.logger.Debug("graph_message_accepted",
			"graph_id", msg.TaskGraphID,
			"message_id", msg.MessageID,
			"dependencies", len(msg.Dependencies),
			"promoted", promote)
	}
	if promote {
		o.promote(ctx, promoter, msg)
	}
	return nil
}

// promote hands a message to the pipeline on its own goroutine so graph
// progression never blocks behind queue backpressure or dedup waits.
func (o *Orchestrator) promote(ctx context.Context, promoter Promoter, msg *protocol.Message) {
	if promoter == nil {
		if o.logger != nil {
			o.logger.Error("graph_promoter_missing", "graph_id", msg.TaskGraphID, "message_id", msg.MessageID)
		}
		return
	}
	clone := msg.Clone()
	go promoter(ctx, clone)
}

// onCompleted advances a graph when one of its messages settles.
func (o *Orchestrator) onCompleted(ctx context.Context, ev *eventbus.MessageCompleted) {
	o.mu.Lock()
	g, ok := o.graphs[ev.TaskGraphID]
	if !ok || g.settled(ev.MessageID) {
		o.mu.Unlock()
		return
	}

	delete(g.inFlight, ev.MessageID)
	ack := ev.Ack
	if ack == nil {
		ack = protocol.NewFailedAck(ev.MessageID, 0, errors.Internal("graph completion", nil))
	}
	if ack.Status.IsSuccess() {
		g.completed[ev.MessageID] = ack.Clone()
	} else {
		g.failed[ev.MessageID] = ack.Clone()
		o.failDependentsLocked(g)
	}

	var promotions []*protocol.Message
	if ack.Status.IsSuccess() {
		promotions = o.collectReadyLocked(g)
	}
	promoter := o.promoter
	sealed := o.maybeSealLocked(g)
	o.mu.Unlock()

	for _, msg := range promotions {
		o.promote(ctx, promoter, msg)
	}
	if sealed != nil {
		o.announce(ctx, g, sealed)
	}
}

// collectReadyLocked pulls every pending message whose dependencies are now
// satisfied, in submission order. Callers hold o.mu.
func (o *Orchestrator) collectReadyLocked(g *graphState) []*protocol.Message {
	var ready []*protocol.Message
	for _, id := range g.order {
		msg, pending := g.pending[id]
		if !pending || !g.ready(g.deps[id]) {
			continue
		}
		delete(g.pending, id)
		g.inFlight[id] = true
		ready = append(ready, msg)
	}
	return ready
}

// failDependentsLocked transitively fails every pending message that can no
// longer run because a dependency failed. Callers hold o.mu.
func (o *Orchestrator) failDependentsLocked(g *graphState) {
	for {
		cascaded := false
		for _, id := range g.order {
			msg, pending := g.pending[id]
			if !pending {
				continue
			}
			for _, dep := range g.deps[id] {
				if _, failed := g.failed[dep]; !failed {
					continue
				}
				delete(g.pending, id)
				g.failed[id] = protocol.NewFailedAck(msg.MessageID, 0, errors.DependencyFailed(dep))
				if o.logger != nil {
					o.logger.Info("graph_dependency_failed",
						"graph_id", g.graphID,
						"message_id", id,
						"failed_dependency", dep)
				}
				cascaded = true
				break
			}
		}
		if !cascaded {
			return
		}
	}
}

// maybeSealLocked builds the gather result once the graph has drained.
// Returns nil while work remains. Callers hold o.mu.
func (o *Orchestrator) maybeSealLocked(g *graphState) *protocol.GatherResult {
	if g.result != nil || !g.complete() {
		return nil
	}

	g.sealedAt = time.Now()
	result := &protocol.GatherResult{
		GraphID:    g.graphID,
		Status:     protocol.GraphStatusComplete,
		DurationMS: g.sealedAt.Sub(g.createdAt).Milliseconds(),
	}
	for _, id := range g.order {
		outcome := protocol.MessageOutcome{MessageID: id}
		if ack, ok := g.completed[id]; ok {
			outcome.Ack = ack.Clone()
			result.Succeeded++
		} else if ack, ok := g.failed[id]; ok {
			outcome.Ack = ack.Clone()
			result.Failed++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	g.result = result
	return result
}

// announce resumes graph waiters and publishes the completion event.
func (o *Orchestrator) announce(ctx context.Context, g *graphState, result *protocol.GatherResult) {
	o.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	o.mu.Unlock()

	for _, ch := range waiters {
		ch <- result.Clone()
	}
	if o.logger != nil {
		o.logger.Info("graph_completed",
			"graph_id", result.GraphID,
			"messages", len(result.Outcomes),
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"duration_ms", result.DurationMS)
	}
	if o.bus != nil {
		o.bus.PublishAsync(ctx, &eventbus.GraphCompleted{
			GraphID:    result.GraphID,
			Messages:   len(result.Outcomes),
			Succeeded:  result.Succeeded,
			Failed:     result.Failed,
			DurationMS: result.DurationMS,
		})
	}
}

// =============================================================================
// Gather
// =============================================================================

// Result returns the gather result for a graph. The second return reports
// whether the graph is known; a known but running graph returns a running
// summary with no outcomes.
func (o *Orchestrator) Result(graphID string) (*protocol.GatherResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	g, ok := o.graphs[graphID]
	if !ok {
		return nil, false
	}
	if g.result != nil {
		return g.result.Clone(), true
	}
	return &protocol.GatherResult{GraphID: graphID, Status: protocol.GraphStatusRunning}, true
}

// WaitForGraph blocks until the graph completes or ctx is done. Unknown
// graphs fail immediately.
func (o *Orchestrator) WaitForGraph(ctx context.Context, graphID string) (*protocol.GatherResult, error) {
	o.mu.Lock()
	g, ok := o.graphs[graphID]
	if !ok {
		o.mu.Unlock()
		return nil, errors.Newf(errors.KindValidation, "unknown task graph %s", graphID)
	}
	if g.result != nil {
		result := g.result.Clone()
		o.mu.Unlock()
		return result, nil
	}
	ready := make(chan *protocol.GatherResult, 1)
	g.waiters = append(g.waiters, ready)
	o.mu.Unlock()

	select {
	case result := <-ready:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveAbandoned fails messages stuck behind dependencies that were never
// submitted. A running graph older than grace with nothing in flight cannot
// make progress on its own: every pending message waiting on an unknown
// dependency fails with dependency_failed, the failure cascades through its
// dependents, and the graph seals so gather callers get an answer instead of
// blocking until their context dies. Returns how many graphs were sealed.
func (o *Orchestrator) ResolveAbandoned(ctx context.Context, grace time.Duration) int {
	cutoff := time.Now().Add(-grace)

	type sealedGraph struct {
		g      *graphState
		result *protocol.GatherResult
	}
	var sealed []sealedGraph

	o.mu.Lock()
	for _, g := range o.graphs {
		if g.result != nil || len(g.inFlight) > 0 || !g.createdAt.Before(cutoff) {
			continue
		}
		stuck := false
		for _, id := range g.order {
			msg, pending := g.pending[id]
			if !pending {
				continue
			}
			for _, dep := range g.deps[id] {
				if _, known := g.deps[dep]; known {
					continue
				}
				delete(g.pending, id)
				g.failed[id] = protocol.NewFailedAck(msg.MessageID, 0, errors.DependencyFailed(dep))
				if o.logger != nil {
					o.logger.Warn("graph_dependency_missing",
						"graph_id", g.graphID,
						"message_id", id,
						"missing_dependency", dep)
				}
				stuck = true
				break
			}
		}
		if !stuck {
			continue
		}
		o.failDependentsLocked(g)
		if result := o.maybeSealLocked(g); result != nil {
			sealed = append(sealed, sealedGraph{g: g, result: result})
		}
	}
	o.mu.Unlock()

	for _, s := range sealed {
		o.announce(ctx, s.g, s.result)
	}
	return len(sealed)
}

// CleanupStale drops sealed graphs older than retention and returns how
// many were removed. Running graphs are never touched.
func (o *Orchestrator) CleanupStale(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, g := range o.graphs {
		if g.result != nil && g.sealedAt.Before(cutoff) {
			delete(o.graphs, id)
			removed++
		}
	}
	if removed > 0 && o.logger != nil {
		o.logger.Debug("stale_graphs_cleaned", "removed", removed)
	}
	return removed
}

// GraphCount reports the number of tracked graphs.
func (o *Orchestrator) GraphCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.graphs)
}

// Stats returns orchestrator counters for diagnostics.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	running, sealed, pending, inFlight := 0, 0, 0, 0
	for _, g := range o.graphs {
		if g.result != nil {
			sealed++
		} else {
			running++
		}
		pending += len(g.pending)
		inFlight += len(g.inFlight)
	}
	return map[string]any{
		"graphs_running":    running,
		"graphs_completed":  sealed,
		"messages_pending":  pending,
		"messages_inflight": inFlight,
	}
}

// =============================================================================
// Cycle Detection
// =============================================================================

// findCycle runs Kahn's algorithm over the dependency edges and returns the
// node IDs left on a cycle, or nil when the graph is acyclic. Edges to
// messages not yet submitted are ignored; they cannot close a cycle.
func findCycle(deps map[string][]string) []string {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for id := range deps {
		indegree[id] = 0
	}
	for id, requires := range deps {
		for _, dep := range requires {
			if _, known := deps[dep]; !known {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(deps))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(deps) {
		return nil
	}

	var cycle []string
	for id, n := range indegree {
		if n > 0 {
			cycle = append(cycle, id)
		}
	}
	return cycle
}
