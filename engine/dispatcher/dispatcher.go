// Package dispatcher runs the end-to-end per-message pipeline: admit,
// dedupe, reserve, route, queue, execute, settle, ack.
//
// Ordering is fixed: validation and admission mutate nothing, the dedup
// cache decides whether the message executes at all, the budget reservation
// is taken before routing, and every abort path after the reservation
// refunds it. Execution walks the routing decision's fallback chain, moving
// endpoint load with it. Settlement commits the budget, publishes to the
// dedup cache, and emits a MessageCompleted event for the orchestrator and
// the journal.
//
// Task-graph messages detour through the orchestrator after admission and
// re-enter the pipeline when their dependencies resolve; their submission
// ack only confirms acceptance into the graph.
package dispatcher

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/admission"
	"github.com/YASSERRMD/AiMesh/engine/dedup"
	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/ledger"
	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/engine/registry"
	"github.com/YASSERRMD/AiMesh/engine/router"
	"github.com/YASSERRMD/AiMesh/engine/scheduler"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

const (
	// maxFallbacks bounds how many fallback endpoints are tried after the
	// primary fails.
	maxFallbacks = 3
	// minAttemptTimeout floors the per-attempt execution bound.
	minAttemptTimeout = 100 * time.Millisecond
	// defaultAttemptTimeout bounds attempts for messages without a deadline.
	defaultAttemptTimeout = 30 * time.Second
)

// Logger is the minimal logging interface the dispatcher needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ExecutionResult is what an endpoint adapter reports for one completed
// execution.
type ExecutionResult struct {
	Result     []byte `json:"result"`
	TokensUsed int64  `json:"tokens_used"`
	LatencyMS  int64  `json:"latency_ms"`
}

// Executor runs a payload against a named endpoint. Any returned error is
// treated as endpoint failure and triggers the fallback chain.
type Executor interface {
	Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, deadline time.Time) (*ExecutionResult, error)
}

// GraphSubmitter is the orchestrator-facing seam: graph messages are handed
// over here and come back through Promote when their dependencies resolve.
type GraphSubmitter interface {
	Submit(ctx context.Context, msg *protocol.Message) error
}

// =============================================================================
// Pipeline State
// =============================================================================

// pipelineState travels with a message through the scheduler. It owns the
// settle-once guard: exactly one finish call wins, every other path becomes
// a no-op.
type pipelineState struct {
	start       time.Time
	trace       *Trace
	reservation *ledger.Reservation
	token       *dedup.OwnerToken
	decision    *protocol.RoutingDecision
	release     func()
	// reply receives the acknowledgment for synchronous submissions; nil
	// for graph-promoted messages, whose outcome travels on the bus.
	reply   chan *protocol.Acknowledgment
	settled atomic.Bool
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher composes the engine subsystems into the submission pipeline.
type Dispatcher struct {
	logger    Logger
	registry  *registry.Registry
	ledger    *ledger.Ledger
	cache     *dedup.Cache
	admission *admission.Controller
	scheduler *scheduler.Scheduler
	graphs    GraphSubmitter
	executor  Executor
	bus       eventbus.Bus

	closed    atomic.Bool
	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Deps bundles the subsystems a dispatcher is built from. Graphs may be nil
// when task-graph support is not wired; Bus may be nil in isolated tests.
type Deps struct {
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Cache     *dedup.Cache
	Admission *admission.Controller
	Scheduler *scheduler.Scheduler
	Graphs    GraphSubmitter
	Executor  Executor
	Bus       eventbus.Bus
	Logger    Logger
}

// New builds a dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		logger:    deps.Logger,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		cache:     deps.Cache,
		admission: deps.Admission,
		scheduler: deps.Scheduler,
		graphs:    deps.Graphs,
		executor:  deps.Executor,
		bus:       deps.Bus,
	}
}

// Start launches the worker pool behind the pipeline.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.scheduler.Start(ctx, d.handle)
}

// =============================================================================
// Submission
// =============================================================================

// Submit runs one message through the pipeline and blocks until it settles.
//
// Failed pipeline stages return both a failed acknowledgment and the typed
// error that caused it, so transport surfaces can map a status code while
// still handing the caller an ack. Validation failures return no ack;
// nothing was admitted.
func (d *Dispatcher) Submit(ctx context.Context, msg *protocol.Message) (*protocol.Acknowledgment, error) {
	if d.closed.Load() {
		return nil, errors.ShuttingDown()
	}
	start := time.Now()
	trace := NewTrace(msg.MessageID)
	d.submitted.Add(1)

	if err := msg.Validate(); err != nil {
		metrics.RecordError(string(errors.KindOf(err)))
		return nil, err
	}
	trace.To(StateValidated)

	release, err := d.admission.Admit(msg)
	if err != nil {
		return d.reject(msg, start, trace, err)
	}
	trace.To(StateAdmitted)

	// Task-graph messages detour to the orchestrator; the pipeline resumes
	// when a promotion calls back into Promote.
	if msg.TaskGraphID != "" {
		release()
		if d.graphs == nil {
			err := errors.InvalidDependencies("task graphs are not enabled")
			return d.reject(msg, start, trace, err)
		}
		if err := d.graphs.Submit(ctx, msg); err != nil {
			return d.reject(msg, start, trace, err)
		}
		if d.logger != nil {
			d.logger.Debug("graph_message_queued",
				"message_id", msg.MessageID,
				"graph_id", msg.TaskGraphID)
		}
		return protocol.NewSuccessAck(msg.MessageID, 0, time.Since(start).Milliseconds(), nil), nil
	}

	st := &pipelineState{start: start, trace: trace, release: release,
		reply: make(chan *protocol.Acknowledgment, 1)}
	if err := d.enqueue(ctx, msg, st); err != nil {
		ack := d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, time.Since(start).Milliseconds(), err), "", err)
		return ack, err
	}

	// Dedup hits settle inside enqueue and land on the reply channel like
	// any worker settlement.
	select {
	case ack := <-st.reply:
		if ack.Status.IsSuccess() {
			return ack, nil
		}
		return ack, ackError(ack)
	case <-ctx.Done():
		// The worker still owns settlement; the caller just stopped
		// waiting. Budget and load bookkeeping are unaffected.
		return nil, errors.Wrap(errors.KindDeadlineExceeded, "submission abandoned", ctx.Err())
	}
}

// Promote re-enters the pipeline for a graph message whose dependencies
// resolved. The outcome is delivered via the MessageCompleted event, never
// synchronously.
func (d *Dispatcher) Promote(ctx context.Context, msg *protocol.Message) {
	start := time.Now()
	trace := NewTrace(msg.MessageID)
	trace.To(StateValidated)
	trace.To(StateAdmitted)

	st := &pipelineState{start: start, trace: trace, release: func() {}}
	if d.closed.Load() {
		d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, 0, errors.ShuttingDown()), "", errors.ShuttingDown())
		return
	}
	if err := d.enqueue(ctx, msg, st); err != nil {
		d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, time.Since(start).Milliseconds(), err), "", err)
	}
}

// reject settles an admission-stage denial: nothing is held yet.
func (d *Dispatcher) reject(msg *protocol.Message, start time.Time, trace *Trace, err error) (*protocol.Acknowledgment, error) {
	trace.To(StateFailed)
	d.failed.Add(1)
	metrics.RecordError(string(errors.KindOf(err)))
	metrics.RecordMessage(msg.AgentID, string(protocol.AckStatusFailed))
	if d.logger != nil {
		d.logger.Debug("message_rejected",
			"message_id", msg.MessageID,
			"agent_id", msg.AgentID,
			"error", err.Error())
	}
	return protocol.NewFailedAck(msg.MessageID, time.Since(start).Milliseconds(), err), err
}

// enqueue runs the dedup, reserve, route, and queue stages. On any error the
// caller settles; on success the message is on a queue (or, for a dedup hit,
// already finished).
func (d *Dispatcher) enqueue(ctx context.Context, msg *protocol.Message, st *pipelineState) error {
	if key, ok := msg.DedupKey(); ok {
		hit, err := d.dedupCheck(ctx, msg, st, key)
		if err != nil {
			return err
		}
		if hit {
			return nil
		}
	}
	st.trace.To(StateDedupChecked)

	res, err := d.ledger.Reserve(msg.AgentID, msg.BudgetTokens)
	if err != nil {
		d.retireToken(st)
		return err
	}
	st.reservation = res
	st.trace.To(StateReserved)

	decision, err := router.Select(msg, d.registry.Snapshot())
	if err != nil {
		d.refund(st)
		d.retireToken(st)
		return err
	}
	st.decision = decision
	st.trace.To(StateRouted)
	if d.logger != nil {
		d.logger.Debug("message_routed",
			"message_id", msg.MessageID,
			"endpoint", decision.TargetEndpoint,
			"reason", decision.RoutingReason,
			"fallbacks", len(decision.FallbackEndpoints))
	}

	if err := d.scheduler.Enqueue(&scheduler.Item{Message: msg, State: st}); err != nil {
		d.refund(st)
		d.retireToken(st)
		return err
	}
	st.trace.To(StateQueued)
	return nil
}

// dedupCheck resolves the message against the single-flight cache. The
// return is (true, nil) when a cached acknowledgment settled the message,
// (false, nil) when the caller owns execution and must publish or retire.
// Parked waiters loop: a retiring owner resumes them with a miss and the
// first one back in becomes the new owner.
func (d *Dispatcher) dedupCheck(ctx context.Context, msg *protocol.Message, st *pipelineState, key [32]byte) (bool, error) {
	for {
		lookup := d.cache.LookupOrReserve(ctx, key)
		switch lookup.Outcome {
		case dedup.OutcomeHit:
			st.trace.To(StateDedupChecked)
			ack := lookup.Ack
			ack.OriginalMessageID = msg.MessageID
			ack.ProcessingLatencyMS = time.Since(st.start).Milliseconds()
			d.finish(ctx, msg, st, ack, "", nil)
			return true, nil

		case dedup.OutcomeOwner:
			st.token = lookup.Token
			return false, nil

		case dedup.OutcomeWait:
			select {
			case res := <-lookup.Ready:
				if res.Found {
					st.trace.To(StateDedupChecked)
					ack := res.Ack
					ack.OriginalMessageID = msg.MessageID
					ack.ProcessingLatencyMS = time.Since(st.start).Milliseconds()
					d.finish(ctx, msg, st, ack, "", nil)
					return true, nil
				}
				// Owner retired; contend for ownership again.
			case <-ctx.Done():
				return false, errors.Wrap(errors.KindDeadlineExceeded, "dedup wait abandoned", ctx.Err())
			}
		}
	}
}

// =============================================================================
// Worker Path
// =============================================================================

// handle is the scheduler worker entry point for one dequeued item.
func (d *Dispatcher) handle(ctx context.Context, item *scheduler.Item) {
	msg := item.Message
	st, ok := item.State.(*pipelineState)
	if !ok || st == nil {
		if d.logger != nil {
			d.logger.Error("dispatch_state_missing", "message_id", msg.MessageID)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if d.logger != nil {
				d.logger.Error("dispatch_panic_recovered",
					"message_id", msg.MessageID,
					"panic", r,
					"stack", string(debug.Stack()))
			}
			err := errors.Newf(errors.KindInternal, "dispatch panicked: %v", r)
			d.refund(st)
			d.retireToken(st)
			d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, time.Since(st.start).Milliseconds(), err), "", err)
		}
	}()

	now := time.Now()
	if msg.Expired(now) {
		err := errors.DeadlineExceeded(msg.MessageID)
		d.refund(st)
		d.retireToken(st)
		d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, time.Since(st.start).Milliseconds(), err), "", err)
		return
	}
	st.trace.To(StateExecuting)

	result, endpoint, err := d.execute(ctx, msg, st)
	if err != nil {
		d.refund(st)
		d.retireToken(st)
		d.finish(ctx, msg, st, protocol.NewFailedAck(msg.MessageID, time.Since(st.start).Milliseconds(), err), endpoint, err)
		return
	}
	st.trace.To(StateSettled)

	d.settle(ctx, msg, st, result, endpoint)
}

// execute walks the primary endpoint and its fallback chain. Load moves with
// the attempt: incremented before dispatch, decremented after, the previous
// endpoint released before the next is taken.
func (d *Dispatcher) execute(ctx context.Context, msg *protocol.Message, st *pipelineState) (*ExecutionResult, string, error) {
	chain := make([]string, 0, 1+maxFallbacks)
	chain = append(chain, st.decision.TargetEndpoint)
	for i, fb := range st.decision.FallbackEndpoints {
		if i >= maxFallbacks {
			break
		}
		chain = append(chain, fb)
	}

	var lastErr error
	for attempt, endpointID := range chain {
		if msg.Expired(time.Now()) {
			if lastErr != nil {
				return nil, endpointID, lastErr
			}
			return nil, endpointID, errors.DeadlineExceeded(msg.MessageID)
		}

		if !d.registry.IncrementLoad(endpointID) {
			lastErr = errors.EndpointFailure(endpointID, errors.New(errors.KindNoEndpointAvailable, "endpoint saturated or unhealthy"))
			continue
		}

		attemptStart := time.Now()
		result, err := d.attempt(ctx, msg, endpointID)
		d.registry.DecrementLoad(endpointID)
		durationMS := int(time.Since(attemptStart).Milliseconds())

		if err == nil {
			status, changed := d.registry.RecordSuccess(endpointID)
			d.publishHealth(ctx, endpointID, status, changed)
			metrics.RecordDispatch(endpointID, "success", durationMS)
			return result, endpointID, nil
		}

		attemptStatus := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			attemptStatus = "timeout"
		}
		status, changed := d.registry.RecordFailure(endpointID)
		d.publishHealth(ctx, endpointID, status, changed)
		metrics.RecordDispatch(endpointID, attemptStatus, durationMS)
		lastErr = errors.EndpointFailure(endpointID, err)

		if d.logger != nil {
			d.logger.Warn("dispatch_attempt_failed",
				"message_id", msg.MessageID,
				"endpoint", endpointID,
				"attempt", attempt+1,
				"error", err.Error())
		}
	}

	if lastErr == nil {
		lastErr = errors.NoEndpointAvailable()
	}
	return nil, st.decision.TargetEndpoint, lastErr
}

// attempt runs one bounded execution against one endpoint.
func (d *Dispatcher) attempt(ctx context.Context, msg *protocol.Message, endpointID string) (*ExecutionResult, error) {
	timeout := defaultAttemptTimeout
	if deadline := msg.Deadline(); !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout < minAttemptTimeout {
			timeout = minAttemptTimeout
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return d.executor.Execute(attemptCtx, endpointID, msg.Payload, msg.BudgetTokens, msg.Deadline())
}

// settle commits the budget, publishes to the dedup cache, and acks.
func (d *Dispatcher) settle(ctx context.Context, msg *protocol.Message, st *pipelineState, result *ExecutionResult, endpoint string) {
	if err := d.ledger.Commit(st.reservation, result.TokensUsed); err != nil && d.logger != nil {
		d.logger.Error("budget_commit_failed", "message_id", msg.MessageID, "error", err.Error())
	}
	st.reservation = nil
	d.admission.OnCommit(msg, result.TokensUsed)
	metrics.RecordTokens(msg.AgentID, result.TokensUsed)

	ack := protocol.NewSuccessAck(msg.MessageID, result.TokensUsed, time.Since(st.start).Milliseconds(), result.Result)

	if st.token != nil {
		if err := d.cache.Publish(st.token, ack); err != nil && d.logger != nil {
			d.logger.Error("dedup_publish_failed", "message_id", msg.MessageID, "error", err.Error())
		}
		st.token = nil
	}

	d.finish(ctx, msg, st, ack, endpoint, nil)
}

// =============================================================================
// Settlement Plumbing
// =============================================================================

// finish is the single settle point: it releases the tenant slot, records
// terminal metrics, publishes MessageCompleted, and delivers the reply. The
// settle-once guard makes duplicate calls no-ops; it returns the ack it
// delivered (or nil when another path already settled).
func (d *Dispatcher) finish(ctx context.Context, msg *protocol.Message, st *pipelineState, ack *protocol.Acknowledgment, endpoint string, cause error) *protocol.Acknowledgment {
	if !st.settled.CompareAndSwap(false, true) {
		return nil
	}
	if st.release != nil {
		st.release()
	}

	if ack.Status.IsSuccess() {
		st.trace.To(StateAcked)
		d.succeeded.Add(1)
	} else {
		st.trace.To(StateFailed)
		d.failed.Add(1)
		if cause != nil {
			metrics.RecordError(string(errors.KindOf(cause)))
		}
	}
	metrics.RecordMessage(msg.AgentID, string(ack.Status))

	if d.logger != nil {
		d.logger.Info("message_settled",
			"message_id", msg.MessageID,
			"agent_id", msg.AgentID,
			"status", string(ack.Status),
			"tokens_used", ack.TokensUsed,
			"latency_ms", ack.ProcessingLatencyMS,
			"endpoint", endpoint)
	}

	if d.bus != nil {
		d.bus.PublishAsync(ctx, &eventbus.MessageCompleted{
			MessageID:   msg.MessageID,
			AgentID:     msg.AgentID,
			TaskGraphID: msg.TaskGraphID,
			Endpoint:    endpoint,
			Ack:         ack.Clone(),
		})
	}

	if st.reply != nil {
		st.reply <- ack
	}
	return ack
}

// refund returns an unsettled reservation. Safe on every abort path: a
// missing or already-settled reservation is a no-op.
func (d *Dispatcher) refund(st *pipelineState) {
	if st.reservation == nil {
		return
	}
	if err := d.ledger.Refund(st.reservation); err != nil && d.logger != nil {
		d.logger.Error("budget_refund_failed", "reservation_id", st.reservation.ID, "error", err.Error())
	}
	st.reservation = nil
}

// retireToken releases dedup ownership so parked waiters can re-contend.
func (d *Dispatcher) retireToken(st *pipelineState) {
	if st.token == nil {
		return
	}
	if err := d.cache.Retire(st.token); err != nil && d.logger != nil {
		d.logger.Error("dedup_retire_failed", "error", err.Error())
	}
	st.token = nil
}

// publishHealth emits a breaker transition onto the bus.
func (d *Dispatcher) publishHealth(ctx context.Context, endpointID string, status protocol.HealthStatus, changed bool) {
	if !changed || d.bus == nil {
		return
	}
	d.bus.PublishAsync(ctx, &eventbus.EndpointHealthChanged{
		EndpointID:          endpointID,
		To:                  status,
		ConsecutiveFailures: d.registry.ConsecutiveFailures(endpointID),
	})
}

// ackError reconstructs the typed error carried by a failed acknowledgment
// produced by the worker path.
func ackError(ack *protocol.Acknowledgment) error {
	if ack.Error == "" {
		return nil
	}
	return errors.New(kindFromAck(ack), ack.Error)
}

// kindFromAck recovers the error kind prefix from the ack's error string;
// typed errors render as "kind: message".
func kindFromAck(ack *protocol.Acknowledgment) errors.Kind {
	for _, kind := range []errors.Kind{
		errors.KindDeadlineExceeded,
		errors.KindEndpointFailure,
		errors.KindNoEndpointAvailable,
		errors.KindBudgetExceeded,
		errors.KindQueueFull,
		errors.KindShuttingDown,
		errors.KindDependencyFailed,
	} {
		prefix := string(kind) + ":"
		if len(ack.Error) >= len(prefix) && ack.Error[:len(prefix)] == prefix {
			return kind
		}
	}
	return errors.KindInternal
}

// =============================================================================
// Shutdown and Stats
// =============================================================================

// Shutdown drains the pipeline: intake stops immediately, workers get the
// ctx-bounded grace to finish in-flight work, and whatever never left the
// queues is refunded and failed with ShuttingDown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.logger != nil {
		d.logger.Info("dispatcher_shutdown_started")
	}

	stopErr := d.scheduler.Stop(ctx)

	for _, item := range d.scheduler.Drain() {
		st, ok := item.State.(*pipelineState)
		if !ok {
			continue
		}
		err := errors.ShuttingDown()
		d.refund(st)
		d.retireToken(st)
		d.finish(ctx, item.Message, st,
			protocol.NewFailedAck(item.Message.MessageID, time.Since(st.start).Milliseconds(), err), "", err)
	}

	if d.bus != nil {
		if err := d.bus.Flush(ctx); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	if d.logger != nil {
		d.logger.Info("dispatcher_shutdown_completed")
	}
	return stopErr
}

// Stats returns dispatcher counters for diagnostics.
func (d *Dispatcher) Stats() map[string]any {
	return map[string]any{
		"submitted":     d.submitted.Load(),
		"succeeded":     d.succeeded.Load(),
		"failed":        d.failed.Load(),
		"shutting_down": d.closed.Load(),
	}
}
