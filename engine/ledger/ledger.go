// Package ledger provides per-agent token budget accounting.
//
// Features:
//   - Budget initialization and replacement per agent
//   - Atomic reserve / commit / refund settlement
//   - Consumption-rate EMA updated on commit
//   - Lazy budget refresh when a reset time passes
//
// The reserve amount is the message's budget_tokens ceiling; commit settles
// against the provider-reported actual, returning the difference or charging
// the overrun.
package ledger

import (
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// emaAlpha weights the newest consumption sample in the rate estimate.
const emaAlpha = 0.2

// resetPeriodMS advances a passed reset_at in whole-day steps.
const resetPeriodMS = int64(24 * time.Hour / time.Millisecond)

// Logger is the minimal logging interface the ledger needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Agent Budget (internal)
// =============================================================================

// agentBudget tracks the live budget state for a single agent.
type agentBudget struct {
	agentID         string
	initialTokens   int64
	remainingTokens int64
	consumptionRate float64
	resetAt         int64
	lastCommitAt    time.Time
}

// maybeRefresh restores the budget when its reset time has passed,
// advancing reset_at in whole periods until it is in the future again.
func (b *agentBudget) maybeRefresh(nowMS int64) bool {
	if b.resetAt == 0 || nowMS < b.resetAt {
		return false
	}
	b.remainingTokens = b.initialTokens
	for b.resetAt <= nowMS {
		b.resetAt += resetPeriodMS
	}
	return true
}

// =============================================================================
// Reservation
// =============================================================================

// Reservation is the handle returned by Reserve. It is settled exactly once
// by Commit or Refund; a second settlement reports InvalidHandle.
type Reservation struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Amount   int64  `json:"amount"`
	IssuedAt int64  `json:"issued_at"`
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger manages agent token budgets.
// Thread-safe; all settlement paths are atomic with respect to one agent.
//
// Usage:
//
//	led := ledger.New(10_000, logger)
//	led.Set("agent-1", 1000, 0)
//
//	res, err := led.Reserve("agent-1", 100)
//	if err != nil { ... }
//	led.Commit(res, actualTokens)
type Ledger struct {
	logger Logger

	// defaultBudget seeds agents seen before an explicit Set. Zero disables
	// auto-seeding and makes Reserve fail for unknown agents.
	defaultBudget int64

	budgets     map[string]*agentBudget
	outstanding map[string]*Reservation

	// System-wide counters
	systemCommitted int64
	systemRefunded  int64
	systemOverruns  int64

	mu sync.RWMutex
}

// New creates a budget ledger.
func New(defaultBudget int64, logger Logger) *Ledger {
	return &Ledger{
		logger:        logger,
		defaultBudget: defaultBudget,
		budgets:       make(map[string]*agentBudget),
		outstanding:   make(map[string]*Reservation),
	}
}

// =============================================================================
// Budget Management
// =============================================================================

// Set initializes or replaces an agent's budget.
func (l *Ledger) Set(agentID string, initialTokens int64, resetAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.budgets[agentID] = &agentBudget{
		agentID:         agentID,
		initialTokens:   initialTokens,
		remainingTokens: initialTokens,
		resetAt:         resetAt,
	}

	if l.logger != nil {
		l.logger.Info("budget_set",
			"agent_id", agentID,
			"initial_tokens", initialTokens,
			"reset_at", resetAt,
		)
	}
}

// Get returns the agent's budget view, or nil if the agent is unknown.
func (l *Ledger) Get(agentID string) *protocol.BudgetInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, exists := l.budgets[agentID]
	if !exists {
		return nil
	}
	return &protocol.BudgetInfo{
		AgentID:         b.agentID,
		InitialTokens:   b.initialTokens,
		RemainingTokens: b.remainingTokens,
		ConsumptionRate: b.consumptionRate,
		ResetAt:         b.resetAt,
	}
}

// Reset restores remaining_tokens to the initial allocation.
// Returns false if the agent is unknown.
func (l *Ledger) Reset(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.budgets[agentID]
	if !exists {
		return false
	}
	b.remainingTokens = b.initialTokens

	if l.logger != nil {
		l.logger.Info("budget_reset", "agent_id", agentID, "initial_tokens", b.initialTokens)
	}
	return true
}

// Agents returns all agent IDs with a budget.
func (l *Ledger) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.budgets))
	for id := range l.budgets {
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// Settlement
// =============================================================================

// Reserve atomically holds amount tokens against the agent's budget.
// A passed reset time is applied first. Unknown agents are seeded with the
// default budget when one is configured.
func (l *Ledger) Reserve(agentID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, errors.Validation("amount", "must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.budgets[agentID]
	if !exists {
		if l.defaultBudget <= 0 {
			return nil, errors.BudgetExceeded(agentID, amount, 0)
		}
		b = &agentBudget{
			agentID:         agentID,
			initialTokens:   l.defaultBudget,
			remainingTokens: l.defaultBudget,
		}
		l.budgets[agentID] = b
		if l.logger != nil {
			l.logger.Debug("budget_auto_seeded", "agent_id", agentID, "initial_tokens", l.defaultBudget)
		}
	}

	if b.maybeRefresh(time.Now().UnixMilli()) && l.logger != nil {
		l.logger.Info("budget_refreshed", "agent_id", agentID, "reset_at", b.resetAt)
	}

	if b.remainingTokens < amount {
		if l.logger != nil {
			l.logger.Debug("budget_reserve_denied",
				"agent_id", agentID,
				"requested", amount,
				"remaining", b.remainingTokens,
			)
		}
		return nil, errors.BudgetExceeded(agentID, amount, b.remainingTokens)
	}

	b.remainingTokens -= amount

	res := &Reservation{
		ID:       protocol.NewID(),
		AgentID:  agentID,
		Amount:   amount,
		IssuedAt: time.Now().UnixMilli(),
	}
	l.outstanding[res.ID] = res

	if l.logger != nil {
		l.logger.Debug("budget_reserved",
			"agent_id", agentID,
			"amount", amount,
			"remaining", b.remainingTokens,
		)
	}
	return res, nil
}

// Commit settles a reservation against the actual token cost.
// Unused reservation is returned; overrun beyond the reservation is charged
// down to a zero floor and logged but never blocks. The consumption-rate
// EMA advances here.
func (l *Ledger) Commit(res *Reservation, actualTokens int64) error {
	if res == nil {
		return errors.InvalidHandle("commit")
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.outstanding[res.ID]; !live {
		if l.logger != nil {
			l.logger.Error("invalid_handle", "operation", "commit", "agent_id", res.AgentID)
		}
		return errors.InvalidHandle("commit")
	}

	b, exists := l.budgets[res.AgentID]
	if !exists {
		// Budget replaced via Set since the reservation was issued. The
		// handle is consumed but there is nothing to settle against.
		delete(l.outstanding, res.ID)
		return nil
	}

	delete(l.outstanding, res.ID)

	switch {
	case actualTokens < res.Amount:
		b.remainingTokens += res.Amount - actualTokens
	case actualTokens > res.Amount:
		// Charge the overrun but clamp at zero: remaining_tokens never
		// goes negative, the shortfall is only logged and counted.
		overrun := actualTokens - res.Amount
		b.remainingTokens -= overrun
		if b.remainingTokens < 0 {
			b.remainingTokens = 0
		}
		l.systemOverruns++
		if l.logger != nil {
			l.logger.Warn("budget_overrun",
				"agent_id", res.AgentID,
				"reserved", res.Amount,
				"actual", actualTokens,
				"overrun", overrun,
				"remaining", b.remainingTokens,
			)
		}
	}

	// The rate EMA needs an elapsed interval, so the first commit only
	// anchors the clock.
	now := time.Now()
	if !b.lastCommitAt.IsZero() {
		elapsed := now.Sub(b.lastCommitAt).Seconds()
		if elapsed > 0 {
			instant := float64(actualTokens) / elapsed
			b.consumptionRate = emaAlpha*instant + (1-emaAlpha)*b.consumptionRate
		}
	}
	b.lastCommitAt = now

	l.systemCommitted += actualTokens

	if l.logger != nil {
		l.logger.Debug("budget_committed",
			"agent_id", res.AgentID,
			"actual_tokens", actualTokens,
			"remaining", b.remainingTokens,
		)
	}
	return nil
}

// Refund returns the full reservation to the agent's budget.
func (l *Ledger) Refund(res *Reservation) error {
	if res == nil {
		return errors.InvalidHandle("refund")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, live := l.outstanding[res.ID]; !live {
		if l.logger != nil {
			l.logger.Error("invalid_handle", "operation", "refund", "agent_id", res.AgentID)
		}
		return errors.InvalidHandle("refund")
	}

	delete(l.outstanding, res.ID)

	b, exists := l.budgets[res.AgentID]
	if !exists {
		return nil
	}
	b.remainingTokens += res.Amount
	l.systemRefunded += res.Amount

	if l.logger != nil {
		l.logger.Debug("budget_refunded",
			"agent_id", res.AgentID,
			"amount", res.Amount,
			"remaining", b.remainingTokens,
		)
	}
	return nil
}

// =============================================================================
// Statistics
// =============================================================================

// OutstandingCount returns the number of unsettled reservations.
func (l *Ledger) OutstandingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.outstanding)
}

// Stats returns aggregate ledger statistics.
func (l *Ledger) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var totalRemaining int64
	for _, b := range l.budgets {
		totalRemaining += b.remainingTokens
	}

	return map[string]any{
		"total_agents":             len(l.budgets),
		"outstanding_reservations": len(l.outstanding),
		"total_remaining":          totalRemaining,
		"system_committed":         l.systemCommitted,
		"system_refunded":          l.systemRefunded,
		"system_overruns":          l.systemOverruns,
	}
}
