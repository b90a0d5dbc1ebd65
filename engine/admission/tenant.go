package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// dailyPeriod is the rolling horizon for per-tenant daily counters.
const dailyPeriod = 24 * time.Hour

// Tier is a tenant plan level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierFromString parses a tier name, defaulting to free.
func TierFromString(s string) Tier {
	switch Tier(s) {
	case TierStarter, TierPro, TierEnterprise:
		return Tier(s)
	default:
		return TierFree
	}
}

// TierQuotas are the ceilings a tier grants. Zero means no ceiling.
type TierQuotas struct {
	MaxConcurrent   int64   `json:"max_concurrent"`
	MaxRPS          float64 `json:"max_rps"`
	MaxTokensPerDay int64   `json:"max_tokens_per_day"`
}

// Quotas returns the ceilings for the tier.
func (t Tier) Quotas() TierQuotas {
	switch t {
	case TierStarter:
		return TierQuotas{MaxConcurrent: 100, MaxRPS: 50, MaxTokensPerDay: 500_000}
	case TierPro:
		return TierQuotas{MaxConcurrent: 500, MaxRPS: 200, MaxTokensPerDay: 5_000_000}
	case TierEnterprise:
		return TierQuotas{}
	default:
		return TierQuotas{MaxConcurrent: 10, MaxRPS: 10, MaxTokensPerDay: 10_000}
	}
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is a registered tenant and its effective quotas.
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Tier      Tier              `json:"tier"`
	Status    TenantStatus      `json:"status"`
	Quotas    TierQuotas        `json:"quotas"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Clone returns a deep copy of the tenant.
func (t *Tenant) Clone() *Tenant {
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// TenantUsage is a point-in-time snapshot of a tenant's counters.
type TenantUsage struct {
	Concurrent    int64     `json:"concurrent"`
	MessagesToday int64     `json:"messages_today"`
	TokensToday   int64     `json:"tokens_today"`
	LastReset     time.Time `json:"last_reset"`
}

type tenantUsage struct {
	concurrent    int64
	messagesToday int64
	tokensToday   int64
	lastReset     time.Time
}

// resetIfStale zeroes the daily counters once the rolling 24h period since
// the last reset has elapsed. Concurrency is live state and never resets.
func (u *tenantUsage) resetIfStale(now time.Time) {
	if now.Sub(u.lastReset) >= dailyPeriod {
		u.messagesToday = 0
		u.tokensToday = 0
		u.lastReset = now
	}
}

// Manager tracks tenants, their agent bindings, and per-tenant usage.
type Manager struct {
	logger Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant
	usage   map[string]*tenantUsage
	agents  map[string]string
}

// NewManager creates an empty tenant manager.
func NewManager(logger Logger) *Manager {
	return &Manager{
		logger:  logger,
		tenants: make(map[string]*Tenant),
		usage:   make(map[string]*tenantUsage),
		agents:  make(map[string]string),
	}
}

// CreateTenant registers a tenant with the tier's default quotas, replacing
// any previous registration under the same id.
func (m *Manager) CreateTenant(id, name string, tier Tier) *Tenant {
	tenant := &Tenant{
		ID:        id,
		Name:      name,
		Tier:      tier,
		Status:    TenantActive,
		Quotas:    tier.Quotas(),
		CreatedAt: time.Now().UnixMilli(),
	}

	m.mu.Lock()
	m.tenants[id] = tenant
	if _, ok := m.usage[id]; !ok {
		m.usage[id] = &tenantUsage{lastReset: time.Now()}
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("tenant_created", "tenant_id", id, "tier", string(tier))
	}
	return tenant.Clone()
}

// Get returns a copy of the tenant.
func (m *Manager) Get(id string) (*Tenant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenant, ok := m.tenants[id]
	if !ok {
		return nil, false
	}
	return tenant.Clone(), true
}

// Has reports whether the tenant exists.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenants[id]
	return ok
}

// UpdateTier moves a tenant to a new tier and refreshes its quotas.
func (m *Manager) UpdateTier(id string, tier Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[id]
	if !ok {
		return errors.Validation("tenant_id", "unknown tenant")
	}
	tenant.Tier = tier
	tenant.Quotas = tier.Quotas()
	if m.logger != nil {
		m.logger.Info("tenant_tier_updated", "tenant_id", id, "tier", string(tier))
	}
	return nil
}

// Suspend blocks a tenant from admission until reactivated.
func (m *Manager) Suspend(id string) error {
	return m.setStatus(id, TenantSuspended, "tenant_suspended")
}

// Activate reinstates a suspended tenant.
func (m *Manager) Activate(id string) error {
	return m.setStatus(id, TenantActive, "tenant_activated")
}

func (m *Manager) setStatus(id string, status TenantStatus, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[id]
	if !ok {
		return errors.Validation("tenant_id", "unknown tenant")
	}
	tenant.Status = status
	if m.logger != nil {
		m.logger.Info(event, "tenant_id", id)
	}
	return nil
}

// CheckActive reports an error when the tenant is suspended. Unknown
// tenants pass; admission auto-registers them.
func (m *Manager) CheckActive(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenant, ok := m.tenants[id]
	if !ok {
		return nil
	}
	if tenant.Status == TenantSuspended {
		return errors.Newf(errors.KindTenantQuotaExceeded, "tenant %s is suspended", id).
			WithContext("tenant", id)
	}
	return nil
}

// RegisterAgent binds an agent to a tenant for admission keying.
func (m *Manager) RegisterAgent(agentID, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[tenantID]
	if !ok {
		return errors.Validation("tenant_id", "unknown tenant")
	}
	if tenant.Status == TenantSuspended {
		return errors.Newf(errors.KindTenantQuotaExceeded, "tenant %s is suspended", tenantID).
			WithContext("tenant", tenantID)
	}

	m.agents[agentID] = tenantID
	if m.logger != nil {
		m.logger.Debug("agent_bound", "agent_id", agentID, "tenant_id", tenantID)
	}
	return nil
}

// AgentTenant returns the tenant an agent is bound to.
func (m *Manager) AgentTenant(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agents[agentID]
	return id, ok
}

// AcquireSlot takes one concurrency slot, rejecting at the tier ceiling.
// The caller must release the slot when the request settles.
func (m *Manager) AcquireSlot(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[id]
	if !ok {
		return errors.Validation("tenant_id", "unknown tenant")
	}
	u := m.usageLocked(id)
	u.resetIfStale(time.Now())

	if limit := tenant.Quotas.MaxConcurrent; limit > 0 && u.concurrent >= limit {
		return errors.TenantQuotaExceeded(id, int(u.concurrent), int(limit))
	}
	u.concurrent++
	return nil
}

// ReleaseSlot returns a concurrency slot.
func (m *Manager) ReleaseSlot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[id]
	if !ok {
		return
	}
	if u.concurrent > 0 {
		u.concurrent--
	}
}

// CheckDailyBudget rejects once the tenant's daily token ceiling is
// reached. requested only annotates the error.
func (m *Manager) CheckDailyBudget(id string, requested int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant, ok := m.tenants[id]
	if !ok {
		return nil
	}
	limit := tenant.Quotas.MaxTokensPerDay
	if limit <= 0 {
		return nil
	}

	u := m.usageLocked(id)
	u.resetIfStale(time.Now())
	if u.tokensToday >= limit {
		return errors.BudgetExceeded(id, requested, 0)
	}
	return nil
}

// RecordUsage charges committed tokens against the tenant's daily counters.
func (m *Manager) RecordUsage(id string, tokens int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[id]; !ok {
		return false
	}
	u := m.usageLocked(id)
	u.resetIfStale(time.Now())
	u.messagesToday++
	if tokens > 0 {
		u.tokensToday += tokens
	}
	return true
}

// Usage returns a snapshot of the tenant's counters.
func (m *Manager) Usage(id string) (TenantUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[id]
	if !ok {
		return TenantUsage{}, false
	}
	return TenantUsage{
		Concurrent:    u.concurrent,
		MessagesToday: u.messagesToday,
		TokensToday:   u.tokensToday,
		LastReset:     u.lastReset,
	}, true
}

// ResetDailyUsage zeroes the daily counters for every tenant.
func (m *Manager) ResetDailyUsage() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.usage {
		u.messagesToday = 0
		u.tokensToday = 0
		u.lastReset = now
	}
	if m.logger != nil {
		m.logger.Info("tenant_daily_usage_reset", "tenants", len(m.usage))
	}
	return len(m.usage)
}

// Delete removes a tenant, its usage, and its agent bindings.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.tenants[id]
	delete(m.tenants, id)
	delete(m.usage, id)
	for agent, tenant := range m.agents {
		if tenant == id {
			delete(m.agents, agent)
		}
	}
	return existed
}

// List returns all tenants ordered by id.
func (m *Manager) List() []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, tenant := range m.tenants {
		out = append(out, tenant.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns tenant-level counters.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	suspended := 0
	var inflight int64
	for _, tenant := range m.tenants {
		if tenant.Status == TenantSuspended {
			suspended++
		}
	}
	for _, u := range m.usage {
		inflight += u.concurrent
	}
	return map[string]any{
		"total_tenants":     len(m.tenants),
		"suspended_tenants": suspended,
		"inflight_requests": inflight,
		"bound_agents":      len(m.agents),
	}
}

// usageLocked returns the usage record for id, creating it if missing.
// Callers hold m.mu.
func (m *Manager) usageLocked(id string) *tenantUsage {
	u, ok := m.usage[id]
	if !ok {
		u = &tenantUsage{lastReset: time.Now()}
		m.usage[id] = u
	}
	return u
}
