// Package admission implements the admission layer in front of the dispatch
// pipeline.
//
// Features:
//   - Token-bucket rate limiting per key with a parallel system-wide bucket
//   - Observational sliding window over recent admissions
//   - Tier-based tenant quotas: concurrency slots, per-tenant rates, and a
//     rolling daily token ceiling charged at commit time
//   - Agent-to-tenant binding so submissions are keyed by tenant when
//     tenancy is enabled
package admission

import (
	"sync"

	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// tenantMetadataKey is the message metadata field naming the tenant when the
// agent has no explicit binding.
const tenantMetadataKey = "tenant_id"

// Logger is the minimal logging interface the admission layer needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds admission tuning.
type Config struct {
	// RequestsPerSecond is the per-key refill rate.
	RequestsPerSecond float64
	// BurstCapacity is the per-key bucket depth.
	BurstCapacity int64
	// WindowSecs sizes the observational sliding window.
	WindowSecs int
	// GlobalMultiplier scales the per-key rate into the system-wide bucket.
	// <= 0 disables the global cap.
	GlobalMultiplier float64
	// TenancyEnabled keys admission by tenant and enforces tier quotas.
	TenancyEnabled bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstCapacity:     200,
		WindowSecs:        60,
		GlobalMultiplier:  10,
		TenancyEnabled:    true,
	}
}

// Controller is the admission front door: it resolves the rate key, applies
// tenant quotas, and gates through the token buckets.
type Controller struct {
	logger  Logger
	limiter *Limiter
	tenants *Manager
	tenancy bool
}

// NewController builds the admission layer from cfg.
func NewController(cfg Config, logger Logger) *Controller {
	return &Controller{
		logger:  logger,
		limiter: NewLimiter(cfg, logger),
		tenants: NewManager(logger),
		tenancy: cfg.TenancyEnabled,
	}
}

// Limiter exposes the rate limiter for stats and ops surfaces.
func (c *Controller) Limiter() *Limiter { return c.limiter }

// Tenants exposes the tenant manager for admin surfaces.
func (c *Controller) Tenants() *Manager { return c.tenants }

// TenancyEnabled reports whether tenant keying is active.
func (c *Controller) TenancyEnabled() bool { return c.tenancy }

// CreateTenant registers a tenant and wires its tier rate into the limiter.
func (c *Controller) CreateTenant(id, name string, tier Tier) *Tenant {
	tenant := c.tenants.CreateTenant(id, name, tier)
	c.applyTierRate(id, tier)
	return tenant
}

// UpdateTenantTier moves a tenant to a new tier and refreshes its rate.
func (c *Controller) UpdateTenantTier(id string, tier Tier) error {
	if err := c.tenants.UpdateTier(id, tier); err != nil {
		return err
	}
	c.applyTierRate(id, tier)
	return nil
}

// DeleteTenant removes a tenant and its rate override.
func (c *Controller) DeleteTenant(id string) bool {
	c.limiter.RemoveKeyRate(id)
	return c.tenants.Delete(id)
}

func (c *Controller) applyTierRate(id string, tier Tier) {
	q := tier.Quotas()
	c.limiter.SetKeyRate(id, q.MaxRPS, q.MaxRPS*2)
}

// ResolveTenant returns the tenant a message belongs to: the agent's
// binding first, then the tenant_id metadata field, else empty.
func (c *Controller) ResolveTenant(msg *protocol.Message) string {
	if id, ok := c.tenants.AgentTenant(msg.AgentID); ok {
		return id
	}
	return msg.Metadata[tenantMetadataKey]
}

// Admit runs the full admission sequence for a message. On success it
// returns a release function that must be called exactly once when the
// request settles; release is idempotent. On denial nothing is held.
//
// Sequence: resolve tenant → suspension and daily-token checks → concurrency
// slot → token buckets. The slot is returned if the buckets deny.
func (c *Controller) Admit(msg *protocol.Message) (func(), error) {
	key := msg.AgentID
	tenantID := ""

	if c.tenancy {
		if tenantID = c.ResolveTenant(msg); tenantID != "" {
			key = tenantID
			if !c.tenants.Has(tenantID) {
				c.CreateTenant(tenantID, tenantID, TierFree)
				if c.logger != nil {
					c.logger.Info("tenant_auto_created", "tenant_id", tenantID)
				}
			}
			if err := c.tenants.CheckActive(tenantID); err != nil {
				return nil, err
			}
			if err := c.tenants.CheckDailyBudget(tenantID, msg.EstimatedCostTokens); err != nil {
				return nil, err
			}
			if err := c.tenants.AcquireSlot(tenantID); err != nil {
				return nil, err
			}
		}
	}

	if err := c.limiter.Admit(key); err != nil {
		if tenantID != "" {
			c.tenants.ReleaseSlot(tenantID)
		}
		return nil, err
	}

	if tenantID == "" {
		return func() {}, nil
	}
	var once sync.Once
	id := tenantID
	return func() {
		once.Do(func() { c.tenants.ReleaseSlot(id) })
	}, nil
}

// OnCommit charges committed tokens against the owning tenant's daily
// counters. No-op when tenancy is disabled or the message has no tenant.
func (c *Controller) OnCommit(msg *protocol.Message, tokensUsed int64) {
	if !c.tenancy {
		return
	}
	tenantID := c.ResolveTenant(msg)
	if tenantID == "" {
		return
	}
	c.tenants.RecordUsage(tenantID, tokensUsed)
}

// Stats merges limiter and tenant counters.
func (c *Controller) Stats() map[string]any {
	stats := c.limiter.Stats()
	for k, v := range c.tenants.Stats() {
		stats[k] = v
	}
	stats["tenancy_enabled"] = c.tenancy
	return stats
}
