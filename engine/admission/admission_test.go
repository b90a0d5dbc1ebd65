package admission

import (
	"testing"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

func testMessage(agentID string) *protocol.Message {
	return protocol.NewMessage(agentID, []byte("payload"))
}

func testTenantMessage(agentID, tenantID string) *protocol.Message {
	msg := testMessage(agentID)
	msg.Metadata = map[string]string{"tenant_id": tenantID}
	return msg
}

func TestController_TenancyDisabledKeysByAgent(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstCapacity = 1
	cfg.TenancyEnabled = false
	ctrl := NewController(cfg, nil)

	release, err := ctrl.Admit(testMessage("agent-a"))
	if err != nil {
		t.Fatalf("first admit for agent-a: %v", err)
	}
	release()

	if _, err := ctrl.Admit(testMessage("agent-a")); !errors.IsKind(err, errors.KindRateLimited) {
		t.Fatalf("agent-a should be exhausted, got %v", err)
	}
	if _, err := ctrl.Admit(testMessage("agent-b")); err != nil {
		t.Errorf("agent-b keys its own bucket, got %v", err)
	}
}

func TestController_TenancyKeysByTenant(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1000
	cfg.BurstCapacity = 1000
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	// Starter tier rate: 50 rps, burst 100. Two agents bound to the same
	// tenant drain one shared bucket.
	ctrl.CreateTenant("acme", "Acme", TierStarter)
	ctrl.Tenants().RegisterAgent("agent-a", "acme")
	ctrl.Tenants().RegisterAgent("agent-b", "acme")

	for i := 0; i < 100; i++ {
		agent := "agent-a"
		if i%2 == 1 {
			agent = "agent-b"
		}
		release, err := ctrl.Admit(testMessage(agent))
		if err != nil {
			t.Fatalf("admit %d within tenant burst: %v", i, err)
		}
		release()
	}

	if _, err := ctrl.Admit(testMessage("agent-a")); !errors.IsKind(err, errors.KindRateLimited) {
		t.Fatalf("shared tenant bucket should be exhausted, got %v", err)
	}
}

func TestController_AutoCreatesTenantFromMetadata(t *testing.T) {
	logger := &testLogger{}
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, logger)

	release, err := ctrl.Admit(testTenantMessage("agent-a", "newco"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	defer release()

	tenant, ok := ctrl.Tenants().Get("newco")
	if !ok {
		t.Fatal("tenant should have been auto-created")
	}
	if tenant.Tier != TierFree {
		t.Errorf("auto-created tier = %s, want free", tenant.Tier)
	}
	if !logger.has("tenant_auto_created") {
		t.Error("expected tenant_auto_created event")
	}
}

func TestController_SuspendedTenantRejected(t *testing.T) {
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierFree)
	ctrl.Tenants().Suspend("acme")

	_, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
	if !errors.IsKind(err, errors.KindTenantQuotaExceeded) {
		t.Fatalf("suspended tenant should be rejected, got %v", err)
	}
}

func TestController_ConcurrencyCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1000
	cfg.BurstCapacity = 1000
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierFree) // 10 concurrent
	ctrl.Limiter().SetKeyRate("acme", 0, 0)     // isolate the slot ceiling

	var releases []func()
	for i := 0; i < 10; i++ {
		release, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
		if err != nil {
			t.Fatalf("admit %d within ceiling: %v", i, err)
		}
		releases = append(releases, release)
	}

	_, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
	if !errors.IsKind(err, errors.KindTenantQuotaExceeded) {
		t.Fatalf("11th in-flight request should be rejected, got %v", err)
	}

	releases[0]()
	if release, err := ctrl.Admit(testTenantMessage("agent-a", "acme")); err != nil {
		t.Errorf("released slot should readmit, got %v", err)
	} else {
		release()
	}

	// Releasing twice must not free a second slot.
	releases[1]()
	releases[1]()
	usage, _ := ctrl.Tenants().Usage("acme")
	if usage.Concurrent != 8 {
		t.Errorf("concurrent = %d, want 8", usage.Concurrent)
	}
}

func TestController_RateDenialReturnsSlot(t *testing.T) {
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierFree)
	ctrl.Limiter().SetKeyRate("acme", 0.5, 1)

	release, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	release()

	_, err = ctrl.Admit(testTenantMessage("agent-a", "acme"))
	if !errors.IsKind(err, errors.KindRateLimited) {
		t.Fatalf("second admit should be rate limited, got %v", err)
	}

	usage, _ := ctrl.Tenants().Usage("acme")
	if usage.Concurrent != 0 {
		t.Errorf("slot should be returned on rate denial, concurrent = %d", usage.Concurrent)
	}
}

func TestController_DailyExhaustionReportsBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierFree) // 10k tokens/day
	msg := testTenantMessage("agent-a", "acme")

	ctrl.OnCommit(msg, 10_000)

	_, err := ctrl.Admit(msg)
	if !errors.IsKind(err, errors.KindBudgetExceeded) {
		t.Fatalf("exhausted daily tokens should report BudgetExceeded, got %v", err)
	}
}

func TestController_OnCommitChargesTenant(t *testing.T) {
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierPro)
	ctrl.Tenants().RegisterAgent("agent-a", "acme")

	ctrl.OnCommit(testMessage("agent-a"), 1234)

	usage, _ := ctrl.Tenants().Usage("acme")
	if usage.TokensToday != 1234 || usage.MessagesToday != 1 {
		t.Errorf("usage = %+v, want 1234 tokens / 1 message", usage)
	}
}

func TestController_UpdateTierRewiresRate(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1000
	cfg.BurstCapacity = 1000
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierEnterprise)
	for i := 0; i < 50; i++ {
		release, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
		if err != nil {
			t.Fatalf("enterprise admit %d: %v", i, err)
		}
		release()
	}

	if err := ctrl.UpdateTenantTier("acme", TierFree); err != nil {
		t.Fatalf("UpdateTenantTier: %v", err)
	}

	// Free tier: 10 rps, burst 20. Drain the burst and expect a denial.
	denied := false
	for i := 0; i < 30; i++ {
		release, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
		if err != nil {
			if !errors.IsKind(err, errors.KindRateLimited) {
				t.Fatalf("unexpected denial kind: %v", err)
			}
			denied = true
			break
		}
		release()
	}
	if !denied {
		t.Error("free tier rate should gate after the tier downgrade")
	}
}

func TestController_NoTenantFallsBackToAgentKey(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstCapacity = 1
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	release, err := ctrl.Admit(testMessage("floating-agent"))
	if err != nil {
		t.Fatalf("unbound agent should admit under its own key, got %v", err)
	}
	release()

	if _, err := ctrl.Admit(testMessage("floating-agent")); !errors.IsKind(err, errors.KindRateLimited) {
		t.Errorf("unbound agent should be gated by the default rate, got %v", err)
	}

	if ctrl.Tenants().Has("floating-agent") {
		t.Error("no tenant should be created for unbound agents")
	}
}

func TestController_Stats(t *testing.T) {
	cfg := testConfig()
	cfg.TenancyEnabled = true
	ctrl := NewController(cfg, nil)

	ctrl.CreateTenant("acme", "Acme", TierFree)
	release, err := ctrl.Admit(testTenantMessage("agent-a", "acme"))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	defer release()

	stats := ctrl.Stats()
	if got := stats["tenancy_enabled"].(bool); !got {
		t.Error("tenancy_enabled should be true")
	}
	if got := stats["total_tenants"].(int); got != 1 {
		t.Errorf("total_tenants = %d", got)
	}
	if got := stats["admitted"].(int64); got != 1 {
		t.Errorf("admitted = %d", got)
	}
}
