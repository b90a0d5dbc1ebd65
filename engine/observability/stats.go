package observability

import (
	"context"
	"sync"

	"github.com/YASSERRMD/AiMesh/eventbus"
)

// StatsSource is anything that can report a flat diagnostics map. Every
// engine subsystem (registry, ledger, dedup cache, scheduler, dispatcher,
// admission, orchestrator) satisfies this.
type StatsSource interface {
	Stats() map[string]any
}

// StatsCollector aggregates per-subsystem stats into named sections and
// answers GetEngineStats queries on the bus.
type StatsCollector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{sources: make(map[string]StatsSource)}
}

// Register adds a named stats source. Re-registering a name replaces it.
func (c *StatsCollector) Register(name string, source StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = source
}

// Collect snapshots every registered source.
func (c *StatsCollector) Collect() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sections := make(map[string]map[string]any, len(c.sources))
	for name, source := range c.sources {
		sections[name] = source.Stats()
	}
	return sections
}

// RegisterHandler wires the collector to GetEngineStats queries on the bus.
func (c *StatsCollector) RegisterHandler(bus eventbus.Bus) error {
	return bus.RegisterHandler("GetEngineStats", func(ctx context.Context, msg eventbus.Message) (any, error) {
		return &eventbus.EngineStatsResponse{Sections: c.Collect()}, nil
	})
}
