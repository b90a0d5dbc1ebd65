// Package registry tracks inference endpoints for routing.
//
// Features:
//   - Endpoint registration and discovery
//   - Health tracking with a consecutive-failure breaker
//   - In-flight load accounting
//   - Point-in-time snapshots for the router
package registry

import (
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Registry
// =============================================================================

// entry pairs endpoint metrics with breaker bookkeeping.
type entry struct {
	metrics             *protocol.EndpointMetrics
	consecutiveFailures int
	lastFailure         time.Time
	lastSuccess         time.Time
}

// Registry manages endpoint registration, health, and load.
// Thread-safe; snapshots are deep copies so callers never see torn fields.
//
// Usage:
//
//	reg := registry.New(3, 30*time.Second, logger)
//	reg.Register(&protocol.EndpointMetrics{EndpointID: "openai-gpt4", Capacity: 1000})
//	eps := reg.Snapshot()
type Registry struct {
	logger Logger

	failureThreshold int
	cooldown         time.Duration

	endpoints map[string]*entry

	mu sync.RWMutex
}

// New creates an endpoint registry. failureThreshold is the consecutive
// failure count that marks an endpoint Unhealthy; cooldown is how long a
// recovering endpoint stays Degraded before returning to Healthy.
func New(failureThreshold int, cooldown time.Duration, logger Logger) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Registry{
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		endpoints:        make(map[string]*entry),
	}
}

// =============================================================================
// Registration
// =============================================================================

// Register upserts an endpoint. Returns true when the endpoint is new,
// false when an existing registration was replaced.
func (r *Registry) Register(m *protocol.EndpointMetrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.LastHealthCheck == 0 {
		m.LastHealthCheck = time.Now().UnixMilli()
	}
	if m.HealthStatus == "" {
		m.HealthStatus = protocol.HealthStatusHealthy
	}

	_, existed := r.endpoints[m.EndpointID]
	r.endpoints[m.EndpointID] = &entry{metrics: m.Clone()}

	if r.logger != nil {
		if existed {
			r.logger.Info("endpoint_replaced", "endpoint_id", m.EndpointID, "capacity", m.Capacity)
		} else {
			r.logger.Info("endpoint_registered",
				"endpoint_id", m.EndpointID,
				"capacity", m.Capacity,
				"cost_per_1k_tokens", m.CostPer1KTokens,
			)
		}
	}

	metrics.SetEndpointLoad(m.EndpointID, m.CurrentLoad)
	return !existed
}

// Remove unregisters an endpoint. Returns true if it was present.
func (r *Registry) Remove(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[endpointID]; !exists {
		return false
	}
	delete(r.endpoints, endpointID)

	if r.logger != nil {
		r.logger.Info("endpoint_removed", "endpoint_id", endpointID)
	}
	return true
}

// UpdateMetrics replaces the reported stats for an endpoint, keeping the
// live load counter and health bookkeeping. Returns false if unknown.
func (r *Registry) UpdateMetrics(endpointID string, m *protocol.EndpointMetrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return false
	}

	load := e.metrics.CurrentLoad
	health := e.metrics.HealthStatus
	e.metrics = m.Clone()
	e.metrics.EndpointID = endpointID
	e.metrics.CurrentLoad = load
	e.metrics.HealthStatus = health
	e.metrics.LastHealthCheck = time.Now().UnixMilli()

	if r.logger != nil {
		r.logger.Debug("endpoint_metrics_updated",
			"endpoint_id", endpointID,
			"latency_p99_ms", m.LatencyP99MS,
			"error_rate", m.ErrorRate,
		)
	}
	return true
}

// =============================================================================
// Discovery
// =============================================================================

// Get returns a copy of one endpoint, or nil if unknown.
func (r *Registry) Get(endpointID string) *protocol.EndpointMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, exists := r.endpoints[endpointID]; exists {
		return e.metrics.Clone()
	}
	return nil
}

// Snapshot returns a point-in-time copy of every endpoint.
// The router filters and scores this view without holding registry locks.
func (r *Registry) Snapshot() []*protocol.EndpointMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*protocol.EndpointMetrics, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		result = append(result, e.metrics.Clone())
	}
	return result
}

// EndpointIDs returns all registered endpoint IDs.
func (r *Registry) EndpointIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Has checks whether an endpoint is registered.
func (r *Registry) Has(endpointID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.endpoints[endpointID]
	return exists
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// =============================================================================
// Health Management
// =============================================================================

// MarkHealth sets the health status of an endpoint explicitly.
// Returns false if the endpoint is unknown.
func (r *Registry) MarkHealth(endpointID string, status protocol.HealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return false
	}

	e.metrics.HealthStatus = status
	e.metrics.LastHealthCheck = time.Now().UnixMilli()
	if status == protocol.HealthStatusHealthy {
		e.consecutiveFailures = 0
	}

	if r.logger != nil {
		r.logger.Info("endpoint_health_marked",
			"endpoint_id", endpointID,
			"status", string(status),
		)
	}
	return true
}

// HealthyCount returns the number of endpoints eligible for routing.
func (r *Registry) HealthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.endpoints {
		if e.metrics.HealthStatus.IsRoutable() {
			count++
		}
	}
	return count
}

// =============================================================================
// Load Management
// =============================================================================

// IncrementLoad takes an in-flight slot on an endpoint.
// Returns false if the endpoint is unknown, Unhealthy, or at capacity.
func (r *Registry) IncrementLoad(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists || !e.metrics.CanAccept() {
		return false
	}

	e.metrics.CurrentLoad++
	metrics.SetEndpointLoad(endpointID, e.metrics.CurrentLoad)
	return true
}

// DecrementLoad releases an in-flight slot. The counter never goes below zero.
func (r *Registry) DecrementLoad(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return
	}

	if e.metrics.CurrentLoad > 0 {
		e.metrics.CurrentLoad--
	}
	metrics.SetEndpointLoad(endpointID, e.metrics.CurrentLoad)
}

// Load returns the current in-flight count, or -1 if unknown.
func (r *Registry) Load(endpointID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return -1
	}
	return e.metrics.CurrentLoad
}

// =============================================================================
// Statistics
// =============================================================================

// Stats returns aggregate registry statistics.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var totalLoad, totalCapacity int64
	healthy := 0
	unhealthy := 0

	for _, e := range r.endpoints {
		totalLoad += e.metrics.CurrentLoad
		totalCapacity += e.metrics.Capacity
		if e.metrics.HealthStatus.IsRoutable() {
			healthy++
		} else {
			unhealthy++
		}
	}

	return map[string]any{
		"total_endpoints":     len(r.endpoints),
		"routable_endpoints":  healthy,
		"unhealthy_endpoints": unhealthy,
		"total_load":          totalLoad,
		"total_capacity":      totalCapacity,
	}
}
