package registry

import (
	"time"

	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// =============================================================================
// Failure Breaker
// =============================================================================

// RecordFailure notes a failed execution against an endpoint.
//
// The first failure of a Healthy endpoint demotes it to Degraded; reaching
// the consecutive-failure threshold marks it Unhealthy and removes it from
// routing until a success is observed. It returns the endpoint's status
// after the record and whether this call changed it.
func (r *Registry) RecordFailure(endpointID string) (protocol.HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return "", false
	}

	e.consecutiveFailures++
	e.lastFailure = time.Now()
	e.metrics.LastHealthCheck = e.lastFailure.UnixMilli()

	before := e.metrics.HealthStatus
	switch {
	case e.consecutiveFailures >= r.failureThreshold:
		if e.metrics.HealthStatus != protocol.HealthStatusUnhealthy {
			e.metrics.HealthStatus = protocol.HealthStatusUnhealthy
			if r.logger != nil {
				r.logger.Warn("endpoint_marked_unhealthy",
					"endpoint_id", endpointID,
					"consecutive_failures", e.consecutiveFailures,
				)
			}
		}
	case e.metrics.HealthStatus == protocol.HealthStatusHealthy:
		e.metrics.HealthStatus = protocol.HealthStatusDegraded
		if r.logger != nil {
			r.logger.Warn("endpoint_degraded",
				"endpoint_id", endpointID,
				"consecutive_failures", e.consecutiveFailures,
			)
		}
	}
	return e.metrics.HealthStatus, e.metrics.HealthStatus != before
}

// RecordSuccess notes a successful execution against an endpoint.
//
// Success clears the failure streak. An Unhealthy endpoint steps back to
// Degraded rather than jumping straight to Healthy; a Degraded endpoint
// returns to Healthy once the cooldown since its last failure has passed.
// It returns the endpoint's status after the record and whether this call
// changed it.
func (r *Registry) RecordSuccess(endpointID string) (protocol.HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return "", false
	}

	e.consecutiveFailures = 0
	e.lastSuccess = time.Now()
	e.metrics.LastHealthCheck = e.lastSuccess.UnixMilli()

	before := e.metrics.HealthStatus
	switch e.metrics.HealthStatus {
	case protocol.HealthStatusUnhealthy:
		e.metrics.HealthStatus = protocol.HealthStatusDegraded
		if r.logger != nil {
			r.logger.Info("endpoint_recovering", "endpoint_id", endpointID)
		}
	case protocol.HealthStatusDegraded:
		if e.lastSuccess.Sub(e.lastFailure) >= r.cooldown {
			e.metrics.HealthStatus = protocol.HealthStatusHealthy
			if r.logger != nil {
				r.logger.Info("endpoint_recovered", "endpoint_id", endpointID)
			}
		}
	}
	return e.metrics.HealthStatus, e.metrics.HealthStatus != before
}

// ConsecutiveFailures returns the current failure streak, or -1 if unknown.
func (r *Registry) ConsecutiveFailures(endpointID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.endpoints[endpointID]
	if !exists {
		return -1
	}
	return e.consecutiveFailures
}
