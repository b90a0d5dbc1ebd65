// Package protocol defines the AiMesh data model: messages, acknowledgments,
// endpoint metrics, budgets, and routing decisions.
//
// All types carry snake_case JSON tags matching the wire surface consumed by
// the SDK clients. Mutation of shared instances goes through the owning
// subsystem (registry, ledger); callers receive clones.
package protocol

import (
	"fmt"
	"strings"
)

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus represents the health of an inference endpoint.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the endpoint is accepting traffic.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates elevated error rate; still routable with a score penalty.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the endpoint is excluded from routing.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthStatusFromString parses a health status string.
func HealthStatusFromString(value string) (HealthStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "healthy":
		return HealthStatusHealthy, nil
	case "degraded":
		return HealthStatusDegraded, nil
	case "unhealthy":
		return HealthStatusUnhealthy, nil
	default:
		return "", fmt.Errorf("invalid health status '%s'. Must be one of: healthy, degraded, unhealthy", value)
	}
}

// IsRoutable returns true if endpoints in this state may receive traffic.
func (s HealthStatus) IsRoutable() bool {
	return s == HealthStatusHealthy || s == HealthStatusDegraded
}

// =============================================================================
// Acknowledgment Status
// =============================================================================

// AckStatus represents the terminal outcome of a message.
type AckStatus string

const (
	// AckStatusSuccess indicates the message executed and was charged.
	AckStatusSuccess AckStatus = "success"
	// AckStatusFailed indicates the message did not execute or execution failed.
	AckStatusFailed AckStatus = "failed"
)

// AckStatusFromString parses an acknowledgment status string.
func AckStatusFromString(value string) (AckStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "success":
		return AckStatusSuccess, nil
	case "failed":
		return AckStatusFailed, nil
	default:
		return "", fmt.Errorf("invalid ack status '%s'. Must be one of: success, failed", value)
	}
}

// IsSuccess returns true for successful acknowledgments.
func (s AckStatus) IsSuccess() bool {
	return s == AckStatusSuccess
}

// =============================================================================
// Priority Classes
// =============================================================================

// PriorityClass buckets message priorities into scheduler queues.
type PriorityClass string

const (
	// PriorityClassHigh covers priorities 75-100.
	PriorityClassHigh PriorityClass = "high"
	// PriorityClassNormal covers priorities 25-74.
	PriorityClassNormal PriorityClass = "normal"
	// PriorityClassLow covers priorities 0-24.
	PriorityClassLow PriorityClass = "low"
)

// ClassForPriority maps a numeric priority to its scheduling class.
func ClassForPriority(priority int) PriorityClass {
	switch {
	case priority >= 75:
		return PriorityClassHigh
	case priority >= 25:
		return PriorityClassNormal
	default:
		return PriorityClassLow
	}
}
