// Bus message definitions for the dispatch plane.
//
// Categories:
//   - EVENT: fire-and-forget, fan-out to subscribers
//   - QUERY: request-response, single handler
//   - COMMAND: fire-and-forget, single handler

package eventbus

import (
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// =============================================================================
// Message Categories
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent is fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery is request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand is fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// Pipeline Events
// =============================================================================

// MessageCompleted is emitted once per settled message, success or failure;
// the acknowledgment carries the outcome.
// Subscribers: orchestrator (graph progression), journal.
type MessageCompleted struct {
	MessageID   string                   `json:"message_id"`
	AgentID     string                   `json:"agent_id"`
	TaskGraphID string                   `json:"task_graph_id,omitempty"`
	Endpoint    string                   `json:"endpoint,omitempty"`
	Ack         *protocol.Acknowledgment `json:"ack"`
}

// Category implements the Message interface.
func (m *MessageCompleted) Category() string { return string(MessageCategoryEvent) }

// EndpointHealthChanged is emitted when the registry breaker moves an
// endpoint between health states.
// Subscribers: journal, operational surfaces.
type EndpointHealthChanged struct {
	EndpointID          string                `json:"endpoint_id"`
	From                protocol.HealthStatus `json:"from"`
	To                  protocol.HealthStatus `json:"to"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
}

// Category implements the Message interface.
func (m *EndpointHealthChanged) Category() string { return string(MessageCategoryEvent) }

// GraphCompleted is emitted when a task graph's gather result is sealed.
type GraphCompleted struct {
	GraphID    string `json:"graph_id"`
	Messages   int    `json:"messages"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *GraphCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// Operational Queries
// =============================================================================

// GetEngineStats queries the live component statistics snapshot.
type GetEngineStats struct{}

// Category implements the Message interface.
func (m *GetEngineStats) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetEngineStats) IsQuery() {}

// EngineStatsResponse is the response for GetEngineStats.
type EngineStatsResponse struct {
	Sections map[string]map[string]any `json:"sections"`
}

// =============================================================================
// Operational Commands
// =============================================================================

// ResetDailyUsage resets tenant daily counters. An empty TenantID resets
// every tenant.
type ResetDailyUsage struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Category implements the Message interface.
func (m *ResetDailyUsage) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// Type Routing
// =============================================================================

// TypedMessage lets a message carry its own routing type, for types defined
// outside this package.
type TypedMessage interface {
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *MessageCompleted:
		return "MessageCompleted"
	case *EndpointHealthChanged:
		return "EndpointHealthChanged"
	case *GraphCompleted:
		return "GraphCompleted"
	case *GetEngineStats:
		return "GetEngineStats"
	case *ResetDailyUsage:
		return "ResetDailyUsage"
	default:
		return "Unknown"
	}
}
