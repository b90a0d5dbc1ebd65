// Package protocol provides tests for the data model.
package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// =============================================================================
// MESSAGE CONSTRUCTION TESTS
// =============================================================================

func TestNewMessage_Defaults(t *testing.T) {
	msg := NewMessage("agent-1", []byte("hello"))

	assert.Equal(t, "agent-1", msg.AgentID)
	assert.NotEmpty(t, msg.MessageID)
	assert.NotEmpty(t, msg.TraceID)
	assert.NotEqual(t, msg.MessageID, msg.TraceID)
	assert.Equal(t, 50, msg.Priority)
	assert.Equal(t, int64(1000), msg.BudgetTokens)
	assert.Greater(t, msg.DeadlineMS, time.Now().UnixMilli())
	assert.Greater(t, msg.Timestamp, int64(0))
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	first := NewMessage("agent-1", nil)
	second := NewMessage("agent-1", nil)

	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.NotEqual(t, first.TraceID, second.TraceID)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestMessage_Validate_Accepts(t *testing.T) {
	msg := NewMessage("agent_01-x", []byte("payload"))
	require.NoError(t, msg.Validate())
}

func TestMessage_Validate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		field  string
	}{
		{"empty agent", func(m *Message) { m.AgentID = "" }, "agent_id"},
		{"uppercase agent", func(m *Message) { m.AgentID = "Agent1" }, "agent_id"},
		{"agent with space", func(m *Message) { m.AgentID = "agent one" }, "agent_id"},
		{"agent with dot", func(m *Message) { m.AgentID = "agent.one" }, "agent_id"},
		{"missing message id", func(m *Message) { m.MessageID = "" }, "message_id"},
		{"oversized payload", func(m *Message) { m.Payload = make([]byte, MaxPayloadBytes+1) }, "payload"},
		{"zero budget", func(m *Message) { m.BudgetTokens = 0 }, "budget_tokens"},
		{"negative budget", func(m *Message) { m.BudgetTokens = -5 }, "budget_tokens"},
		{"negative estimate", func(m *Message) { m.EstimatedCostTokens = -1 }, "estimated_cost_tokens"},
		{"past deadline", func(m *Message) { m.DeadlineMS = time.Now().Add(-time.Second).UnixMilli() }, "deadline_ms"},
		{"priority above range", func(m *Message) { m.Priority = 101 }, "priority"},
		{"priority below range", func(m *Message) { m.Priority = -1 }, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage("agent-1", []byte("x"))
			tt.mutate(msg)

			err := msg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestMessage_Validate_ZeroDeadlineMeansNone(t *testing.T) {
	msg := NewMessage("agent-1", []byte("x"))
	msg.DeadlineMS = 0
	require.NoError(t, msg.Validate())
	assert.True(t, msg.Deadline().IsZero())
	assert.False(t, msg.Expired(time.Now()))
}

func TestMessage_Validate_PayloadAtLimit(t *testing.T) {
	msg := NewMessage("agent-1", make([]byte, MaxPayloadBytes))
	require.NoError(t, msg.Validate())
}

// =============================================================================
// DEDUP KEY TESTS
// =============================================================================

func TestMessage_DedupKey_BypassWithoutContext(t *testing.T) {
	msg := NewMessage("agent-1", []byte("same payload"))
	_, ok := msg.DedupKey()
	assert.False(t, ok)
}

func TestMessage_DedupKey_Deterministic(t *testing.T) {
	a := NewMessage("agent-1", []byte("same payload"))
	a.DedupContext = "ctx"
	b := NewMessage("agent-2", []byte("same payload"))
	b.DedupContext = "ctx"

	keyA, okA := a.DedupKey()
	keyB, okB := b.DedupKey()
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, keyA, keyB)
}

func TestMessage_DedupKey_ContextPartitions(t *testing.T) {
	a := NewMessage("agent-1", []byte("same payload"))
	a.DedupContext = "ctx-a"
	b := NewMessage("agent-1", []byte("same payload"))
	b.DedupContext = "ctx-b"

	keyA, _ := a.DedupKey()
	keyB, _ := b.DedupKey()
	assert.NotEqual(t, keyA, keyB)
}

// =============================================================================
// PRIORITY CLASS TESTS
// =============================================================================

func TestClassForPriority(t *testing.T) {
	tests := []struct {
		priority int
		expected PriorityClass
	}{
		{0, PriorityClassLow},
		{24, PriorityClassLow},
		{25, PriorityClassNormal},
		{50, PriorityClassNormal},
		{74, PriorityClassNormal},
		{75, PriorityClassHigh},
		{100, PriorityClassHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClassForPriority(tt.priority), "priority %d", tt.priority)
	}
}

// =============================================================================
// CLONE TESTS
// =============================================================================

func TestMessage_Clone_Isolated(t *testing.T) {
	msg := NewMessage("agent-1", []byte("data"))
	msg.Dependencies = []string{"dep-1"}
	msg.Metadata = map[string]string{"k": "v"}

	clone := msg.Clone()
	clone.Payload[0] = 'X'
	clone.Dependencies[0] = "changed"
	clone.Metadata["k"] = "changed"

	assert.Equal(t, byte('d'), msg.Payload[0])
	assert.Equal(t, "dep-1", msg.Dependencies[0])
	assert.Equal(t, "v", msg.Metadata["k"])
}

func TestEndpointMetrics_Clone(t *testing.T) {
	ep := &EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: HealthStatusHealthy}
	clone := ep.Clone()
	clone.CurrentLoad = 5
	assert.Equal(t, int64(0), ep.CurrentLoad)
}

// =============================================================================
// ENDPOINT ELIGIBILITY TESTS
// =============================================================================

func TestEndpointMetrics_CanAccept(t *testing.T) {
	tests := []struct {
		name     string
		ep       EndpointMetrics
		expected bool
	}{
		{"healthy with room", EndpointMetrics{Capacity: 10, CurrentLoad: 5, HealthStatus: HealthStatusHealthy}, true},
		{"degraded with room", EndpointMetrics{Capacity: 10, CurrentLoad: 5, HealthStatus: HealthStatusDegraded}, true},
		{"unhealthy", EndpointMetrics{Capacity: 10, CurrentLoad: 0, HealthStatus: HealthStatusUnhealthy}, false},
		{"saturated", EndpointMetrics{Capacity: 10, CurrentLoad: 10, HealthStatus: HealthStatusHealthy}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ep.CanAccept())
		})
	}
}

// =============================================================================
// ACKNOWLEDGMENT TESTS
// =============================================================================

func TestNewSuccessAck(t *testing.T) {
	ack := NewSuccessAck("m1", 7, 120, []byte("result"))
	assert.Equal(t, AckStatusSuccess, ack.Status)
	assert.True(t, ack.Status.IsSuccess())
	assert.Equal(t, int64(7), ack.TokensUsed)
	assert.Empty(t, ack.Error)
}

func TestNewFailedAck(t *testing.T) {
	ack := NewFailedAck("m1", 5, errors.NoEndpointAvailable())
	assert.Equal(t, AckStatusFailed, ack.Status)
	assert.Contains(t, ack.Error, "no_endpoint_available")
	assert.Zero(t, ack.TokensUsed)
}

// =============================================================================
// BUDGET INFO TESTS
// =============================================================================

func TestBudgetInfo_UtilizationPercent(t *testing.T) {
	info := &BudgetInfo{InitialTokens: 1000, RemainingTokens: 250}
	assert.InDelta(t, 75.0, info.UtilizationPercent(), 0.001)

	empty := &BudgetInfo{}
	assert.Zero(t, empty.UtilizationPercent())
}

// =============================================================================
// WIRE FORMAT TESTS
// =============================================================================

func TestMessage_JSONWireFormat(t *testing.T) {
	msg := NewMessage("agent-1", []byte{0xde, 0xad})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `"agent_id":"agent-1"`)
	assert.Contains(t, text, `"payload":"dead"`)
	assert.Contains(t, text, `"budget_tokens":1000`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestHexBytes_RejectsInvalidHex(t *testing.T) {
	var h HexBytes
	err := h.UnmarshalJSON([]byte(`"zz"`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "hex"))
}

// =============================================================================
// ENUM PARSING TESTS
// =============================================================================

func TestHealthStatusFromString(t *testing.T) {
	status, err := HealthStatusFromString(" Healthy ")
	require.NoError(t, err)
	assert.Equal(t, HealthStatusHealthy, status)
	assert.True(t, status.IsRoutable())

	_, err = HealthStatusFromString("offline")
	assert.Error(t, err)
}

func TestAckStatusFromString(t *testing.T) {
	status, err := AckStatusFromString("FAILED")
	require.NoError(t, err)
	assert.Equal(t, AckStatusFailed, status)

	_, err = AckStatusFromString("maybe")
	assert.Error(t, err)
}
