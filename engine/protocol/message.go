package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// MaxPayloadBytes is the upper bound on message payload size.
const MaxPayloadBytes = 1 << 20

// agentIDPattern constrains agent identifiers to lowercase alphanumerics plus _ and -.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// =============================================================================
// Hex Bytes
// =============================================================================

// HexBytes is a byte slice that marshals to a hex string on the wire.
type HexBytes []byte

// MarshalJSON encodes the bytes as a hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON decodes a hex string into bytes.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("payload is not valid hex: %w", err)
	}
	*h = decoded
	return nil
}

// =============================================================================
// Message
// =============================================================================

// Message is a unit of work submitted by an agent: an opaque payload plus
// the economic and scheduling metadata the engine dispatches on.
type Message struct {
	AgentID             string            `json:"agent_id"`
	MessageID           string            `json:"message_id"`
	Payload             HexBytes          `json:"payload"`
	EstimatedCostTokens int64             `json:"estimated_cost_tokens"`
	BudgetTokens        int64             `json:"budget_tokens"`
	DeadlineMS          int64             `json:"deadline_ms"`
	TaskGraphID         string            `json:"task_graph_id,omitempty"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	Priority            int               `json:"priority"`
	DedupContext        string            `json:"dedup_context,omitempty"`
	TraceID             string            `json:"trace_id"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Timestamp           int64             `json:"timestamp"`
}

// NewMessage creates a message with generated identifiers and defaults:
// priority 50, budget 1000 tokens, deadline 60 seconds out.
func NewMessage(agentID string, payload []byte) *Message {
	now := time.Now()
	return &Message{
		AgentID:      agentID,
		MessageID:    NewID(),
		Payload:      payload,
		BudgetTokens: 1000,
		DeadlineMS:   now.Add(60*time.Second).UnixNano() / int64(time.Millisecond),
		Priority:     50,
		TraceID:      NewID(),
		Timestamp:    now.UnixNano(),
	}
}

// NewID returns a time-ordered UUIDv7 string, falling back to a random UUID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks the structural rules for a message. The first violation is
// returned as a typed validation error; no engine state is touched.
func (m *Message) Validate() error {
	if m.AgentID == "" {
		return errors.Validation("agent_id", "must not be empty")
	}
	if !agentIDPattern.MatchString(m.AgentID) {
		return errors.Validation("agent_id", "must match ^[a-z0-9_-]+$")
	}
	if m.MessageID == "" {
		return errors.Validation("message_id", "must not be empty")
	}
	if len(m.Payload) > MaxPayloadBytes {
		return errors.Validation("payload", fmt.Sprintf("exceeds %d bytes", MaxPayloadBytes))
	}
	if m.BudgetTokens <= 0 {
		return errors.Validation("budget_tokens", "must be positive")
	}
	if m.EstimatedCostTokens < 0 {
		return errors.Validation("estimated_cost_tokens", "must not be negative")
	}
	if m.DeadlineMS != 0 && m.DeadlineMS <= time.Now().UnixMilli() {
		return errors.Validation("deadline_ms", "must be in the future")
	}
	if m.Priority < 0 || m.Priority > 100 {
		return errors.Validation("priority", "must be within [0, 100]")
	}
	return nil
}

// Deadline converts DeadlineMS to a time.Time; the zero value means no deadline.
func (m *Message) Deadline() time.Time {
	if m.DeadlineMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.DeadlineMS)
}

// Expired reports whether the message deadline has already elapsed.
func (m *Message) Expired(now time.Time) bool {
	return m.DeadlineMS != 0 && !now.Before(time.UnixMilli(m.DeadlineMS))
}

// DedupKey derives the 32-byte content key over payload plus dedup context.
// The second return is false when the message opts out of deduplication.
func (m *Message) DedupKey() ([32]byte, bool) {
	if m.DedupContext == "" {
		return [32]byte{}, false
	}
	h := blake3.New(32, nil)
	h.Write(m.Payload)
	h.Write([]byte(m.DedupContext))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key, true
}

// Class returns the scheduling class for the message priority.
func (m *Message) Class() PriorityClass {
	return ClassForPriority(m.Priority)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(HexBytes, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}
	if m.Dependencies != nil {
		clone.Dependencies = make([]string, len(m.Dependencies))
		copy(clone.Dependencies, m.Dependencies)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// =============================================================================
// Acknowledgment
// =============================================================================

// Acknowledgment is the synchronous result of a message submission.
type Acknowledgment struct {
	OriginalMessageID   string    `json:"original_message_id"`
	Status              AckStatus `json:"status"`
	TokensUsed          int64     `json:"tokens_used"`
	ProcessingLatencyMS int64     `json:"processing_latency_ms"`
	Error               string    `json:"error,omitempty"`
	Result              HexBytes  `json:"result,omitempty"`
}

// NewSuccessAck creates a successful acknowledgment.
func NewSuccessAck(messageID string, tokensUsed, latencyMS int64, result []byte) *Acknowledgment {
	return &Acknowledgment{
		OriginalMessageID:   messageID,
		Status:              AckStatusSuccess,
		TokensUsed:          tokensUsed,
		ProcessingLatencyMS: latencyMS,
		Result:              result,
	}
}

// NewFailedAck creates a failed acknowledgment carrying the error text.
func NewFailedAck(messageID string, latencyMS int64, err error) *Acknowledgment {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Acknowledgment{
		OriginalMessageID:   messageID,
		Status:              AckStatusFailed,
		ProcessingLatencyMS: latencyMS,
		Error:               msg,
	}
}

// Clone returns a deep copy of the acknowledgment.
func (a *Acknowledgment) Clone() *Acknowledgment {
	clone := *a
	if a.Result != nil {
		clone.Result = make(HexBytes, len(a.Result))
		copy(clone.Result, a.Result)
	}
	return &clone
}

// =============================================================================
// Endpoint Metrics
// =============================================================================

// EndpointMetrics describes a backing inference endpoint and its live stats.
type EndpointMetrics struct {
	EndpointID      string       `json:"endpoint_id"`
	Capacity        int64        `json:"capacity"`
	CurrentLoad     int64        `json:"current_load"`
	CostPer1KTokens float64      `json:"cost_per_1k_tokens"`
	LatencyP99MS    float64      `json:"latency_p99_ms"`
	ErrorRate       float64      `json:"error_rate"`
	HealthStatus    HealthStatus `json:"health_status"`
	LastHealthCheck int64        `json:"last_health_check"`
}

// CanAccept reports whether the endpoint may take another in-flight dispatch.
func (e *EndpointMetrics) CanAccept() bool {
	return e.HealthStatus != HealthStatusUnhealthy && e.CurrentLoad < e.Capacity
}

// Clone returns a copy of the endpoint metrics.
func (e *EndpointMetrics) Clone() *EndpointMetrics {
	clone := *e
	return &clone
}

// =============================================================================
// Budget Info
// =============================================================================

// BudgetInfo is the externally visible view of an agent budget.
type BudgetInfo struct {
	AgentID         string  `json:"agent_id"`
	InitialTokens   int64   `json:"initial_tokens"`
	RemainingTokens int64   `json:"remaining_tokens"`
	ConsumptionRate float64 `json:"consumption_rate"`
	ResetAt         int64   `json:"reset_at"`
}

// UtilizationPercent returns the spent fraction of the budget as a percentage.
func (b *BudgetInfo) UtilizationPercent() float64 {
	if b.InitialTokens <= 0 {
		return 0
	}
	spent := b.InitialTokens - b.RemainingTokens
	return float64(spent) / float64(b.InitialTokens) * 100.0
}

// =============================================================================
// Routing Decision
// =============================================================================

// ScoreBreakdown holds the per-component routing scores for one endpoint.
type ScoreBreakdown struct {
	CostScore    float64 `json:"cost_score"`
	LoadScore    float64 `json:"load_score"`
	LatencyScore float64 `json:"latency_score"`
	TotalScore   float64 `json:"total_score"`
}

// RoutingDecision is the router's verdict for one message.
type RoutingDecision struct {
	MessageID          string         `json:"message_id"`
	TargetEndpoint     string         `json:"target_endpoint"`
	EstimatedLatencyMS float64        `json:"estimated_latency_ms"`
	EstimatedCost      float64        `json:"estimated_cost"`
	RoutingReason      string         `json:"routing_reason"`
	FallbackEndpoints  []string       `json:"fallback_endpoints"`
	ScoreBreakdown     ScoreBreakdown `json:"score_breakdown"`
}
