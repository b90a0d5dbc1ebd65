package protocol

// =============================================================================
// Task Graph Summaries
// =============================================================================

// GraphStatus describes where a task graph is in its lifecycle.
type GraphStatus string

const (
	// GraphStatusRunning indicates pending or in-flight messages remain.
	GraphStatusRunning GraphStatus = "running"
	// GraphStatusComplete indicates every message reached a terminal state.
	GraphStatusComplete GraphStatus = "complete"
)

// MessageOutcome pairs a graph message with its terminal acknowledgment.
type MessageOutcome struct {
	MessageID string          `json:"message_id"`
	Ack       *Acknowledgment `json:"ack"`
}

// GatherResult is the combined outcome of a completed task graph. Outcomes
// are ordered by submission.
type GatherResult struct {
	GraphID    string           `json:"graph_id"`
	Status     GraphStatus      `json:"status"`
	Outcomes   []MessageOutcome `json:"outcomes"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	DurationMS int64            `json:"duration_ms"`
}

// Clone returns a deep copy of the gather result.
func (g *GatherResult) Clone() *GatherResult {
	clone := *g
	clone.Outcomes = make([]MessageOutcome, len(g.Outcomes))
	for i, o := range g.Outcomes {
		clone.Outcomes[i] = MessageOutcome{MessageID: o.MessageID}
		if o.Ack != nil {
			clone.Outcomes[i].Ack = o.Ack.Clone()
		}
	}
	return &clone
}
