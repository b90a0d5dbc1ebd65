// Package router picks the dispatch target for a message from a snapshot
// of endpoint metrics.
//
// Scoring is cost-aware and lower-is-better: each endpoint gets a weighted
// sum of its per-token cost, its load percentage, and its p99 latency.
// Degraded endpoints stay routable but carry an additive latency penalty
// proportional to their error rate. Selection is deterministic: the same
// snapshot and message always produce the same decision, with the endpoint
// ID as the tie-breaker on equal scores.
package router

import (
	"sort"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// Scoring weights. These are fixed engine-wide; tuning them re-shapes every
// routing decision, so they are constants rather than configuration.
const (
	costWeight    = 0.4
	loadWeight    = 0.3
	latencyWeight = 0.3

	// degradedPenalty scales error rate into latency-score points for
	// endpoints marked degraded.
	degradedPenalty = 50.0

	// dominantShare is the share of the total score a single component must
	// reach before it is considered to dominate the decision.
	dominantShare = 0.4

	// maxFallbacks caps the alternates carried on a decision.
	maxFallbacks = 3
)

// Routing reasons reported on decisions.
const (
	ReasonLowestCost  = "lowest-cost"
	ReasonLeastLoaded = "least-loaded"
	ReasonFastest     = "fastest"
	ReasonBalanced    = "balanced"
)

// Score computes the weighted score components for one endpoint.
// Degraded endpoints receive an additive penalty of
// degradedPenalty × error_rate × latencyWeight folded into the latency
// component.
func Score(m *protocol.EndpointMetrics) protocol.ScoreBreakdown {
	capacity := m.Capacity
	if capacity < 1 {
		capacity = 1
	}
	loadPct := float64(m.CurrentLoad) / float64(capacity) * 100.0

	b := protocol.ScoreBreakdown{
		CostScore:    m.CostPer1KTokens * costWeight,
		LoadScore:    loadPct * loadWeight,
		LatencyScore: m.LatencyP99MS * latencyWeight,
	}
	if m.HealthStatus == protocol.HealthStatusDegraded {
		b.LatencyScore += degradedPenalty * m.ErrorRate * latencyWeight
	}
	b.TotalScore = b.CostScore + b.LoadScore + b.LatencyScore
	return b
}

// Reason names the score component that explains the selection: the label
// of the smallest scaled component. When no component reaches a 40% share
// of the total the score has no dominant shape and the reason is
// ReasonBalanced.
func Reason(b protocol.ScoreBreakdown) string {
	if b.TotalScore <= 0 {
		return ReasonBalanced
	}
	lowest, reason := b.CostScore, ReasonLowestCost
	if b.LoadScore < lowest {
		lowest, reason = b.LoadScore, ReasonLeastLoaded
	}
	if b.LatencyScore < lowest {
		lowest, reason = b.LatencyScore, ReasonFastest
	}
	highest := b.CostScore
	if b.LoadScore > highest {
		highest = b.LoadScore
	}
	if b.LatencyScore > highest {
		highest = b.LatencyScore
	}
	if highest/b.TotalScore < dominantShare {
		return ReasonBalanced
	}
	return reason
}

type candidate struct {
	endpoint  *protocol.EndpointMetrics
	breakdown protocol.ScoreBreakdown
}

// Select scores every routable endpoint in the snapshot and returns the
// decision for msg. Endpoints that are unhealthy or at capacity are
// filtered out; an empty field after filtering yields NoEndpointAvailable.
// The runner-up endpoints, up to maxFallbacks, are carried as fallbacks in
// score order.
func Select(msg *protocol.Message, endpoints []*protocol.EndpointMetrics) (*protocol.RoutingDecision, error) {
	candidates := make([]candidate, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep == nil || !ep.CanAccept() {
			continue
		}
		candidates = append(candidates, candidate{endpoint: ep, breakdown: Score(ep)})
	}
	if len(candidates) == 0 {
		return nil, errors.NoEndpointAvailable()
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].breakdown.TotalScore, candidates[j].breakdown.TotalScore
		if si != sj {
			return si < sj
		}
		return candidates[i].endpoint.EndpointID < candidates[j].endpoint.EndpointID
	})

	best := candidates[0]
	fallbacks := make([]string, 0, maxFallbacks)
	for _, c := range candidates[1:] {
		if len(fallbacks) == maxFallbacks {
			break
		}
		fallbacks = append(fallbacks, c.endpoint.EndpointID)
	}

	reason := Reason(best.breakdown)
	decision := &protocol.RoutingDecision{
		MessageID:          msg.MessageID,
		TargetEndpoint:     best.endpoint.EndpointID,
		EstimatedLatencyMS: best.endpoint.LatencyP99MS,
		EstimatedCost:      best.endpoint.CostPer1KTokens * float64(msg.EstimatedCostTokens) / 1000.0,
		RoutingReason:      reason,
		FallbackEndpoints:  fallbacks,
		ScoreBreakdown:     best.breakdown,
	}
	metrics.RecordRoutingDecision(decision.TargetEndpoint, reason)
	return decision, nil
}
