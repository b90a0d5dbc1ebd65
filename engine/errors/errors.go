// Package errors provides the AiMesh error taxonomy.
//
// Every rejection and failure in the dispatch pipeline is typed by Kind.
// Kinds map to HTTP status hints at the gateway and to gRPC codes at the
// operational plane; typed counters in the metrics package key off Kind.
package errors

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================
// Error Kinds
// ============================================================

// Kind identifies a class of dispatch failure.
type Kind string

const (
	// KindValidation indicates a structurally invalid message. No state was mutated.
	KindValidation Kind = "validation"
	// KindInvalidDependencies indicates a task-graph message referencing unusable dependencies.
	KindInvalidDependencies Kind = "invalid_dependencies"
	// KindCycleDetected indicates a dependency cycle within a task graph.
	KindCycleDetected Kind = "cycle_detected"
	// KindRateLimited indicates token-bucket admission denial. Carries a retry hint.
	KindRateLimited Kind = "rate_limited"
	// KindTenantQuotaExceeded indicates the tenant's concurrency ceiling was hit.
	KindTenantQuotaExceeded Kind = "tenant_quota_exceeded"
	// KindBudgetExceeded indicates the agent's token budget cannot cover the reservation.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindNoEndpointAvailable indicates routing found no eligible endpoint.
	KindNoEndpointAvailable Kind = "no_endpoint_available"
	// KindQueueFull indicates the scheduler queue for the message's class is saturated.
	KindQueueFull Kind = "queue_full"
	// KindDeadlineExceeded indicates the message deadline elapsed before dispatch.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindEndpointFailure indicates execution failed on an endpoint (recoverable via fallback).
	KindEndpointFailure Kind = "endpoint_failure"
	// KindDependencyFailed indicates a task-graph dependency failed; terminal for the dependent.
	KindDependencyFailed Kind = "dependency_failed"
	// KindShuttingDown indicates the engine is draining and not accepting work.
	KindShuttingDown Kind = "shutting_down"
	// KindInvalidHandle indicates a settle against an already-settled handle,
	// either a budget reservation or a dedup owner token. Treated as a bug.
	KindInvalidHandle Kind = "invalid_handle"
	// KindInternal indicates an unexpected engine failure, including recovered panics.
	KindInternal Kind = "internal"
)

// Retryable reports whether callers may retry after errors of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindQueueFull, KindNoEndpointAvailable, KindEndpointFailure, KindShuttingDown:
		return true
	default:
		return false
	}
}

// ============================================================
// Error Type
// ============================================================

// Error is a typed dispatch error.
type Error struct {
	Kind           Kind           `json:"kind"`
	Message        string         `json:"message"`
	RetryAfterSecs float64        `json:"retry_after_secs,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Inner          error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Inner != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Inner.Error())
	}
	return sb.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithContext attaches a key/value pair for diagnostics.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error around a cause.
func Wrap(kind Kind, message string, inner error) *Error {
	return &Error{Kind: kind, Message: message, Inner: inner}
}

// ============================================================
// Constructors
// ============================================================

// Validation reports a structurally invalid field.
func Validation(field, reason string) *Error {
	return Newf(KindValidation, "invalid %s: %s", field, reason).WithContext("field", field)
}

// InvalidDependencies reports unusable task-graph dependencies.
func InvalidDependencies(reason string) *Error {
	return Newf(KindInvalidDependencies, "invalid dependencies: %s", reason)
}

// CycleDetected reports a dependency cycle involving the given message IDs.
func CycleDetected(nodes []string) *Error {
	return Newf(KindCycleDetected, "dependency cycle detected involving: %s", strings.Join(nodes, ", "))
}

// RateLimited reports token-bucket denial with a retry hint derived from the refill rate.
func RateLimited(key string, refillRate float64) *Error {
	retryAfter := 1.0
	if refillRate > 0 {
		retryAfter = math.Ceil(1.0 / refillRate)
	}
	e := Newf(KindRateLimited, "rate limit exceeded for %s", key)
	e.RetryAfterSecs = retryAfter
	return e.WithContext("key", key)
}

// TenantQuotaExceeded reports a tenant concurrency ceiling violation.
func TenantQuotaExceeded(tenant string, concurrent, maxConcurrent int) *Error {
	return Newf(KindTenantQuotaExceeded, "tenant %s at concurrency limit (%d/%d)", tenant, concurrent, maxConcurrent).
		WithContext("tenant", tenant)
}

// BudgetExceeded reports insufficient agent budget for a reservation.
func BudgetExceeded(agentID string, requested, remaining int64) *Error {
	return Newf(KindBudgetExceeded, "agent %s requested %d tokens, %d remaining", agentID, requested, remaining).
		WithContext("agent_id", agentID)
}

// NoEndpointAvailable reports that routing found no eligible endpoint.
func NoEndpointAvailable() *Error {
	return New(KindNoEndpointAvailable, "no healthy endpoint with spare capacity")
}

// QueueFull reports scheduler saturation for a priority class.
func QueueFull(class string) *Error {
	e := Newf(KindQueueFull, "scheduler queue full for class %s", class)
	e.RetryAfterSecs = 1
	return e.WithContext("class", class)
}

// DeadlineExceeded reports that a message deadline elapsed before dispatch.
func DeadlineExceeded(messageID string) *Error {
	return Newf(KindDeadlineExceeded, "deadline elapsed for message %s", messageID).
		WithContext("message_id", messageID)
}

// EndpointFailure reports a failed execution attempt against an endpoint.
func EndpointFailure(endpointID string, cause error) *Error {
	return Wrap(KindEndpointFailure, fmt.Sprintf("execution failed on %s", endpointID), cause).
		WithContext("endpoint_id", endpointID)
}

// DependencyFailed reports a failed task-graph dependency.
func DependencyFailed(dependencyID string) *Error {
	return Newf(KindDependencyFailed, "dependency_failed: %s", dependencyID).
		WithContext("dependency_id", dependencyID)
}

// ShuttingDown reports that the engine is draining.
func ShuttingDown() *Error {
	return New(KindShuttingDown, "engine is shutting down")
}

// InvalidHandle reports a settle attempt against a handle that is no longer
// live, such as a budget reservation committed twice or a stale dedup owner
// token.
func InvalidHandle(operation string) *Error {
	return Newf(KindInvalidHandle, "handle already settled at %s", operation)
}

// Internal wraps an unexpected engine failure.
func Internal(operation string, cause error) *Error {
	return Wrap(KindInternal, fmt.Sprintf("%s failed", operation), cause)
}

// ============================================================
// Inspection
// ============================================================

// KindOf extracts the Kind from an error chain. Unknown errors map to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryAfter extracts the retry hint from an error chain, 0 when absent.
func RetryAfter(err error) float64 {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSecs
	}
	return 0
}

// ============================================================
// Surface Mappings
// ============================================================

// HTTPStatus maps a Kind to its HTTP status hint.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidDependencies, KindCycleDetected:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBudgetExceeded, KindTenantQuotaExceeded:
		return http.StatusPaymentRequired
	case KindNoEndpointAvailable, KindQueueFull, KindShuttingDown:
		return http.StatusServiceUnavailable
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindEndpointFailure:
		return http.StatusBadGateway
	case KindDependencyFailed:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a Kind to its gRPC status code.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case KindValidation, KindInvalidDependencies, KindCycleDetected:
		return codes.InvalidArgument
	case KindRateLimited, KindBudgetExceeded, KindTenantQuotaExceeded, KindQueueFull:
		return codes.ResourceExhausted
	case KindNoEndpointAvailable, KindEndpointFailure, KindShuttingDown:
		return codes.Unavailable
	case KindDeadlineExceeded:
		return codes.DeadlineExceeded
	case KindDependencyFailed:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// GRPCStatus converts an error chain to a gRPC status with structured details.
func GRPCStatus(err error) *status.Status {
	var e *Error
	if !errors.As(err, &e) {
		return status.New(codes.Internal, err.Error())
	}

	st := status.New(GRPCCode(e.Kind), e.Message)

	fields := map[string]any{"kind": string(e.Kind)}
	if e.RetryAfterSecs > 0 {
		fields["retry_after_secs"] = e.RetryAfterSecs
	}
	for k, v := range e.Context {
		fields[k] = v
	}
	detail, perr := structpb.NewStruct(fields)
	if perr != nil {
		return st
	}
	withDetails, derr := st.WithDetails(detail)
	if derr != nil {
		return st
	}
	return withDetails
}

// As is a convenience re-export so callers rarely need the stdlib package alongside.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is re-exports the stdlib matcher.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
