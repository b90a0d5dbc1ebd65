// Package providers contains the endpoint executor adapters the dispatcher
// runs payloads through: Anthropic and OpenAI API clients, a deterministic
// local executor, and a mux that routes by endpoint ID.
package providers

import (
	"context"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// Logger is the minimal logging interface the adapters need.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Executor Mux
// =============================================================================

// Mux routes executions to the adapter registered for the endpoint ID,
// falling back to a default adapter when one is set.
type Mux struct {
	mu        sync.RWMutex
	executors map[string]dispatcher.Executor
	fallback  dispatcher.Executor
}

// NewMux creates an empty executor mux.
func NewMux() *Mux {
	return &Mux{executors: make(map[string]dispatcher.Executor)}
}

// Register binds an endpoint ID to an executor.
func (m *Mux) Register(endpointID string, exec dispatcher.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[endpointID] = exec
}

// SetFallback installs the executor used for endpoints with no binding.
func (m *Mux) SetFallback(exec dispatcher.Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = exec
}

// Remove drops an endpoint binding.
func (m *Mux) Remove(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executors, endpointID)
}

// Execute implements dispatcher.Executor.
func (m *Mux) Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, deadline time.Time) (*dispatcher.ExecutionResult, error) {
	m.mu.RLock()
	exec, ok := m.executors[endpointID]
	if !ok {
		exec = m.fallback
	}
	m.mu.RUnlock()

	if exec == nil {
		return nil, errors.Newf(errors.KindEndpointFailure, "no executor registered for endpoint %s", endpointID)
	}
	return exec.Execute(ctx, endpointID, payload, budgetTokens, deadline)
}
