// Bus middleware implementations.
//
// Available middleware:
//   - LoggingMiddleware: logs all message traffic
//   - CircuitBreakerMiddleware: blocks message types that keep failing,
//     e.g. a journal subscriber whose storage is down

package eventbus

import (
	"context"
	"log"
	"sync"
	"time"
)

// =============================================================================
// Logging Middleware
// =============================================================================

// LoggingMiddleware logs all message traffic.
type LoggingMiddleware struct{}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware() *LoggingMiddleware {
	return &LoggingMiddleware{}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	log.Printf("eventbus: %s %s", message.Category(), GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if err != nil {
		log.Printf("eventbus: %s failed: %v", msgType, err)
	}
	return result, nil
}

// =============================================================================
// Circuit Breaker Middleware
// =============================================================================

// breakerState tracks per-type failures for the circuit breaker.
type breakerState struct {
	failures    int
	lastFailure time.Time
	state       string // "closed", "open", "half-open"
}

// CircuitBreakerMiddleware implements the circuit breaker pattern per
// message type:
//   - opens the circuit after N consecutive failures
//   - blocks messages of that type while open
//   - lets a single probe through half-open after the reset timeout
//   - closes again on probe success
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*breakerState
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A threshold of 0 never opens. excludedTypes bypass the breaker entirely.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*breakerState),
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *breakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &breakerState{state: "closed"}
	}
	return m.states[msgType]
}

// Before blocks messages whose circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.state == "open" {
		if time.Since(state.lastFailure) >= m.resetTimeout {
			state.state = "half-open"
			log.Printf("eventbus: circuit half-open for %s", msgType)
		} else {
			log.Printf("eventbus: circuit open for %s, blocking", msgType)
			return nil, nil
		}
	}
	return message, nil
}

// After updates circuit state based on the handling result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if err != nil {
		state.failures++
		state.lastFailure = time.Now()

		if state.state == "half-open" {
			state.state = "open"
			log.Printf("eventbus: circuit reopened for %s", msgType)
		} else if m.failureThreshold > 0 && state.failures >= m.failureThreshold {
			state.state = "open"
			log.Printf("eventbus: circuit opened for %s after %d failures", msgType, state.failures)
		}
	} else if state.state == "half-open" {
		state.state = "closed"
		state.failures = 0
		log.Printf("eventbus: circuit closed for %s", msgType)
	}
	return result, nil
}

// States returns the current circuit state per message type.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.state
	}
	return result
}

// Reset clears breaker state for one message type, or all when msgType is
// empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != "" {
		delete(m.states, msgType)
	} else {
		m.states = make(map[string]*breakerState)
	}
}

// Ensure all middleware types implement the Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
