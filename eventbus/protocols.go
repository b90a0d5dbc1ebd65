// Package eventbus provides the in-process communication bus protocols and
// implementation.
//
// The bus decouples the dispatch pipeline from its observers: the
// dispatcher publishes completion and health events, the orchestrator and
// journal subscribe, and operational surfaces issue queries and commands
// without holding references into the engine.
//
// Protocol categories:
//   - Messaging: Message, Query, Bus, Middleware
//   - Events: fire-and-forget fan-out to all subscribers
//   - Queries: request-response with a single handler and timeout
//   - Commands: fire-and-forget with a single handler
package eventbus

import (
	"context"
)

// Message is the protocol for all bus messages.
// All messages (events, queries, commands) must have a category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
// Handlers process messages and optionally return responses (for queries).
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware can intercept messages before and after handling.
// Used for logging, circuit breaking, and other cross-cutting concerns.
type Middleware interface {
	// Before is called before the message is handled.
	// Returns the (possibly modified) message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after the message is handled.
	// Returns the (possibly modified) result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Bus is the protocol for the communication bus.
//
// Three messaging patterns:
//   - Publish(event): fire-and-forget, fan-out to all subscribers
//   - Send(command): fire-and-forget, single handler
//   - QuerySync(query): request-response, returns a result
type Bus interface {
	// Publish delivers an event to all subscribers and waits for them.
	Publish(ctx context.Context, event Message) error

	// PublishAsync delivers an event without blocking the caller.
	// Use Flush to wait for outstanding deliveries.
	PublishAsync(ctx context.Context, event Message)

	// Send delivers a command to its registered handler.
	Send(ctx context.Context, command Message) error

	// QuerySync delivers a query and waits for the handler's response.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers handler for an event type.
	// Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the single handler for a query or command
	// type. Registering a type twice is an error.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware appends middleware, executed in registration order on
	// the way in and reverse order on the way out.
	AddMiddleware(middleware Middleware)

	// HasHandler reports whether a handler is registered for a type.
	HasHandler(messageType string) bool

	// Subscribers returns the subscriber handlers for an event type.
	Subscribers(eventType string) []HandlerFunc

	// Flush waits for asynchronous publishes to finish, bounded by ctx.
	Flush(ctx context.Context) error

	// Clear removes all handlers, subscribers, and middleware.
	Clear()
}
