package eventbus

import (
	"context"
	"log"
	"sync"
	"time"
)

// InMemoryBus is an in-memory implementation of Bus.
//
// Thread-safe message bus for single-process deployments.
//
// Features:
//   - Event fan-out to multiple subscribers, sync or async
//   - Query request-response with timeout
//   - Command fire-and-forget
//   - Middleware chain for cross-cutting concerns
//   - Panic isolation per subscriber
//
// Usage:
//
//	bus := NewInMemoryBus(30 * time.Second)
//
//	bus.RegisterHandler("GetEngineStats", statsHandler)
//	bus.Subscribe("MessageCompleted", journalHandler)
//
//	bus.PublishAsync(ctx, &MessageCompleted{...})
//	stats, _ := bus.QuerySync(ctx, &GetEngineStats{})
type InMemoryBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	nextSubID    int
	asyncWG      sync.WaitGroup
	mu           sync.RWMutex
}

type subscription struct {
	id      int
	handler HandlerFunc
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus(queryTimeout time.Duration) *InMemoryBus {
	return &InMemoryBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
	}
}

// =============================================================================
// Messaging
// =============================================================================

// Publish publishes an event to all subscribers and waits for them.
// Subscribers run concurrently; a failing or panicking subscriber is logged
// and does not stop the others.
func (b *InMemoryBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processedEvent == nil {
		log.Printf("eventbus: event %s aborted by middleware", eventType)
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			errs[idx] = b.runSubscriber(ctx, eventType, idx, h, processedEvent)
		}(i, sub.handler)
	}
	wg.Wait()

	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}
	_, _ = b.runMiddlewareAfter(ctx, event, nil, firstErr)
	return nil
}

func (b *InMemoryBus) runSubscriber(ctx context.Context, eventType string, idx int, h HandlerFunc, event Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &BusError{Message: "subscriber panicked"}
			log.Printf("eventbus: subscriber %d panicked for %s: %v", idx, eventType, r)
		}
	}()
	if _, herr := h(ctx, event); herr != nil {
		log.Printf("eventbus: subscriber %d failed for %s: %v", idx, eventType, herr)
		return herr
	}
	return nil
}

// PublishAsync publishes an event on a background goroutine so the caller
// never blocks on subscribers. Flush waits for outstanding deliveries.
func (b *InMemoryBus) PublishAsync(ctx context.Context, event Message) {
	b.asyncWG.Add(1)
	go func() {
		defer b.asyncWG.Done()
		_ = b.Publish(ctx, event)
	}()
}

// Flush waits for asynchronous publishes to finish, bounded by ctx.
func (b *InMemoryBus) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.asyncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send sends a command to its handler. Commands with no handler are
// dropped with a log line; the handler's error is returned.
func (b *InMemoryBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		log.Printf("eventbus: command %s aborted by middleware", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		log.Printf("eventbus: no handler for command %s", messageType)
		return nil
	}

	_, handlerErr := handler(ctx, processed)
	if handlerErr != nil {
		log.Printf("eventbus: command handler failed for %s: %v", messageType, handlerErr)
	}

	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync sends a query and waits for the response, bounded by the bus
// query timeout.
func (b *InMemoryBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := NewQueryTimeoutError(messageType, b.queryTimeout.Seconds())
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// =============================================================================
// Registration
// =============================================================================

// Subscribe subscribes to an event type.
// Returns an unsubscribe function for cleanup.
func (b *InMemoryBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// RegisterHandler registers the handler for a query or command type.
// Only one handler per message type is allowed.
func (b *InMemoryBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware adds middleware to the bus.
// Middleware is executed in registration order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// Introspection
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// Subscribers returns the subscriber handlers for an event type.
func (b *InMemoryBus) Subscribers(eventType string) []HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[eventType]
	result := make([]HandlerFunc, len(subs))
	for i, s := range subs {
		result[i] = s.handler
	}
	return result
}

// RegisteredTypes returns all message types with a handler or subscriber.
func (b *InMemoryBus) RegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make(map[string]struct{})
	for t := range b.handlers {
		types[t] = struct{}{}
	}
	for t := range b.subscribers {
		types[t] = struct{}{}
	}
	result := make([]string, 0, len(types))
	for t := range types {
		result = append(result, t)
	}
	return result
}

// =============================================================================
// Lifecycle
// =============================================================================

// Clear removes all handlers, subscribers, and middleware.
// Useful for testing.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	b.mu.RLock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	b.mu.RUnlock()

	current := message
	for _, mw := range mws {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	b.mu.RLock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	b.mu.RUnlock()

	currentResult := result
	for i := len(mws) - 1; i >= 0; i-- {
		afterResult, afterErr := mws[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

// Ensure InMemoryBus implements the Bus interface.
var _ Bus = (*InMemoryBus)(nil)
