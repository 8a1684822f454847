package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the role maintainer and the workflow engine.
// Role churn and denied privilege escalations form the audit trail.
const (
	TypeRoleAssigned         = "role.assigned"
	TypeRoleRemoved          = "role.removed"
	TypeRoleDeleted          = "role.deleted"
	TypeSelfAssignmentDenied = "authz.self_assignment_denied"
	TypeStateChanged         = "workflow.state_changed"
	TypeStepPending          = "workflow.step_pending"
	TypeStepCompleted        = "workflow.step_completed"
)

// Event is a single audit or state-change record.
type Event struct {
	Type       string                 // one of the Type* constants
	ActorID    uint64                 // user who performed the action, 0 for system
	SubjectID  uint64                 // user or role the action was performed on
	InstanceID uint64                 // workflow instance, 0 for role events
	Data       map[string]interface{} // additional event data
}

// Handler consumes published events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus fans events out to subscribed handlers on a background goroutine.
type EventBus struct {
	handlers   map[string][]Handler
	mu         sync.RWMutex
	eventCh    chan Event
	errHandler func(event Event, err error)
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets the handler invoked when a subscriber fails.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// NewEventBus creates an EventBus and starts its processing goroutine. The
// default buffer size is 100; subscriber errors are logged through slog
// unless WithErrorHandler overrides that.
func NewEventBus(options ...Option) *EventBus {
	eb := &EventBus{
		handlers:   make(map[string][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers a handler for an event type.
func (eb *EventBus) Subscribe(eventType string, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc registers a function as a handler for an event type.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, HandlerFunc(fn))
}

// Publish enqueues an event for asynchronous delivery. It returns an error
// if the context is cancelled, the bus is closed, no handler is registered,
// or the channel is full; it never blocks.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return ErrBusClosed
	}
	eb.closeMu.RUnlock()

	eb.mu.RLock()
	_, hasHandlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !hasHandlers {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event to all handlers and waits for them, bounded
// by a 5-second timeout unless the context is tighter. Returns every handler
// error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	eb.mu.RLock()
	handlers, ok := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !ok || len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return executeHandlers(timeoutCtx, handlers, event)
}

// Stop drains pending events and stops the processing goroutine.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers, ok := eb.handlers[event.Type]
		eb.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		for _, err := range executeHandlers(context.Background(), handlers, event) {
			eb.errHandler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func executeHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func defaultErrorHandler(event Event, err error) {
	slog.Error("event handler failed",
		slog.String("type", event.Type),
		slog.Uint64("actor_id", event.ActorID),
		slog.Uint64("subject_id", event.SubjectID),
		slog.Any("error", err))
}
