package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
)

// Kind identifies what a process event describes.
type Kind string

const (
	KindStatusChange   Kind = "status_change"
	KindProgressUpdate Kind = "progress_update"
	KindLogEntry       Kind = "log_entry"
	KindResourceUpdate Kind = "resource_update"
	KindCompletion     Kind = "completion"
	KindError          Kind = "error"
	// KindSystem marks engine-wide events that are not tied to one process.
	KindSystem Kind = "system"
)

// Event is one immutable lifecycle or workflow notification.
// ProcessID is empty for system events.
type Event struct {
	Kind      Kind
	ProcessID string
	Data      map[string]any
	Timestamp time.Time
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus is the engine's single in-process publish point. Events are
// queued onto a buffered channel and drained by one processor
// goroutine, which preserves emission order per process stream for
// every subscriber. Delivery is best-effort and at-most-once: handler
// errors go to the error callback and never block other handlers.
type Bus struct {
	handlers   map[Kind][]Handler
	allHandler []Handler
	mu         sync.RWMutex

	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex

	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets the callback invoked for each handler error.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) {
		b.errHandlerMu.Lock()
		defer b.errHandlerMu.Unlock()
		b.errHandler = handler
	}
}

// NewBus creates a Bus and starts its processor goroutine.
// The default buffer size is 100.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[Kind][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.processEvents()

	return b
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// SubscribeFunc registers a function for one event kind.
func (b *Bus) SubscribeFunc(kind Kind, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(kind, HandlerFunc(fn))
}

// SubscribeAll registers a handler that receives every event
// regardless of kind.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandler = append(b.allHandler, handler)
}

// Unsubscribe removes a handler from an event kind. Returns true if
// the handler was found.
func (b *Bus) Unsubscribe(kind Kind, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, exists := b.handlers[kind]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) {
			b.handlers[kind] = append(handlers[:i], handlers[i+1:]...)
			if len(b.handlers[kind]) == 0 {
				delete(b.handlers, kind)
			}
			return true
		}
	}
	return false
}

// Publish enqueues an event for asynchronous delivery. The event's
// timestamp is stamped here if unset. Returns an error if the bus is
// closed or the channel is full; publishers treat both as fire-and-forget.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop shuts down the processor goroutine after draining queued
// events, then waits for completion.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

// processEvents drains the channel one event at a time so each
// subscriber sees events in emission order.
func (b *Bus) processEvents() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.handlers[event.Kind])+len(b.allHandler))
		handlers = append(handlers, b.handlers[event.Kind]...)
		handlers = append(handlers, b.allHandler...)
		b.mu.RUnlock()

		if len(handlers) == 0 {
			continue
		}

		errs := b.executeHandlers(context.Background(), handlers, event)

		b.errHandlerMu.RLock()
		handler := b.errHandler
		b.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers invokes every handler, isolating failures so one
// broken delivery path never blocks the rest.
func (b *Bus) executeHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if err := b.safeHandle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// safeHandle converts a handler panic into an error.
func (b *Bus) safeHandle(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

// defaultErrorHandler logs handler errors with stack traces for debugging.
func defaultErrorHandler(event Event, err error) {
	fmt.Printf("Error handling event %s (process %s): %v\nStack: %s\n",
		event.Kind, event.ProcessID, err, debug.Stack())
}
