package wire

import "context"

// Handler is the interface for socket event handlers
type Handler interface {
	// Handle processes an inbound socket message
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Dispatcher routes messages to registered handlers based on event name
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for an event
func (d *Dispatcher) Register(event string, handler Handler) {
	d.handlers[event] = handler
}

// RegisterFunc registers a handler function for an event
func (d *Dispatcher) RegisterFunc(event string, handler HandlerFunc) {
	d.handlers[event] = handler
}

// Unregister removes the handler for an event
func (d *Dispatcher) Unregister(event string) {
	delete(d.handlers, event)
}

// Clear removes all registered handlers
func (d *Dispatcher) Clear() {
	d.handlers = make(map[string]Handler)
}

// Dispatch routes a message to the appropriate handler.
// Messages with no registered handler are ignored; the server may emit
// events this bridge version does not know about.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	handler, ok := d.handlers[msg.Event]
	if !ok {
		return nil
	}
	return handler.Handle(ctx, msg)
}

// HasHandler returns true if a handler is registered for the event
func (d *Dispatcher) HasHandler(event string) bool {
	_, ok := d.handlers[event]
	return ok
}

// HandlerCount returns the number of registered handlers.
func (d *Dispatcher) HandlerCount() int {
	return len(d.handlers)
}
