package websocket

import "context"

// Handler processes one inbound frame and returns the response frame sent
// back on the same socket, or nil for no response.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes inbound frames to handlers keyed by frame type. Unknown
// types return (nil, false) from Lookup so the hub can log and ignore them.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(eventType string, handler Handler) {
	d.handlers[eventType] = handler
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(eventType string, handler HandlerFunc) {
	d.handlers[eventType] = handler
}

// Lookup returns the handler for a frame type.
func (d *Dispatcher) Lookup(eventType string) (Handler, bool) {
	h, ok := d.handlers[eventType]
	return h, ok
}

// Dispatch routes a frame to its handler. Unknown types yield (nil, nil);
// the hub logs them and moves on.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return nil, nil
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(eventType string) bool {
	_, ok := d.handlers[eventType]
	return ok
}
