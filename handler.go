package tnet

import (
	"fmt"
	"time"
)

// HandlerContext is what every registered handler receives: the socket the
// packet arrived on, the packet itself, the pools/broadcast view, and the
// shared resource handle passed to every dispatched handler call.
type HandlerContext[P Packet, S Session, R Resource] struct {
	Socket   *Socket[P]
	Packet   P
	Pools    *Pools[P, S]
	Resource *ResourceHandle[R]
}

// HandlerFunc is the capability every registered header handler must
// implement. A handler that wants to reply does so by calling
// ctx.Socket.Send itself; returning a non-nil error causes the dispatcher
// to send an ERROR packet and invoke the connection's error callback, but
// never closes the connection.
type HandlerFunc[P Packet, S Session, R Resource] func(ctx *HandlerContext[P, S, R]) error

// HandlerRegistry is the process-wide header-to-handler map. It is
// populated once via Register before Freeze is called (NewListener freezes
// it if the caller has not already); after Freeze, Lookup never mutates the
// map and needs no further synchronization.
type HandlerRegistry[P Packet, S Session, R Resource] struct {
	handlers map[string]HandlerFunc[P, S, R]
	frozen   bool
}

// NewHandlerRegistry builds an empty, unfrozen registry.
func NewHandlerRegistry[P Packet, S Session, R Resource]() *HandlerRegistry[P, S, R] {
	return &HandlerRegistry[P, S, R]{handlers: make(map[string]HandlerFunc[P, S, R])}
}

// Register binds fn to header. It fails if the registry is already frozen,
// if header is one of the reserved control headers (OK/ERROR/KEEPALIVE),
// or if header is already registered.
func (hr *HandlerRegistry[P, S, R]) Register(header string, fn HandlerFunc[P, S, R]) error {
	if hr.frozen {
		return ErrRegistryFrozen
	}
	if isReservedHeader(header) {
		return fmt.Errorf("%w: %q", ErrReservedHeader, header)
	}
	if _, exists := hr.handlers[header]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHeader, header)
	}
	hr.handlers[header] = fn
	return nil
}

// Freeze makes the registry read-only. Calling Register afterwards returns
// ErrRegistryFrozen. Freeze itself is idempotent.
func (hr *HandlerRegistry[P, S, R]) Freeze() {
	hr.frozen = true
}

// Frozen reports whether Freeze has been called.
func (hr *HandlerRegistry[P, S, R]) Frozen() bool {
	return hr.frozen
}

// Lookup returns the handler registered for header, if any. Safe to call
// concurrently once the registry is frozen; callers must not call Lookup
// concurrently with Register on an unfrozen registry.
func (hr *HandlerRegistry[P, S, R]) Lookup(header string) (HandlerFunc[P, S, R], bool) {
	fn, ok := hr.handlers[header]
	return fn, ok
}

// invokeHandler runs fn, converting a panic into ErrHandlerPanicked so the
// dispatcher can treat panics and returned errors identically.
func invokeHandler[P Packet, S Session, R Resource](fn HandlerFunc[P, S, R], ctx *HandlerContext[P, S, R]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, rec)
		}
	}()
	return fn(ctx)
}

// dispatch runs the per-packet routing: KEEPALIVE is intercepted before
// this is ever called (the caller resets its watchdog instead), so by the
// time dispatch runs, header is never KEEPALIVE.
// A miss falls back to defaultHandler; a handler error or panic is reported
// via onError and replied to the peer as an ERROR packet, but the
// connection survives.
func dispatch[P Packet, S Session, R Resource](
	registry *HandlerRegistry[P, S, R],
	factory PacketFactory[P],
	defaultHandler HandlerFunc[P, S, R],
	metrics MetricsCollector,
	onError func(error),
	ctx *HandlerContext[P, S, R],
) {
	handler, ok := registry.Lookup(ctx.Packet.Header())
	if !ok {
		handler = defaultHandler
	}

	start := time.Now()
	err := invokeHandler(handler, ctx)
	if metrics != nil {
		metrics.RecordHandlerLatency(ctx.Packet.Header(), time.Since(start))
	}
	if err != nil {
		if onError != nil {
			onError(err)
		}
		if sendErr := ctx.Socket.Send(factory.Err(err)); sendErr != nil {
			Warning("failed to send ERROR reply after handler error: %v", sendErr)
		}
	}
}

// DefaultOKHandler builds the handler invoked when a packet's header has
// no registered handler: it simply acknowledges with an OK packet.
func DefaultOKHandler[P Packet, S Session, R Resource](factory PacketFactory[P]) HandlerFunc[P, S, R] {
	return func(ctx *HandlerContext[P, S, R]) error {
		return ctx.Socket.Send(factory.OK())
	}
}
