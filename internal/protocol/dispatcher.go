package protocol

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher routes encoded messages to the handler registered for their
// PacketID. C is the context handed to every handler: the originating
// PlayerID on the server, struct{} on the client.
//
// Each id has at most one handler. Dispatch is safe for concurrent use.
type Dispatcher[C any] struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[PacketID]func(Packet, C)
	fallback func(Packet, C)
}

// NewDispatcher creates an empty Dispatcher.
//
// Precondition: logger must be non-nil.
func NewDispatcher[C any](logger *zap.Logger) *Dispatcher[C] {
	return &Dispatcher[C]{
		logger:   logger,
		handlers: make(map[PacketID]func(Packet, C)),
	}
}

// Register stores fn as the handler for id. It is a function rather than a
// method because Go methods cannot declare type parameters.
//
// Precondition: P must be the variant type produced for id (e.g. *EnterMap for S2CEnterMap).
// Postcondition: Returns ErrDuplicateRegistration if id already has a handler,
// or an error if id is not in the catalog or P does not match it.
func Register[P Packet, C any](d *Dispatcher[C], id PacketID, fn func(P, C)) error {
	proto, ok := newPacket(id)
	if !ok {
		return fmt.Errorf("registering handler: unknown packet id %d", uint16(id))
	}
	if _, ok := proto.(P); !ok {
		var want P
		return fmt.Errorf("registering handler for %s: handler takes %T, packet is %T", id, want, proto)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, id)
	}
	d.handlers[id] = func(p Packet, c C) { fn(p.(P), c) }
	return nil
}

// MustRegister is Register for setup code that cannot continue on failure.
func MustRegister[P Packet, C any](d *Dispatcher[C], id PacketID, fn func(P, C)) {
	if err := Register(d, id, fn); err != nil {
		panic("protocol: " + err.Error())
	}
}

// SetFallback installs fn to receive every decoded packet before its typed
// handler runs, including packets with no typed handler. Passing nil removes it.
func (d *Dispatcher[C]) SetFallback(fn func(Packet, C)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = fn
}

// Registered reports whether id has a handler.
func (d *Dispatcher[C]) Registered(id PacketID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[id]
	return ok
}

// Dispatch decodes data and invokes the handler registered for its id.
//
// Postcondition: Returns nil without invoking anything when the id has no
// handler (and no fallback, or an id outside the catalog). Returns an error
// wrapping ErrProtocol when the message is truncated or its payload does not
// decode; the caller should close the originating connection.
func (d *Dispatcher[C]) Dispatch(data []byte, ctx C) error {
	id, payload, err := SplitID(data)
	if err != nil {
		return err
	}

	d.mu.RLock()
	handler, ok := d.handlers[id]
	fallback := d.fallback
	d.mu.RUnlock()

	if !ok && (fallback == nil || !id.Known()) {
		d.logger.Debug("no handler for packet",
			zap.Stringer("packet", id),
			zap.Int("size", len(payload)),
		)
		return nil
	}

	p, err := DecodePayload(id, payload)
	if err != nil {
		return err
	}
	deliver(p, ctx, handler, fallback)
	return nil
}

// DispatchPacket invokes the handler for an already decoded packet.
//
// Postcondition: Returns true if a typed handler was invoked.
func (d *Dispatcher[C]) DispatchPacket(p Packet, ctx C) bool {
	d.mu.RLock()
	handler := d.handlers[p.ID()]
	fallback := d.fallback
	d.mu.RUnlock()

	if handler == nil && fallback == nil {
		d.logger.Debug("no handler for packet", zap.Stringer("packet", p.ID()))
		return false
	}
	deliver(p, ctx, handler, fallback)
	return handler != nil
}

// deliver runs fallback then handler; either may be nil.
func deliver[C any](p Packet, ctx C, handler, fallback func(Packet, C)) {
	if fallback != nil {
		fallback(p, ctx)
	}
	if handler != nil {
		handler(p, ctx)
	}
}
