package connection

import (
	"fmt"

	"github.com/dcrodman/tttworld/internal/packets"
)

// HandlerID identifies a filtered handler so that it can later be removed.
type HandlerID uint64

type handlerFunc func(packets.Packet) error

type filteredHandler struct {
	accept func(packets.Packet) bool
	handle handlerFunc
}

// handlerEntry holds every handler registered for one packet type. An entry with
// no default and no filtered handlers is removed from the registry.
type handlerEntry struct {
	def      handlerFunc
	filtered map[HandlerID]filteredHandler
}

func (e *handlerEntry) empty() bool {
	return e.def == nil && len(e.filtered) == 0
}

func typeOf[P packets.Packet]() packets.Type {
	var p P
	return p.Type()
}

func wrap[P packets.Packet](fn func(P) error) handlerFunc {
	return func(p packets.Packet) error { return fn(p.(P)) }
}

// SetDefault installs fn as the handler used for packets of type P when no
// filtered handler accepts them, replacing any previous default.
func SetDefault[P packets.Packet](c *Connection, fn func(P) error) {
	t := typeOf[P]()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.handlers[t]
	if e == nil {
		e = &handlerEntry{filtered: make(map[HandlerID]filteredHandler)}
		c.handlers[t] = e
	}
	e.def = wrap(fn)
}

// ClearDefault removes the default handler for packets of type P.
func ClearDefault[P packets.Packet](c *Connection) {
	t := typeOf[P]()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.handlers[t]; e != nil {
		e.def = nil
		if e.empty() {
			delete(c.handlers, t)
		}
	}
}

// AddFiltered installs a handler that takes precedence over the default for
// any packet of type P that accept returns true for.
func AddFiltered[P packets.Packet](c *Connection, accept func(P) bool, fn func(P) error) HandlerID {
	t := typeOf[P]()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.handlers[t]
	if e == nil {
		e = &handlerEntry{filtered: make(map[HandlerID]filteredHandler)}
		c.handlers[t] = e
	}

	c.nextID++
	id := HandlerID(c.nextID)
	e.filtered[id] = filteredHandler{
		accept: func(p packets.Packet) bool { return accept(p.(P)) },
		handle: wrap(fn),
	}
	return id
}

// RemoveFiltered removes a handler added with AddFiltered. Removing a handler
// that is not registered is a no-op.
func RemoveFiltered[P packets.Packet](c *Connection, id HandlerID) {
	t := typeOf[P]()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.handlers[t]; e != nil {
		delete(e.filtered, id)
		if e.empty() {
			delete(c.handlers, t)
		}
	}
}

// HasHandler reports whether any handler is registered for the packet type.
func (c *Connection) HasHandler(t packets.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[t]
	return ok
}

// Dispatch routes a packet to its handler. Filtered handlers are tried first
// and the first whose filter accepts the packet handles it; otherwise the
// default handler is used. A packet with no handler is a protocol error unless
// it is a keep-alive.
func (c *Connection) Dispatch(p packets.Packet) error {
	if p == nil {
		return nil
	}

	c.mu.Lock()
	e := c.handlers[p.Type()]
	var (
		def      handlerFunc
		filtered []filteredHandler
	)
	if e != nil {
		def = e.def
		filtered = make([]filteredHandler, 0, len(e.filtered))
		for _, h := range e.filtered {
			filtered = append(filtered, h)
		}
	}
	c.mu.Unlock()

	if e == nil {
		if p.Type() == packets.KeepAliveType {
			return nil
		}
		return fmt.Errorf("%w: no handler for %v", ErrProtocol, p.Type())
	}

	for _, h := range filtered {
		if h.accept(p) {
			return h.handle(p)
		}
	}
	if def != nil {
		return def(p)
	}
	return fmt.Errorf("%w: no handler accepted %v", ErrProtocol, p.Type())
}
