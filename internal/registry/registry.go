// Package registry tracks the connections a peer holds, keyed by remote
// identity, in insertion order.
package registry

import (
	"errors"

	"meshchat/internal/transport"
)

var ErrSelf = errors.New("registry never holds the local identity")

// ChangeFunc receives the full membership, local identity first.
type ChangeFunc func(members []string)

// Registry maps identity to Connection. Every mutation calls the ChangeFunc.
// Like Connection it belongs to a single goroutine.
type Registry struct {
	self     string
	order    []string
	conns    map[string]*Connection
	onChange ChangeFunc
}

// New returns an empty registry for the local identity self.
func New(self string, onChange ChangeFunc) *Registry {
	if onChange == nil {
		onChange = func([]string) {}
	}
	return &Registry{
		self:     self,
		conns:    make(map[string]*Connection),
		onChange: onChange,
	}
}

// Upsert stores c under its identity. Replacing an entry keeps its position
// and the identity data already learned on the old connection.
func (r *Registry) Upsert(c *Connection) error {
	if c.identity == r.self {
		return ErrSelf
	}

	if old, ok := r.conns[c.identity]; ok {
		c.adopt(old)
	} else {
		r.order = append(r.order, c.identity)
	}
	r.conns[c.identity] = c
	r.notify()
	return nil
}

// Remove deletes identity and reports whether it was present.
func (r *Registry) Remove(identity string) bool {
	if _, ok := r.conns[identity]; !ok {
		return false
	}
	delete(r.conns, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notify()
	return true
}

// RemoveChannel deletes identity only if it is currently held over ch. A
// channel that lost a duplicate race closes without touching the entry.
func (r *Registry) RemoveChannel(identity string, ch transport.Channel) bool {
	c, ok := r.conns[identity]
	if !ok || c.channel != ch {
		return false
	}
	return r.Remove(identity)
}

// Clear drops every entry, notifying once if any were held.
func (r *Registry) Clear() {
	if len(r.order) == 0 {
		return
	}
	r.order = nil
	r.conns = make(map[string]*Connection)
	r.notify()
}

// Get returns the connection for identity.
func (r *Registry) Get(identity string) (*Connection, bool) {
	c, ok := r.conns[identity]
	return c, ok
}

// All returns the remote identities in insertion order.
func (r *Registry) All() []string {
	return append([]string(nil), r.order...)
}

// Members is All with the local identity prepended.
func (r *Registry) Members() []string {
	return append([]string{r.self}, r.order...)
}

// Connections returns the connections in insertion order.
func (r *Registry) Connections() []*Connection {
	out := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// Len is the number of remote identities.
func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) notify() {
	r.onChange(r.Members())
}
