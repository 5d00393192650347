// Package hub tracks every live connection, which identity it is bound to,
// and the derived identity → connections index presence is computed from.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Tyrowin/launchchat/internal/auth"
)

var (
	// ErrDuplicateConnection is returned when registering an ID twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrUnknownConnection is returned for operations on an unregistered ID.
	ErrUnknownConnection = errors.New("connection not registered")
	// ErrDuplicateAuthentication is returned when a connection already bound
	// to one identity tries to authenticate as another.
	ErrDuplicateAuthentication = errors.New("connection already authenticated")
)

// Conn is one live connection as the registry sees it. Its identity is only
// read or written under the registry lock.
type Conn struct {
	id       string
	outbound *Outbound
	identity *auth.Identity
}

// ID returns the process-local connection handle.
func (c *Conn) ID() string {
	return c.id
}

// Outbound returns the connection's delivery queue.
func (c *Conn) Outbound() *Outbound {
	return c.outbound
}

// Departure describes a connection removed by Unregister.
type Departure struct {
	Identity      auth.Identity
	Authenticated bool
	// Last is true when the identity has no remaining live connections.
	Last bool
}

// Registry is the process-wide table of live connections. One mutex
// serializes every operation, and no caller holds it across I/O.
type Registry struct {
	mu         sync.Mutex
	conns      map[string]*Conn
	byIdentity map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*Conn),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

// Register inserts an unauthenticated connection.
func (r *Registry) Register(connID string, outbound *Outbound) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}

	c := &Conn{id: connID, outbound: outbound}
	r.conns[connID] = c
	return c, nil
}

// Authenticate binds connID to id. first reports whether this is the
// identity's only live connection, i.e. the set was empty before the call.
// Re-authenticating as the same identity is a no-op; as a different identity
// it fails with ErrDuplicateAuthentication and the original binding stays.
func (r *Registry) Authenticate(connID string, id auth.Identity) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	if c.identity != nil {
		if c.identity.ID == id.ID {
			return false, nil
		}
		return false, fmt.Errorf("%w: bound to %s", ErrDuplicateAuthentication, c.identity.ID)
	}

	bound := id
	c.identity = &bound

	set, ok := r.byIdentity[id.ID]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[id.ID] = set
	}
	first = len(set) == 0
	set[connID] = struct{}{}
	return first, nil
}

// Revoke returns an authenticated connection to the unauthenticated state.
// It undoes Authenticate when the durable online write fails.
func (r *Registry) Revoke(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.identity == nil {
		return
	}
	r.detachLocked(c)
}

// Unregister removes connID. The second result is false if it was not registered.
func (r *Registry) Unregister(connID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return Departure{}, false
	}
	delete(r.conns, connID)

	if c.identity == nil {
		return Departure{}, true
	}

	id := *c.identity
	last := r.detachLocked(c)
	return Departure{Identity: id, Authenticated: true, Last: last}, true
}

// detachLocked clears c's identity and drops it from the derived index,
// reporting whether the identity's set became empty.
func (r *Registry) detachLocked(c *Conn) bool {
	idKey := c.identity.ID
	c.identity = nil

	set := r.byIdentity[idKey]
	delete(set, c.id)
	if len(set) == 0 {
		delete(r.byIdentity, idKey)
		return true
	}
	return false
}

// BroadcastTargets returns a snapshot of every authenticated connection.
func (r *Registry) BroadcastTargets() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.identity != nil {
			targets = append(targets, c)
		}
	}
	return targets
}

// Identity returns the identity connID is bound to, if any.
func (r *Registry) Identity(connID string) (auth.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

// Lookup returns the connection registered under connID.
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	return c, ok
}

// Sessions returns how many live connections are bound to identityID.
func (r *Registry) Sessions(identityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity[identityID])
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// AuthenticatedCount returns the number of connections bound to an identity.
func (r *Registry) AuthenticatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range r.byIdentity {
		n += len(set)
	}
	return n
}

// OnlineIdentities returns the IDs of identities with at least one live connection.
func (r *Registry) OnlineIdentities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		ids = append(ids, id)
	}
	return ids
}
