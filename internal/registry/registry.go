// Package registry implements the process-wide session registry (L3): the
// username->connection mapping every dispatcher worker consults to route
// a message to a specific online peer or to enumerate who is currently
// connected. The reverse direction (which username a connection is bound
// to) and each connection's receive buffer are held on the connection
// itself, not in the registry.
//
// Grounded on the teacher's Server.online map[string]*Client +
// onlineMu sync.RWMutex (chat-go/internal/server/server.go's "Online user
// tracking" section), generalized from a read-mostly side index into the
// dispatcher's sole routing table.
package registry

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadyLoggedIn is returned by Register when username already has a
// live session bound.
var ErrAlreadyLoggedIn = errors.New("registry: user already logged in")

// Peer is the minimal interface the registry needs from a connection: a way
// to hand it an outbound frame without the registry knowing anything about
// sockets, codecs, or goroutines. internal/server's conn type implements
// this.
type Peer interface {
	// Enqueue queues frame for delivery to this peer's connection. It
	// must never block the caller on network I/O; a full or closed
	// connection should be handled asynchronously by the implementation.
	Enqueue(frame []byte) error
}

// Registry holds the username->peer mapping behind one mutex: all
// lookups go under it too, to keep registrations and lookups consistent,
// and no worker holds this mutex while making a store call or a blocking
// write.
type Registry struct {
	mu      sync.Mutex
	byUser  map[string]Peer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byUser: make(map[string]Peer)}
}

// Register binds username to peer. Returns ErrAlreadyLoggedIn if username
// already has a live session.
func (r *Registry) Register(username string, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byUser[username]; exists {
		return ErrAlreadyLoggedIn
	}
	r.byUser[username] = peer
	return nil
}

// Unregister removes username's binding, if any. It is a no-op if username
// has no live session, or if the live session is a different peer than cur
// (guards against a late cleanup from a connection that already lost a
// LOGIN race).
func (r *Registry) Unregister(username string, cur Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byUser[username]; ok && p == cur {
		delete(r.byUser, username)
	}
}

// Lookup returns the peer currently bound to username, if any.
func (r *Registry) Lookup(username string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[username]
	return p, ok
}

// ActiveUsernames returns every username with a live session. Order is
// unspecified.
func (r *Registry) ActiveUsernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

// Broadcast copies every currently-registered peer out from under the lock
// and returns them, so the caller can deliver to each without holding the
// registry mutex during delivery — copy under lock, act outside it.
func (r *Registry) Broadcast() map[string]Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Peer, len(r.byUser))
	for u, p := range r.byUser {
		out[u] = p
	}
	return out
}

// Len reports the number of live sessions. Test/diagnostic use.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
